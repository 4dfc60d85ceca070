package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/huangang/vibecoding/internal/config"
	"github.com/huangang/vibecoding/pkg/logger"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Generation parameters are fixed for every provider.
const (
	generationTemperature = 0.2
	generationTopP        = 0.7
	generationMaxTokens   = 1024
)

var ErrMissingCredential = errors.New("Missing API Key. Add it in Settings or your .env file.")

// Provider kinds, one per client SDK.
const (
	KindOpenAI    = "openai"
	KindAzure     = "azure"
	KindAnthropic = "anthropic"
	KindOllama    = "ollama"
	KindGemini    = "gemini"
)

// ProviderSpec describes how to reach one named provider.
type ProviderSpec struct {
	Name     string
	Kind     string
	BaseURL  string
	Model    string
	APIKey   string
	NeedsKey bool
}

var defaultProviders = map[string]ProviderSpec{
	"openai":    {Name: "openai", Kind: KindOpenAI, Model: "gpt-4o", NeedsKey: true},
	"gemini":    {Name: "gemini", Kind: KindGemini, Model: "gemini-1.5-pro", NeedsKey: true},
	"nvidia":    {Name: "nvidia", Kind: KindOpenAI, BaseURL: "https://integrate.api.nvidia.com/v1", Model: "meta/llama-3.1-70b-instruct", NeedsKey: true},
	"groq":      {Name: "groq", Kind: KindOpenAI, BaseURL: "https://api.groq.com/openai/v1", Model: "llama3-70b-8192", NeedsKey: true},
	"anthropic": {Name: "anthropic", Kind: KindAnthropic, Model: "claude-sonnet-4-20250514", NeedsKey: true},
	"ollama":    {Name: "ollama", Kind: KindOllama, BaseURL: "http://localhost:11434", Model: "llama3"},
	"azure":     {Name: "azure", Kind: KindAzure, NeedsKey: true},
}

// ChatTurn is one prior message replayed as context.
type ChatTurn struct {
	Role    string // user, assistant
	Content string
}

type CompletionRequest struct {
	System  string
	History []ChatTurn
	Prompt  string
}

// TokenStream yields text chunks until Recv returns io.EOF.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// StreamOpener starts a completion stream for one provider kind.
type StreamOpener func(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error)

// LLMService resolves providers and opens completion streams.
type LLMService struct {
	mu          sync.RWMutex
	specs       map[string]ProviderSpec
	defaultName string
	openers     map[string]StreamOpener
}

func NewLLMService(cfg *config.LLMConfig) *LLMService {
	specs := make(map[string]ProviderSpec, len(defaultProviders))
	for name, spec := range defaultProviders {
		specs[name] = spec
	}
	for name, pc := range cfg.Providers {
		spec, ok := specs[name]
		if !ok {
			spec = ProviderSpec{Name: name, Kind: KindOpenAI, NeedsKey: true}
		}
		if pc.Kind != "" {
			spec.Kind = pc.Kind
		}
		if pc.BaseURL != "" {
			spec.BaseURL = pc.BaseURL
		}
		if pc.Model != "" {
			spec.Model = pc.Model
		}
		if pc.APIKey != "" {
			spec.APIKey = pc.APIKey
		}
		specs[name] = spec
	}

	defaultName := cfg.DefaultProvider
	if _, ok := specs[defaultName]; !ok {
		defaultName = "openai"
	}

	return &LLMService{
		specs:       specs,
		defaultName: defaultName,
		openers: map[string]StreamOpener{
			KindOpenAI:    openOpenAIStream,
			KindAzure:     openAzureStream,
			KindAnthropic: openAnthropicStream,
			KindOllama:    openOllamaStream,
			KindGemini:    openGeminiStream,
		},
	}
}

// SetOpener replaces the opener of a provider kind.
func (s *LLMService) SetOpener(kind string, opener StreamOpener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openers[kind] = opener
}

// Resolve returns the named provider; unknown names fall back to the default.
func (s *LLMService) Resolve(name string) ProviderSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if spec, ok := s.specs[strings.ToLower(strings.TrimSpace(name))]; ok {
		return spec
	}
	return s.specs[s.defaultName]
}

// ResolveKey prefers the caller's key, then the configured one.
func (s *LLMService) ResolveKey(spec ProviderSpec, requestKey string) (string, error) {
	if key := strings.TrimSpace(requestKey); key != "" {
		return key, nil
	}
	if spec.APIKey != "" {
		return spec.APIKey, nil
	}
	if !spec.NeedsKey {
		return "", nil
	}
	return "", ErrMissingCredential
}

// Open starts a completion stream with the fixed generation parameters.
func (s *LLMService) Open(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
	s.mu.RLock()
	opener, ok := s.openers[spec.Kind]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider kind: %s", spec.Kind)
	}

	logger.Info().Str("provider", spec.Name).Str("model", spec.Model).Str("base_url", spec.BaseURL).
		Int("history", len(req.History)).Msg("[LLM] opening stream")
	stream, err := opener(ctx, spec, apiKey, req)
	if err != nil {
		logger.Error().Err(err).Str("provider", spec.Name).Msg("[LLM] failed to open stream")
		return nil, fmt.Errorf("%s API error: %w", spec.Name, err)
	}
	return stream, nil
}

// --- OpenAI-compatible (openai, nvidia, groq, azure) ---

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}

func openAIMessages(req *CompletionRequest) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: req.System}}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
}

func streamChatCompletion(ctx context.Context, clientConfig openai.ClientConfig, model string, req *CompletionRequest) (TokenStream, error) {
	client := openai.NewClientWithConfig(clientConfig)
	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    openAIMessages(req),
		Temperature: generationTemperature,
		TopP:        generationTopP,
		MaxTokens:   generationMaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	return &openAIStream{stream: stream}, nil
}

func openOpenAIStream(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
	clientConfig := openai.DefaultConfig(apiKey)
	if spec.BaseURL != "" {
		clientConfig.BaseURL = spec.BaseURL
	}
	return streamChatCompletion(ctx, clientConfig, spec.Model, req)
}

// openAzureStream expects BaseURL https://{resource}.openai.azure.com and the
// deployment name as Model.
func openAzureStream(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
	if spec.BaseURL == "" {
		return nil, errors.New("azure provider requires base_url")
	}
	return streamChatCompletion(ctx, openai.DefaultAzureConfig(apiKey, spec.BaseURL), spec.Model, req)
}

// --- Anthropic ---

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
			return text.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

func openAnthropicStream(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if spec.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(spec.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	var messages []anthropic.MessageParam
	for _, turn := range req.History {
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	stream := client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(spec.Model),
		MaxTokens:   generationMaxTokens,
		System:      []anthropic.TextBlockParam{{Text: req.System}},
		Messages:    messages,
		Temperature: anthropic.Float(generationTemperature),
		TopP:        anthropic.Float(generationTopP),
	})
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	return &anthropicStream{stream: stream}, nil
}

// --- Ollama ---

type chunkResult struct {
	text string
	err  error
}

// chanStream adapts a callback-driven producer to TokenStream.
type chanStream struct {
	chunks <-chan chunkResult
	cancel context.CancelFunc
	once   sync.Once
}

func (s *chanStream) Recv() (string, error) {
	r, ok := <-s.chunks
	if !ok {
		return "", io.EOF
	}
	return r.text, r.err
}

func (s *chanStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func openOllamaStream(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
	u, err := url.Parse(spec.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)

	messages := []api.Message{{Role: "system", Content: req.System}}
	for _, turn := range req.History {
		messages = append(messages, api.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	streamCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan chunkResult, 16)

	go func() {
		defer close(chunks)
		err := client.Chat(streamCtx, &api.ChatRequest{
			Model:    spec.Model,
			Messages: messages,
			Options: map[string]interface{}{
				"temperature": generationTemperature,
				"top_p":       generationTopP,
				"num_predict": generationMaxTokens,
			},
		}, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			select {
			case chunks <- chunkResult{text: resp.Message.Content}:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
		if err != nil && streamCtx.Err() == nil {
			chunks <- chunkResult{err: err}
		}
	}()

	return &chanStream{chunks: chunks, cancel: cancel}, nil
}

// --- Gemini ---

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Recv() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

func openGeminiStream(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("Gemini client error: %w", err)
	}

	var contents []*genai.Content
	for _, turn := range req.History {
		role := genai.RoleUser
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, genai.Role(role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	seq := client.Models.GenerateContentStream(ctx, spec.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr[float32](generationTemperature),
		TopP:              genai.Ptr[float32](generationTopP),
		MaxOutputTokens:   generationMaxTokens,
	})
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}
