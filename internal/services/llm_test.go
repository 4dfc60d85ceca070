package services

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/huangang/vibecoding/internal/config"
)

// fakeStream replays fixed chunks, then fails with err if set.
type fakeStream struct {
	chunks []string
	err    error
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func TestLLMService_Resolve(t *testing.T) {
	svc := NewLLMService(&config.LLMConfig{DefaultProvider: "openai"})

	tests := []struct {
		name    string
		kind    string
		baseURL string
		model   string
	}{
		{"openai", KindOpenAI, "", "gpt-4o"},
		{"gemini", KindGemini, "", "gemini-1.5-pro"},
		{"nvidia", KindOpenAI, "https://integrate.api.nvidia.com/v1", "meta/llama-3.1-70b-instruct"},
		{"groq", KindOpenAI, "https://api.groq.com/openai/v1", "llama3-70b-8192"},
		{"GROQ ", KindOpenAI, "https://api.groq.com/openai/v1", "llama3-70b-8192"},
		{"unknown", KindOpenAI, "", "gpt-4o"},
		{"", KindOpenAI, "", "gpt-4o"},
	}

	for _, tt := range tests {
		spec := svc.Resolve(tt.name)
		if spec.Kind != tt.kind {
			t.Errorf("Resolve(%q).Kind = %q, expected %q", tt.name, spec.Kind, tt.kind)
		}
		if spec.BaseURL != tt.baseURL {
			t.Errorf("Resolve(%q).BaseURL = %q, expected %q", tt.name, spec.BaseURL, tt.baseURL)
		}
		if spec.Model != tt.model {
			t.Errorf("Resolve(%q).Model = %q, expected %q", tt.name, spec.Model, tt.model)
		}
	}
}

func TestLLMService_ConfigOverrides(t *testing.T) {
	svc := NewLLMService(&config.LLMConfig{
		DefaultProvider: "local",
		Providers: map[string]config.ProviderConfig{
			"groq":  {Model: "llama3-8b-8192", APIKey: "gsk"},
			"local": {Kind: KindOllama, BaseURL: "http://ollama:11434", Model: "qwen2"},
		},
	})

	groq := svc.Resolve("groq")
	if groq.Model != "llama3-8b-8192" || groq.APIKey != "gsk" {
		t.Errorf("groq = %+v, expected overridden model and key", groq)
	}
	if groq.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("groq BaseURL = %q, expected default to survive", groq.BaseURL)
	}

	if got := svc.Resolve("missing"); got.Name != "local" || got.Kind != KindOllama {
		t.Errorf("Resolve(missing) = %+v, expected configured default", got)
	}
}

func TestLLMService_ResolveKey(t *testing.T) {
	svc := NewLLMService(&config.LLMConfig{})

	withEnvKey := ProviderSpec{Name: "openai", NeedsKey: true, APIKey: "env-key"}
	noKey := ProviderSpec{Name: "openai", NeedsKey: true}
	keyless := ProviderSpec{Name: "ollama"}

	if key, err := svc.ResolveKey(withEnvKey, "request-key"); err != nil || key != "request-key" {
		t.Errorf("ResolveKey() = %q, %v, expected request key", key, err)
	}
	if key, err := svc.ResolveKey(withEnvKey, "  "); err != nil || key != "env-key" {
		t.Errorf("ResolveKey() = %q, %v, expected configured key", key, err)
	}
	if _, err := svc.ResolveKey(noKey, ""); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("ResolveKey() error = %v, expected ErrMissingCredential", err)
	}
	if key, err := svc.ResolveKey(keyless, ""); err != nil || key != "" {
		t.Errorf("ResolveKey() = %q, %v, expected empty key without error", key, err)
	}
}

func TestLLMService_OpenUsesKindOpener(t *testing.T) {
	svc := NewLLMService(&config.LLMConfig{})

	var gotSpec ProviderSpec
	var gotKey string
	svc.SetOpener(KindOpenAI, func(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
		gotSpec, gotKey = spec, apiKey
		return &fakeStream{chunks: []string{"a", "b"}}, nil
	})

	stream, err := svc.Open(context.Background(), svc.Resolve("groq"), "k", &CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	if gotSpec.Name != "groq" || gotKey != "k" {
		t.Errorf("opener got spec %q key %q", gotSpec.Name, gotKey)
	}
	var text string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		text += chunk
	}
	if text != "ab" {
		t.Errorf("stream text = %q, expected %q", text, "ab")
	}
}

func TestLLMService_OpenErrors(t *testing.T) {
	svc := NewLLMService(&config.LLMConfig{})
	svc.SetOpener(KindGemini, func(ctx context.Context, spec ProviderSpec, apiKey string, req *CompletionRequest) (TokenStream, error) {
		return nil, errors.New("quota exceeded")
	})

	if _, err := svc.Open(context.Background(), svc.Resolve("gemini"), "k", &CompletionRequest{}); err == nil {
		t.Error("Open() should surface opener errors")
	}
	if _, err := svc.Open(context.Background(), ProviderSpec{Name: "x", Kind: "bogus"}, "", &CompletionRequest{}); err == nil {
		t.Error("Open() should reject unknown kinds")
	}
}

func TestOpenAIMessages(t *testing.T) {
	msgs := openAIMessages(&CompletionRequest{
		System:  "sys",
		History: []ChatTurn{{Role: "user", Content: "q1"}, {Role: "assistant", Content: "a1"}},
		Prompt:  "q2",
	})

	expected := []struct{ role, content string }{
		{"system", "sys"}, {"user", "q1"}, {"assistant", "a1"}, {"user", "q2"},
	}
	if len(msgs) != len(expected) {
		t.Fatalf("len(messages) = %d, expected %d", len(msgs), len(expected))
	}
	for i, e := range expected {
		if msgs[i].Role != e.role || msgs[i].Content != e.content {
			t.Errorf("messages[%d] = {%s %q}, expected {%s %q}", i, msgs[i].Role, msgs[i].Content, e.role, e.content)
		}
	}
}

func TestChanStream(t *testing.T) {
	chunks := make(chan chunkResult, 3)
	chunks <- chunkResult{text: "x"}
	chunks <- chunkResult{err: errors.New("boom")}
	close(chunks)

	cancelled := false
	s := &chanStream{chunks: chunks, cancel: func() { cancelled = true }}

	if text, err := s.Recv(); err != nil || text != "x" {
		t.Errorf("Recv() = %q, %v", text, err)
	}
	if _, err := s.Recv(); err == nil {
		t.Error("Recv() should return the producer error")
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("Recv() error = %v, expected io.EOF", err)
	}
	s.Close()
	s.Close()
	if !cancelled {
		t.Error("Close() should cancel the producer")
	}
}
