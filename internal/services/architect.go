package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/huangang/vibecoding/internal/models"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/internal/tagstream"
	"github.com/huangang/vibecoding/pkg/logger"
	"gorm.io/gorm"
)

var (
	ErrViewerForbidden = errors.New("Viewers cannot edit code.")
	ErrStreamFailure   = errors.New("generation stream failed")
)

const (
	ModeGlobal = "global"
	ModeFocus  = "focus"
)

// finalizeTimeout bounds the commit that follows a cleanly finished stream.
const finalizeTimeout = 30 * time.Second

// FileTreeEntry is one element of the client's file tree. Clients send
// either file objects or bare paths; other object fields are ignored.
type FileTreeEntry struct {
	ID       string  `json:"id,omitempty"`
	Path     string  `json:"path"`
	LockedBy *string `json:"locked_by,omitempty"`
}

func (e *FileTreeEntry) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		*e = FileTreeEntry{Path: path}
		return nil
	}
	type entry FileTreeEntry
	var v entry
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = FileTreeEntry(v)
	return nil
}

// ArchitectRequest is the body of a generation call.
type ArchitectRequest struct {
	ProjectID       string   `json:"projectId" binding:"required"`
	Prompt          string   `json:"prompt" binding:"required"`
	CurrentFileTree []FileTreeEntry `json:"currentFileTree"`
	ActiveFileID    string   `json:"activeFileId"`
	Mode            string   `json:"mode"`
	Provider        string   `json:"provider"`
	APIKey          string   `json:"apiKey"`
}

// ArchitectService runs AI generations: it streams the model output, gates
// every parsed file intent and commits accepted intents once the stream ends.
type ArchitectService struct {
	files         *FileService
	members       *MemberService
	history       *HistoryService
	llm           *LLMService
	authority     *permission.Authority
	historyWindow int
}

func NewArchitectService(files *FileService, members *MemberService, history *HistoryService, llm *LLMService, authority *permission.Authority, historyWindow int) *ArchitectService {
	if historyWindow <= 0 {
		historyWindow = 30
	}
	return &ArchitectService{
		files:         files,
		members:       members,
		history:       history,
		llm:           llm,
		authority:     authority,
		historyWindow: historyWindow,
	}
}

// Generation is an opened model stream waiting to be consumed by Run.
type Generation struct {
	svc       *ArchitectService
	actor     permission.Actor
	projectID string
	prompt    string
	provider  string
	stream    TokenStream
}

func (g *Generation) Actor() permission.Actor { return g.actor }

// GenerationResult reports what a finished generation did.
type GenerationResult struct {
	Summary   string   `json:"message"`
	Committed []string `json:"files"`
	Dropped   []string `json:"dropped,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Prepare checks the credential and role, builds the prompt and opens the
// model stream. Nothing is written to the store.
func (s *ArchitectService) Prepare(ctx context.Context, userID string, req *ArchitectRequest) (*Generation, error) {
	spec := s.llm.Resolve(req.Provider)
	apiKey, err := s.llm.ResolveKey(spec, req.APIKey)
	if err != nil {
		return nil, err
	}

	actor, err := s.members.Actor(ctx, req.ProjectID, userID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.CanWrite() {
		return nil, ErrViewerForbidden
	}

	records, err := s.history.Recent(ctx, req.ProjectID, s.historyWindow)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	completion := &CompletionRequest{
		System:  BuildSystemPrompt(actor, req, files),
		History: make([]ChatTurn, 0, len(records)),
		Prompt:  req.Prompt,
	}
	for _, r := range records {
		completion.History = append(completion.History, ChatTurn{Role: r.Role, Content: r.Content})
	}

	stream, err := s.llm.Open(ctx, spec, apiKey, completion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamFailure, err)
	}
	return &Generation{
		svc:       s,
		actor:     actor,
		projectID: req.ProjectID,
		prompt:    req.Prompt,
		provider:  spec.Name,
		stream:    stream,
	}, nil
}

// BuildSystemPrompt embeds the actor's role, locked files and scope.
func BuildSystemPrompt(actor permission.Actor, req *ArchitectRequest, files []models.File) string {
	var locked []string
	activePath := ""
	for _, f := range files {
		if owner := f.LockOwner(); owner != "" && owner != actor.UserID {
			locked = append(locked, f.Path)
		}
		if f.ID == req.ActiveFileID {
			activePath = f.Path
		}
	}
	lockedJSON, _ := json.Marshal(locked)
	if locked == nil {
		lockedJSON = []byte("[]")
	}

	var focus string
	switch {
	case req.Mode == ModeGlobal && actor.Role == permission.RoleLeader:
		focus = "SCOPE: GLOBAL REFACTOR. Modify ANY and ALL files."
	case activePath != "":
		focus = fmt.Sprintf("SCOPE: FOCUSED on %q.", activePath)
	default:
		focus = "SCOPE: Project Overview."
	}

	var tree []string
	for _, e := range req.CurrentFileTree {
		if p := strings.TrimSpace(e.Path); p != "" {
			tree = append(tree, p)
		}
	}
	if len(tree) == 0 {
		for _, f := range files {
			tree = append(tree, f.Path)
		}
	}

	var b strings.Builder
	b.WriteString("YOU ARE THE PROJECT ARCHITECT.\n\n")
	b.WriteString("--- SECURITY ---\n")
	fmt.Fprintf(&b, "Role: %s. (%s)\n", actor.Role, RoleHint(actor.Role))
	fmt.Fprintf(&b, "Locked files (DO NOT EDIT unless Leader): %s\n\n", lockedJSON)
	b.WriteString(focus)
	b.WriteString("\n\n--- PROJECT FILES ---\n")
	for _, p := range tree {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteString("\n--- OUTPUT FORMAT ---\n")
	b.WriteString("Respond exactly in this format. Do not use Markdown code blocks.\n\n")
	b.WriteString("<message>\nBrief summary of the architecture and changes.\n</message>\n\n")
	b.WriteString("<file path=\"filename.ext\">\n[ENTIRE FILE CONTENT HERE]\n</file>\n")
	return b.String()
}

// Run copies the model output to w as it arrives and gates each completed
// file intent against live lock state. Only after the stream ends without
// error are the history records appended and accepted intents upserted.
func (g *Generation) Run(ctx context.Context, w io.Writer) (*GenerationResult, error) {
	defer g.stream.Close()

	log := logger.With("architect").With().
		Str("project_id", g.projectID).
		Str("user_id", g.actor.UserID).
		Str("provider", g.provider).
		Logger()

	flusher, _ := w.(http.Flusher)
	scanner := tagstream.NewScanner()
	accepted := make(map[string]int)
	var intents []tagstream.Intent
	var dropped []string

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStreamFailure, err)
		}
		chunk, err := g.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Int("bytes", scanner.BytesRead()).Msg("stream failed, discarding pending intents")
			return nil, fmt.Errorf("%w: %w", ErrStreamFailure, err)
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return nil, fmt.Errorf("%w: client gone: %w", ErrStreamFailure, err)
		}
		if flusher != nil {
			flusher.Flush()
		}

		for _, ev := range scanner.Feed(chunk) {
			if ev.Kind != tagstream.EventFile {
				continue
			}
			if err := g.gate(ctx, ev.Intent.Path); err != nil {
				log.Info().Str("path", ev.Intent.Path).Str("reason", err.Error()).Msg("intent dropped")
				dropped = append(dropped, ev.Intent.Path)
				continue
			}
			if i, ok := accepted[ev.Intent.Path]; ok {
				intents[i] = ev.Intent
				continue
			}
			accepted[ev.Intent.Path] = len(intents)
			intents = append(intents, ev.Intent)
		}
	}

	parsed := scanner.Finish()
	result := &GenerationResult{
		Summary:   parsed.SummaryOrDefault(),
		Dropped:   dropped,
		Truncated: parsed.Truncated,
	}
	err := g.finalize(ctx, intents, result)
	log.Info().
		Int("committed", len(result.Committed)).
		Int("dropped", len(result.Dropped)).
		Bool("truncated", result.Truncated).
		Msg("generation finished")
	return result, err
}

// gate is the parse-time check: path policy plus the lock as currently stored.
func (g *Generation) gate(ctx context.Context, path string) error {
	owner := ""
	f, err := g.svc.files.FindByPath(ctx, g.projectID, path)
	switch {
	case err == nil:
		owner = f.LockOwner()
	case errors.Is(err, ErrFileNotFound):
	default:
		return err
	}
	return g.svc.authority.AuthorizeWrite(path, owner, g.actor)
}

// finalize appends history and commits intents in one transaction. Each
// upsert re-checks the lock at the store, so a lock taken during generation
// still wins and only drops that intent. Any other failure rolls back the
// history together with every intent. Caller cancellation does not reach
// the commit.
func (g *Generation) finalize(ctx context.Context, intents []tagstream.Intent, result *GenerationResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	files := g.svc.files
	var (
		committed []string
		dropped   []string
		changes   []ChangeRecord
	)
	err := files.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		committed, dropped, changes = nil, nil, nil
		if err := appendHistory(tx, g.projectID, []models.ChatMessage{
			{Role: models.ChatRoleUser, Content: g.prompt},
			{Role: models.ChatRoleAssistant, Content: result.Summary},
		}); err != nil {
			return err
		}
		for _, intent := range intents {
			_, change, err := files.upsertTx(tx, g.projectID, intent.Path, intent.Content, g.actor)
			switch {
			case err == nil:
				committed = append(committed, intent.Path)
				changes = append(changes, change)
			case errors.Is(err, permission.ErrUnauthorized):
				dropped = append(dropped, intent.Path)
			default:
				return fmt.Errorf("commit %s: %w", intent.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("project_id", g.projectID).Int("intents", len(intents)).Msg("generation commit rolled back")
		return err
	}

	result.Committed = committed
	result.Dropped = append(result.Dropped, dropped...)
	for _, change := range changes {
		files.publish(ctx, change)
	}
	return nil
}

// Generate runs a generation without streaming the body to a client.
func (s *ArchitectService) Generate(ctx context.Context, userID string, req *ArchitectRequest) (*GenerationResult, error) {
	gen, err := s.Prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	return gen.Run(ctx, io.Discard)
}
