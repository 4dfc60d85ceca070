// Package livesync reconciles one client's view of a project's files with
// local edits, collaborators' broadcasts and durable store changes.
//
// A Session is the server-side state of one connected client: its file
// cache, its typing guards and the debounced durable writes of its edits.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/vibecoding/internal/broadcast"
	"github.com/huangang/vibecoding/internal/models"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/internal/services"
	"github.com/huangang/vibecoding/internal/tagstream"
	"github.com/huangang/vibecoding/internal/whiteboard"
	"github.com/huangang/vibecoding/pkg/logger"
	"github.com/rs/zerolog"
)

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrDuplicatePath = errors.New("a file with this path already exists")
	ErrSessionClosed = errors.New("session closed")
	ErrInvalidPath   = errors.New("path is required")
)

const (
	DefaultDebounce     = time.Second
	defaultWriteTimeout = 10 * time.Second
	updateBuffer        = 64
)

// Store is the durable file store a session reconciles against.
type Store interface {
	ListByProject(ctx context.Context, projectID string) ([]models.File, error)
	CreateFiles(ctx context.Context, files []models.File) ([]models.File, error)
	CreateFile(ctx context.Context, projectID, path string, actor permission.Actor) (*models.File, error)
	WriteContent(ctx context.Context, fileID string, actor permission.Actor, content string) (*models.File, error)
	ToggleLock(ctx context.Context, fileID string, actor permission.Actor) (*models.File, error)
}

// CodeDelta is the payload of a code-update broadcast.
type CodeDelta struct {
	FileID  string `json:"fileId"`
	Content string `json:"content"`
}

type UpdateKind string

const (
	UpdateFiles      UpdateKind = "files"
	UpdateFile       UpdateKind = "file"
	UpdateBoard      UpdateKind = "board"
	UpdateBoardClear UpdateKind = "board-clear"
	UpdateSummary    UpdateKind = "summary"
)

// Update is pushed to the client whenever its view changes for a reason
// other than its own request.
type Update struct {
	Kind    UpdateKind       `json:"kind"`
	Files   []models.File    `json:"files,omitempty"`
	File    *models.File     `json:"file,omitempty"`
	Board   *whiteboard.Diff `json:"board,omitempty"`
	Summary string           `json:"summary,omitempty"`
}

type Options struct {
	Debounce     time.Duration
	WriteTimeout time.Duration
}

type pendingWrite struct {
	timer *time.Timer
	gen   uint64
}

type Session struct {
	id        string
	projectID string
	actor     permission.Actor
	store     Store
	bus       broadcast.Bus
	authority *permission.Authority
	debounce  time.Duration
	timeout   time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	files    map[string]*models.File
	guards   map[string]bool
	pending  map[string]*pendingWrite
	seq      uint64
	board    *whiteboard.Synchronizer
	closed   bool
	attached int
	lastSeen time.Time

	writes  sync.WaitGroup
	updates chan Update
	done    chan struct{}
}

func NewSession(projectID string, actor permission.Actor, store Store, bus broadcast.Bus, authority *permission.Authority, opts Options) *Session {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	id := uuid.New().String()
	s := &Session{
		id:        id,
		projectID: projectID,
		actor:     actor,
		store:     store,
		bus:       bus,
		authority: authority,
		debounce:  opts.Debounce,
		timeout:   opts.WriteTimeout,
		log: logger.With("livesync").With().
			Str("session_id", id).
			Str("project_id", projectID).
			Str("user_id", actor.UserID).
			Logger(),
		files:    make(map[string]*models.File),
		guards:   make(map[string]bool),
		pending:  make(map[string]*pendingWrite),
		lastSeen: time.Now(),
		updates:  make(chan Update, updateBuffer),
		done:     make(chan struct{}),
	}
	s.board = whiteboard.NewSynchronizer(whiteboard.NewDocument(), s.publishBoard)
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) ProjectID() string { return s.projectID }
func (s *Session) Actor() permission.Actor { return s.actor }
func (s *Session) Updates() <-chan Update { return s.updates }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) Board() *whiteboard.Document { return s.board.Document() }

// Start subscribes to the room and dispatches its messages until ctx ends
// or the session is closed. Subscribing happens before Start returns, so
// a Bootstrap that follows cannot miss a change.
func (s *Session) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx,
		broadcast.Topic(s.projectID, broadcast.ChannelCode),
		broadcast.Topic(s.projectID, broadcast.ChannelDB),
		broadcast.Topic(s.projectID, broadcast.ChannelBoard),
	)
	if err != nil {
		return fmt.Errorf("subscribe room: %w", err)
	}
	go s.run(ctx, sub)
	return nil
}

func (s *Session) run(ctx context.Context, sub *broadcast.Subscription) {
	defer sub.Close()
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			s.dispatch(ctx, msg)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Warn().Err(err).Msg("room subscription error")
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg broadcast.Message) {
	if msg.Sender == s.id {
		return
	}
	var err error
	switch msg.Event {
	case broadcast.EventCodeUpdate:
		var delta CodeDelta
		if err = msg.Decode(&delta); err == nil {
			s.OnBroadcastDelta(delta)
		}
	case broadcast.EventDBChange:
		var change services.ChangeRecord
		if err = msg.Decode(&change); err == nil {
			err = s.OnStoreChange(ctx, change)
		}
	case broadcast.EventBoardChange:
		var diff whiteboard.Diff
		if err = msg.Decode(&diff); err == nil {
			s.OnBoardChange(diff)
		}
	case broadcast.EventBoardClear:
		s.OnBoardClear()
	}
	if err != nil {
		s.log.Warn().Err(err).Str("event", msg.Event).Msg("failed to handle room message")
	}
}

// Bootstrap loads the project's files, writing the default scaffold when
// the project has none.
func (s *Session) Bootstrap(ctx context.Context) ([]models.File, error) {
	files, err := s.store.ListByProject(ctx, s.projectID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if _, err := s.store.CreateFiles(ctx, DefaultScaffold(s.projectID)); err != nil {
			// another session may have written it first
			s.log.Warn().Err(err).Msg("scaffold write failed, refetching")
		}
		if files, err = s.store.ListByProject(ctx, s.projectID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(files)
	return s.snapshotLocked(), nil
}

// ApplyLocalEdit applies the client's own edit optimistically, broadcasts
// it and schedules a debounced durable write. The typing guard on the file
// holds until that write completes.
func (s *Session) ApplyLocalEdit(ctx context.Context, fileID, content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	f, ok := s.files[fileID]
	if !ok {
		s.mu.Unlock()
		return ErrFileNotFound
	}
	if err := s.authority.AuthorizeWrite(f.Path, f.LockOwner(), s.actor); err != nil {
		s.mu.Unlock()
		return err
	}
	s.guards[fileID] = true
	f.Content = content
	s.scheduleWriteLocked(fileID)
	s.mu.Unlock()

	topic := broadcast.Topic(s.projectID, broadcast.ChannelCode)
	if err := s.bus.Publish(ctx, topic, broadcast.EventCodeUpdate, s.id, CodeDelta{FileID: fileID, Content: content}); err != nil {
		s.log.Warn().Err(err).Str("file_id", fileID).Msg("failed to broadcast edit")
	}
	return nil
}

func (s *Session) scheduleWriteLocked(fileID string) {
	if p, ok := s.pending[fileID]; ok && p.timer.Stop() {
		s.writes.Done()
	}
	s.seq++
	gen := s.seq
	s.writes.Add(1)
	p := &pendingWrite{gen: gen}
	p.timer = time.AfterFunc(s.debounce, func() {
		defer s.writes.Done()
		s.flush(fileID, gen)
	})
	s.pending[fileID] = p
}

// flush writes the file's current content if gen is still the latest
// scheduled write for it.
func (s *Session) flush(fileID string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[fileID]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	f := s.files[fileID]
	if f == nil {
		// removed by a resync while the write was pending
		delete(s.pending, fileID)
		delete(s.guards, fileID)
		s.mu.Unlock()
		return
	}
	content := f.Content
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	updated, err := s.store.WriteContent(ctx, fileID, s.actor, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("file_id", fileID).Msg("durable write failed")
	} else if f := s.files[fileID]; f != nil {
		f.Version = updated.Version
		f.LockedBy = updated.LockedBy
		f.UpdatedAt = updated.UpdatedAt
	}
	if p, ok := s.pending[fileID]; ok && p.gen == gen {
		delete(s.pending, fileID)
		delete(s.guards, fileID)
	}
}

// OnBroadcastDelta applies a collaborator's edit unless the file is under
// this client's typing guard.
func (s *Session) OnBroadcastDelta(delta CodeDelta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[delta.FileID]
	if !ok || s.guards[delta.FileID] {
		return false
	}
	f.Content = delta.Content
	s.pushLocked(Update{Kind: UpdateFile, File: cloneFile(f)})
	return true
}

// OnStoreChange merges an UPDATE into local state. Under a typing guard
// only lock ownership is taken from it. Any other change type triggers a
// full resync.
func (s *Session) OnStoreChange(ctx context.Context, change services.ChangeRecord) error {
	if change.Type != services.ChangeUpdate {
		return s.Resync(ctx)
	}

	s.mu.Lock()
	f, ok := s.files[change.Record.ID]
	if !ok {
		s.mu.Unlock()
		return s.Resync(ctx)
	}
	defer s.mu.Unlock()

	if s.guards[f.ID] {
		if !change.LockChanged() && f.LockOwner() == change.Record.LockOwner() {
			return nil
		}
		f.LockedBy = change.Record.LockedBy
	} else {
		rec := change.Record
		*f = rec
	}
	s.pushLocked(Update{Kind: UpdateFile, File: cloneFile(f)})
	return nil
}

// Resync replaces the local file list with the store's. Files under a
// typing guard keep their local content.
func (s *Session) Resync(ctx context.Context) error {
	files, err := s.store.ListByProject(ctx, s.projectID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(files)
	s.pushLocked(Update{Kind: UpdateFiles, Files: s.snapshotLocked()})
	return nil
}

func (s *Session) replaceLocked(files []models.File) {
	next := make(map[string]*models.File, len(files))
	for i := range files {
		f := files[i]
		if old, ok := s.files[f.ID]; ok && s.guards[f.ID] {
			f.Content = old.Content
		}
		next[f.ID] = &f
	}
	s.files = next
}

// ToggleLock flips the file's lock for the session's actor.
func (s *Session) ToggleLock(ctx context.Context, fileID string) (*models.File, error) {
	s.mu.Lock()
	_, ok := s.files[fileID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrFileNotFound
	}

	updated, err := s.store.ToggleLock(ctx, fileID, s.actor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[fileID]; ok {
		f.LockedBy = updated.LockedBy
		f.Version = updated.Version
		return cloneFile(f), nil
	}
	return updated, nil
}

// CreateFile adds a new file for the session's actor.
func (s *Session) CreateFile(ctx context.Context, path string) (*models.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	if !s.actor.Role.CanWrite() {
		return nil, &permission.AuthorizationError{Action: "create " + path, Reason: "Viewers cannot create files"}
	}

	s.mu.Lock()
	for _, f := range s.files {
		if f.Path == path {
			s.mu.Unlock()
			return nil, ErrDuplicatePath
		}
	}
	s.mu.Unlock()

	created, err := s.store.CreateFile(ctx, s.projectID, path, s.actor)
	if errors.Is(err, services.ErrFileExists) {
		return nil, ErrDuplicatePath
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f := *created
	s.files[f.ID] = &f
	return cloneFile(&f), nil
}

// ApplyBoardChange applies the client's own whiteboard change; the
// synchronizer publishes it.
func (s *Session) ApplyBoardChange(diff whiteboard.Diff) whiteboard.Diff {
	return s.board.ApplyLocal(diff)
}

// ClearBoard removes all shapes locally and tells every client to do the same.
func (s *Session) ClearBoard(ctx context.Context) error {
	s.board.Clear()
	return s.bus.Publish(ctx, broadcast.Topic(s.projectID, broadcast.ChannelBoard), broadcast.EventBoardClear, s.id, struct{}{})
}

func (s *Session) OnBoardChange(diff whiteboard.Diff) {
	applied := s.board.ApplyRemote(diff)
	if applied.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(Update{Kind: UpdateBoard, Board: &applied})
}

func (s *Session) OnBoardClear() {
	s.board.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(Update{Kind: UpdateBoardClear})
}

func (s *Session) publishBoard(diff whiteboard.Diff) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	topic := broadcast.Topic(s.projectID, broadcast.ChannelBoard)
	if err := s.bus.Publish(ctx, topic, broadcast.EventBoardChange, s.id, diff); err != nil {
		s.log.Warn().Err(err).Msg("failed to broadcast board change")
	}
}

// PreviewGeneration reads a generation body and shows each completed file
// block on files that already exist, without writing to the store. The
// summary is pushed as it grows. When the body ends the session resyncs,
// picking up whatever the generation committed.
func (s *Session) PreviewGeneration(ctx context.Context, r io.Reader) (tagstream.Result, error) {
	scanner := tagstream.NewScanner()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range scanner.Feed(string(buf[:n])) {
				s.previewEvent(ev)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return tagstream.Result{}, err
		}
		if ctx.Err() != nil {
			return tagstream.Result{}, ctx.Err()
		}
	}

	result := scanner.Finish()
	s.mu.Lock()
	s.pushLocked(Update{Kind: UpdateSummary, Summary: result.SummaryOrDefault()})
	s.mu.Unlock()
	return result, s.Resync(ctx)
}

func (s *Session) previewEvent(ev tagstream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case tagstream.EventSummary:
		s.pushLocked(Update{Kind: UpdateSummary, Summary: ev.Summary})
	case tagstream.EventFile:
		for _, f := range s.files {
			if f.Path != ev.Intent.Path {
				continue
			}
			if s.authority.AuthorizeWrite(f.Path, f.LockOwner(), s.actor) != nil {
				return
			}
			f.Content = ev.Intent.Content
			s.pushLocked(Update{Kind: UpdateFile, File: cloneFile(f)})
			return
		}
	}
}

// Snapshot returns the session's files ordered by path.
func (s *Session) Snapshot() []models.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() []models.File {
	out := make([]models.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Guarded reports whether fileID has an unfinished local edit.
func (s *Session) Guarded(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guards[fileID]
}

// File returns a copy of the cached file.
func (s *Session) File(fileID string) (*models.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, false
	}
	return cloneFile(f), true
}

// pushLocked delivers u without blocking; a client that does not drain its
// updates loses them and must refetch the snapshot.
func (s *Session) pushLocked(u Update) {
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
		s.log.Warn().Str("kind", string(u.Kind)).Msg("update buffer full, dropping update")
	}
}

// Attach marks an event stream as connected; the returned func detaches it.
func (s *Session) Attach() func() {
	s.mu.Lock()
	s.attached++
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.attached--
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}
}

// IdleSince reports when the session last had an event stream, or the zero
// time if one is attached now.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached > 0 {
		return time.Time{}
	}
	return s.lastSeen
}

// Close writes pending edits immediately and stops the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	type due struct {
		fileID string
		gen    uint64
	}
	var flushNow []due
	for id, p := range s.pending {
		if p.timer.Stop() {
			flushNow = append(flushNow, due{id, p.gen})
		}
	}
	s.mu.Unlock()

	for _, d := range flushNow {
		s.flush(d.fileID, d.gen)
		s.writes.Done()
	}
	s.writes.Wait()
	close(s.done)
	s.log.Info().Msg("session closed")
	return nil
}

func cloneFile(f *models.File) *models.File {
	c := *f
	if f.LockedBy != nil {
		owner := *f.LockedBy
		c.LockedBy = &owner
	}
	return &c
}
