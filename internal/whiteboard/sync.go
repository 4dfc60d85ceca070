package whiteboard

import "sync"

// Synchronizer publishes local document changes and applies remote ones.
// While a remote diff or clear is being applied the remote flag is set, so
// the document observer does not echo it back.
type Synchronizer struct {
	mu      sync.Mutex
	doc     *Document
	remote  bool
	publish func(Diff)
}

// NewSynchronizer observes doc and hands every local change to publish.
func NewSynchronizer(doc *Document, publish func(Diff)) *Synchronizer {
	s := &Synchronizer{doc: doc, publish: publish}
	doc.Listen(s.observe)
	return s
}

func (s *Synchronizer) observe(d Diff) {
	if s.remote || s.publish == nil {
		return
	}
	s.publish(d)
}

func (s *Synchronizer) Document() *Document { return s.doc }

// ApplyLocal applies a change made on this client; it is published.
func (s *Synchronizer) ApplyLocal(d Diff) Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Apply(d)
}

// ApplyRemote applies a diff received from another client without
// publishing it again.
func (s *Synchronizer) ApplyRemote(d Diff) Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = true
	defer func() { s.remote = false }()
	return s.doc.Apply(d)
}

// Clear removes all shapes in response to a clear command. The clear is
// itself the broadcast, so the resulting removals are not published.
func (s *Synchronizer) Clear() Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = true
	defer func() { s.remote = false }()
	return s.doc.ClearShapes()
}
