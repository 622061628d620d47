// Package session owns analysis sessions: their state machine, the
// correlated wait for an agent's source reply, and TTL eviction.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aware-engine/backend/internal/model"
)

// entry is the store's private record for one session. All fields are
// guarded by mu; decided is closed exactly once, when the session reaches a
// terminal source state.
type entry struct {
	mu        sync.Mutex
	session   model.Session
	decided   chan struct{}
	awaitedAt time.Time
}

// Store is the single source of truth for sessions. Callers only ever see
// snapshots; nothing outside this package touches an entry directly.
type Store struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

// Stats is a point-in-time count of sessions for health reporting.
type Stats struct {
	Total    int
	Awaiting int
}

// NewStore creates an empty session store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:   logger.With("component", "session_store"),
		sessions: make(map[string]*entry),
	}
}

// Create registers a new session in the CREATED state and returns its id.
// The violations are deep-copied.
func (s *Store) Create(violations []model.Violation, url *string) string {
	id := uuid.New().String()
	now := time.Now()

	var urlCopy *string
	if url != nil {
		u := *url
		urlCopy = &u
	}

	e := &entry{
		session: model.Session{
			ID:         id,
			Violations: model.CloneViolations(violations),
			URL:        urlCopy,
			State:      model.SessionStateCreated,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		decided: make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	s.logger.Info("session created", "session_id", id, "violations", len(violations))
	return id
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return e, nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (*model.Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.session), nil
}

// BeginAwait moves a session from CREATED to AWAITING_SOURCE and starts its
// wait clock. If a reply already decided the session this is a no-op.
func (s *Store) BeginAwait(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.awaitedAt = time.Now()
	switch e.session.State {
	case model.SessionStateCreated:
		e.session.State = model.SessionStateAwaitingSource
		e.session.UpdatedAt = e.awaitedAt
		return nil
	case model.SessionStateAwaitingSource, model.SessionStateSourceReceived, model.SessionStateCancelled:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, e.session.State, model.SessionStateAwaitingSource)
}

// RecordReply applies an agent's source reply. It returns accepted=false
// when the session already left AWAITING_SOURCE or has a recorded failure;
// the first reply wins.
// A reply with both a path and content decides SOURCE_RECEIVED, anything
// else decides CANCELLED.
func (s *Store) RecordReply(id string, filePath, content *string) (bool, error) {
	e, err := s.lookup(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.session.AcceptsReply() {
		s.logger.Warn("ignoring late source reply",
			"session_id", id, "state", e.session.State, "failure", e.session.Failure,
			"file_path", derefOr(filePath, ""))
		return false, nil
	}

	src := &model.SourceContext{
		FilePath: filePath,
		Content:  content,
		PageURL:  e.session.URL,
	}
	state := model.SessionStateCancelled
	if src.HasSource() {
		state = model.SessionStateSourceReceived
		src.Digest = Digest(*content)
	} else {
		src.FilePath, src.Content = nil, nil
	}
	src = src.Clone()

	s.decideLocked(e, state, src)
	s.logger.Info("source reply recorded", "session_id", id, "state", state, "file_path", src.Path())
	return true, nil
}

// decideLocked moves e to a terminal source state and fires its
// notification. e.mu must be held and the state must still accept replies.
func (s *Store) decideLocked(e *entry, state model.SessionState, src *model.SourceContext) {
	e.session.State = state
	e.session.Source = src
	e.session.UpdatedAt = time.Now()
	close(e.decided)
}

// expire decides TIMED_OUT if nothing else has decided the session yet. It
// returns the state the session ended up in.
func (s *Store) expire(id string) (model.SessionState, *model.SourceContext, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.AcceptsReply() {
		s.decideLocked(e, model.SessionStateTimedOut, nil)
		s.logger.Info("source wait timed out", "session_id", id)
	}
	return e.session.State, e.session.Source.Clone(), nil
}

// outcome returns the current state and source under the entry lock.
func (s *Store) outcome(id string) (model.SessionState, *model.SourceContext, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State, e.session.Source.Clone(), nil
}

// waitHandle returns the session's single-fire notification channel and the
// time its wait began.
func (s *Store) waitHandle(id string) (<-chan struct{}, time.Time, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, time.Time{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decided, e.awaitedAt, nil
}

// AttachResult stores the suggestion result and moves the session to
// COMPLETED. Sessions still waiting on a reply cannot complete.
func (s *Store) AttachResult(id string, result *model.SuggestionResult) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.session.State
	if from == model.SessionStateAwaitingSource || !from.CanTransition(model.SessionStateCompleted) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, model.SessionStateCompleted)
	}
	if from == model.SessionStateCreated {
		// Completing without ever waiting; release anything holding the handle.
		close(e.decided)
	}
	e.session.State = model.SessionStateCompleted
	e.session.Result = result.Clone()
	e.session.UpdatedAt = time.Now()
	return nil
}

// MarkFailed records a failure code on the session without changing its
// state. Replies arriving afterwards are ignored.
func (s *Store) MarkFailed(id, code string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Failure = code
	e.session.UpdatedAt = time.Now()
	return nil
}

// Stats returns session counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	stats := Stats{Total: len(entries)}
	for _, e := range entries {
		e.mu.Lock()
		if e.session.State == model.SessionStateAwaitingSource {
			stats.Awaiting++
		}
		e.mu.Unlock()
	}
	return stats
}

// Len returns the number of sessions held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// snapshot deep-copies a session. The entry lock must be held.
func snapshot(src *model.Session) *model.Session {
	out := *src
	out.Violations = model.CloneViolations(src.Violations)
	if src.URL != nil {
		u := *src.URL
		out.URL = &u
	}
	out.Source = src.Source.Clone()
	out.Result = src.Result.Clone()
	return &out
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
