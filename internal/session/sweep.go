package session

import (
	"sync"
	"time"

	"github.com/aware-engine/backend/internal/model"
)

// Evict removes a settled session from memory. Sessions a request is still
// working on are kept and reported with model.ErrSessionInProgress.
func (s *Store) Evict(id string) error {
	return s.evictIf(id, (*model.Session).Settled)
}

// evictIf removes the session when drop reports true. The check and
// the delete happen under both locks, so no transition can slip between them.
func (s *Store) evictIf(id string, drop func(*model.Session) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return model.ErrSessionNotFound
	}
	e.mu.Lock()
	ok = drop(&e.session)
	e.mu.Unlock()
	if !ok {
		return model.ErrSessionInProgress
	}
	delete(s.sessions, id)
	return nil
}

// EvictBefore removes every non-awaiting session last updated before cutoff
// and returns how many were removed. Unlike Evict it also drops unsettled
// sessions, so a request that never finished cannot pin its entry forever.
func (s *Store) EvictBefore(cutoff time.Time) int {
	s.mu.RLock()
	candidates := make([]string, 0)
	for id, e := range s.sessions {
		e.mu.Lock()
		stale := e.session.State != model.SessionStateAwaitingSource && e.session.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	stale := func(m *model.Session) bool {
		return m.State != model.SessionStateAwaitingSource && m.UpdatedAt.Before(cutoff)
	}
	removed := 0
	for _, id := range candidates {
		if s.evictIf(id, stale) == nil {
			removed++
		}
	}
	return removed
}

// StartSweeper evicts sessions idle for longer than ttl every interval. The
// returned function stops the sweeper and is safe to call more than once.
func (s *Store) StartSweeper(ttl, interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if n := s.EvictBefore(now.Add(-ttl)); n > 0 {
					s.logger.Debug("evicted idle sessions", "count", n, "remaining", s.Len())
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-stopped
		})
	}
}
