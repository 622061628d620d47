package session

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aware-engine/backend/internal/model"
)

func newTestStore() *Store {
	return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testViolations() []model.Violation {
	return []model.Violation{
		{
			ID:          "color-contrast",
			Description: "Ensures the contrast between foreground and background colors meets WCAG 2 AA",
			Impact:      "serious",
			Help:        "Elements must have sufficient color contrast",
			HelpURL:     "https://dequeuniversity.com/rules/axe/4.8/color-contrast",
			Nodes: []model.ViolationNode{
				{Target: []string{".hero > p"}, HTML: `<p class="muted">Welcome</p>`},
			},
		},
	}
}

func TestStore_Create(t *testing.T) {
	store := newTestStore()

	t.Run("create session successfully", func(t *testing.T) {
		url := "https://example.com/"
		id := store.Create(testViolations(), &url)
		if id == "" {
			t.Fatal("Session ID should not be empty")
		}

		session, err := store.Get(id)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if session.State != model.SessionStateCreated {
			t.Errorf("Expected state 'created', got '%s'", session.State)
		}
		if session.PageURL() != url {
			t.Errorf("Expected url '%s', got '%s'", url, session.PageURL())
		}
		if len(session.Violations) != 1 {
			t.Errorf("Expected 1 violation, got %d", len(session.Violations))
		}
	})

	t.Run("violations are snapshotted", func(t *testing.T) {
		violations := testViolations()
		id := store.Create(violations, nil)

		violations[0].ID = "mutated"
		violations[0].Nodes[0].Target[0] = "#mutated"

		session, err := store.Get(id)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if session.Violations[0].ID != "color-contrast" {
			t.Errorf("Stored violation id changed to '%s'", session.Violations[0].ID)
		}
		if session.Violations[0].Nodes[0].Target[0] != ".hero > p" {
			t.Errorf("Stored node target changed to '%s'", session.Violations[0].Nodes[0].Target[0])
		}
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id := store.Create(testViolations(), nil)
			if seen[id] {
				t.Fatalf("Duplicate session id %s", id)
			}
			seen[id] = true
		}
	})
}

func TestStore_Get(t *testing.T) {
	store := newTestStore()

	t.Run("unknown session", func(t *testing.T) {
		_, err := store.Get("does-not-exist")
		if !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("snapshot is detached", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		first, _ := store.Get(id)
		first.Violations[0].ID = "changed"
		first.State = model.SessionStateCompleted

		second, _ := store.Get(id)
		if second.Violations[0].ID != "color-contrast" {
			t.Error("Mutating a snapshot leaked into the store")
		}
		if second.State != model.SessionStateCreated {
			t.Error("Mutating a snapshot state leaked into the store")
		}
	})
}

func TestStore_RecordReply(t *testing.T) {
	store := newTestStore()

	t.Run("reply with path and content is received", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		if err := store.BeginAwait(id); err != nil {
			t.Fatalf("BeginAwait failed: %v", err)
		}

		accepted, err := store.RecordReply(id, model.StringPtr("src/App.jsx"), model.StringPtr("export default App"))
		if err != nil {
			t.Fatalf("RecordReply failed: %v", err)
		}
		if !accepted {
			t.Fatal("Expected reply to be accepted")
		}

		session, _ := store.Get(id)
		if session.State != model.SessionStateSourceReceived {
			t.Errorf("Expected state 'source_received', got '%s'", session.State)
		}
		if session.Source.Path() != "src/App.jsx" {
			t.Errorf("Expected path 'src/App.jsx', got '%s'", session.Source.Path())
		}
		if session.Source.Digest != Digest("export default App") {
			t.Error("Source digest not recorded")
		}
	})

	t.Run("empty reply is a cancellation", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.BeginAwait(id)

		accepted, err := store.RecordReply(id, nil, nil)
		if err != nil || !accepted {
			t.Fatalf("Expected accepted cancellation, got accepted=%v err=%v", accepted, err)
		}

		session, _ := store.Get(id)
		if session.State != model.SessionStateCancelled {
			t.Errorf("Expected state 'cancelled', got '%s'", session.State)
		}
		if session.Source.HasSource() {
			t.Error("Cancelled session should not carry source")
		}
	})

	t.Run("path without content is a cancellation", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.BeginAwait(id)

		if _, err := store.RecordReply(id, model.StringPtr("index.html"), model.StringPtr("")); err != nil {
			t.Fatalf("RecordReply failed: %v", err)
		}
		session, _ := store.Get(id)
		if session.State != model.SessionStateCancelled {
			t.Errorf("Expected state 'cancelled', got '%s'", session.State)
		}
		if session.Source.Path() != "" {
			t.Errorf("Cancelled source should drop the path, got '%s'", session.Source.Path())
		}
	})

	t.Run("first reply wins", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.BeginAwait(id)

		_, _ = store.RecordReply(id, model.StringPtr("a.html"), model.StringPtr("<p>a</p>"))
		accepted, err := store.RecordReply(id, model.StringPtr("b.html"), model.StringPtr("<p>b</p>"))
		if err != nil {
			t.Fatalf("Second RecordReply failed: %v", err)
		}
		if accepted {
			t.Error("Second reply should not be accepted")
		}

		session, _ := store.Get(id)
		if session.Source.Path() != "a.html" {
			t.Errorf("Expected first reply to win, got '%s'", session.Source.Path())
		}
	})

	t.Run("reply before await is accepted", func(t *testing.T) {
		id := store.Create(testViolations(), nil)

		accepted, err := store.RecordReply(id, model.StringPtr("a.html"), model.StringPtr("<p>a</p>"))
		if err != nil || !accepted {
			t.Fatalf("Expected early reply to be accepted, got accepted=%v err=%v", accepted, err)
		}
		if err := store.BeginAwait(id); err != nil {
			t.Errorf("BeginAwait after reply should be a no-op, got %v", err)
		}

		session, _ := store.Get(id)
		if session.State != model.SessionStateSourceReceived {
			t.Errorf("Expected state 'source_received', got '%s'", session.State)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := store.RecordReply("missing", nil, nil)
		if !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestStore_AttachResult(t *testing.T) {
	store := newTestStore()
	result := &model.SuggestionResult{
		Suggestions: []model.Suggestion{
			{ViolationID: "color-contrast", FixDescription: "Darken the text", CodeSnippet: `<p style="color:#333">`},
		},
	}

	t.Run("complete after source received", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.BeginAwait(id)
		_, _ = store.RecordReply(id, model.StringPtr("a.html"), model.StringPtr("<p>a</p>"))

		if err := store.AttachResult(id, result); err != nil {
			t.Fatalf("AttachResult failed: %v", err)
		}
		session, _ := store.Get(id)
		if session.State != model.SessionStateCompleted {
			t.Errorf("Expected state 'completed', got '%s'", session.State)
		}
		if session.Result == nil || len(session.Result.Suggestions) != 1 {
			t.Error("Result not attached")
		}
	})

	t.Run("complete directly from created", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		if err := store.AttachResult(id, result); err != nil {
			t.Fatalf("AttachResult failed: %v", err)
		}
		session, _ := store.Get(id)
		if session.State != model.SessionStateCompleted {
			t.Errorf("Expected state 'completed', got '%s'", session.State)
		}
	})

	t.Run("reject while awaiting source", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.BeginAwait(id)
		err := store.AttachResult(id, result)
		if !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("reject completing twice", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.AttachResult(id, result)
		err := store.AttachResult(id, result)
		if !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("late reply after completion is ignored", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.AttachResult(id, result)
		accepted, err := store.RecordReply(id, model.StringPtr("a.html"), model.StringPtr("<p>a</p>"))
		if err != nil || accepted {
			t.Errorf("Expected ignored reply, got accepted=%v err=%v", accepted, err)
		}
	})
}

func TestStore_MarkFailedAndStats(t *testing.T) {
	store := newTestStore()

	failed := store.Create(testViolations(), nil)
	if err := store.MarkFailed(failed, model.FailureNoAgent); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	session, _ := store.Get(failed)
	if session.Failure != model.FailureNoAgent {
		t.Errorf("Expected failure '%s', got '%s'", model.FailureNoAgent, session.Failure)
	}
	if session.State != model.SessionStateCreated {
		t.Errorf("MarkFailed should not change state, got '%s'", session.State)
	}

	accepted, err := store.RecordReply(failed, model.StringPtr("app.tsx"), model.StringPtr("<div/>"))
	if err != nil || accepted {
		t.Errorf("Reply after a failure should be ignored, got accepted=%v err=%v", accepted, err)
	}
	session, _ = store.Get(failed)
	if session.State != model.SessionStateCreated || session.Source != nil {
		t.Errorf("Failed session changed after reply: state=%s source=%+v", session.State, session.Source)
	}

	awaiting := store.Create(testViolations(), nil)
	_ = store.BeginAwait(awaiting)

	stats := store.Stats()
	if stats.Total != 2 {
		t.Errorf("Expected 2 sessions, got %d", stats.Total)
	}
	if stats.Awaiting != 1 {
		t.Errorf("Expected 1 awaiting session, got %d", stats.Awaiting)
	}
}

func TestStore_Evict(t *testing.T) {
	store := newTestStore()

	t.Run("awaiting sessions are kept", func(t *testing.T) {
		id := store.Create(testViolations(), nil)
		_ = store.BeginAwait(id)
		if err := store.Evict(id); !errors.Is(err, model.ErrSessionInProgress) {
			t.Errorf("Expected ErrSessionInProgress, got %v", err)
		}
		if _, err := store.Get(id); err != nil {
			t.Errorf("Awaiting session disappeared: %v", err)
		}
	})

	t.Run("unsettled sessions are kept", func(t *testing.T) {
		created := store.Create(testViolations(), nil)
		if err := store.Evict(created); !errors.Is(err, model.ErrSessionInProgress) {
			t.Errorf("Session between create and wait should be kept, got %v", err)
		}
		if err := store.BeginAwait(created); err != nil {
			t.Errorf("BeginAwait after refused eviction failed: %v", err)
		}

		received := store.Create(testViolations(), nil)
		_, _ = store.RecordReply(received, model.StringPtr("a.html"), model.StringPtr("<main></main>"))
		if err := store.Evict(received); !errors.Is(err, model.ErrSessionInProgress) {
			t.Errorf("Session awaiting its result should be kept, got %v", err)
		}
	})

	t.Run("settled sessions are removed", func(t *testing.T) {
		completed := store.Create(testViolations(), nil)
		_ = store.AttachResult(completed, &model.SuggestionResult{})
		failed := store.Create(testViolations(), nil)
		_ = store.MarkFailed(failed, model.FailureNoAgent)

		for _, id := range []string{completed, failed} {
			if err := store.Evict(id); err != nil {
				t.Errorf("Evict(%s) failed: %v", id, err)
			}
			if _, err := store.Get(id); !errors.Is(err, model.ErrSessionNotFound) {
				t.Errorf("Session %s should be gone", id)
			}
		}
		if err := store.Evict(completed); !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound on second evict, got %v", err)
		}
	})

	t.Run("evict before cutoff", func(t *testing.T) {
		s := newTestStore()
		old := s.Create(testViolations(), nil)
		_ = s.AttachResult(old, &model.SuggestionResult{})
		cutoff := time.Now().Add(time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		fresh := s.Create(testViolations(), nil)

		if n := s.EvictBefore(cutoff); n != 1 {
			t.Errorf("Expected 1 eviction, got %d", n)
		}
		if _, err := s.Get(old); !errors.Is(err, model.ErrSessionNotFound) {
			t.Error("Old session should be evicted")
		}
		if _, err := s.Get(fresh); err != nil {
			t.Error("Fresh session should be kept")
		}
	})

	t.Run("sweeper evicts idle sessions", func(t *testing.T) {
		s := newTestStore()
		id := s.Create(testViolations(), nil)
		_ = s.AttachResult(id, &model.SuggestionResult{})

		stop := s.StartSweeper(10*time.Millisecond, 5*time.Millisecond)
		defer stop()

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if s.Len() == 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if s.Len() != 0 {
			t.Errorf("Expected sweeper to evict the session, %d remain", s.Len())
		}
		stop()
	})
}

func TestDigest(t *testing.T) {
	a := Digest("<main>hello</main>")
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
	if a != Digest("<main>hello</main>") {
		t.Error("Digest should be deterministic")
	}
	if a == Digest("<main>hello!</main>") {
		t.Error("Different content should produce different digests")
	}
}
