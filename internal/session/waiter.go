package session

import (
	"fmt"
	"time"

	"github.com/aware-engine/backend/internal/model"
)

// Outcome is how a source wait ended.
type Outcome int

const (
	OutcomeReceived Outcome = iota
	OutcomeCancelled
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReceived:
		return "received"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Waiter turns the asynchronous arrival of a source reply into a bounded
// blocking call.
type Waiter struct {
	store *Store
}

// NewWaiter creates a Waiter over store.
func NewWaiter(store *Store) *Waiter {
	return &Waiter{store: store}
}

// AwaitSource blocks until the session reaches a terminal source state or
// timeout elapses, measured from the moment the session entered
// AWAITING_SOURCE. It holds no store lock while blocked and releases its
// timer on every path. Only a reply or the deadline resolve a wait.
func (w *Waiter) AwaitSource(id string, timeout time.Duration) (Outcome, *model.SourceContext, error) {
	decided, awaitedAt, err := w.store.waitHandle(id)
	if err != nil {
		return 0, nil, err
	}
	if awaitedAt.IsZero() {
		awaitedAt = time.Now()
	}

	remaining := time.Until(awaitedAt.Add(timeout))
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	var state model.SessionState
	var src *model.SourceContext
	select {
	case <-decided:
		state, src, err = w.store.outcome(id)
	case <-timer.C:
		// A reply may have landed between the timer firing and expire taking
		// the lock; expire reports whichever decision won.
		state, src, err = w.store.expire(id)
	}
	if err != nil {
		return 0, nil, err
	}

	switch state {
	case model.SessionStateSourceReceived:
		return OutcomeReceived, src, nil
	case model.SessionStateCancelled:
		return OutcomeCancelled, src, nil
	case model.SessionStateTimedOut:
		return OutcomeTimedOut, nil, nil
	}
	return 0, nil, fmt.Errorf("%w: wait ended in state %s", model.ErrInvalidTransition, state)
}
