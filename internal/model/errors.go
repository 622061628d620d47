package model

import "errors"

var (
	// ErrViolationsRequired is returned when an analysis request carries no violations.
	ErrViolationsRequired = errors.New("at least one violation is required")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInProgress is returned when removing a session a request is still working on.
	ErrSessionInProgress = errors.New("session still in progress")

	// ErrNoAgentAvailable is returned when no agent channel could receive a source request.
	ErrNoAgentAvailable = errors.New("no agent available")

	// ErrSelectionCancelled is returned when the agent replied without choosing a file.
	ErrSelectionCancelled = errors.New("source selection cancelled")

	// ErrSourceTimeout is returned when no agent replied before the deadline.
	ErrSourceTimeout = errors.New("no source response before deadline")

	// ErrMalformedFrame is returned when an inbound channel frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrConnectionClosed is returned when sending on a closed agent channel.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when an agent channel cannot accept more frames.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrInvalidTransition is returned when a session state change would move backward.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Failure codes recorded on sessions and used in API error envelopes.
const (
	FailureNoAgent            = "NO_AGENT_AVAILABLE"
	FailureSelectionCancelled = "SELECTION_CANCELLED"
	FailureSourceTimeout      = "SOURCE_TIMEOUT"
)

// FailureCode maps a dispatch error to its failure code, or "" if the error
// is not part of the dispatch taxonomy.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, ErrNoAgentAvailable):
		return FailureNoAgent
	case errors.Is(err, ErrSelectionCancelled):
		return FailureSelectionCancelled
	case errors.Is(err, ErrSourceTimeout):
		return FailureSourceTimeout
	}
	return ""
}
