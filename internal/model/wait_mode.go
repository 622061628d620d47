package model

// WaitMode controls whether an analysis request needs agent-supplied source.
type WaitMode string

const (
	// WaitModeRequired fails the request when no source arrives.
	WaitModeRequired WaitMode = "required"
	// WaitModeBestEffort generates without source when none arrives.
	WaitModeBestEffort WaitMode = "best_effort"
	// WaitModeNone never asks agents for source.
	WaitModeNone WaitMode = "none"
)

// WaitModes lists every supported wait mode.
func WaitModes() []WaitMode {
	return []WaitMode{WaitModeRequired, WaitModeBestEffort, WaitModeNone}
}

// Valid reports whether m is a supported wait mode.
func (m WaitMode) Valid() bool {
	for _, known := range WaitModes() {
		if m == known {
			return true
		}
	}
	return false
}
