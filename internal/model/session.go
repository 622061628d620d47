package model

import (
	"encoding/json"
	"time"
)

// SessionState represents where a session is in the source-request lifecycle.
type SessionState string

const (
	SessionStateCreated        SessionState = "created"
	SessionStateAwaitingSource SessionState = "awaiting_source"
	SessionStateSourceReceived SessionState = "source_received"
	SessionStateCancelled      SessionState = "cancelled"
	SessionStateTimedOut       SessionState = "timed_out"
	SessionStateCompleted      SessionState = "completed"
)

// rank orders states so transitions can be checked for forward movement.
// The three terminal source states share a rank: once one is decided the
// others are unreachable.
func (s SessionState) rank() int {
	switch s {
	case SessionStateCreated:
		return 0
	case SessionStateAwaitingSource:
		return 1
	case SessionStateSourceReceived, SessionStateCancelled, SessionStateTimedOut:
		return 2
	case SessionStateCompleted:
		return 3
	}
	return -1
}

// IsSourceTerminal reports whether s is one of the states that end the wait.
func (s SessionState) IsSourceTerminal() bool {
	return s.rank() == 2
}

// AcceptsReply reports whether a source reply may still decide the outcome.
func (s SessionState) AcceptsReply() bool {
	return s == SessionStateCreated || s == SessionStateAwaitingSource
}

// CanTransition reports whether moving from s to next is a forward move.
func (s SessionState) CanTransition(next SessionState) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// ViolationNode is one DOM element affected by a violation.
type ViolationNode struct {
	Target []string `json:"target"`
	HTML   string   `json:"html"`
}

// Violation is an accessibility rule violation reported by the frontend.
type Violation struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Impact      string          `json:"impact"`
	Help        string          `json:"help"`
	HelpURL     string          `json:"helpUrl"`
	Nodes       []ViolationNode `json:"nodes"`
}

// CloneViolations returns a deep copy so the caller's slice can be mutated
// without affecting a stored snapshot.
func CloneViolations(in []Violation) []Violation {
	if in == nil {
		return nil
	}
	out := make([]Violation, len(in))
	for i, v := range in {
		out[i] = v
		if v.Nodes != nil {
			out[i].Nodes = make([]ViolationNode, len(v.Nodes))
			for j, n := range v.Nodes {
				out[i].Nodes[j] = ViolationNode{
					Target: append([]string(nil), n.Target...),
					HTML:   n.HTML,
				}
			}
		}
	}
	return out
}

// SourceContext is the source file an agent supplied for a session.
// A cancelled selection has neither FilePath nor Content.
type SourceContext struct {
	FilePath *string `json:"filePath,omitempty"`
	Content  *string `json:"content,omitempty"`
	PageURL  *string `json:"pageUrl,omitempty"`
	Digest   string  `json:"digest,omitempty"`
}

// HasSource reports whether both a file path and content are present.
func (s *SourceContext) HasSource() bool {
	return s != nil && s.FilePath != nil && *s.FilePath != "" && s.Content != nil && *s.Content != ""
}

// Path returns the file path or "".
func (s *SourceContext) Path() string {
	if s == nil || s.FilePath == nil {
		return ""
	}
	return *s.FilePath
}

// Text returns the content or "".
func (s *SourceContext) Text() string {
	if s == nil || s.Content == nil {
		return ""
	}
	return *s.Content
}

// Clone returns a copy with its own string pointers.
func (s *SourceContext) Clone() *SourceContext {
	if s == nil {
		return nil
	}
	return &SourceContext{
		FilePath: cloneString(s.FilePath),
		Content:  cloneString(s.Content),
		PageURL:  cloneString(s.PageURL),
		Digest:   s.Digest,
	}
}

// SuggestionSource says where a suggestion came from.
type SuggestionSource string

const (
	SuggestionFromModel    SuggestionSource = "model"
	SuggestionFromCaption  SuggestionSource = "caption"
	SuggestionFromFallback SuggestionSource = "fallback"
)

// Suggestion is a proposed fix for a single violation.
type Suggestion struct {
	ViolationID    string           `json:"violationId"`
	FixDescription string           `json:"fixDescription"`
	CodeSnippet    string           `json:"codeSnippet"`
	Source         SuggestionSource `json:"source,omitempty"`
}

// SuggestionResult is the output of the suggestion pipeline. Error is set
// when the pipeline degraded to fallback suggestions.
type SuggestionResult struct {
	Suggestions []Suggestion `json:"suggestions"`
	Error       string       `json:"error,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *SuggestionResult) Clone() *SuggestionResult {
	if r == nil {
		return nil
	}
	return &SuggestionResult{
		Suggestions: append([]Suggestion(nil), r.Suggestions...),
		Error:       r.Error,
	}
}

// Session is a point-in-time snapshot of one analysis request.
type Session struct {
	ID         string            `json:"id"`
	Violations []Violation       `json:"violations"`
	URL        *string           `json:"url,omitempty"`
	State      SessionState      `json:"state"`
	Source     *SourceContext    `json:"source,omitempty"`
	Result     *SuggestionResult `json:"result,omitempty"`
	Failure    string            `json:"failure,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// PageURL returns the origin URL or "".
func (s *Session) PageURL() string {
	if s.URL == nil {
		return ""
	}
	return *s.URL
}

// AcceptsReply reports whether a source reply may still decide the session.
// A session with a recorded failure has already been answered and is final.
func (s *Session) AcceptsReply() bool {
	return s.Failure == "" && s.State.AcceptsReply()
}

// Settled reports whether the request behind the session has been answered:
// it either completed or ended with a recorded failure.
func (s *Session) Settled() bool {
	if s.State == SessionStateAwaitingSource {
		return false
	}
	return s.State == SessionStateCompleted || s.Failure != ""
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// MarshalSnapshot serializes the session for archival storage.
func (s *Session) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot restores a session from archival storage.
func (s *Session) UnmarshalSnapshot(data []byte) error {
	return json.Unmarshal(data, s)
}

// SessionSummary is the archived index row for a session.
type SessionSummary struct {
	ID              string       `json:"id"`
	State           SessionState `json:"state"`
	Failure         string       `json:"failure,omitempty"`
	URL             string       `json:"url,omitempty"`
	ViolationCount  int          `json:"violationCount"`
	SuggestionCount int          `json:"suggestionCount"`
	SourcePath      string       `json:"sourcePath,omitempty"`
	SourceDigest    string       `json:"sourceDigest,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Summary returns the index row for s.
func (s *Session) Summary() SessionSummary {
	sum := SessionSummary{
		ID:             s.ID,
		State:          s.State,
		Failure:        s.Failure,
		URL:            s.PageURL(),
		ViolationCount: len(s.Violations),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.Result != nil {
		sum.SuggestionCount = len(s.Result.Suggestions)
	}
	if s.Source != nil {
		sum.SourcePath = s.Source.Path()
		sum.SourceDigest = s.Source.Digest
	}
	return sum
}

// AnalysisRequest is the body of POST /suggest-fixes.
type AnalysisRequest struct {
	Violations []Violation `json:"violations"`
	URL        *string     `json:"url,omitempty"`
	Timestamp  *string     `json:"timestamp,omitempty"`
}

// Validate validates the analysis request.
func (r *AnalysisRequest) Validate() error {
	if len(r.Violations) == 0 {
		return ErrViolationsRequired
	}
	return nil
}

// StringPtr returns a pointer to s, or nil if s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
