// Package dispatch runs one analysis request end to end: it creates the
// session, asks connected agents for source, waits for the correlated reply
// and generates suggestions.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aware-engine/backend/internal/model"
	"github.com/aware-engine/backend/internal/session"
	"github.com/aware-engine/backend/internal/suggest"
	"github.com/aware-engine/backend/internal/ws"
)

// WaitMode controls whether a request needs agent-supplied source.
type WaitMode = model.WaitMode

const (
	WaitModeRequired   = model.WaitModeRequired
	WaitModeBestEffort = model.WaitModeBestEffort
	WaitModeNone       = model.WaitModeNone
)

// DefaultSourceTimeout is used when Config.SourceTimeout is zero.
const DefaultSourceTimeout = 30 * time.Second

const archiveTimeout = 5 * time.Second

// Broadcaster fans a frame out to connected agents.
type Broadcaster interface {
	IsEmpty() bool
	Broadcast(f ws.Frame) (int, []string)
	Deregister(id string) bool
}

// SessionStore holds sessions and their state.
type SessionStore interface {
	Create(violations []model.Violation, url *string) string
	Get(id string) (*model.Session, error)
	BeginAwait(id string) error
	AttachResult(id string, result *model.SuggestionResult) error
	MarkFailed(id, code string) error
}

// SourceWaiter blocks until a session's source wait is decided.
type SourceWaiter interface {
	AwaitSource(id string, timeout time.Duration) (session.Outcome, *model.SourceContext, error)
}

// Generator produces suggestions. It never fails.
type Generator interface {
	Generate(ctx context.Context, in suggest.Input) *model.SuggestionResult
}

// Archive stores finished sessions.
type Archive interface {
	Save(ctx context.Context, s *model.Session) error
}

// Config configures a Dispatcher.
type Config struct {
	SourceTimeout time.Duration
	WaitMode      WaitMode
}

// Deps are the collaborators of a Dispatcher. Archive may be nil.
type Deps struct {
	Registry  Broadcaster
	Store     SessionStore
	Waiter    SourceWaiter
	Generator Generator
	Archive   Archive
	Logger    *slog.Logger
}

// Response is a successful dispatch.
type Response struct {
	SessionID string
	Result    *model.SuggestionResult

	// SourceFailure is the failure code when best-effort mode generated
	// without source.
	SourceFailure string
}

// SessionError is a dispatch failure tied to the session it happened in.
type SessionError struct {
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Dispatcher coordinates the registry, the store, the waiter and the
// generator for analysis requests.
type Dispatcher struct {
	registry  Broadcaster
	store     SessionStore
	waiter    SourceWaiter
	generator Generator
	archive   Archive
	cfg       Config
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if !cfg.WaitMode.Valid() {
		cfg.WaitMode = WaitModeRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  deps.Registry,
		store:     deps.Store,
		waiter:    deps.Waiter,
		generator: deps.Generator,
		archive:   deps.Archive,
		cfg:       cfg,
		logger:    logger.With("component", "dispatch"),
	}
}

// WaitMode returns the configured wait mode.
func (d *Dispatcher) WaitMode() WaitMode {
	return d.cfg.WaitMode
}

// Dispatch handles one analysis request. Failures from the dispatch
// taxonomy (model.ErrNoAgentAvailable, model.ErrSelectionCancelled,
// model.ErrSourceTimeout) are returned as *SessionError in required mode.
func (d *Dispatcher) Dispatch(ctx context.Context, req *model.AnalysisRequest) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := d.store.Create(req.Violations, req.URL)
	logger := d.logger.With("session_id", id)
	logger.Info("analysis request received", "violations", len(req.Violations), "wait_mode", d.cfg.WaitMode)

	if d.cfg.WaitMode == WaitModeNone {
		return d.complete(ctx, logger, id, req, nil, "")
	}

	start := time.Now()
	src, err := d.acquireSource(id, req)
	if err == nil {
		logger.Info("source acquired", "file_path", src.Path(), "wait", time.Since(start))
		return d.complete(ctx, logger, id, req, src, "")
	}

	code := model.FailureCode(err)
	if code == "" {
		logger.Error("dispatch failed", "error", err)
		return nil, &SessionError{SessionID: id, Err: err}
	}
	if d.cfg.WaitMode == WaitModeBestEffort {
		logger.Info("continuing without source", "reason", code, "wait", time.Since(start))
		return d.complete(ctx, logger, id, req, nil, code)
	}

	d.markFailed(logger, id, code)
	logger.Info("analysis request failed", "reason", code, "wait", time.Since(start))
	d.save(ctx, logger, id)
	return nil, &SessionError{SessionID: id, Err: err}
}

// acquireSource broadcasts the source request and waits for the reply.
func (d *Dispatcher) acquireSource(id string, req *model.AnalysisRequest) (*model.SourceContext, error) {
	if d.registry.IsEmpty() {
		return nil, model.ErrNoAgentAvailable
	}

	sent, failed := d.registry.Broadcast(ws.NewRequestSource(id, req.Violations, req.URL))
	for _, connID := range failed {
		d.registry.Deregister(connID)
	}
	if len(failed) > 0 {
		d.logger.Warn("evicted unreachable agents", "session_id", id, "evicted", len(failed), "sent", sent)
	}
	if sent == 0 {
		return nil, model.ErrNoAgentAvailable
	}

	if err := d.store.BeginAwait(id); err != nil {
		return nil, err
	}
	outcome, src, err := d.waiter.AwaitSource(id, d.cfg.SourceTimeout)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case session.OutcomeReceived:
		return src, nil
	case session.OutcomeCancelled:
		return nil, model.ErrSelectionCancelled
	case session.OutcomeTimedOut:
		return nil, model.ErrSourceTimeout
	}
	return nil, fmt.Errorf("unexpected wait outcome %s", outcome)
}

// complete generates suggestions, attaches them and archives the session.
func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, id string, req *model.AnalysisRequest, src *model.SourceContext, sourceFailure string) (*Response, error) {
	pageURL := ""
	if req.URL != nil {
		pageURL = *req.URL
	}

	start := time.Now()
	result := d.generator.Generate(ctx, suggest.Input{
		Violations: req.Violations,
		Source:     src,
		PageURL:    pageURL,
	})
	if err := d.store.AttachResult(id, result); err != nil {
		logger.Error("failed to attach result", "error", err)
		return nil, &SessionError{SessionID: id, Err: err}
	}
	if sourceFailure != "" {
		d.markFailed(logger, id, sourceFailure)
	}
	logger.Info("analysis completed",
		"suggestions", len(result.Suggestions),
		"degraded", result.Error != "",
		"generate", time.Since(start))

	d.save(ctx, logger, id)
	return &Response{SessionID: id, Result: result, SourceFailure: sourceFailure}, nil
}

// markFailed records code on the session. Once recorded the session is
// settled and no longer accepts replies.
func (d *Dispatcher) markFailed(logger *slog.Logger, id, code string) {
	if err := d.store.MarkFailed(id, code); err != nil {
		logger.Warn("failed to record failure", "code", code, "error", err)
	}
}

// save archives the current session snapshot. Archive errors are logged.
func (d *Dispatcher) save(ctx context.Context, logger *slog.Logger, id string) {
	if d.archive == nil {
		return
	}
	s, err := d.store.Get(id)
	if err != nil {
		logger.Warn("session vanished before archiving", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := d.archive.Save(ctx, s); err != nil {
		logger.Warn("failed to archive session", "error", err)
	}
}
