package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aware-engine/backend/internal/db"
	"github.com/aware-engine/backend/internal/dispatch"
	"github.com/aware-engine/backend/internal/model"
	"github.com/aware-engine/backend/internal/repository"
	"github.com/aware-engine/backend/internal/session"
	"github.com/aware-engine/backend/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDispatcher struct {
	resp *dispatch.Response
	err  error
	got  *model.AnalysisRequest
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req *model.AnalysisRequest) (*dispatch.Response, error) {
	f.got = req
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return f.resp, f.err
}

func (f *fakeDispatcher) WaitMode() dispatch.WaitMode {
	return dispatch.WaitModeRequired
}

type fixedCount int

func (n fixedCount) Count() int { return int(n) }

type testServer struct {
	engine     *gin.Engine
	store      *session.Store
	repo       *repository.SessionRepository
	dispatcher *fakeDispatcher
}

func newTestServer(t *testing.T, origins ...string) *testServer {
	t.Helper()
	conn, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	ts := &testServer{
		store:      session.NewStore(discardLogger()),
		repo:       repository.NewSessionRepository(conn),
		dispatcher: &fakeDispatcher{},
	}
	rt := &Router{
		Analysis:       NewAnalysisHandler(ts.dispatcher, ts.store),
		Sessions:       NewSessionHandler(ts.store, ts.repo, nil),
		Health:         NewHealthHandler(ts.store, fixedCount(2), "required"),
		AllowedOrigins: origins,
		Logger:         discardLogger(),
	}
	ts.engine = rt.Engine()
	return ts
}

func (ts *testServer) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

const violationsBody = `{"violations":[{"id":"label","help":"Form elements must have labels","nodes":[{"target":["#email"],"html":"<input id=email>"}]}],"url":"https://example.com/"}`

func TestSuggestFixes_Success(t *testing.T) {
	ts := newTestServer(t)
	ts.dispatcher.resp = &dispatch.Response{
		SessionID: "s-1",
		Result: &model.SuggestionResult{Suggestions: []model.Suggestion{
			{ViolationID: "label", FixDescription: "Add a label", CodeSnippet: "<label for=email>Email</label>", Source: model.SuggestionFromModel},
		}},
	}

	w := ts.do(http.MethodPost, "/suggest-fixes", violationsBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp SuggestFixesResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.SessionID != "s-1" || len(resp.Suggestions) != 1 || resp.Suggestions[0].ViolationID != "label" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Error("error marker should be omitted when empty")
	}
	if ts.dispatcher.got.URL == nil || *ts.dispatcher.got.URL != "https://example.com/" {
		t.Error("URL should reach the dispatcher")
	}
}

func TestSuggestFixes_Failures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"malformed body", `{"violations":`, nil, http.StatusBadRequest, CodeValidation},
		{"no violations", `{"violations":[]}`, nil, http.StatusBadRequest, CodeValidation},
		{"no agent", violationsBody, &dispatch.SessionError{SessionID: "s-2", Err: model.ErrNoAgentAvailable}, http.StatusServiceUnavailable, model.FailureNoAgent},
		{"cancelled", violationsBody, &dispatch.SessionError{SessionID: "s-3", Err: model.ErrSelectionCancelled}, http.StatusBadRequest, model.FailureSelectionCancelled},
		{"timeout", violationsBody, &dispatch.SessionError{SessionID: "s-4", Err: model.ErrSourceTimeout}, http.StatusRequestTimeout, model.FailureSourceTimeout},
		{"internal", violationsBody, errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.dispatcher.err = tt.err

			w := ts.do(http.MethodPost, "/suggest-fixes", tt.body, nil)
			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			detail := decodeError(t, w)
			if detail.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, detail.Code)
			}
			var serr *dispatch.SessionError
			if errors.As(tt.err, &serr) && detail.Details["sessionId"] != serr.SessionID {
				t.Errorf("Expected sessionId detail %s, got %v", serr.SessionID, detail.Details)
			}
		})
	}
}

func TestSourceCode(t *testing.T) {
	ts := newTestServer(t)
	id := ts.store.Create([]model.Violation{{ID: "label"}}, nil)
	ts.store.BeginAwait(id)

	body := `{"sessionId":"` + id + `","filePath":"form.html","content":"<form></form>"}`
	w := ts.do(http.MethodPost, "/source-code", body, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"received"`) {
		t.Fatalf("Expected received, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPost, "/source-code", body, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ignored"`) {
		t.Errorf("Second reply should be ignored, got %d: %s", w.Code, w.Body.String())
	}

	s, _ := ts.store.Get(id)
	if s.State != model.SessionStateSourceReceived {
		t.Errorf("Expected SOURCE_RECEIVED, got %s", s.State)
	}

	w = ts.do(http.MethodPost, "/source-code", `{"sessionId":"nope","filePath":"a","content":"b"}`, nil)
	if w.Code != http.StatusNotFound || decodeError(t, w).Code != CodeSessionNotFound {
		t.Errorf("Expected 404 SESSION_NOT_FOUND, got %d", w.Code)
	}

	w = ts.do(http.MethodPost, "/source-code", `{"filePath":"a"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without sessionId, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	id := ts.store.Create([]model.Violation{{ID: "label"}}, nil)
	ts.store.BeginAwait(id)
	ts.store.Create([]model.Violation{{ID: "region"}}, nil)

	w := ts.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	want := HealthResponse{Status: "ok", ActiveSessions: 2, AwaitingSessions: 1, ConnectionCount: 2, WaitMode: "required"}
	if resp != want {
		t.Errorf("Expected %+v, got %+v", want, resp)
	}
}

func TestSessions_GetAndReport(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	live := ts.store.Create([]model.Violation{{ID: "label", Help: "Form elements must have labels"}}, model.StringPtr("https://example.com/"))
	archived := &model.Session{
		ID:         "archived-1",
		State:      model.SessionStateCompleted,
		Violations: []model.Violation{{ID: "image-alt"}},
		Result: &model.SuggestionResult{Suggestions: []model.Suggestion{
			{ViolationID: "image-alt", FixDescription: "Add alt", CodeSnippet: `<img alt="cat">`, Source: model.SuggestionFromCaption},
		}},
		CreatedAt: time.Now().Add(-time.Minute).UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := ts.repo.Save(ctx, archived); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Run("live session", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/api/sessions/"+live, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["id"] != live || resp["state"] != string(model.SessionStateCreated) || resp["duration"] == nil {
			t.Errorf("Unexpected body %v", resp)
		}
	})

	t.Run("archive fallback", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/api/sessions/archived-1", "", nil)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"image-alt"`) {
			t.Errorf("Expected archived session, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/api/sessions/missing", "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", w.Code)
		}
	})

	t.Run("html report", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/api/sessions/archived-1/report", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
			t.Errorf("Unexpected content type %s", w.Header().Get("Content-Type"))
		}
		if !strings.Contains(w.Body.String(), "<!DOCTYPE html>") {
			t.Error("Expected an HTML page")
		}
	})

	t.Run("markdown report", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/api/sessions/"+live+"/report?format=md", "", nil)
		if w.Code != http.StatusOK || !strings.HasPrefix(w.Body.String(), "# Accessibility report") {
			t.Errorf("Expected markdown report, got %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestSessions_ListAndDelete(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		ts.repo.Save(ctx, &model.Session{ID: id, State: model.SessionStateCompleted, CreatedAt: base.Add(time.Duration(i) * time.Second), UpdatedAt: base})
	}

	w := ts.do(http.MethodGet, "/api/sessions?limit=2", "", nil)
	var list []model.SessionSummary
	json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || len(list) != 2 || list[0].ID != "c" {
		t.Fatalf("Expected newest two sessions, got %d: %s", w.Code, w.Body.String())
	}

	if w := ts.do(http.MethodGet, "/api/sessions?limit=zero", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}

	if w := ts.do(http.MethodDelete, "/api/sessions/b", "", nil); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w := ts.do(http.MethodDelete, "/api/sessions/b", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}

	t.Run("in-progress session is kept", func(t *testing.T) {
		id := ts.store.Create([]model.Violation{{ID: "label"}}, nil)
		w := ts.do(http.MethodDelete, "/api/sessions/"+id, "", nil)
		if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), CodeSessionInProgress) {
			t.Errorf("Expected 409 %s, got %d: %s", CodeSessionInProgress, w.Code, w.Body.String())
		}
		if _, err := ts.store.Get(id); err != nil {
			t.Errorf("In-progress session was removed: %v", err)
		}
	})
}

func TestCORS(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(http.MethodOptions, "/suggest-fixes", "", http.Header{"Origin": {"chrome-extension://abc"}})
		if w.Code != http.StatusNoContent {
			t.Errorf("Expected 204 preflight, got %d", w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("Expected wildcard origin, got %q", w.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("restricted", func(t *testing.T) {
		ts := newTestServer(t, "chrome-extension://aware")
		w := ts.do(http.MethodGet, "/health", "", http.Header{"Origin": {"chrome-extension://aware"}})
		if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "chrome-extension://aware" {
			t.Errorf("Allowed origin should be echoed, got %d %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
		}

		w = ts.do(http.MethodPost, "/suggest-fixes", violationsBody, http.Header{"Origin": {"https://evil.example"}})
		if w.Code != http.StatusForbidden {
			t.Errorf("Expected 403 for foreign origin, got %d", w.Code)
		}

		w = ts.do(http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("Requests without Origin should pass, got %d", w.Code)
		}
	})
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line["level"] != "ERROR" || line["path"] != "/boom" || line["status"] != float64(500) {
		t.Errorf("Unexpected log line %v", line)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRequestLogger_AgentUpgrade(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	store := session.NewStore(discardLogger())
	registry := ws.NewRegistry(discardLogger())
	defer registry.Close()
	listener := ws.NewListener(registry, store, discardLogger(), ws.ListenerConfig{})

	r := gin.New()
	r.Use(RequestLogger(logger))
	NewAgentHandler(listener, "/vscode").RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/vscode", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), `"path":"/vscode"`) {
		if time.Now().After(deadline) {
			t.Fatalf("Upgrade was not logged while the channel is open: %q", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Count() != 1 {
		t.Errorf("Expected the channel to still be registered, got %d", registry.Count())
	}
}
