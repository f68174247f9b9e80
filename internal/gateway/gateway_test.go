package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/caminholabs/orienta/internal/engine"
	"github.com/caminholabs/orienta/internal/otel"
	"github.com/caminholabs/orienta/internal/persistence"
	"github.com/caminholabs/orienta/internal/skills"
)

type stubExecutor struct {
	events       []engine.Event
	executeErr   error
	cancelState  persistence.TaskState
	cancelEvents []engine.Event
	cancelErr    error
}

func (s *stubExecutor) Execute(_ context.Context, _ *engine.Envelope, q *engine.Queue) error {
	for _, ev := range s.events {
		if err := q.Publish(ev); err != nil {
			return err
		}
	}
	return s.executeErr
}

func (s *stubExecutor) Cancel(_ context.Context, _ string, q *engine.Queue) (persistence.TaskState, error) {
	if s.cancelErr != nil {
		return "", s.cancelErr
	}
	for _, ev := range s.cancelEvents {
		if err := q.Publish(ev); err != nil {
			return "", err
		}
	}
	return s.cancelState, nil
}

func completedStream(taskID string) []engine.Event {
	return []engine.Event{
		{Kind: engine.EventTask, ID: taskID, ContextID: taskID, Status: &engine.Status{State: persistence.StateWorking}},
		{Kind: engine.EventMessage, TaskID: taskID, Parts: []engine.Part{{Text: "📋 Perfil"}}},
		{Kind: engine.EventStatusUpdate, TaskID: taskID, ContextID: taskID, Final: true, Status: &engine.Status{State: persistence.StateCompleted}},
	}
}

func newTestServer(t *testing.T, exec Executor, token string) (*Server, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "orienta.db"), 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(Config{
		Store:     store,
		Engine:    exec,
		Registry:  skills.NewRegistry(nil, skills.FallbackDescriptors()),
		AuthToken: token,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), store
}

func TestAgentCard(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{}, "secret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (card must not require auth)", rec.Code)
	}
	var card AgentCard
	if err := json.Unmarshal(rec.Body.Bytes(), &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Name != "Orienta" {
		t.Fatalf("name = %q", card.Name)
	}
	if !card.Capabilities.Streaming || card.Capabilities.PushNotifications {
		t.Fatalf("capabilities = %+v", card.Capabilities)
	}
	if len(card.Skills) == 0 {
		t.Fatal("card advertises no skills")
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{}, "secret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload["db_ok"] != true {
		t.Fatalf("db_ok = %v", payload["db_ok"])
	}
}

func TestMessageSendRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{}, "secret")

	body := `{"parts":[{"text":"oi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/message/send", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/message/send", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", rec.Code)
	}
}

func TestMessageSendReturnsEventStream(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{events: completedStream("t1")}, "secret")

	body := `{"metadata":{"taskId":"t1","skillId":"retrieve_user_profile"},"parts":[{"text":"meu perfil"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/message/send", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp sendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskID != "t1" || resp.State != "completed" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Events) != 3 || !resp.Events[2].Final {
		t.Fatalf("events = %+v", resp.Events)
	}
}

func TestMessageSendRejectsInvalidEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{}, "")

	for _, body := range []string{
		`{}`,                 // parts missing
		`{"parts":[]}`,       // parts empty
		`{"parts":"texto"}`,  // wrong type
		`não é json`,         // not JSON
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/message/send", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestMessageSendSynthesizesFinalWhenEngineDropsStream(t *testing.T) {
	// An executor that returns without publishing a final event must not
	// hang the request.
	srv, _ := newTestServer(t, &stubExecutor{events: nil}, "")

	body := `{"id":"t9","parts":[{"text":"oi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/message/send", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp sendResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "failed" {
		t.Fatalf("state = %q, want failed", resp.State)
	}
	if len(resp.Events) != 1 || !resp.Events[0].Final {
		t.Fatalf("events = %+v", resp.Events)
	}
}

func TestTaskGet(t *testing.T) {
	srv, store := newTestServer(t, &stubExecutor{}, "")

	err := store.SaveTask(context.Background(), &persistence.Task{
		ID:       "t2",
		State:    persistence.StateCompleted,
		CallerID: "u1",
		Request:  []byte(`{}`),
		Result:   []byte(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/task?task_id=t2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view taskView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.TaskID != "t2" || view.State != "completed" {
		t.Fatalf("view = %+v", view)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/task?task_id=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/task", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no task_id status = %d, want 400", rec.Code)
	}
}

func TestTaskCancel(t *testing.T) {
	exec := &stubExecutor{
		cancelState: persistence.StateCanceled,
		cancelEvents: []engine.Event{
			{Kind: engine.EventMessage, TaskID: "t3", Parts: []engine.Part{{Text: "A tarefa foi cancelada com sucesso."}}},
			{Kind: engine.EventStatusUpdate, TaskID: "t3", Final: true, Status: &engine.Status{State: persistence.StateCanceled}},
		},
	}
	srv, _ := newTestServer(t, exec, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/task/cancel", strings.NewReader(`{"taskId":"t3"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp cancelResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "canceled" || len(resp.Events) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestTaskCancelAlreadyTerminalReturnsNoEvents(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{cancelState: persistence.StateCompleted}, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/task/cancel", strings.NewReader(`{"taskId":"t4"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp cancelResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "completed" || len(resp.Events) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestTaskCancelNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{cancelErr: persistence.ErrTaskNotFound}, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/task/cancel", strings.NewReader(`{"taskId":"nope"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMessageStreamSSE(t *testing.T) {
	gw, _ := newTestServer(t, &stubExecutor{events: completedStream("t5")}, "")
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	body := `{"metadata":{"taskId":"t5"},"parts":[{"text":"oi"}]}`
	resp, err := http.Post(ts.URL+"/api/v1/message/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []engine.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var ev engine.Event
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("frames = %d, want 3: %+v", len(events), events)
	}
	if !events[2].Final || events[2].Status.State != persistence.StateCompleted {
		t.Fatalf("last frame = %+v", events[2])
	}
}

func TestRequestDurationRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	metrics, err := otel.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store, err := persistence.Open(filepath.Join(t.TempDir(), "orienta.db"), 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := New(Config{
		Store:    store,
		Engine:   &stubExecutor{},
		Registry: skills.NewRegistry(nil, skills.FallbackDescriptors()),
		Metrics:  metrics,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "orienta.request.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("data type = %T, want float64 histogram", m.Data)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatal("histogram has no data points")
			}
			found = true
		}
	}
	if !found {
		t.Fatal("request duration histogram not collected")
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/task?token=abc", nil)
	if got := extractToken(r); got != "abc" {
		t.Fatalf("query token = %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/api/v1/task", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	if got := extractToken(r); got != "xyz" {
		t.Fatalf("header token = %q", got)
	}
}
