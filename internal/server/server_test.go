package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"metacontrol/internal/config"
	"metacontrol/internal/db"
	"metacontrol/internal/diagnostics"
	"metacontrol/internal/domain"
	"metacontrol/internal/engine"
	"metacontrol/internal/engine/auth"
	"metacontrol/internal/metrics"
	"metacontrol/internal/migrate"
	"metacontrol/internal/model"
	"metacontrol/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := metrics.New()
	e, err := engine.New(conn, engine.Options{Logger: zaptest.NewLogger(t), Metrics: m})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	kb, err := model.FromYAML([]byte(model.Sample()))
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if err := e.ImportModel(ctx, kb); err != nil {
		t.Fatalf("import model: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg, Metrics: m, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func TestCycleAndObjectiveDetail(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reasoner/cycle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycle status %d: %s", res.StatusCode, string(body))
	}
	cycle := decode[engine.CycleResult](t, body)
	if len(cycle.Objectives) != 1 || cycle.Objectives[0].Bound != "fd_laser_nav" {
		t.Fatalf("unexpected cycle result: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/objectives/o_navigate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("objective status %d: %s", res.StatusCode, string(body))
	}
	detail := decode[ObjectiveDetail](t, body)
	if detail.Grounding == nil || detail.Grounding.ID != "fg_laser_nav" {
		t.Fatalf("expected fg_laser_nav grounding, got %s", string(body))
	}
	if detail.Candidate != "fd_laser_nav" {
		t.Fatalf("expected dry-run candidate fd_laser_nav, got %q", detail.Candidate)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/groundings", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("groundings status %d: %s", res.StatusCode, string(body))
	}
	if fgs := decode[[]domain.FunctionGrounding](t, body); len(fgs) != 1 {
		t.Fatalf("expected one grounding, got %d", len(fgs))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
	if s := decode[engine.Summary](t, body); s.Groundings != 1 {
		t.Fatalf("expected one grounding in summary, got %d", s.Groundings)
	}
}

func TestDiagnosticsTriggerReconfiguration(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/reasoner/cycle", nil, nil)

	array := `{"header":{"seq":1},"status":[
	  {"level":0,"name":"","message":"Component status","values":[{"key":"c_laser","value":"FALSE"}]},
	  {"level":0,"name":"","message":"Battery","values":[]}]}`
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/diagnostics", array, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("diagnostics status %d: %s", res.StatusCode, string(body))
	}
	result := decode[diagnostics.BatchResult](t, body)
	if result.Applied != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected diagnostics result: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reasoner/cycle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycle status %d: %s", res.StatusCode, string(body))
	}
	cycle := decode[engine.CycleResult](t, body)
	if len(cycle.Objectives) != 1 || cycle.Objectives[0].Bound != "fd_camera_nav" || cycle.Objectives[0].Previous != "fd_laser_nav" {
		t.Fatalf("expected reconfiguration to fd_camera_nav: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/designs/fd_laser_nav/error-log", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear error log status %d: %s", res.StatusCode, string(body))
	}
	if cleared := decode[ClearErrorLogResponse](t, body); cleared.Cleared != 1 {
		t.Fatalf("expected one cleared entry, got %d", cleared.Cleared)
	}
}

func TestReportsOutcomes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"reports": []map[string]any{
			{"kind": "qa", "target": "", "key": "safety", "value": "0.2"},
			{"kind": "component", "target": "c_unknown", "value": "OK"},
			{"kind": "estimation", "target": "fd_camera_nav", "key": "performance", "value": "0.95"},
			{"kind": "estimation", "target": "fd_camera_nav", "key": "performance", "value": "fast"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reports status %d: %s", res.StatusCode, string(body))
	}
	result := decode[diagnostics.BatchResult](t, body)
	if result.NoTargets != 1 || result.NotFound != 1 || result.Applied != 1 || result.Invalid != 1 {
		t.Fatalf("unexpected outcomes: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"reports": []map[string]any{{"kind": "telemetry", "target": "x"}},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d: %s", res.StatusCode, string(body))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/objectives/o_missing/updatable", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/diagnostics", `{"nothing":true}`, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
}

func TestAuthScopes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret, Require: true})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/objectives", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	_, raw, err := auth.Service{Repo: srv.Engine.Repo}.CreateKey(context.Background(), "robot", repo.ScopeDiagnostics)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	keyHeader := map[string]string{"X-Api-Key": raw}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"reports": []map[string]any{{"kind": "component", "target": "c_camera", "value": "OK"}},
	}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("diagnostics key should submit reports, got %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reasoner/cycle", nil, keyHeader)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("diagnostics key must not run cycles, got %d: %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/objectives", nil, map[string]string{"X-Api-Key": "mcr_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}

	token, err := SignToken(testSecret, "operator", []string{repo.ScopeAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reasoner/cycle", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin token should run cycles, got %d: %s", res.StatusCode, string(body))
	}

	forged, err := SignToken("other-secret", "operator", []string{repo.ScopeAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", res.StatusCode)
	}
}

func TestEventsPaginationAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/reasoner/cycle", nil, nil)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	page := decode[paginatedEvents](t, body)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor: %s", string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(body))
	}
	next := decode[paginatedEvents](t, body)
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("second page must continue below the first: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=function_grounding", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered events status %d: %s", res.StatusCode, string(body))
	}
	for _, evt := range decode[paginatedEvents](t, body).Items {
		if evt.EntityKind != "function_grounding" {
			t.Fatalf("filter leaked %s", evt.EntityKind)
		}
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "metacontrol_cycles_total") {
		t.Fatalf("metrics endpoint missing cycle counter: %d", res.StatusCode)
	}
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Metacontrol-Secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"grounding.created"},
		Secret: "s3cret",
	}}, zaptest.NewLogger(t))
	ctx := context.Background()
	d.DispatchAll(ctx)

	if _, err := srv.Engine.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivered event, got %d", len(received))
	}
	if received[0].Type != "grounding.created" || received[0].EntityID != "fg_laser_nav" {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
}

func TestOpenAPIRegistersEverySchema(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(body))
	}
	doc := decode[struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}](t, body)
	for _, name := range []string{"BatchResult", "CycleResult", "Result", "Summary", "ObjectiveDetail"} {
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Fatalf("schema %s missing from openapi document", name)
		}
	}
}
