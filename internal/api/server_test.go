package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/breaker"
	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/dispatch"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/config"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/logging"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
	"github.com/Wandeon/fleet-sub000/internal/metrics"
	"github.com/Wandeon/fleet-sub000/internal/state"
	_ "github.com/Wandeon/fleet-sub000/migrations"
)

type testEnv struct {
	srv     *Server
	router  http.Handler
	bus     *events.Bus
	states  *state.Store
	breaker *breaker.Breaker
	metrics *metrics.Registry
}

func testConfig() (config.APIConfig, config.WebSocketConfig) {
	return config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		}, config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		}
}

// testServer wires a Server to real SQLite stores and a static inventory
// with one reachable TV and one camera without an endpoint.
func testServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "api.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	registry := device.NewRegistry(device.StaticRepository{
		{ID: "tv-1", Name: "Lobby TV", Kind: device.KindVideo, API: device.Endpoint{BaseURL: "http://tv-1.local"}},
		{ID: "cam-1", Name: "Door camera", Kind: device.KindCamera},
	})
	if err := registry.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	reg := metrics.New(nil)
	states := state.NewStore(db, bus)
	svc, err := dispatch.New(dispatch.Deps{
		Registry: registry,
		Jobs:     jobs.NewStore(db),
		States:   states,
		Events:   events.NewStore(db),
		Bus:      bus,
		Metrics:  reg,
	})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}

	circuits := breaker.New(breaker.Config{FailureThreshold: 1})

	apiCfg, wsCfg := testConfig()
	srv, err := New(Deps{
		Config:   apiCfg,
		WS:       wsCfg,
		Logger:   logging.Discard(),
		Dispatch: svc,
		Bus:      bus,
		Registry: registry,
		Breaker:  circuits,
		Failures: state.NewFailureTracker(),
		Metrics:  reg,
		DB:       db,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{srv: srv, router: srv.Handler(), bus: bus, states: states, breaker: circuits, metrics: reg}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

const powerOnBody = `{"deviceId":"tv-1","command":"power.on","request":{"path":"/power","method":"POST"}}`

type enqueueBody struct {
	Accepted      bool   `json:"accepted"`
	JobID         string `json:"jobId"`
	CorrelationID string `json:"correlationId"`
	Created       bool   `json:"created"`
}

// ─── Health & middleware ────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
	if _, ok := resp["mqtt_connected"]; ok {
		t.Error("mqtt_connected reported without an MQTT client")
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)
	if w := env.do(t, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Enqueue ────────────────────────────────────────────────────────

func TestEnqueue_CreatesJob(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/jobs", powerOnBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, body %s", w.Code, w.Body.String())
	}
	res := decode[enqueueBody](t, w)
	if !res.Accepted || !res.Created || res.JobID == "" || res.CorrelationID == "" {
		t.Fatalf("enqueue = %+v", res)
	}

	w = env.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get job status = %d", w.Code)
	}
	got := decode[struct {
		Job jobs.Job `json:"job"`
	}](t, w)
	if got.Job.Status != jobs.StatusPending || got.Job.Origin != events.OriginAPI || got.Job.CorrelationID != res.CorrelationID {
		t.Errorf("job = %+v", got.Job)
	}
}

func TestEnqueue_Dedupe(t *testing.T) {
	env := testServer(t)
	body := `{"deviceId":"tv-1","command":"power.on","request":{"path":"/power"},"dedupeKey":"tv-1:power"}`

	first := decode[enqueueBody](t, env.do(t, http.MethodPost, "/api/v1/jobs", body))

	w := env.do(t, http.MethodPost, "/api/v1/jobs", body)
	if w.Code != http.StatusOK {
		t.Errorf("dedupe status = %d, want 200", w.Code)
	}
	second := decode[enqueueBody](t, w)
	if second.Created || second.JobID != first.JobID || second.CorrelationID != first.CorrelationID {
		t.Errorf("dedupe = %+v, first %+v", second, first)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid json", `{`, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing request", `{"deviceId":"tv-1","command":"power.on"}`, http.StatusBadRequest, ErrCodeValidation},
		{"missing command", `{"deviceId":"tv-1","request":{"path":"/"}}`, http.StatusBadRequest, ErrCodeValidation},
		{"unknown device", `{"deviceId":"ghost","command":"x","request":{"path":"/"}}`, http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if e := decode[Error](t, w); e.Code != tt.code || e.Status != tt.status {
				t.Errorf("error = %+v, want code %s", e, tt.code)
			}
		})
	}
}

func TestEnqueue_DuplicateJobID(t *testing.T) {
	env := testServer(t)
	body := `{"deviceId":"tv-1","command":"power.on","request":{"path":"/power"},"jobId":"fixed-id"}`

	if w := env.do(t, http.MethodPost, "/api/v1/jobs", body); w.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/v1/jobs", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate id status = %d, want 409 (%s)", w.Code, w.Body.String())
	}
	if e := decode[Error](t, w); e.Code != ErrCodeConflict {
		t.Errorf("error = %+v", e)
	}
}

func TestDeviceCommand(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/devices/tv-1/commands",
		`{"deviceId":"other","command":"input.set","payload":{"source":"hdmi1"},"request":{"path":"/input","method":"POST"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	res := decode[enqueueBody](t, w)

	got := decode[struct {
		Job jobs.Job `json:"job"`
	}](t, env.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID, ""))
	if got.Job.DeviceID != "tv-1" || got.Job.Command != "input.set" {
		t.Errorf("job = %+v", got.Job)
	}
}

// ─── Queries ────────────────────────────────────────────────────────

func TestGetJob_NotFound(t *testing.T) {
	env := testServer(t)
	if w := env.do(t, http.MethodGet, "/api/v1/jobs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	env := testServer(t)
	env.do(t, http.MethodPost, "/api/v1/jobs", powerOnBody)
	env.do(t, http.MethodPost, "/api/v1/jobs", `{"deviceId":"cam-1","command":"snapshot","request":{"url":"http://cam-1.local/snap"}}`)

	list := decode[struct {
		Jobs  []jobs.Job `json:"jobs"`
		Count int        `json:"count"`
	}](t, env.do(t, http.MethodGet, "/api/v1/jobs?device_id=cam-1", ""))
	if list.Count != 1 || list.Jobs[0].DeviceID != "cam-1" {
		t.Errorf("filtered jobs = %+v", list)
	}

	for _, q := range []string{"limit=0", "limit=abc", "status=bogus"} {
		if w := env.do(t, http.MethodGet, "/api/v1/jobs?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, w.Code)
		}
	}
}

func TestListDevices(t *testing.T) {
	env := testServer(t)

	got := decode[struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}](t, env.do(t, http.MethodGet, "/api/v1/devices", ""))
	if got.Count != 2 || got.Devices[0].ID != "cam-1" || got.Devices[1].ID != "tv-1" {
		t.Errorf("devices = %+v", got)
	}
}

func TestDeviceState(t *testing.T) {
	env := testServer(t)

	got := decode[struct {
		State state.DeviceState `json:"state"`
	}](t, env.do(t, http.MethodGet, "/api/v1/devices/tv-1/state", ""))
	if got.State.DeviceID != "tv-1" || got.State.Status != state.StatusUnknown {
		t.Errorf("unwritten state = %+v", got.State)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/ghost/state", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
}

type circuitBody struct {
	DeviceID      string         `json:"device_id"`
	PreviousState breaker.State  `json:"previous_state"`
	Circuit       breaker.Status `json:"circuit"`
}

func TestCircuit_GetAndReset(t *testing.T) {
	env := testServer(t)

	got := decode[circuitBody](t, env.do(t, http.MethodGet, "/api/v1/devices/tv-1/circuit", ""))
	if got.DeviceID != "tv-1" || got.Circuit.State != breaker.StateClosed {
		t.Errorf("closed circuit = %+v", got)
	}

	env.breaker.Record("tv-1", false, errors.New("HTTP 503"))
	got = decode[circuitBody](t, env.do(t, http.MethodGet, "/api/v1/devices/tv-1/circuit", ""))
	if got.Circuit.State != breaker.StateOpen || got.Circuit.OpenedAt == nil {
		t.Errorf("tripped circuit = %+v", got)
	}

	w := env.do(t, http.MethodPost, "/api/v1/devices/tv-1/circuit/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}
	got = decode[circuitBody](t, w)
	if got.PreviousState != breaker.StateOpen || got.Circuit.State != breaker.StateClosed {
		t.Errorf("reset = %+v", got)
	}
	if _, err := env.breaker.Allow("tv-1"); err != nil {
		t.Errorf("Allow() after reset = %v", err)
	}
}

func TestCircuit_UnknownDevice(t *testing.T) {
	env := testServer(t)

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/devices/ghost/circuit"},
		{http.MethodPost, "/api/v1/devices/ghost/circuit/reset"},
	} {
		if w := env.do(t, req.method, req.path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", req.method, req.path, w.Code)
		}
	}
}

func TestListDeviceStates(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	empty := env.do(t, http.MethodGet, "/api/v1/device_states", "")
	if strings.TrimSpace(empty.Body.String()) != `{"states":[]}` {
		t.Errorf("empty states body = %s", empty.Body.String())
	}

	if _, err := env.states.MarkOnline(ctx, "tv-1", time.Now()); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	got := decode[struct {
		States []state.DeviceState `json:"states"`
	}](t, env.do(t, http.MethodGet, "/api/v1/device_states", ""))
	if len(got.States) != 1 || got.States[0].Status != state.StatusOnline {
		t.Errorf("states = %+v", got.States)
	}
}

func TestListEvents(t *testing.T) {
	env := testServer(t)
	env.do(t, http.MethodPost, "/api/v1/jobs", powerOnBody)

	got := decode[struct {
		Events []events.Event `json:"events"`
	}](t, env.do(t, http.MethodGet, "/api/v1/device_events?device_id=tv-1&limit=10", ""))
	if len(got.Events) != 1 || got.Events[0].EventType != "power.on.intent" {
		t.Errorf("events = %+v", got.Events)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	later := decode[struct {
		Events []events.Event `json:"events"`
	}](t, env.do(t, http.MethodGet, "/api/v1/device_events?since="+future, ""))
	if len(later.Events) != 0 {
		t.Errorf("events since future = %d", len(later.Events))
	}

	for _, q := range []string{"since=yesterday", "limit=-1", "limit=x"} {
		if w := env.do(t, http.MethodGet, "/api/v1/device_events?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, w.Code)
		}
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t)
	env.do(t, http.MethodPost, "/api/v1/jobs", powerOnBody)

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	m := decode[SystemMetrics](t, w)

	if m.Version != "test" || m.Dispatch == nil || m.Dispatch.JobsCreated != 1 {
		t.Errorf("dispatch metrics = %+v", m.Dispatch)
	}
	if m.Jobs["pending"] != 1 || m.ActiveJobs != 1 || m.FinishedJobs != 0 {
		t.Errorf("jobs = %v, active = %d, finished = %d", m.Jobs, m.ActiveJobs, m.FinishedJobs)
	}
	if m.Devices.Total != 2 || m.Devices.WithEndpoint != 1 || m.Devices.ByKind["video"] != 1 {
		t.Errorf("devices = %+v", m.Devices)
	}
	if m.Database == nil {
		t.Error("database stats missing")
	}
	if m.MQTT.Enabled {
		t.Error("mqtt reported enabled")
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without deps should fail")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t)
	srv := env.srv

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}
