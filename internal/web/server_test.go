package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/light-brightness/internal/logic"
	"github.com/sweeney/light-brightness/internal/status"
)

type stubController struct {
	mu       sync.Mutex
	statuses map[string]logic.LightStatus
	order    []string
	evals    []logic.EvalOptions
	err      error
}

func newStubController(lights ...logic.LightStatus) *stubController {
	c := &stubController{statuses: make(map[string]logic.LightStatus)}
	for _, l := range lights {
		c.statuses[l.ID] = l
		c.order = append(c.order, l.ID)
	}
	return c
}

func (c *stubController) SelectMode(_ context.Context, id string, m logic.Mode, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	st, ok := c.statuses[id]
	if !ok {
		return logic.ErrUnknownLight
	}
	st.Mode = m
	st.Counts.ModeChanges++
	c.statuses[id] = st
	return nil
}

func (c *stubController) Evaluate(_ context.Context, id string, _ time.Time, opts logic.EvalOptions) (logic.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.statuses[id]; !ok {
		return logic.OutcomeInactive, logic.ErrUnknownLight
	}
	c.evals = append(c.evals, opts)
	if c.err != nil {
		return logic.OutcomeStale, c.err
	}
	return logic.OutcomeApplied, nil
}

func (c *stubController) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *stubController) evaluations() []logic.EvalOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logic.EvalOptions(nil), c.evals...)
}

func (c *stubController) Statuses() []logic.LightStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]logic.LightStatus, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.statuses[id])
	}
	return out
}

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker, *stubController) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		IntervalMs:  300000,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		TopicPrefix: "lights",
		HTTPAddr:    ":80",
	}
	tr := status.NewTracker(start, cfg)
	ctrl := newStubController(
		logic.LightStatus{ID: "hall", Name: "Hall", Started: true, Mode: logic.ModeAutomatic, Power: logic.PowerOn},
		logic.LightStatus{ID: "porch", Name: "Porch", Started: true, Mode: logic.ModeManual, Power: logic.PowerOff},
	)
	tr.Update(ctrl.Statuses())

	logger := log.New()
	logger.SetOutput(io.Discard)
	srv := New(":0", tr, ctrl, Options{Transition: 300 * time.Second, PingInterval: time.Second, Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr, ctrl
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.SetReady(true)
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q", sj.Status.MQTT.Broker)
	}
	if len(sj.Status.Lights) != 2 || sj.Status.Lights[0].ID != "hall" {
		t.Errorf("unexpected lights: %+v", sj.Status.Lights)
	}
	if sj.Status.Config.IntervalMs != 300000 {
		t.Errorf("Config.IntervalMs: got %d, want 300000", sj.Status.Config.IntervalMs)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `id="light-hall"`) {
		t.Error("expected a row for the hall light")
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestListAndGetLight(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/lights")
	if err != nil {
		t.Fatalf("GET /api/lights: %v", err)
	}
	var lights []status.LightJSON
	json.NewDecoder(resp.Body).Decode(&lights)
	resp.Body.Close()
	if len(lights) != 2 {
		t.Fatalf("expected 2 lights, got %d", len(lights))
	}

	resp, err = http.Get(ts.URL + "/api/lights/porch")
	if err != nil {
		t.Fatalf("GET /api/lights/porch: %v", err)
	}
	var porch status.LightJSON
	json.NewDecoder(resp.Body).Decode(&porch)
	resp.Body.Close()
	if porch.Mode != "Manual" || porch.Power != "OFF" {
		t.Errorf("unexpected porch: %+v", porch)
	}

	resp, _ = http.Get(ts.URL + "/api/lights/attic")
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("unknown light: got %d, want 404", resp.StatusCode)
	}
}

func TestSetMode(t *testing.T) {
	ts, tr, _ := newTestServer(t)

	resp := post(t, ts.URL+"/api/lights/hall/mode", `{"mode":"Maximum"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var hall status.LightJSON
	json.NewDecoder(resp.Body).Decode(&hall)
	if hall.Mode != "Maximum" {
		t.Errorf("response mode: got %q, want Maximum", hall.Mode)
	}

	st, _ := tr.Snapshot().Light("hall")
	if st.Mode != logic.ModeMaximum {
		t.Errorf("tracker not refreshed: mode %q", st.Mode)
	}
}

func TestSetModeRejectsBadInput(t *testing.T) {
	ts, _, _ := newTestServer(t)

	tests := []struct {
		path, body string
		want       int
	}{
		{"/api/lights/hall/mode", `{"mode":"Disco"}`, 400},
		{"/api/lights/hall/mode", `not json`, 400},
		{"/api/lights/attic/mode", `{"mode":"Manual"}`, 404},
	}
	for _, tt := range tests {
		resp := post(t, ts.URL+tt.path, tt.body)
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s: got %d, want %d", tt.path, tt.body, resp.StatusCode, tt.want)
		}
		var er ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			t.Errorf("%s: expected an error body", tt.path)
		}
	}
}

func TestSetModeNotStarted(t *testing.T) {
	ts, _, ctrl := newTestServer(t)
	ctrl.setErr(logic.ErrNotStarted)

	resp := post(t, ts.URL+"/api/lights/hall/mode", `{"mode":"Manual"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status: got %d, want 409", resp.StatusCode)
	}
}

func TestEvaluate(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	resp := post(t, ts.URL+"/api/lights/hall/evaluate", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var er EvaluateResponse
	json.NewDecoder(resp.Body).Decode(&er)
	if er.Outcome != "APPLIED" || er.Light.ID != "hall" {
		t.Errorf("unexpected response: %+v", er)
	}

	post(t, ts.URL+"/api/lights/hall/evaluate", `{"immediate":true,"ignore_state":true,"transition_s":2.5}`)

	evals := ctrl.evaluations()
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(evals))
	}
	if evals[0].Transition != 300*time.Second || evals[0].Immediate {
		t.Errorf("default options: %+v", evals[0])
	}
	second := evals[1]
	if !second.Immediate || !second.IgnoreState || second.Transition != 2500*time.Millisecond {
		t.Errorf("explicit options: %+v", second)
	}
	if !second.CheckCurrentBrightness {
		t.Error("expected manual override detection on HTTP evaluations")
	}
}

func TestEvaluateStaleIsReported(t *testing.T) {
	ts, _, ctrl := newTestServer(t)
	ctrl.setErr(logic.ErrStaleState)

	resp := post(t, ts.URL+"/api/lights/hall/evaluate", `{}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var er EvaluateResponse
	json.NewDecoder(resp.Body).Decode(&er)
	if er.Outcome != "STALE" {
		t.Errorf("Outcome: got %q, want STALE", er.Outcome)
	}

	resp = post(t, ts.URL+"/api/lights/hall/evaluate", `{"transition_s":-1}`)
	if resp.StatusCode != 400 {
		t.Errorf("negative transition: got %d, want 400", resp.StatusCode)
	}
}

func TestControlWithoutController(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	ts := httptest.NewServer(New(":0", tr, nil, Options{}).Handler())
	defer ts.Close()

	resp := post(t, ts.URL+"/api/lights/hall/mode", `{"mode":"Manual"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	srv := New(":0", tr, nil, Options{AllowedOrigins: []string{"http://dash.local"}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/index.json", nil)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("Access-Control-Allow-Origin: got %q", got)
	}

	req.Header.Set("Origin", "http://evil.example")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got %q", got)
	}
}

func TestWebSocketPushesStatus(t *testing.T) {
	ts, tr, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() status.StatusJSON {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var sj status.StatusJSON
		if err := json.Unmarshal(data, &sj); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return sj
	}

	first := read()
	if len(first.Status.Lights) != 2 {
		t.Fatalf("initial push: expected 2 lights, got %d", len(first.Status.Lights))
	}

	tr.Update([]logic.LightStatus{{ID: "hall", Mode: logic.ModeMinimum}})
	next := read()
	if len(next.Status.Lights) != 1 || next.Status.Lights[0].Mode != "Minimum" {
		t.Errorf("update push: unexpected lights %+v", next.Status.Lights)
	}
}
