package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/parallaxlabs/relay/internal/bus"
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) (*Gateway, *runs.Stores, *bus.Bus) {
	t.Helper()
	stores := runs.MemoryStores()
	b := bus.New(testLogger())
	g := New(stores, b, Config{Logger: testLogger()})
	return g, stores, b
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) models.Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event models.Event
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return event
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	base := models.Event{
		Type:  models.EventRunStatus,
		RunID: "r1",
		Payload: map[string]any{
			"status":    "running",
			"timestamp": "10:00:00",
		},
	}
	variant := models.Event{
		ID:        "different",
		Type:      models.EventRunStatus,
		RunID:     "r1",
		Timestamp: time.Now(),
		Origin:    "elsewhere",
		Payload: map[string]any{
			"status":    "running",
			"timestamp": "10:00:05",
		},
	}
	if Fingerprint(base) != Fingerprint(variant) {
		t.Fatal("volatile fields must not change the fingerprint")
	}

	other := base
	other.Payload = map[string]any{"status": "done"}
	if Fingerprint(base) == Fingerprint(other) {
		t.Fatal("distinct payloads must fingerprint differently")
	}
}

func TestConnDedupeWindow(t *testing.T) {
	g, _, _ := newTestGateway(t)
	c := newConn(g, nil, "r1")

	event := models.Event{
		Type:    models.EventRunStatus,
		RunID:   "r1",
		Payload: map[string]any{"status": "running"},
	}

	c.deliver(event)
	dup := event
	dup.Timestamp = time.Now().Add(time.Millisecond)
	c.deliver(dup)

	if got := len(c.send); got != 1 {
		t.Fatalf("duplicate inside the window delivered %d frames, want 1", got)
	}

	// Age the last delivery past the window.
	c.mu.Lock()
	c.lastSentAt = time.Now().Add(-DedupeWindow - time.Millisecond)
	c.mu.Unlock()

	c.deliver(event)
	if got := len(c.send); got != 2 {
		t.Fatalf("post-window redelivery suppressed, got %d frames", got)
	}
}

func TestConnTracksLastStatus(t *testing.T) {
	g, _, _ := newTestGateway(t)
	c := newConn(g, nil, "r1")

	c.deliver(models.Event{
		Type:    models.EventRunStatus,
		RunID:   "r1",
		Payload: map[string]any{"status": string(models.RunRunning)},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStatus != models.RunRunning {
		t.Fatalf("last status = %q", c.lastStatus)
	}
}

func TestPerRunStreamReplaysLastEvent(t *testing.T) {
	g, _, b := newTestGateway(t)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	// Published before any client connects.
	b.Publish("r1", models.ChannelWebsocket, models.Event{
		ID:      "ev-1",
		Type:    models.EventRunStatus,
		Payload: map[string]any{"status": string(models.RunRunning)},
	})

	ws := dial(t, server, "/ws/runs/r1")
	if ev := readEvent(t, ws); ev.Type != models.EventConnectionEstablished {
		t.Fatalf("first frame = %q, want connection_established", ev.Type)
	}
	ev := readEvent(t, ws)
	if ev.Type != models.EventRunStatus || ev.Payload["status"] != string(models.RunRunning) {
		t.Fatalf("late joiner should get the run's last event back, got %+v", ev)
	}
}

func TestPerRunStreamFiltersWorkerNoise(t *testing.T) {
	g, _, b := newTestGateway(t)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	ws := dial(t, server, "/ws/runs/r1")
	if ev := readEvent(t, ws); ev.Type != models.EventConnectionEstablished {
		t.Fatalf("first frame = %q, want connection_established", ev.Type)
	}

	b.Publish("r1", models.ChannelWebsocket, models.Event{Type: models.EventNodeExit})
	b.Publish("r1", models.ChannelWebsocket, models.Event{
		Type:    models.EventRunStatus,
		Payload: map[string]any{"status": string(models.RunRunning)},
	})

	ev := readEvent(t, ws)
	if ev.Type != models.EventRunStatus {
		t.Fatalf("worker noise leaked to the socket: %q", ev.Type)
	}
}

func TestAggregateStreamEmitsProjections(t *testing.T) {
	g, stores, b := newTestGateway(t)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	run := &models.Run{
		ID:     "r1",
		Status: models.RunRunning,
		Prompt: "book flights",
		Mode:   models.ModeAuto,
		Output: map[string]any{models.OutputKeySummary: "halfway there"},
	}
	if err := stores.Runs.Create(context.Background(), run); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ws := dial(t, server, "/ws/runs")
	if ev := readEvent(t, ws); ev.Type != models.EventConnectionEstablished {
		t.Fatalf("first frame = %q", ev.Type)
	}

	b.Publish("r1", models.ChannelWebsocket, models.Event{
		Type:    models.EventRunStatus,
		Payload: map[string]any{"status": string(models.RunRunning)},
	})

	ev := readEvent(t, ws)
	if ev.Type != models.EventRunsUpsert {
		t.Fatalf("aggregate frame = %q, want runs.upsert", ev.Type)
	}
	if ev.Payload["runId"] != "r1" {
		t.Fatalf("projection run id = %v", ev.Payload["runId"])
	}
	projection, ok := ev.Payload["projection"].(map[string]any)
	if !ok {
		t.Fatalf("projection missing: %v", ev.Payload)
	}
	if projection["prompt"] != "book flights" || projection["summary"] != "halfway there" {
		t.Fatalf("projection shape: %v", projection)
	}
}

func TestPingPong(t *testing.T) {
	g, _, _ := newTestGateway(t)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	ws := dial(t, server, "/ws/runs/r1")
	readEvent(t, ws) // connection_established

	if err := ws.WriteJSON(map[string]any{"type": "ping", "id": "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	ev := readEvent(t, ws)
	if ev.Type != eventPong {
		t.Fatalf("frame = %q, want pong", ev.Type)
	}

	// A frame failing schema validation is dropped, not answered.
	if err := ws.WriteJSON(map[string]any{"type": "subscribe"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, ws); ev.Type != eventPong {
		t.Fatalf("invalid frame produced %q", ev.Type)
	}
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	stores := runs.MemoryStores()
	b := bus.New(testLogger())
	g := New(stores, b, Config{StaticToken: "sesame", Logger: testLogger()})
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/runs/r1?token=wrong"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("bad token accepted")
	}

	url = "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/runs/r1?token=sesame"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("good token rejected: %v", err)
	}
	ws.Close()
}

func TestJWTToken(t *testing.T) {
	verifier := NewTokenVerifier("", "topsecret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("topsecret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	subject, err := verifier.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("subject = %q", subject)
	}

	forged, _ := token.SignedString([]byte("othersecret"))
	if _, err := verifier.Verify(forged); err == nil {
		t.Fatal("forged token accepted")
	}
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	g, _, _ := newTestGateway(t)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	ws := dial(t, server, "/ws/runs/r1")
	readEvent(t, ws)

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/runs/r1"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("upgrade accepted after shutdown")
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return // connection was closed by shutdown
		}
	}
}

func TestReadPathServesSnapshots(t *testing.T) {
	g, stores, _ := newTestGateway(t)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	run := &models.Run{ID: "r1", Status: models.RunDone, Prompt: "p", Mode: models.ModeAuto}
	if err := stores.Runs.Create(context.Background(), run); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := server.Client().Get(server.URL + "/runs/r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap runs.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Run == nil || snap.Run.ID != "r1" {
		t.Fatalf("snapshot: %+v", snap)
	}

	missing, err := server.Client().Get(server.URL + "/runs/ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != 404 {
		t.Fatalf("missing run status = %d", missing.StatusCode)
	}
}

func TestDeriveEventsMatchesStreamTaxonomy(t *testing.T) {
	started := &models.Step{ID: "s1", RunID: "r1", Tool: "gcal", Status: models.StepStarted}
	succeeded := &models.Step{ID: "s1", RunID: "r1", Tool: "gcal", Status: models.StepSucceeded,
		Response: map[string]any{"message": "event created"}}

	prev := &runs.Snapshot{
		Run:       &models.Run{ID: "r1", Status: models.RunRunning},
		Steps:     []*models.Step{started},
		StepCount: 1,
	}
	cur := &runs.Snapshot{
		Run: &models.Run{
			ID:     "r1",
			Status: models.RunDone,
			Output: map[string]any{models.OutputKeySummary: "all booked"},
		},
		Steps:     []*models.Step{succeeded},
		StepCount: 1,
	}

	events := DeriveEvents(prev, cur)
	var types []models.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}

	want := []models.EventType{models.EventStepSucceeded, models.EventRunStatus, models.EventRunCompleted}
	if len(types) != len(want) {
		t.Fatalf("derived %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("derived %v, want %v", types, want)
		}
	}

	// No changes, no events.
	if again := DeriveEvents(cur, cur); len(again) != 0 {
		t.Fatalf("steady state derived %d events", len(again))
	}
}
