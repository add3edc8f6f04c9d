package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parallaxlabs/relay/internal/bus"
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/pkg/models"
)

const eventPong models.EventType = "pong"

// conn is one live streaming connection: its target run (or the
// wildcard aggregate), its bus subscription, and the dedupe state of
// the frames it has delivered.
type conn struct {
	gateway *Gateway
	ws      *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	id          string
	runID       string
	unsubscribe bus.UnsubscribeFunc

	mu              sync.Mutex
	lastFingerprint string
	lastSentAt      time.Time
	lastStatus      models.RunStatus
	closeOnce       sync.Once
}

func newConn(g *Gateway, ws *websocket.Conn, runID string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		gateway: g,
		ws:      ws,
		send:    make(chan []byte, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		runID:   runID,
	}
}

func (c *conn) aggregate() bool {
	return c.runID == models.WildcardRunID
}

func (c *conn) streamLabel() string {
	if c.aggregate() {
		return "aggregate"
	}
	return "run"
}

func (c *conn) run() {
	c.deliver(models.Event{
		ID:        uuid.NewString(),
		Type:      models.EventConnectionEstablished,
		RunID:     c.runID,
		Timestamp: time.Now(),
		Origin:    "gateway",
		Payload:   map[string]any{"connectionId": c.id},
	})

	// A per-run client joining mid-run gets the run's last event back
	// immediately instead of waiting for the next publish. The
	// aggregate key never accumulates a last event, so replay is
	// pointless there.
	var opts *bus.SubscribeOptions
	if !c.aggregate() {
		opts = &bus.SubscribeOptions{Replay: true}
	}
	c.unsubscribe = c.gateway.bus.On(c.runID, models.ChannelWebsocket, c.handleEvent, opts)

	go c.writeLoop()
	c.readLoop()
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.cancel()
		_ = c.ws.Close()
		c.gateway.unregister(c)
	})
}

// handleEvent runs on the bus publisher's goroutine; it must not block.
func (c *conn) handleEvent(event models.Event) {
	if c.aggregate() {
		c.handleAggregateEvent(event)
		return
	}
	if !models.UIEventTypes[event.Type] {
		return
	}
	c.deliver(event)
}

// handleAggregateEvent translates a run event into a list-row
// projection by re-reading the run and its step count, decoupling the
// list shape from the detail-event shape.
func (c *conn) handleAggregateEvent(event models.Event) {
	if event.RunID == "" || !models.UIEventTypes[event.Type] {
		return
	}
	snap, err := runs.LoadSnapshot(c.ctx, c.gateway.stores, event.RunID, false)
	if err != nil {
		c.gateway.logger.Warn("projecting run failed", "run_id", event.RunID, "error", err)
		return
	}
	c.deliver(models.Event{
		ID:        uuid.NewString(),
		Type:      models.EventRunsUpsert,
		RunID:     event.RunID,
		Timestamp: time.Now(),
		Origin:    "gateway",
		Payload: map[string]any{
			"runId":      event.RunID,
			"projection": runs.Projection(snap.Run, snap.StepCount),
		},
	})
}

// deliver serializes the frame and enqueues it unless an identical
// fingerprint already went out inside the dedupe window. A full send
// buffer drops the frame: slow consumers fall back to the polling
// read path rather than stalling the bus.
func (c *conn) deliver(event models.Event) {
	fingerprint := Fingerprint(event)
	now := time.Now()

	c.mu.Lock()
	if fingerprint != "" && fingerprint == c.lastFingerprint && now.Sub(c.lastSentAt) < DedupeWindow {
		c.mu.Unlock()
		c.gateway.metrics.FramesDeduped.Inc()
		return
	}
	c.lastFingerprint = fingerprint
	c.lastSentAt = now
	if event.Type == models.EventRunStatus {
		if status, ok := event.Payload["status"].(string); ok {
			c.lastStatus = models.RunStatus(status)
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		c.gateway.logger.Error("encoding frame failed", "event_type", string(event.Type), "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.gateway.logger.Warn("send buffer full, dropping frame",
			"connection_id", c.id,
			"event_type", string(event.Type))
	}
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(wsMaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := validateClientFrame(data)
		if err != nil {
			c.gateway.logger.Debug("invalid client frame", "connection_id", c.id, "error", err)
			continue
		}
		if frame.Type == "ping" {
			c.deliver(models.Event{
				ID:      uuid.NewString(),
				Type:    eventPong,
				Origin:  "gateway",
				Payload: map[string]any{"id": frame.ID, "timestamp": time.Now().UnixMilli()},
			})
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
