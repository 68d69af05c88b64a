package handler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"squiggy-backend/internal/config"
	"squiggy-backend/internal/presence"
	"squiggy-backend/internal/registry"
	"squiggy-backend/internal/room"
	"squiggy-backend/internal/whiteboard"
)

// Inbound socket events. Outbound traffic reuses the same names, plus "ack"
// for per-call status replies. boo-boo-kitty is the client heartbeat.
const (
	eventJoin           = "join"
	eventLeave          = "leave"
	eventUpsertElements = "upsert_whiteboard_element"
	eventHeartbeat      = "boo-boo-kitty"
	eventAck            = "ack"
)

// connState per-connection protocol state
type connState int

const (
	stateConnected connState = iota
	stateJoined
)

// WhiteboardWSHandler drives one socket connection per client: it
// authenticates events, keeps the per-connection state machine, and delegates
// to the registry, router and merge engine.
type WhiteboardWSHandler struct {
	registry *registry.Registry
	router   *room.Router
	engine   *whiteboard.Engine
	presence *presence.Manager // optional, nil when Redis is disabled
	cfg      *config.Config
}

// NewWhiteboardWSHandler creates a WhiteboardWSHandler
func NewWhiteboardWSHandler(reg *registry.Registry, router *room.Router, engine *whiteboard.Engine, pres *presence.Manager, cfg *config.Config) *WhiteboardWSHandler {
	return &WhiteboardWSHandler{
		registry: reg,
		router:   router,
		engine:   engine,
		presence: pres,
		cfg:      cfg,
	}
}

// inboundEnvelope tagged inbound message
type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outboundEnvelope tagged outbound message
type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ack per-call status reply, sent only to the calling connection
type ack struct {
	Status   int                  `json:"status"`
	Error    string               `json:"error,omitempty"`
	Failures []whiteboard.Failure `json:"failures,omitempty"`
}

type joinPayload struct {
	WhiteboardID int64 `json:"whiteboardId"`
}

type upsertPayload struct {
	WhiteboardID       int64             `json:"whiteboardId"`
	WhiteboardElements []json.RawMessage `json:"whiteboardElements"`
}

// memberEvent join/leave broadcast payload
type memberEvent struct {
	UserID int64 `json:"userId"`
}

type heartbeatEvent struct {
	Message string `json:"message"`
}

// wsClient is one live connection. send is injected so the dispatch logic is
// independent of the socket transport.
type wsClient struct {
	id           string
	userID       int64
	state        connState
	whiteboardID int64
	send         func(event string, payload any) error
}

func (c *wsClient) ConnectionID() string { return c.id }

func (c *wsClient) Send(event string, payload any) error { return c.send(event, payload) }

// HandleWebSocket runs the read loop for one upgraded connection. The
// upgrade middleware has already authenticated the caller.
func (h *WhiteboardWSHandler) HandleWebSocket(c *websocket.Conn) {
	userID, ok := c.Locals("userID").(int64)
	if !ok {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"ack","data":{"status":401,"error":"unauthenticated"}}`))
		_ = c.Close()
		return
	}

	var writeMu sync.Mutex
	client := &wsClient{
		id:     uuid.New().String(),
		userID: userID,
		state:  stateConnected,
	}
	client.send = func(event string, payload any) error {
		data, err := json.Marshal(outboundEnvelope{Event: event, Data: payload})
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = c.SetWriteDeadline(time.Now().Add(h.cfg.WebSocket.WriteTimeout))
		return c.WriteMessage(websocket.TextMessage, data)
	}

	log.Printf("[WhiteboardWS] connected: %s (user %d)", client.id, userID)

	defer func() {
		// Transport-level cleanup only. The session row is deliberately left
		// for the next staleness sweep; a reconnecting client re-registers
		// under a fresh connection id.
		if client.state == stateJoined {
			h.router.Leave(client.whiteboardID, client.id)
		}
		_ = c.Close()
		log.Printf("[WhiteboardWS] disconnected: %s (user %d)", client.id, userID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var msg inboundEnvelope
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			_ = client.Send(eventAck, ack{Status: fiber.StatusBadRequest, Error: "malformed message"})
			continue
		}

		reply := h.dispatch(context.Background(), client, msg.Event, msg.Data)
		_ = client.Send(eventAck, reply)
	}
}

// dispatch routes one inbound event. Panics in a handler are contained here
// so one connection's failure never reaches the others.
func (h *WhiteboardWSHandler) dispatch(ctx context.Context, c *wsClient, event string, data json.RawMessage) (reply ack) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WhiteboardWS] panic handling %s from %s: %v", event, c.id, r)
			reply = ack{Status: fiber.StatusInternalServerError, Error: "internal error"}
		}
	}()

	switch event {
	case eventJoin:
		return h.handleJoin(ctx, c, data)
	case eventLeave:
		return h.handleLeave(ctx, c, data)
	case eventUpsertElements:
		return h.handleUpsert(ctx, c, data)
	case eventHeartbeat:
		return h.handleHeartbeat(ctx, c)
	default:
		log.Printf("[WhiteboardWS] unhandled event %q from %s", event, c.id)
		return ack{Status: fiber.StatusBadRequest, Error: "unknown event"}
	}
}

func (h *WhiteboardWSHandler) handleJoin(ctx context.Context, c *wsClient, data json.RawMessage) ack {
	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.WhiteboardID <= 0 {
		return ack{Status: fiber.StatusBadRequest, Error: "whiteboardId is required"}
	}

	if c.state == stateJoined && c.whiteboardID != payload.WhiteboardID {
		// no direct room switch; the client must leave first
		return ack{Status: fiber.StatusConflict, Error: "leave current whiteboard first"}
	}
	rejoin := c.state == stateJoined

	// register before joining the room so the member is queryable before it
	// can receive broadcasts
	if err := h.registry.Register(ctx, c.id, c.userID, payload.WhiteboardID); err != nil {
		log.Printf("[WhiteboardWS] register failed for %s: %v", c.id, err)
		return ack{Status: fiber.StatusInternalServerError, Error: "session store unavailable"}
	}

	h.router.Join(payload.WhiteboardID, c)
	c.state = stateJoined
	c.whiteboardID = payload.WhiteboardID

	// a rejoin is a session refresh; peers already saw this member arrive
	if !rejoin {
		h.router.Broadcast(payload.WhiteboardID, eventJoin, memberEvent{UserID: c.userID}, c.id)
	}

	if h.presence != nil {
		if err := h.presence.SetOnline(ctx, c.userID, payload.WhiteboardID); err != nil {
			log.Printf("[WhiteboardWS] presence update failed for user %d: %v", c.userID, err)
		}
	}

	return ack{Status: fiber.StatusOK}
}

func (h *WhiteboardWSHandler) handleLeave(ctx context.Context, c *wsClient, data json.RawMessage) ack {
	if c.state != stateJoined {
		return ack{Status: fiber.StatusBadRequest, Error: "not joined to a whiteboard"}
	}

	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err == nil && payload.WhiteboardID > 0 && payload.WhiteboardID != c.whiteboardID {
		return ack{Status: fiber.StatusBadRequest, Error: "not joined to that whiteboard"}
	}

	// delete this session and opportunistically sweep stale rows in one call
	if err := h.registry.Remove(ctx, []string{c.id}, h.cfg.Whiteboard.SessionMaxIdleMinutes); err != nil {
		log.Printf("[WhiteboardWS] remove failed for %s: %v", c.id, err)
		return ack{Status: fiber.StatusInternalServerError, Error: "session store unavailable"}
	}

	whiteboardID := c.whiteboardID
	h.router.Leave(whiteboardID, c.id)
	c.state = stateConnected
	c.whiteboardID = 0

	h.router.Broadcast(whiteboardID, eventLeave, memberEvent{UserID: c.userID}, c.id)

	if h.presence != nil {
		if err := h.presence.SetOffline(ctx, c.userID); err != nil {
			log.Printf("[WhiteboardWS] presence update failed for user %d: %v", c.userID, err)
		}
	}

	return ack{Status: fiber.StatusOK}
}

func (h *WhiteboardWSHandler) handleUpsert(ctx context.Context, c *wsClient, data json.RawMessage) ack {
	if c.state != stateJoined {
		return ack{Status: fiber.StatusBadRequest, Error: "not joined to a whiteboard"}
	}

	var payload upsertPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.WhiteboardID <= 0 {
		return ack{Status: fiber.StatusBadRequest, Error: "whiteboardId is required"}
	}
	if payload.WhiteboardID != c.whiteboardID {
		return ack{Status: fiber.StatusForbidden, Error: "not joined to that whiteboard"}
	}
	if len(payload.WhiteboardElements) == 0 {
		return ack{Status: fiber.StatusBadRequest, Error: "whiteboardElements is required"}
	}
	if len(payload.WhiteboardElements) > h.cfg.Whiteboard.MaxBatchSize {
		return ack{Status: fiber.StatusBadRequest, Error: "too many elements in one batch"}
	}

	// edits count as activity: refresh the session row like a join does
	if err := h.registry.Register(ctx, c.id, c.userID, c.whiteboardID); err != nil {
		log.Printf("[WhiteboardWS] register failed for %s: %v", c.id, err)
	}

	changes, err := whiteboard.DecodeChanges(payload.WhiteboardElements)
	if err != nil {
		return ack{Status: fiber.StatusBadRequest, Error: "malformed element instruction"}
	}

	result, err := h.engine.UpsertBatch(ctx, c.whiteboardID, changes, c.userID)
	if err != nil {
		log.Printf("[WhiteboardWS] upsert failed on whiteboard %d: %v", c.whiteboardID, err)
		return ack{Status: fiber.StatusInternalServerError, Error: "element store unavailable"}
	}

	// everyone including the sender converges on the server-confirmed state
	if len(result.Applied) > 0 || len(result.Deleted) > 0 {
		h.router.Broadcast(c.whiteboardID, eventUpsertElements, result, "")
	}

	return ack{Status: fiber.StatusOK, Failures: result.Failures}
}

func (h *WhiteboardWSHandler) handleHeartbeat(ctx context.Context, c *wsClient) ack {
	if err := h.registry.Touch(ctx, c.id); err != nil {
		log.Printf("[WhiteboardWS] touch failed for %s: %v", c.id, err)
	}

	beat := heartbeatEvent{Message: time.Now().UTC().Format(time.RFC3339)}
	if c.state == stateJoined {
		h.router.Broadcast(c.whiteboardID, eventHeartbeat, beat, "")
	} else {
		_ = c.Send(eventHeartbeat, beat)
	}

	return ack{Status: fiber.StatusOK}
}
