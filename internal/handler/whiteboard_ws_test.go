package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"squiggy-backend/internal/config"
	"squiggy-backend/internal/model"
	"squiggy-backend/internal/registry"
	"squiggy-backend/internal/room"
	"squiggy-backend/internal/whiteboard"
)

func newTestHandler(t *testing.T) (*WhiteboardWSHandler, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&model.WhiteboardSession{}, &model.WhiteboardElement{}))

	cfg := &config.Config{
		WebSocket: config.WebSocketConfig{WriteTimeout: time.Second},
		Whiteboard: config.WhiteboardConfig{
			SessionMaxIdleMinutes: 1440,
			MaxBatchSize:          100,
		},
	}

	return NewWhiteboardWSHandler(registry.New(db), room.NewRouter(), whiteboard.NewEngine(db), nil, cfg), db
}

type testConn struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Event   string
	Payload any
}

func (tc *testConn) record(event string, payload any) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, capturedEvent{Event: event, Payload: payload})
	return nil
}

func (tc *testConn) received() []capturedEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]capturedEvent, len(tc.events))
	copy(out, tc.events)
	return out
}

func (tc *testConn) receivedByEvent(event string) []capturedEvent {
	var out []capturedEvent
	for _, e := range tc.received() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func newTestClient(userID int64) (*wsClient, *testConn) {
	tc := &testConn{}
	c := &wsClient{
		id:     fmt.Sprintf("conn-%d-%d", userID, time.Now().UnixNano()),
		userID: userID,
		state:  stateConnected,
	}
	c.send = tc.record
	return c, tc
}

func join(t *testing.T, h *WhiteboardWSHandler, c *wsClient, whiteboardID int64) {
	t.Helper()
	reply := h.dispatch(context.Background(), c, eventJoin,
		json.RawMessage(fmt.Sprintf(`{"whiteboardId":%d}`, whiteboardID)))
	require.Equal(t, fiber.StatusOK, reply.Status)
}

func TestJoinBroadcastsToOthersOnly(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, tc1 := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	// c1 sees exactly one join naming user 20; c2 never sees its own join
	joins := tc1.receivedByEvent(eventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, memberEvent{UserID: 20}, joins[0].Payload)
	assert.Empty(t, tc2.receivedByEvent(eventJoin))

	members, err := h.registry.MembersOf(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestJoinRequiresWhiteboardID(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)

	reply := h.dispatch(context.Background(), c1, eventJoin, json.RawMessage(`{}`))
	assert.Equal(t, fiber.StatusBadRequest, reply.Status)
	assert.Equal(t, stateConnected, c1.state)
}

func TestMalformedJoinProducesNoBroadcast(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c2, 42)

	reply := h.dispatch(context.Background(), c1, eventJoin, json.RawMessage(`{"whiteboardId":"nope"}`))
	assert.Equal(t, fiber.StatusBadRequest, reply.Status)
	assert.Empty(t, tc2.received())
}

func TestNoDirectRoomSwitch(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)

	join(t, h, c1, 42)

	reply := h.dispatch(context.Background(), c1, eventJoin, json.RawMessage(`{"whiteboardId":43}`))
	assert.Equal(t, fiber.StatusConflict, reply.Status)
	assert.Equal(t, int64(42), c1.whiteboardID)

	// re-joining the same whiteboard is a refresh, not a conflict
	reply = h.dispatch(context.Background(), c1, eventJoin, json.RawMessage(`{"whiteboardId":42}`))
	assert.Equal(t, fiber.StatusOK, reply.Status)
}

func TestRejoinDoesNotRebroadcast(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c2, 42)
	join(t, h, c1, 42)
	require.Len(t, tc2.receivedByEvent(eventJoin), 1)

	// a same-board rejoin refreshes the session; peers see no second arrival
	join(t, h, c1, 42)
	assert.Len(t, tc2.receivedByEvent(eventJoin), 1)

	members, err := h.registry.MembersOf(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestLeaveRemovesMembershipAndNotifiesOthers(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	c1, _ := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	reply := h.dispatch(ctx, c1, eventLeave, json.RawMessage(`{"whiteboardId":42}`))
	require.Equal(t, fiber.StatusOK, reply.Status)
	assert.Equal(t, stateConnected, c1.state)

	leaves := tc2.receivedByEvent(eventLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, memberEvent{UserID: 10}, leaves[0].Payload)

	members, err := h.registry.MembersOf(ctx, 42)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, c2.id, members[0].ConnectionID)

	// leaving again finds no joined state and notifies nobody
	reply = h.dispatch(ctx, c1, eventLeave, json.RawMessage(`{}`))
	assert.Equal(t, fiber.StatusBadRequest, reply.Status)
	assert.Len(t, tc2.receivedByEvent(eventLeave), 1)
}

func TestLeaveSweepsStaleSessions(t *testing.T) {
	h, db := newTestHandler(t)
	ctx := context.Background()
	c1, _ := newTestClient(10)
	c2, _ := newTestClient(20)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	// c2's connection died a day ago without a leave
	stale := time.Now().Add(-25 * time.Hour)
	require.NoError(t, db.Model(&model.WhiteboardSession{}).
		Where("socket_id = ?", c2.id).
		Update("updated_at", stale).Error)

	reply := h.dispatch(ctx, c1, eventLeave, json.RawMessage(`{}`))
	require.Equal(t, fiber.StatusOK, reply.Status)

	members, err := h.registry.MembersOf(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, members, "leave should sweep the stale session too")
}

func TestUpsertBroadcastIncludesSender(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, tc1 := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	reply := h.dispatch(context.Background(), c1, eventUpsertElements,
		json.RawMessage(`{"whiteboardId":42,"whiteboardElements":[{"type":"rect","x":1}]}`))
	require.Equal(t, fiber.StatusOK, reply.Status)
	assert.Empty(t, reply.Failures)

	for name, tc := range map[string]*testConn{"sender": tc1, "peer": tc2} {
		updates := tc.receivedByEvent(eventUpsertElements)
		require.Len(t, updates, 1, name)

		result, ok := updates[0].Payload.(*whiteboard.Result)
		require.True(t, ok, name)
		require.Len(t, result.Applied, 1, name)
		assert.NotZero(t, result.Applied[0].ID, name)
	}
}

func TestUpsertRequiresJoin(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)

	reply := h.dispatch(context.Background(), c1, eventUpsertElements,
		json.RawMessage(`{"whiteboardId":42,"whiteboardElements":[{"type":"rect"}]}`))
	assert.Equal(t, fiber.StatusBadRequest, reply.Status)
}

func TestUpsertRejectedForOtherWhiteboard(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)

	join(t, h, c1, 42)

	reply := h.dispatch(context.Background(), c1, eventUpsertElements,
		json.RawMessage(`{"whiteboardId":99,"whiteboardElements":[{"type":"rect"}]}`))
	assert.Equal(t, fiber.StatusForbidden, reply.Status)
}

func TestUpsertPartialFailureBroadcastsSuccessesOnly(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	reply := h.dispatch(context.Background(), c1, eventUpsertElements,
		json.RawMessage(`{"whiteboardId":42,"whiteboardElements":[{"type":"rect"},{"id":9999,"deleted":true}]}`))
	require.Equal(t, fiber.StatusOK, reply.Status)
	require.Len(t, reply.Failures, 1)

	updates := tc2.receivedByEvent(eventUpsertElements)
	require.Len(t, updates, 1)
	result := updates[0].Payload.(*whiteboard.Result)
	assert.Len(t, result.Applied, 1)
	assert.Empty(t, result.Deleted)
}

func TestUpsertAllFailuresProducesNoBroadcast(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	reply := h.dispatch(context.Background(), c1, eventUpsertElements,
		json.RawMessage(`{"whiteboardId":42,"whiteboardElements":[{"id":9999,"deleted":true}]}`))
	require.Equal(t, fiber.StatusOK, reply.Status)
	require.Len(t, reply.Failures, 1)
	assert.Empty(t, tc2.receivedByEvent(eventUpsertElements))
}

func TestHeartbeat(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, tc1 := newTestClient(10)
	c2, tc2 := newTestClient(20)

	// not joined yet: the beat goes only to the caller
	reply := h.dispatch(context.Background(), c1, eventHeartbeat, nil)
	require.Equal(t, fiber.StatusOK, reply.Status)
	require.Len(t, tc1.receivedByEvent(eventHeartbeat), 1)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	reply = h.dispatch(context.Background(), c1, eventHeartbeat, nil)
	require.Equal(t, fiber.StatusOK, reply.Status)

	// the room hears it, sender included
	assert.Len(t, tc1.receivedByEvent(eventHeartbeat), 2)
	assert.Len(t, tc2.receivedByEvent(eventHeartbeat), 1)
}

func TestUnknownEventRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	c1, _ := newTestClient(10)

	reply := h.dispatch(context.Background(), c1, "boogie", nil)
	assert.Equal(t, fiber.StatusBadRequest, reply.Status)
}

// The two-connection scenario end to end: join, edit, converge, leave.
func TestCollaborationScenario(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	c1, tc1 := newTestClient(10)
	c2, tc2 := newTestClient(20)

	join(t, h, c1, 42)
	join(t, h, c2, 42)

	reply := h.dispatch(ctx, c1, eventUpsertElements,
		json.RawMessage(`{"whiteboardId":42,"whiteboardElements":[{"type":"rect","width":100,"height":50}]}`))
	require.Equal(t, fiber.StatusOK, reply.Status)

	var serverID int64
	for _, tc := range []*testConn{tc1, tc2} {
		updates := tc.receivedByEvent(eventUpsertElements)
		require.Len(t, updates, 1)
		result := updates[0].Payload.(*whiteboard.Result)
		require.Len(t, result.Applied, 1)
		require.NotZero(t, result.Applied[0].ID)
		if serverID == 0 {
			serverID = result.Applied[0].ID
		}
		assert.Equal(t, serverID, result.Applied[0].ID)
	}

	reply = h.dispatch(ctx, c1, eventLeave, json.RawMessage(`{"whiteboardId":42}`))
	require.Equal(t, fiber.StatusOK, reply.Status)

	leaves := tc2.receivedByEvent(eventLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, memberEvent{UserID: 10}, leaves[0].Payload)

	members, err := h.registry.MembersOf(ctx, 42)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, c2.id, members[0].ConnectionID)
}
