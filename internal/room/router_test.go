package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	Event   string
	Payload any
}

type fakeClient struct {
	id       string
	failSend bool

	mu     sync.Mutex
	events []capturedEvent
}

func (f *fakeClient) ConnectionID() string { return f.id }

func (f *fakeClient) Send(event string, payload any) error {
	if f.failSend {
		return errors.New("connection gone")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeClient) received() []capturedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capturedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func TestBroadcastExcludesSender(t *testing.T) {
	router := NewRouter()
	c1 := &fakeClient{id: "c1"}
	c2 := &fakeClient{id: "c2"}

	router.Join(42, c1)
	router.Join(42, c2)

	router.Broadcast(42, "join", 10, "c1")

	assert.Empty(t, c1.received())
	events := c2.received()
	require.Len(t, events, 1)
	assert.Equal(t, "join", events[0].Event)
	assert.Equal(t, 10, events[0].Payload)
}

func TestBroadcastWithoutExclusionReachesEveryone(t *testing.T) {
	router := NewRouter()
	c1 := &fakeClient{id: "c1"}
	c2 := &fakeClient{id: "c2"}

	router.Join(42, c1)
	router.Join(42, c2)

	router.Broadcast(42, "upsert_whiteboard_element", "payload", "")

	assert.Len(t, c1.received(), 1)
	assert.Len(t, c2.received(), 1)
}

func TestBroadcastScopedToRoom(t *testing.T) {
	router := NewRouter()
	c1 := &fakeClient{id: "c1"}
	c2 := &fakeClient{id: "c2"}

	router.Join(42, c1)
	router.Join(99, c2)

	router.Broadcast(42, "join", 10, "")

	assert.Len(t, c1.received(), 1)
	assert.Empty(t, c2.received())
}

func TestLeaveIsIdempotentAndPrunesRoom(t *testing.T) {
	router := NewRouter()
	c1 := &fakeClient{id: "c1"}

	router.Join(42, c1)
	require.Equal(t, 1, router.MemberCount(42))

	router.Leave(42, "c1")
	assert.Equal(t, 0, router.MemberCount(42))

	// leaving again, and leaving a room that never existed, are no-ops
	router.Leave(42, "c1")
	router.Leave(7, "c1")

	router.Broadcast(42, "leave", 10, "")
	assert.Empty(t, c1.received())
}

func TestDeadMemberDoesNotBlockDelivery(t *testing.T) {
	router := NewRouter()
	dead := &fakeClient{id: "dead", failSend: true}
	alive := &fakeClient{id: "alive"}

	router.Join(42, dead)
	router.Join(42, alive)

	router.Broadcast(42, "join", 10, "")

	require.Len(t, alive.received(), 1)
}

func TestJoinDuringLastLeaveStaysReachable(t *testing.T) {
	router := NewRouter()

	// the last member's leave prunes the room; a join racing it must still
	// land in the live room, never an orphaned one
	for i := 0; i < 500; i++ {
		leaver := &fakeClient{id: "leaver"}
		joiner := &fakeClient{id: "joiner"}
		router.Join(42, leaver)

		done := make(chan struct{})
		go func() {
			router.Leave(42, "leaver")
			close(done)
		}()
		router.Join(42, joiner)
		<-done

		router.Broadcast(42, "join", i, "")
		require.Len(t, joiner.received(), 1, "iteration %d", i)
		require.Equal(t, 1, router.MemberCount(42), "iteration %d", i)

		router.Leave(42, "joiner")
	}
}

func TestConcurrentRoomsDoNotInterfere(t *testing.T) {
	router := NewRouter()

	var wg sync.WaitGroup
	for board := int64(1); board <= 8; board++ {
		wg.Add(1)
		go func(board int64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c := &fakeClient{id: fmt.Sprintf("b%d-c%d", board, i)}
				router.Join(board, c)
				router.Broadcast(board, "join", i, c.id)
				router.Leave(board, c.id)
			}
		}(board)
	}
	wg.Wait()

	for board := int64(1); board <= 8; board++ {
		assert.Equal(t, 0, router.MemberCount(board))
	}
}
