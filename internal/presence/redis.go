package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const updatesChannel = "whiteboard_presence"

// Status presence states
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// Data is the per-user presence record kept in Redis
type Data struct {
	UserID       int64  `json:"user_id"`
	Status       Status `json:"status"`
	WhiteboardID int64  `json:"whiteboard_id,omitempty"`
	LastSeen     int64  `json:"last_seen"`
}

// Manager mirrors whiteboard presence into Redis and publishes changes on a
// pub/sub channel so other processes can observe them. The TTL matches the
// registry's session staleness window; abandoned entries age out on their own.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewManager connects to Redis
func NewManager(addr, password string, db int, ttl time.Duration) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence redis ping: %w", err)
	}

	return &Manager{client: client, ttl: ttl}, nil
}

func (m *Manager) userKey(userID int64) string {
	return fmt.Sprintf("presence:user:%d", userID)
}

// SetOnline records a user as active on a whiteboard
func (m *Manager) SetOnline(ctx context.Context, userID, whiteboardID int64) error {
	return m.set(ctx, Data{
		UserID:       userID,
		Status:       StatusOnline,
		WhiteboardID: whiteboardID,
		LastSeen:     time.Now().Unix(),
	})
}

// SetOffline records a user as gone from the whiteboard
func (m *Manager) SetOffline(ctx context.Context, userID int64) error {
	if err := m.client.Del(ctx, m.userKey(userID)).Err(); err != nil {
		return err
	}
	return m.publish(ctx, Data{
		UserID:   userID,
		Status:   StatusOffline,
		LastSeen: time.Now().Unix(),
	})
}

// Get returns a user's presence, or nil when offline
func (m *Manager) Get(ctx context.Context, userID int64) (*Data, error) {
	val, err := m.client.Get(ctx, m.userKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var data Data
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Subscribe returns a pub/sub subscription to presence updates
func (m *Manager) Subscribe(ctx context.Context) *redis.PubSub {
	return m.client.Subscribe(ctx, updatesChannel)
}

// Close releases the Redis connection
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) set(ctx context.Context, data Data) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if err := m.client.Set(ctx, m.userKey(data.UserID), jsonData, m.ttl).Err(); err != nil {
		return err
	}

	return m.publish(ctx, data)
}

func (m *Manager) publish(ctx context.Context, data Data) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, updatesChannel, jsonData).Err()
}
