package registry

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"squiggy-backend/internal/model"
)

// Member is one live connection registered to a whiteboard
type Member struct {
	ConnectionID string
	UserID       int64
}

// Registry is the sole owner of whiteboard_sessions rows. All operations
// tolerate missing rows: cleanup of an already-removed session is treated as
// already consistent, never as an error.
type Registry struct {
	db *gorm.DB
}

// New creates a Registry
func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Register inserts or refreshes the session row for a connection. Calling it
// twice for the same connection is a refresh, not an error; the row follows
// the connection to whichever whiteboard it last registered for.
func (r *Registry) Register(ctx context.Context, connectionID string, userID, whiteboardID int64) error {
	session := model.WhiteboardSession{
		SocketID:     connectionID,
		UserID:       userID,
		WhiteboardID: whiteboardID,
		UpdatedAt:    time.Now(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "socket_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "whiteboard_id", "updated_at"}),
	}).Create(&session).Error
	if err != nil {
		return fmt.Errorf("register session %s: %w", connectionID, err)
	}

	return nil
}

// Touch refreshes last activity for a connection. Unknown connections are a
// no-op; the row may already have been swept.
func (r *Registry) Touch(ctx context.Context, connectionID string) error {
	err := r.db.WithContext(ctx).
		Model(&model.WhiteboardSession{}).
		Where("socket_id = ?", connectionID).
		Update("updated_at", time.Now()).Error
	if err != nil {
		return fmt.Errorf("touch session %s: %w", connectionID, err)
	}

	return nil
}

// DeleteByConnections removes the session rows for the given connection ids
func (r *Registry) DeleteByConnections(ctx context.Context, connectionIDs []string) error {
	if len(connectionIDs) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Where("socket_id IN ?", connectionIDs).
		Delete(&model.WhiteboardSession{}).Error
	if err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}

	return nil
}

// SweepStale evicts sessions whose last activity predates the threshold,
// regardless of connection id. Returns the number of rows removed.
func (r *Registry) SweepStale(ctx context.Context, olderThanMinutes int) (int64, error) {
	if olderThanMinutes <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-time.Duration(olderThanMinutes) * time.Minute)
	result := r.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&model.WhiteboardSession{})
	if result.Error != nil {
		return 0, fmt.Errorf("sweep stale sessions: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// Remove deletes the given connections and, when olderThanMinutes > 0,
// opportunistically sweeps stale rows in the same call. The leave path uses
// this so no separate background sweeper is needed.
func (r *Registry) Remove(ctx context.Context, connectionIDs []string, olderThanMinutes int) error {
	if err := r.DeleteByConnections(ctx, connectionIDs); err != nil {
		return err
	}

	if _, err := r.SweepStale(ctx, olderThanMinutes); err != nil {
		return err
	}

	return nil
}

// MembersOf returns the connections currently registered to a whiteboard
func (r *Registry) MembersOf(ctx context.Context, whiteboardID int64) ([]Member, error) {
	var sessions []model.WhiteboardSession
	err := r.db.WithContext(ctx).
		Where("whiteboard_id = ?", whiteboardID).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list members of whiteboard %d: %w", whiteboardID, err)
	}

	members := make([]Member, 0, len(sessions))
	for _, s := range sessions {
		members = append(members, Member{
			ConnectionID: s.SocketID,
			UserID:       s.UserID,
		})
	}

	return members, nil
}
