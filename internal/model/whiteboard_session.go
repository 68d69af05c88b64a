package model

import (
	"time"
)

// WhiteboardSession is one live socket connection viewing a whiteboard.
// SocketID is unique per connection; UpdatedAt doubles as the last-activity
// timestamp used by the staleness sweep.
type WhiteboardSession struct {
	SocketID     string    `gorm:"type:varchar(255);primaryKey" json:"socket_id"`
	UserID       int64     `gorm:"not null;index" json:"user_id"`
	WhiteboardID int64     `gorm:"not null;index" json:"whiteboard_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (WhiteboardSession) TableName() string {
	return "whiteboard_sessions"
}
