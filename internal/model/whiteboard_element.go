package model

import (
	"encoding/json"
	"time"
)

// WhiteboardElement is one drawable object on a whiteboard canvas.
// Element is the client-side object document (shape, text, path, image...)
// stored verbatim; the server only cares about id, whiteboard and version.
type WhiteboardElement struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	WhiteboardID int64           `gorm:"not null;index:idx_element_whiteboard" json:"whiteboard_id"`
	Element      json.RawMessage `gorm:"type:jsonb;not null" json:"element"`
	Version      int64           `gorm:"default:1" json:"version"`
	CreatedBy    int64           `gorm:"not null" json:"created_by"`
	UpdatedBy    int64           `gorm:"not null" json:"updated_by"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WhiteboardElement) TableName() string {
	return "whiteboard_elements"
}
