package model

import (
	"time"
)

// User represents a platform user (students and instructors)
type User struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Email      string  `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Nickname   string  `gorm:"type:varchar(100);not null" json:"nickname"`
	ProfileImg *string `gorm:"type:text" json:"profile_img,omitempty"`
	Provider   *string `gorm:"type:varchar(50)" json:"provider,omitempty"`
	ProviderID *string `gorm:"type:varchar(255)" json:"provider_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// Course groups users and whiteboards
type Course struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Whiteboards []Whiteboard `gorm:"foreignKey:CourseID" json:"whiteboards,omitempty"`
}

func (Course) TableName() string {
	return "courses"
}

// Whiteboard is a shared canvas within a course
type Whiteboard struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	CourseID  int64      `gorm:"not null;index" json:"course_id"`
	Title     string     `gorm:"type:varchar(255);not null" json:"title"`
	CreatedBy int64      `gorm:"not null" json:"created_by"`
	Deleted   bool       `gorm:"default:false;index" json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Course   Course              `gorm:"foreignKey:CourseID" json:"course,omitempty"`
	Elements []WhiteboardElement `gorm:"foreignKey:WhiteboardID" json:"elements,omitempty"`
}

func (Whiteboard) TableName() string {
	return "whiteboards"
}
