package models

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSuspended SessionStatus = "suspended"
	SessionCompleted SessionStatus = "completed"
)

// Session groups one continuous editing conversation and owns its
// messages and scene versions.
type Session struct {
	ID           int64         `json:"id"`
	UserID       int64         `json:"user_id"`
	Status       SessionStatus `json:"status"`
	Metadata     string        `json:"metadata,omitempty"`
	LastActiveAt time.Time     `json:"last_active_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
