package models

import "time"

// SceneVersion is an immutable snapshot of the full scene description.
// VersionNumber is unique and strictly increasing per session. ParentID
// links to an earlier version of the same session (nil when the parent
// chain was severed by a deletion). Checksum is the SHA-256 hex of
// SceneText; identical content may share a checksum, the rows stay
// distinct.
type SceneVersion struct {
	ID            int64     `json:"id"`
	SessionID     int64     `json:"session_id"`
	VersionNumber int       `json:"version_number"`
	ParentID      *int64    `json:"parent_version_id,omitempty"`
	SceneText     string    `json:"scene_text"`
	Checksum      string    `json:"checksum"`
	MessageID     *int64    `json:"created_by_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
