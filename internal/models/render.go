package models

import "time"

type RenderQuality string

const (
	QualityPreview      RenderQuality = "preview"
	QualityVerification RenderQuality = "verification"
	QualityFinal        RenderQuality = "final"
)

// Render is one rendered image of a scene version from a single camera
// angle. Preview and verification renders carry an expiry and may be
// swept; final renders never expire. Rows are never mutated, a
// re-render produces a new row.
type Render struct {
	ID           int64         `json:"id"`
	VersionID    int64         `json:"scene_version_id"`
	CameraAngle  string        `json:"camera_angle"`
	Quality      RenderQuality `json:"quality"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	ImageData    []byte        `json:"-"`
	RenderTimeMs int           `json:"render_time_ms"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
}
