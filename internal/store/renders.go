package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coscene/internal/models"
)

// CreateRender persists one rendered image for a scene version. A zero
// ttl leaves the render permanent, a negative one is already past;
// quality final ignores ttl entirely.
func (s *Store) CreateRender(ctx context.Context, r models.Render, ttl time.Duration) (*models.Render, error) {
	if r.VersionID <= 0 {
		return nil, errors.New("scene_version_id is required")
	}
	if r.CameraAngle == "" {
		return nil, errors.New("camera_angle is required")
	}
	switch r.Quality {
	case models.QualityPreview, models.QualityVerification, models.QualityFinal:
	default:
		return nil, fmt.Errorf("invalid render quality: %s", r.Quality)
	}
	if len(r.ImageData) == 0 {
		return nil, errors.New("image data cannot be empty")
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl != 0 && r.Quality != models.QualityFinal {
		t := now.Add(ttl)
		expiresAt = &t
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO renders
		 (scene_version_id, camera_angle, quality, width, height, image_data, render_time_ms, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.VersionID, r.CameraAngle, r.Quality, r.Width, r.Height,
		r.ImageData, r.RenderTimeMs, now, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert render: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("render id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	r.ExpiresAt = expiresAt
	return &r, nil
}

func (s *Store) scanRender(row *sql.Row) (*models.Render, error) {
	var (
		r         models.Render
		expiresAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.VersionID, &r.CameraAngle, &r.Quality,
		&r.Width, &r.Height, &r.ImageData, &r.RenderTimeMs, &r.CreatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan render: %w", err)
	}
	if expiresAt.Valid {
		r.ExpiresAt = &expiresAt.Time
	}
	return &r, nil
}

const renderColumns = `id, scene_version_id, camera_angle, quality,
	width, height, image_data, render_time_ms, created_at, expires_at`

// GetRender returns a render by id. Expired rows behave exactly like
// deleted ones whether or not the sweeper has run yet.
func (s *Store) GetRender(ctx context.Context, renderID int64) (*models.Render, error) {
	return s.scanRender(s.db.QueryRowContext(ctx,
		`SELECT `+renderColumns+` FROM renders
		 WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		renderID, time.Now().UTC()))
}

// GetRenderByVersionAndAngle returns the newest live render of a scene
// version from one camera angle.
func (s *Store) GetRenderByVersionAndAngle(ctx context.Context, versionID int64, angle string) (*models.Render, error) {
	return s.scanRender(s.db.QueryRowContext(ctx,
		`SELECT `+renderColumns+` FROM renders
		 WHERE scene_version_id = ? AND camera_angle = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		versionID, angle, time.Now().UTC()))
}

// ListRenders returns a version's live renders, one row per (angle,
// quality, attempt), newest first.
func (s *Store) ListRenders(ctx context.Context, versionID int64) ([]*models.Render, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+renderColumns+` FROM renders
		 WHERE scene_version_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id DESC`,
		versionID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list renders: %w", err)
	}
	defer rows.Close()

	var renders []*models.Render
	for rows.Next() {
		var (
			r         models.Render
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.VersionID, &r.CameraAngle, &r.Quality,
			&r.Width, &r.Height, &r.ImageData, &r.RenderTimeMs, &r.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan render: %w", err)
		}
		if expiresAt.Valid {
			r.ExpiresAt = &expiresAt.Time
		}
		renders = append(renders, &r)
	}
	return renders, rows.Err()
}

// PromoteRenders upgrades a version's verification renders to final and
// clears their expiry. This is the one sanctioned in-place change to a
// render row; the image bytes stay untouched.
func (s *Store) PromoteRenders(ctx context.Context, versionID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE renders SET quality = ?, expires_at = NULL
		 WHERE scene_version_id = ? AND quality = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		models.QualityFinal, versionID, models.QualityVerification, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("promote renders: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("promote rows affected: %w", err)
	}
	return affected, nil
}
