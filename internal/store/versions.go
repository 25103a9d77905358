package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"coscene/internal/models"
)

// Checksum is the content hash over the raw scene text. Two versions
// with identical content share a checksum but remain distinct rows.
func Checksum(sceneText string) string {
	sum := sha256.Sum256([]byte(sceneText))
	return hex.EncodeToString(sum[:])
}

// CreateVersion persists a new immutable scene snapshot, allocating the
// next version_number for the session. Allocation races lose with
// ErrVersionConflict; the caller retries after a fresh LatestVersion
// read. A supplied parent must belong to the same session and carry a
// lower version number, which keeps the history acyclic by construction.
func (s *Store) CreateVersion(ctx context.Context, sessionID int64, sceneText string, parentID, messageID *int64) (*models.SceneVersion, error) {
	if sessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if sceneText == "" {
		return nil, errors.New("scene text cannot be empty")
	}

	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version_number) FROM scene_versions WHERE session_id = ?`,
		sessionID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("read latest version number: %w", err)
	}
	next := int(last.Int64) + 1

	if parentID != nil {
		var parentSession int64
		var parentNumber int
		err := s.db.QueryRowContext(ctx,
			`SELECT session_id, version_number FROM scene_versions WHERE id = ?`,
			*parentID,
		).Scan(&parentSession, &parentNumber)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("parent version %d: %w", *parentID, ErrNotFound)
			}
			return nil, fmt.Errorf("read parent version: %w", err)
		}
		if parentSession != sessionID {
			return nil, fmt.Errorf("parent version %d belongs to another session", *parentID)
		}
		if parentNumber >= next {
			return nil, fmt.Errorf("parent version %d is not an earlier version", *parentID)
		}
	}

	checksum := Checksum(sceneText)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scene_versions
		 (session_id, version_number, parent_version_id, scene_text, checksum, created_by_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, next, parentID, sceneText, checksum, messageID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("insert scene version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("scene version id: %w", err)
	}
	return &models.SceneVersion{
		ID:            id,
		SessionID:     sessionID,
		VersionNumber: next,
		ParentID:      parentID,
		SceneText:     sceneText,
		Checksum:      checksum,
		MessageID:     messageID,
		CreatedAt:     now,
	}, nil
}

func (s *Store) scanVersion(row *sql.Row) (*models.SceneVersion, error) {
	var (
		v         models.SceneVersion
		parentID  sql.NullInt64
		messageID sql.NullInt64
	)
	err := row.Scan(&v.ID, &v.SessionID, &v.VersionNumber, &parentID,
		&v.SceneText, &v.Checksum, &messageID, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan scene version: %w", err)
	}
	if parentID.Valid {
		v.ParentID = &parentID.Int64
	}
	if messageID.Valid {
		v.MessageID = &messageID.Int64
	}
	return &v, nil
}

const versionColumns = `id, session_id, version_number, parent_version_id,
	scene_text, checksum, created_by_message_id, created_at`

// GetVersion returns one scene version by id.
func (s *Store) GetVersion(ctx context.Context, versionID int64) (*models.SceneVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM scene_versions WHERE id = ?`, versionID))
}

// GetVersionByNumber returns a session's version with the given number.
func (s *Store) GetVersionByNumber(ctx context.Context, sessionID int64, number int) (*models.SceneVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM scene_versions
		 WHERE session_id = ? AND version_number = ?`, sessionID, number))
}

// LatestVersion returns the session's highest-numbered version. The
// "latest" pointer is always derived from the version table, never
// cached, so it cannot desynchronize.
func (s *Store) LatestVersion(ctx context.Context, sessionID int64) (*models.SceneVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM scene_versions
		 WHERE session_id = ? ORDER BY version_number DESC LIMIT 1`, sessionID))
}

// History returns all of a session's versions ordered oldest to newest.
func (s *Store) History(ctx context.Context, sessionID int64) ([]*models.SceneVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM scene_versions
		 WHERE session_id = ? ORDER BY version_number ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list scene versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.SceneVersion
	for rows.Next() {
		var (
			v         models.SceneVersion
			parentID  sql.NullInt64
			messageID sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &v.VersionNumber, &parentID,
			&v.SceneText, &v.Checksum, &messageID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scene version: %w", err)
		}
		if parentID.Valid {
			v.ParentID = &parentID.Int64
		}
		if messageID.Valid {
			v.MessageID = &messageID.Int64
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// FindByChecksum returns the session's versions carrying the given
// content hash, oldest first. Dedup lookups only; a hit is a hint, not
// proof of identical bytes.
func (s *Store) FindByChecksum(ctx context.Context, sessionID int64, checksum string) ([]*models.SceneVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM scene_versions
		 WHERE session_id = ? AND checksum = ? ORDER BY version_number ASC`,
		sessionID, checksum,
	)
	if err != nil {
		return nil, fmt.Errorf("find by checksum: %w", err)
	}
	defer rows.Close()

	var versions []*models.SceneVersion
	for rows.Next() {
		var (
			v         models.SceneVersion
			parentID  sql.NullInt64
			messageID sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &v.VersionNumber, &parentID,
			&v.SceneText, &v.Checksum, &messageID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scene version: %w", err)
		}
		if parentID.Valid {
			v.ParentID = &parentID.Int64
		}
		if messageID.Valid {
			v.MessageID = &messageID.Int64
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}
