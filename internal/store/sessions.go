package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coscene/internal/models"
)

// CreateSession inserts a new editing session for the given user.
func (s *Store) CreateSession(ctx context.Context, userID int64, metadata string) (*models.Session, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, status, metadata, last_active_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, models.SessionActive, metadata, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{
		ID:           id,
		UserID:       userID,
		Status:       models.SessionActive,
		Metadata:     metadata,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	var (
		se       models.Session
		metadata sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, metadata, last_active_at, created_at, updated_at
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&se.ID, &se.UserID, &se.Status, &metadata, &se.LastActiveAt, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	se.Metadata = metadata.String
	return &se, nil
}

// ListSessions returns all sessions for a user ordered by last activity.
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, status, metadata, last_active_at, created_at, updated_at
		 FROM sessions WHERE user_id = ? ORDER BY last_active_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var (
			se       models.Session
			metadata sql.NullString
		)
		if err := rows.Scan(&se.ID, &se.UserID, &se.Status, &metadata,
			&se.LastActiveAt, &se.CreatedAt, &se.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		se.Metadata = metadata.String
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus transitions a session between the caller-driven states.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID int64, status models.SessionStatus) error {
	switch status {
	case models.SessionActive, models.SessionSuspended, models.SessionCompleted:
	default:
		return fmt.Errorf("invalid session status: %s", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession bumps last_active_at.
func (s *Store) TouchSession(ctx context.Context, sessionID int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ?, updated_at = ? WHERE id = ?`,
		now, now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session; messages, scene versions and their
// renders cascade through the schema's foreign keys.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
