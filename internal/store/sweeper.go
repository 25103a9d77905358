package store

import (
	"context"
	"fmt"
	"log"
	"time"
)

const DefaultSweepInterval = time.Hour

// PurgeExpired deletes renders whose expiry has passed and reports the
// count. Safe to run concurrently and repeatedly; a second call with no
// new expirations deletes nothing.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM renders WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired renders: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return count, nil
}

// StartSweeper runs PurgeExpired on a ticker until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.sweepLoop(ctx, interval)
}

func (s *Store) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.PurgeExpired(ctx)
			if err != nil {
				log.Printf("sweep expired renders error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("swept %d expired renders", count)
			}
		}
	}
}
