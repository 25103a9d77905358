package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coscene/internal/config"
	"coscene/internal/models"
	"coscene/internal/storage"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// One connection keeps the shared in-memory database alive and the
	// foreign_keys pragma applied.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	st, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return st, db
}

func mustSession(t *testing.T, st *Store) *models.Session {
	t.Helper()
	session, err := st.CreateSession(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func mustVersion(t *testing.T, st *Store, sessionID int64, text string, parentID *int64) *models.SceneVersion {
	t.Helper()
	v, err := st.CreateVersion(context.Background(), sessionID, text, parentID, nil)
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	return v
}

func TestSessionLifecycle(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	session, err := st.CreateSession(ctx, 7, `{"project":"kitchen"}`)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != models.SessionActive {
		t.Fatalf("new session status = %s, want active", session.Status)
	}

	got, err := st.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Metadata != `{"project":"kitchen"}` {
		t.Fatalf("metadata = %q", got.Metadata)
	}

	if err := st.UpdateSessionStatus(ctx, session.ID, models.SessionSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := st.UpdateSessionStatus(ctx, session.ID, "junk"); err == nil {
		t.Fatal("invalid status accepted")
	}
	if err := st.UpdateSessionStatus(ctx, 9999, models.SessionActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status on missing session: %v, want ErrNotFound", err)
	}

	list, err := st.ListSessions(ctx, 7)
	if err != nil || len(list) != 1 {
		t.Fatalf("list sessions: %v, %d entries", err, len(list))
	}

	if err := st.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := st.GetSession(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: %v, want ErrNotFound", err)
	}
	if err := st.DeleteSession(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v, want ErrNotFound", err)
	}
}

func TestMessagesOrderedAndValidated(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)

	if _, err := st.AddMessage(ctx, models.Message{SessionID: session.ID, Role: "ghost", Content: "x"}); err == nil {
		t.Fatal("invalid role accepted")
	}
	for i, content := range []string{"add a cube", "Updated scene to version 2.", "make it red"} {
		role := models.RoleUser
		if i == 1 {
			role = models.RoleAssistant
		}
		if _, err := st.AddMessage(ctx, models.Message{SessionID: session.ID, Role: role, Content: content}); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	messages, err := st.ListMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("message count = %d, want 3", len(messages))
	}
	if messages[0].Content != "add a cube" || messages[2].Content != "make it red" {
		t.Fatalf("messages out of order: %q, %q", messages[0].Content, messages[2].Content)
	}
}

func TestVersionNumbersAreSequential(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)

	v1 := mustVersion(t, st, session.ID, "#usda 1.0\n", nil)
	if v1.VersionNumber != 1 {
		t.Fatalf("first version number = %d, want 1", v1.VersionNumber)
	}
	v2 := mustVersion(t, st, session.ID, "#usda 1.0\ndef Cube \"a\" {\n}\n", &v1.ID)
	v3 := mustVersion(t, st, session.ID, "#usda 1.0\ndef Cube \"b\" {\n}\n", &v2.ID)
	if v2.VersionNumber != 2 || v3.VersionNumber != 3 {
		t.Fatalf("version numbers = %d, %d, want 2, 3", v2.VersionNumber, v3.VersionNumber)
	}

	latest, err := st.LatestVersion(ctx, session.ID)
	if err != nil || latest.ID != v3.ID {
		t.Fatalf("latest = %+v, %v", latest, err)
	}

	history, err := st.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for i, v := range history {
		if v.VersionNumber != i+1 {
			t.Fatalf("history[%d].VersionNumber = %d, want %d", i, v.VersionNumber, i+1)
		}
	}

	// Branching: a second child of v2 keeps numbering linear while the
	// parent pointers form a tree.
	v4 := mustVersion(t, st, session.ID, "#usda 1.0\ndef Sphere \"c\" {\n}\n", &v2.ID)
	if v4.VersionNumber != 4 {
		t.Fatalf("branch version number = %d, want 4", v4.VersionNumber)
	}

	byNumber, err := st.GetVersionByNumber(ctx, session.ID, 2)
	if err != nil || byNumber.ID != v2.ID {
		t.Fatalf("by number: %+v, %v", byNumber, err)
	}
}

func TestVersionParentChecks(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	a := mustSession(t, st)
	b := mustSession(t, st)
	va := mustVersion(t, st, a.ID, "#usda 1.0\n", nil)

	if _, err := st.CreateVersion(ctx, b.ID, "#usda 1.0\n", &va.ID, nil); err == nil {
		t.Fatal("cross-session parent accepted")
	}
	missing := int64(404)
	if _, err := st.CreateVersion(ctx, a.ID, "#usda 1.0\n", &missing, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing parent: %v, want ErrNotFound", err)
	}
	if _, err := st.CreateVersion(ctx, a.ID, "", nil, nil); err == nil {
		t.Fatal("empty scene text accepted")
	}
}

func TestVersionForDeletedSessionIsNotConflict(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)
	if err := st.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	// The insert trips the session foreign key. That is a permanent
	// failure, not a lost allocation race, so it must not read as a
	// conflict or callers would burn a retry on it.
	_, err := st.CreateVersion(ctx, session.ID, "#usda 1.0\n", nil, nil)
	if err == nil {
		t.Fatal("version created for a deleted session")
	}
	if errors.Is(err, ErrVersionConflict) {
		t.Fatalf("foreign key failure misreported as version conflict: %v", err)
	}
}

func TestVersionChecksumIsContentHash(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)

	text := "#usda 1.0\ndef Cube \"box\" {\n}\n"
	v1 := mustVersion(t, st, session.ID, text, nil)
	v2 := mustVersion(t, st, session.ID, text, &v1.ID)

	// Identical content means identical checksums but distinct rows.
	if v1.Checksum != Checksum(text) || v1.Checksum != v2.Checksum {
		t.Fatalf("checksums: %s vs %s", v1.Checksum, v2.Checksum)
	}
	if v1.ID == v2.ID {
		t.Fatal("identical content collapsed into one row")
	}

	found, err := st.FindByChecksum(ctx, session.ID, v1.Checksum)
	if err != nil || len(found) != 2 {
		t.Fatalf("find by checksum: %v, %d rows", err, len(found))
	}
}

// Concurrent writers race on the next version number; losers see
// ErrVersionConflict and retry. Afterwards the numbers must be
// sequential with no gaps and no duplicates.
func TestConcurrentVersionCreation(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)
	mustVersion(t, st, session.ID, "#usda 1.0\n", nil)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			text := fmt.Sprintf("#usda 1.0\ndef Cube \"c%d\" {\n}\n", n)
			for {
				_, err := st.CreateVersion(ctx, session.ID, text, nil, nil)
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				errs <- err
				return
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}

	history, err := st.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("version count = %d, want %d", len(history), writers+1)
	}
	for i, v := range history {
		if v.VersionNumber != i+1 {
			t.Fatalf("gap in version numbers at %d: %d", i, v.VersionNumber)
		}
	}
}

func TestRenderExpiryAndPromotion(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)
	version := mustVersion(t, st, session.ID, "#usda 1.0\n", nil)

	frame := []byte{0x89, 'P', 'N', 'G'}
	live, err := st.CreateRender(ctx, models.Render{
		VersionID: version.ID, CameraAngle: "perspective",
		Quality: models.QualityVerification, Width: 512, Height: 512,
		ImageData: frame, RenderTimeMs: 40,
	}, time.Hour)
	if err != nil {
		t.Fatalf("create render: %v", err)
	}
	expired, err := st.CreateRender(ctx, models.Render{
		VersionID: version.ID, CameraAngle: "front",
		Quality: models.QualityPreview, Width: 512, Height: 512,
		ImageData: frame,
	}, -time.Hour)
	if err != nil {
		t.Fatalf("create render: %v", err)
	}
	// A negative ttl is already past; the row must behave as deleted.
	if expired.ExpiresAt == nil {
		t.Fatal("expired render has no expiry")
	}

	if _, err := st.GetRender(ctx, live.ID); err != nil {
		t.Fatalf("get live render: %v", err)
	}
	if _, err := st.GetRender(ctx, expired.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get expired render: %v, want ErrNotFound", err)
	}

	renders, err := st.ListRenders(ctx, version.ID)
	if err != nil || len(renders) != 1 {
		t.Fatalf("list renders: %v, %d live", err, len(renders))
	}

	// Final quality ignores ttl entirely.
	final, err := st.CreateRender(ctx, models.Render{
		VersionID: version.ID, CameraAngle: "top",
		Quality: models.QualityFinal, Width: 512, Height: 512, ImageData: frame,
	}, time.Minute)
	if err != nil {
		t.Fatalf("create final render: %v", err)
	}
	if final.ExpiresAt != nil {
		t.Fatal("final render must not expire")
	}

	promoted, err := st.PromoteRenders(ctx, version.ID)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1 (the live verification render)", promoted)
	}
	got, err := st.GetRender(ctx, live.ID)
	if err != nil {
		t.Fatalf("get promoted: %v", err)
	}
	if got.Quality != models.QualityFinal || got.ExpiresAt != nil {
		t.Fatalf("promoted render = %s quality, expiry %v", got.Quality, got.ExpiresAt)
	}
}

func TestCreateRenderValidation(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)
	version := mustVersion(t, st, session.ID, "#usda 1.0\n", nil)

	cases := []models.Render{
		{CameraAngle: "front", Quality: models.QualityPreview, ImageData: []byte("x")},
		{VersionID: version.ID, Quality: models.QualityPreview, ImageData: []byte("x")},
		{VersionID: version.ID, CameraAngle: "front", Quality: "hd", ImageData: []byte("x")},
		{VersionID: version.ID, CameraAngle: "front", Quality: models.QualityPreview},
	}
	for i, r := range cases {
		if _, err := st.CreateRender(ctx, r, 0); err == nil {
			t.Fatalf("case %d: invalid render accepted", i)
		}
	}
}

func TestPurgeExpiredIsIdempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)
	version := mustVersion(t, st, session.ID, "#usda 1.0\n", nil)

	frame := []byte("png")
	for i := 0; i < 3; i++ {
		if _, err := st.CreateRender(ctx, models.Render{
			VersionID: version.ID, CameraAngle: fmt.Sprintf("angle%d", i),
			Quality: models.QualityPreview, Width: 1, Height: 1, ImageData: frame,
		}, -time.Minute); err != nil {
			t.Fatalf("create render: %v", err)
		}
	}
	if _, err := st.CreateRender(ctx, models.Render{
		VersionID: version.ID, CameraAngle: "keep",
		Quality: models.QualityVerification, Width: 1, Height: 1, ImageData: frame,
	}, time.Hour); err != nil {
		t.Fatalf("create render: %v", err)
	}

	purged, err := st.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 3 {
		t.Fatalf("purged = %d, want 3", purged)
	}
	again, err := st.PurgeExpired(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second purge = %d, %v, want 0 rows", again, err)
	}

	renders, err := st.ListRenders(ctx, version.ID)
	if err != nil || len(renders) != 1 {
		t.Fatalf("survivors = %d, %v, want 1", len(renders), err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	st, db := openTestStore(t)
	ctx := context.Background()
	session := mustSession(t, st)

	msg, err := st.AddMessage(ctx, models.Message{SessionID: session.ID, Role: models.RoleUser, Content: "add a cube"})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	v1 := mustVersion(t, st, session.ID, "#usda 1.0\n", nil)
	v2, err := st.CreateVersion(ctx, session.ID, "#usda 1.0\ndef Cube \"a\" {\n}\n", &v1.ID, &msg.ID)
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if _, err := st.CreateRender(ctx, models.Render{
		VersionID: v2.ID, CameraAngle: "perspective",
		Quality: models.QualityVerification, Width: 1, Height: 1, ImageData: []byte("png"),
	}, time.Hour); err != nil {
		t.Fatalf("create render: %v", err)
	}

	if err := st.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	for _, table := range []string{"messages", "scene_versions", "renders"} {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("%s left %d orphaned rows", table, count)
		}
	}
}
