package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/domuslink/internal/infrastructure/database"
)

// openTestRepo opens a repository on a fresh database with the
// state_history schema applied.
func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	_, err = db.ExecContext(context.Background(), `
		CREATE TABLE state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			fields TEXT NOT NULL,
			source TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	return NewSQLiteRepository(db.DB)
}

func TestRecordAndGetHistory(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	err := repo.RecordChange(ctx, "light", "light-1", map[string]any{"brightness": 40.0}, SourcePoll)
	if err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	err = repo.RecordChange(ctx, "light", "light-1", map[string]any{"brightness": 75.0}, SourcePush)
	if err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	err = repo.RecordChange(ctx, "light", "light-2", map[string]any{"brightness": 10.0}, SourcePush)
	if err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "light", "light-1", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Fields["brightness"] != 75.0 {
		t.Errorf("newest brightness = %v, want 75", entries[0].Fields["brightness"])
	}
	if entries[0].Source != SourcePush {
		t.Errorf("newest source = %q, want push", entries[0].Source)
	}
	if entries[1].Fields["brightness"] != 40.0 {
		t.Errorf("older brightness = %v, want 40", entries[1].Fields["brightness"])
	}
	if entries[0].RecordedAt.IsZero() {
		t.Error("recorded_at not persisted")
	}
}

func TestRecordChange_Validation(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.RecordChange(ctx, "light", "", nil, SourcePush); err == nil {
		t.Error("RecordChange() with empty instance id succeeded, want error")
	}

	// Nil fields and empty source take defaults.
	if err := repo.RecordChange(ctx, "light", "light-1", nil, ""); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	entries, err := repo.GetHistory(ctx, "light", "light-1", 1)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if entries[0].Source != SourcePush {
		t.Errorf("default source = %q, want push", entries[0].Source)
	}
}

func TestGetHistory_LimitClamped(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := repo.RecordChange(ctx, "light", "light-1", map[string]any{"n": i}, SourcePush); err != nil {
			t.Fatalf("RecordChange() error = %v", err)
		}
	}

	entries, err := repo.GetHistory(ctx, "light", "light-1", 3)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want limit 3", len(entries))
	}
}

func TestPrune(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.RecordChange(ctx, "light", "light-1", map[string]any{"n": 1}, SourcePush); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	// Nothing is older than an hour yet.
	n, err := repo.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 0 {
		t.Errorf("pruned %d rows, want 0", n)
	}

	// A zero retention window prunes everything recorded before now.
	time.Sleep(10 * time.Millisecond)
	n, err = repo.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}
