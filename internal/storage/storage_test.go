package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "kworkbot/pkg/logx"
)

func openTestStore(t *testing.T, driver string) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if driver == "sqlite" {
		path = filepath.Join(dir, "kworkbot.db")
	}
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, path
}

func TestWatermarkRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			st, _ := openTestStore(t, driver)
			ctx := context.Background()

			if _, ok, err := st.LoadWatermark(ctx, "chat:1"); err != nil || ok {
				t.Fatalf("fresh store: ok=%v err=%v, want unset", ok, err)
			}
			for _, id := range []int64{7, 8, 9} {
				if err := st.SaveWatermark(ctx, "chat:1", id); err != nil {
					t.Fatalf("SaveWatermark(%d): %v", id, err)
				}
			}
			id, ok, err := st.LoadWatermark(ctx, "chat:1")
			if err != nil || !ok || id != 9 {
				t.Fatalf("LoadWatermark = (%d, %v, %v), want (9, true, nil)", id, ok, err)
			}

			if err := st.ResetWatermark(ctx, "chat:1"); err != nil {
				t.Fatalf("ResetWatermark: %v", err)
			}
			if _, ok, _ := st.LoadWatermark(ctx, "chat:1"); ok {
				t.Fatal("expected unset watermark after reset")
			}
		})
	}
}

func TestFileWatermarkSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.SaveWatermark(ctx, "chat:1", 100); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	id, ok, err := st2.LoadWatermark(ctx, "chat:1")
	if err != nil || !ok || id != 100 {
		t.Fatalf("LoadWatermark after reopen = (%d, %v, %v)", id, ok, err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(string(b), `"last_seen_project_id": 100`) {
		t.Fatalf("state file is not human-readable JSON: %s", b)
	}

	// No temp files left behind by the atomic write.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileWatermarkMalformedIsUnset(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "garbage", content: "{not json"},
		{name: "null", content: `{"last_seen_project_id": null}`},
		{name: "wrong type", content: `{"last_seen_project_id": "abc"}`},
		{name: "empty", content: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			st, path := openTestStore(t, "file")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			id, ok, err := st.LoadWatermark(context.Background(), "chat:1")
			if err != nil {
				t.Fatalf("malformed state must not error, got %v", err)
			}
			if ok {
				t.Fatalf("expected unset, got id=%d", id)
			}
		})
	}
}

func TestFileWatermarkOtherDestinationIsUnset(t *testing.T) {
	st, _ := openTestStore(t, "file")
	ctx := context.Background()
	if err := st.SaveWatermark(ctx, "chat:1", 5); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	if _, ok, _ := st.LoadWatermark(ctx, "chat:2"); ok {
		t.Fatal("watermark of another destination must read as unset")
	}
}

func TestSQLiteWatermarkMalformedIsUnset(t *testing.T) {
	st, _ := openTestStore(t, "sqlite")
	ss := st.(*sqliteStore)
	ctx := context.Background()
	if _, err := ss.db.ExecContext(ctx,
		`INSERT INTO watermark(key, listing_id, updated_at) VALUES('chat:1', 'garbage', '')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	id, ok, err := st.LoadWatermark(ctx, "chat:1")
	if err != nil || ok {
		t.Fatalf("LoadWatermark = (%d, %v, %v), want unset without error", id, ok, err)
	}
}

func TestAppendDelivery(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			st, path := openTestStore(t, driver)
			ctx := context.Background()
			if err := st.AppendDelivery(ctx, DeliveryEntry{Key: "chat:1", ListingID: 7, Cycle: 1, OK: true}); err != nil {
				t.Fatalf("AppendDelivery ok: %v", err)
			}
			if err := st.AppendDelivery(ctx, DeliveryEntry{Key: "chat:1", ListingID: 8, Cycle: 1, Error: "boom"}); err != nil {
				t.Fatalf("AppendDelivery fail: %v", err)
			}

			switch s := st.(type) {
			case *fileStore:
				journal := strings.TrimSuffix(path, filepath.Ext(path)) + ".deliveries.jsonl"
				b, err := os.ReadFile(journal)
				if err != nil {
					t.Fatalf("read journal: %v", err)
				}
				if n := strings.Count(string(b), "\n"); n != 2 {
					t.Fatalf("journal lines = %d, want 2", n)
				}
			case *sqliteStore:
				var n int
				if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&n); err != nil {
					t.Fatalf("count: %v", err)
				}
				if n != 2 {
					t.Fatalf("deliveries = %d, want 2", n)
				}
			}
		})
	}
}

func TestPostgresWatermarkRoundTrip(t *testing.T) {
	dsn := os.Getenv("KWORKBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KWORKBOT_TEST_POSTGRES_DSN not set")
	}
	st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	key := "test:" + t.Name()
	t.Cleanup(func() { _ = st.ResetWatermark(context.Background(), key) })

	if err := st.SaveWatermark(ctx, key, 42); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	id, ok, err := st.LoadWatermark(ctx, key)
	if err != nil || !ok || id != 42 {
		t.Fatalf("LoadWatermark = (%d, %v, %v)", id, ok, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
