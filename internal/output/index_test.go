package output

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "outputs.db"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexPutGet(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	rec := Record{
		URL:       "outputs/amber-oak-swift-river.txt",
		Format:    "text",
		SizeBytes: 7500,
		Lines:     500,
		TaskID:    "task-1",
	}
	if err := idx.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := idx.Get(ctx, rec.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SizeBytes != 7500 || got.Lines != 500 || got.TaskID != "task-1" {
		t.Errorf("record = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestIndexPutUpsert(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	url := "outputs/one-two-three-four.txt"
	if err := idx.Put(ctx, Record{URL: url, SizeBytes: 10}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put(ctx, Record{URL: url, SizeBytes: 20}); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, err := idx.Get(ctx, url)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SizeBytes != 20 {
		t.Errorf("SizeBytes = %d, want 20 after upsert", got.SizeBytes)
	}

	recs, err := idx.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("List returned %d records, want 1", len(recs))
	}
}

func TestIndexGetMissing(t *testing.T) {
	idx := newTestIndex(t)
	if _, err := idx.Get(context.Background(), "outputs/never-was-here-ever.txt"); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestIndexDeleteOlderThan(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	old := Record{URL: "outputs/old-old-old-old.txt", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := Record{URL: "outputs/new-new-new-new.txt"}
	if err := idx.Put(ctx, old); err != nil {
		t.Fatalf("Put old: %v", err)
	}
	if err := idx.Put(ctx, fresh); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}

	stale, err := idx.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if len(stale) != 1 || stale[0].URL != old.URL {
		t.Errorf("stale = %+v, want just the old record", stale)
	}

	if _, err := idx.Get(ctx, old.URL); err == nil {
		t.Error("old record should be deleted")
	}
	if _, err := idx.Get(ctx, fresh.URL); err != nil {
		t.Errorf("fresh record should survive: %v", err)
	}
}

func TestIndexPing(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestStoreRecordsToIndex(t *testing.T) {
	idx := newTestIndex(t)
	s := newTestStore(t, WithIndex(idx))

	entry, err := s.Save(context.Background(), []byte(strings.Repeat("z", InlineLimit+1)), FormatAuto, "task-9")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := idx.Get(context.Background(), entry.URL)
	if err != nil {
		t.Fatalf("stored output not indexed: %v", err)
	}
	if rec.TaskID != "task-9" {
		t.Errorf("TaskID = %q, want task-9", rec.TaskID)
	}
	if rec.Format != "text" {
		t.Errorf("Format = %q, want text", rec.Format)
	}
}
