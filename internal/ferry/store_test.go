package ferry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	if opts.BlobDir == "" {
		opts.BlobDir = filepath.Join(t.TempDir(), "blobs")
	}
	opts.DisableSweeps = true
	store, err := NewStore(opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func stageBlob(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write staged blob: %v", err)
	}
	return path
}

func TestAddFileMovesBlobAndRecordsPending(t *testing.T) {
	blobDir := filepath.Join(t.TempDir(), "blobs")
	store := newTestStore(t, StoreOptions{BlobDir: blobDir})
	staged := stageBlob(t, "payload")

	rec, err := store.AddFile(staged, "photo.jpg")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if rec.FileKey == "" {
		t.Fatalf("expected generated file key")
	}
	if rec.FileName != "photo.jpg" {
		t.Fatalf("expected fileName photo.jpg, got %q", rec.FileName)
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected staged blob to be moved away, stat err = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(blobDir, "photo.jpg"))
	if err != nil {
		t.Fatalf("read managed blob: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("blob content mismatch: %q", data)
	}

	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 || pending[0].FileKey != rec.FileKey {
		t.Fatalf("expected one pending record for %s, got %+v", rec.FileKey, pending)
	}
}

func TestAddFileDefaultsNameToKeyAndExtension(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	staged := filepath.Join(t.TempDir(), "staged.PNG")
	if err := os.WriteFile(staged, []byte("img"), 0o644); err != nil {
		t.Fatalf("write staged blob: %v", err)
	}

	rec, err := store.AddFile(staged, "")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if rec.FileName != rec.FileKey+".png" {
		t.Fatalf("expected fileName %s.png, got %q", rec.FileKey, rec.FileName)
	}
}

func TestAddFileStripsPathComponentsFromName(t *testing.T) {
	blobDir := filepath.Join(t.TempDir(), "blobs")
	store := newTestStore(t, StoreOptions{BlobDir: blobDir})

	rec, err := store.AddFile(stageBlob(t, "x"), "../../etc/passwd")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if rec.FileName != "passwd" {
		t.Fatalf("expected sanitized name passwd, got %q", rec.FileName)
	}
	if _, err := os.Stat(filepath.Join(blobDir, "passwd")); err != nil {
		t.Fatalf("expected blob inside blob dir: %v", err)
	}
}

func TestAddFileResolvesNameCollisions(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	first, err := store.AddFile(stageBlob(t, "one"), "report.pdf")
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	second, err := store.AddFile(stageBlob(t, "two"), "report.pdf")
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	if first.FileName == second.FileName {
		t.Fatalf("expected distinct blob names, both got %q", first.FileName)
	}
}

func TestAddFileMissingStagedBlobLeavesNoRecord(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	if _, err := store.AddFile(filepath.Join(t.TempDir(), "missing.bin"), "a.txt"); err == nil {
		t.Fatalf("expected error for missing staged blob")
	}
	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no records after failed add, got %+v", pending)
	}
}

func TestUpdateStatusTerminalDeletesBlobAndIsIdempotent(t *testing.T) {
	blobDir := filepath.Join(t.TempDir(), "blobs")
	store := newTestStore(t, StoreOptions{BlobDir: blobDir})
	rec, err := store.AddFile(stageBlob(t, "x"), "done.txt")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}

	updated, err := store.UpdateStatus(rec.FileKey, StatusCompleted)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", updated.Status)
	}
	if _, err := os.Stat(filepath.Join(blobDir, "done.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected blob deleted, stat err = %v", err)
	}

	// Repeating the same terminal update succeeds without a blob to delete.
	if _, err := store.UpdateStatus(rec.FileKey, StatusCompleted); err != nil {
		t.Fatalf("repeat update: %v", err)
	}

	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %+v", pending)
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	rec, err := store.AddFile(stageBlob(t, "x"), "v.txt")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}

	if _, err := store.UpdateStatus("no-such-key", StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.UpdateStatus(rec.FileKey, Status("SHIPPED")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}
	if _, err := store.UpdateStatus(rec.FileKey, StatusPending); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for PENDING, got %v", err)
	}
}

func TestUpdateStatusTerminalIsFinal(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	rec, err := store.AddFile(stageBlob(t, "x"), "final.txt")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if _, err := store.UpdateStatus(rec.FileKey, StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}

	if _, err := store.UpdateStatus(rec.FileKey, StatusFailed); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput moving COMPLETED to FAILED, got %v", err)
	}
	if _, err := store.UpdateStatus(rec.FileKey, StatusExpired); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput moving COMPLETED to EXPIRED, got %v", err)
	}
	// The repeat of the same status stays the idempotent no-op.
	if _, err := store.UpdateStatus(rec.FileKey, StatusCompleted); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	got, err := store.Get(rec.FileKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected record to stay COMPLETED, got %s", got.Status)
	}
}

func TestBlobPath(t *testing.T) {
	blobDir := filepath.Join(t.TempDir(), "blobs")
	store := newTestStore(t, StoreOptions{BlobDir: blobDir})
	rec, err := store.AddFile(stageBlob(t, "x"), "b.txt")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}

	path, err := store.BlobPath(rec.FileKey)
	if err != nil {
		t.Fatalf("blob path: %v", err)
	}
	if path != filepath.Join(blobDir, "b.txt") {
		t.Fatalf("unexpected blob path %q", path)
	}
	if _, err := store.BlobPath("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "blobs")
	stateFile := filepath.Join(dir, "records.json")

	store := newTestStore(t, StoreOptions{BlobDir: blobDir, StateFile: stateFile})
	rec, err := store.AddFile(stageBlob(t, "x"), "kept.txt")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened := newTestStore(t, StoreOptions{BlobDir: blobDir, StateFile: stateFile})
	pending, err := reopened.GetPending()
	if err != nil {
		t.Fatalf("get pending after restart: %v", err)
	}
	if len(pending) != 1 || pending[0].FileKey != rec.FileKey {
		t.Fatalf("expected record to survive restart, got %+v", pending)
	}
	if _, err := os.Stat(stateFile + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no temp file left behind, stat err = %v", err)
	}
}

func TestGetPendingReflectsExternalSnapshotRewrite(t *testing.T) {
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "blobs")
	stateFile := filepath.Join(dir, "records.json")

	writer := newTestStore(t, StoreOptions{BlobDir: blobDir, StateFile: stateFile})
	reader := newTestStore(t, StoreOptions{BlobDir: blobDir, StateFile: stateFile})

	rec, err := writer.AddFile(stageBlob(t, "x"), "shared.txt")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}

	pending, err := reader.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 || pending[0].FileKey != rec.FileKey {
		t.Fatalf("expected reader to see externally added record, got %+v", pending)
	}
}

func TestExpireStale(t *testing.T) {
	blobDir := filepath.Join(t.TempDir(), "blobs")
	now := time.Now().UTC()
	store := newTestStore(t, StoreOptions{
		BlobDir:    blobDir,
		StaleAfter: 7 * 24 * time.Hour,
	})
	rec, err := store.AddFile(stageBlob(t, "x"), "old.txt")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}

	if n, err := store.ExpireStale(now.Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("expected no expirations yet, got n=%d err=%v", n, err)
	}
	n, err := store.ExpireStale(now.Add(8 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expiration, got %d", n)
	}
	got, err := store.Get(rec.FileKey)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if _, err := os.Stat(filepath.Join(blobDir, "old.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected expired blob deleted, stat err = %v", err)
	}
}

func TestSweepOrphansHonorsGraceAndReferences(t *testing.T) {
	blobDir := filepath.Join(t.TempDir(), "blobs")
	store := newTestStore(t, StoreOptions{
		BlobDir:     blobDir,
		OrphanGrace: time.Minute,
	})
	if _, err := store.AddFile(stageBlob(t, "x"), "referenced.txt"); err != nil {
		t.Fatalf("add file: %v", err)
	}
	orphan := filepath.Join(blobDir, "orphan.bin")
	if err := os.WriteFile(orphan, []byte("stray"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	// Inside the grace window nothing is touched.
	if n, err := store.SweepOrphans(time.Now()); err != nil || n != 0 {
		t.Fatalf("expected no removals inside grace, got n=%d err=%v", n, err)
	}
	n, err := store.SweepOrphans(time.Now().Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("sweep orphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", n)
	}
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected orphan removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(blobDir, "referenced.txt")); err != nil {
		t.Fatalf("expected referenced blob kept: %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("completed"); err != nil || s != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s err=%v", s, err)
	}
	if _, err := ParseStatus("done"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
