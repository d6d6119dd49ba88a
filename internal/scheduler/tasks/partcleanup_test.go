package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/teledm/teledm/internal/store"
	"github.com/teledm/teledm/internal/testutil"
)

func TestCleanupPartFiles(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	st := store.New(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	dir := t.TempDir()

	// A pending download whose partial file must survive.
	if _, _, err := st.Add(ctx, store.AddInput{
		Fingerprint:  "1:1",
		FileName:     "keep.bin",
		DownloadPath: filepath.Join(dir, "keep.bin"),
		ChatID:       1,
		MessageID:    1,
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	touch := func(name string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
		return path
	}

	kept := touch("keep.bin.part")
	orphan := touch("orphan.bin.part")
	regular := touch("finished.bin")

	if err := cleanupPartFiles(ctx, st, dir); err != nil {
		t.Fatalf("cleanupPartFiles() error = %v", err)
	}

	if _, err := os.Stat(kept); err != nil {
		t.Errorf("active .part file removed: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned .part file survived cleanup")
	}
	if _, err := os.Stat(regular); err != nil {
		t.Errorf("regular file removed: %v", err)
	}
}

func TestCleanupPartFiles_MissingDir(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	st := store.New(tdb.Conn, tdb.Logger)

	if err := cleanupPartFiles(context.Background(), st, filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("cleanupPartFiles() missing dir error = %v, want nil", err)
	}
}
