package odoo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchPasswordFileDetectsRotation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "odoo_password")
	if err := os.WriteFile(path, []byte("one\n"), 0o600); err != nil {
		t.Fatalf("write password file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rotations := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchPasswordFile(ctx, path, nil, func(pw string) { rotations <- pw })
	}()

	// Give the watcher a moment to register before the first rewrite.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("two\n"), 0o600); err != nil {
		t.Fatalf("rotate password file: %v", err)
	}
	select {
	case pw := <-rotations:
		if pw != "two" {
			t.Fatalf("rotation delivered %q, want %q", pw, "two")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rotation not observed")
	}

	// Rewriting identical content must not fire; the next distinct value
	// must arrive as the next rotation.
	if err := os.WriteFile(path, []byte("two\n"), 0o600); err != nil {
		t.Fatalf("rewrite password file: %v", err)
	}
	if err := os.WriteFile(path, []byte("three\n"), 0o600); err != nil {
		t.Fatalf("rotate password file: %v", err)
	}
	select {
	case pw := <-rotations:
		if pw != "three" {
			t.Fatalf("rotation delivered %q, want %q (identical rewrite suppressed)", pw, "three")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second rotation not observed")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("watcher returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestWatchPasswordFileMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "never_written")
	err := WatchPasswordFile(context.Background(), path, nil, func(string) {
		t.Error("onRotate fired for a missing file")
	})
	if err == nil {
		t.Fatal("WatchPasswordFile() accepted a missing file")
	}
}
