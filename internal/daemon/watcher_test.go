package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupTestDirs creates the channels and messages directories.
func setupTestDirs(t *testing.T) (channelsDir, messagesDir string) {
	t.Helper()

	tmpDir := t.TempDir()
	channelsDir = filepath.Join(tmpDir, "channels")
	messagesDir = filepath.Join(tmpDir, "messages")
	for _, dir := range []string{channelsDir, messagesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	return channelsDir, messagesDir
}

func startWatcher(t *testing.T, channelsDir, messagesDir string) *FileWatcher {
	t.Helper()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(channelsDir, messagesDir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { fw.Stop() })
	return fw
}

// waitForEvent returns the first event matching want, failing after a timeout.
func waitForEvent(t *testing.T, fw *FileWatcher, want func(FileEvent) bool) FileEvent {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-fw.Events():
			if !ok {
				t.Fatal("Events() closed")
			}
			if want(e) {
				return e
			}
		case <-timeout:
			t.Fatal("Timeout waiting for event")
		}
	}
}

// TestFileWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestFileWatcher_StartStop(t *testing.T) {
	channelsDir, messagesDir := setupTestDirs(t)

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := fw.Start(channelsDir, messagesDir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := fw.Start(channelsDir, messagesDir); err == nil {
		t.Error("Start() on a running watcher should fail")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if _, ok := <-fw.Events(); ok {
		t.Error("Events() should be closed after Stop()")
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

// TestFileWatcher_StartNonexistentDirectory verifies the error for missing dirs.
func TestFileWatcher_StartNonexistentDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(filepath.Join(tmpDir, "nope"), filepath.Join(tmpDir, "nada")); err == nil {
		t.Error("Start() should fail for a missing directory")
	}
}

// TestFileWatcher_Events verifies create, modify and delete events per file type.
func TestFileWatcher_Events(t *testing.T) {
	channelsDir, messagesDir := setupTestDirs(t)
	fw := startWatcher(t, channelsDir, messagesDir)

	chPath := filepath.Join(channelsDir, "messaging--general.json")
	if err := os.WriteFile(chPath, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	e := waitForEvent(t, fw, func(e FileEvent) bool { return e.Path == chPath })
	if e.Type != TypeChannel {
		t.Errorf("Type = %s, want channel", e.Type)
	}
	if e.Op != OpCreate && e.Op != OpModify {
		t.Errorf("Op = %s, want create or modify", e.Op)
	}

	msgPath := filepath.Join(messagesDir, "m1.json")
	if err := os.WriteFile(msgPath, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	e = waitForEvent(t, fw, func(e FileEvent) bool { return e.Path == msgPath })
	if e.Type != TypeMessage {
		t.Errorf("Type = %s, want message", e.Type)
	}

	if err := os.Remove(msgPath); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, fw, func(e FileEvent) bool { return e.Path == msgPath && e.Op == OpDelete })
}

// TestFileWatcher_NonJSONFilesIgnored verifies that only .json files produce events.
func TestFileWatcher_NonJSONFilesIgnored(t *testing.T) {
	channelsDir, messagesDir := setupTestDirs(t)
	fw := startWatcher(t, channelsDir, messagesDir)

	if err := os.WriteFile(filepath.Join(channelsDir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(channelsDir, ".partial.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(messagesDir, "marker.json")
	if err := os.WriteFile(marker, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	// The ignored writes come first, so any event for them precedes the marker.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-fw.Events():
			if filepath.Ext(e.Path) != ".json" || strings.HasPrefix(filepath.Base(e.Path), ".") {
				t.Fatalf("unexpected event for %s", e.Path)
			}
			if e.Path == marker {
				return
			}
		case <-timeout:
			t.Fatal("Timeout waiting for marker event")
		}
	}
}

// TestEventOp_String verifies the op names.
func TestEventOp_String(t *testing.T) {
	tests := map[EventOp]string{
		OpCreate:    "create",
		OpModify:    "modify",
		OpDelete:    "delete",
		EventOp(99): "unknown",
	}
	for op, want := range tests {
		if got := op.String(); got != want {
			t.Errorf("EventOp(%d).String() = %q, want %q", int(op), got, want)
		}
	}
}

// TestFileType_String verifies the file type names.
func TestFileType_String(t *testing.T) {
	tests := map[FileType]string{
		TypeChannel:  "channel",
		TypeMessage:  "message",
		FileType(99): "unknown",
	}
	for ft, want := range tests {
		if got := ft.String(); got != want {
			t.Errorf("FileType(%d).String() = %q, want %q", int(ft), got, want)
		}
	}
}
