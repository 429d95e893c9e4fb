package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "healrun.pid")
	if err := WritePID(path); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid=%d, want %d", pid, os.Getpid())
	}
	if !IsRunning(path) {
		t.Fatal("current process should be reported running")
	}

	RemovePID(path)
	if IsRunning(path) {
		t.Fatal("removed pid file should not be running")
	}
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "healrun.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPID(path); err == nil {
		t.Fatal("expected error for garbage pid file")
	}
	if IsRunning(path) {
		t.Fatal("garbage pid file should not be running")
	}
}
