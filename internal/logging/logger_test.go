package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	if err := Configure(dir, Settings{DebugMode: false}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer CloseAll()

	Memory("this should go nowhere")

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err == nil && len(entries) > 0 {
		t.Errorf("log files written with debug off: %v", entries)
	}
}

func TestCategoryFileWritten(t *testing.T) {
	dir := t.TempDir()
	if err := Configure(dir, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer CloseAll()

	Exec("queued execution %s", "abc-123")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("logs dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if !strings.Contains(e.Name(), string(CategoryExec)) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.Contains(string(data), "abc-123") {
			found = true
		}
	}
	if !found {
		t.Error("exec log entry not written")
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	err := Configure(dir, Settings{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{string(CategoryMemory): false},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryMemory) {
		t.Error("memory category should be disabled")
	}
	if !IsCategoryEnabled(CategoryExec) {
		t.Error("unlisted categories default to enabled")
	}
}

func TestLevelFilter(t *testing.T) {
	dir := t.TempDir()
	if err := Configure(dir, Settings{DebugMode: true, Level: "error"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer CloseAll()

	StoreDebug("below threshold")
	StoreError("at threshold")
	CloseAll()

	entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
	for _, e := range entries {
		if !strings.Contains(e.Name(), string(CategoryStore)) {
			continue
		}
		data, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
		if strings.Contains(string(data), "below threshold") {
			t.Error("debug line written at error level")
		}
		if !strings.Contains(string(data), "at threshold") {
			t.Error("error line missing")
		}
	}
}

func TestTimer(t *testing.T) {
	dir := t.TempDir()
	if err := Configure(dir, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer CloseAll()

	timer := StartTimer(CategoryOps, "op")
	time.Sleep(5 * time.Millisecond)
	if d := timer.Stop(); d < 5*time.Millisecond {
		t.Errorf("elapsed = %s, want >= 5ms", d)
	}
}
