package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"WARNING", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},        // default
		{"unknown", zapcore.InfoLevel}, // default
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.wantLvl {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.wantLvl)
			}
		})
	}
}

func TestNewConsoleOnly(t *testing.T) {
	l, closer, err := New(Config{Level: "debug"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if l == nil {
		t.Fatal("New returned nil logger")
	}
	if closer != nil {
		t.Error("console-only logger should not return a closer")
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func TestNewWritesFile(t *testing.T) {
	dir := t.TempDir()
	l, closer, err := New(Config{Level: "info", Dir: dir, Persist: true, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hello file")
	l.Sync()
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing entry: %s", data)
	}
	if !strings.Contains(string(data), `"timestamp"`) {
		t.Errorf("log entry should use the timestamp key: %s", data)
	}
}

func TestPersistFalsePurgesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, FileName)
	backup := filepath.Join(dir, "edgeproxy-2024-01-01T00-00-00.000.log.gz")
	unrelated := filepath.Join(dir, "keep.txt")
	for _, p := range []string{old, backup, unrelated} {
		if err := os.WriteFile(p, []byte("previous run\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	l, closer, err := New(Config{Dir: dir, Persist: false})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("fresh")
	l.Sync()
	closer.Close()

	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Error("rotated backup should have been removed")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("unrelated files must be left alone")
	}
	data, _ := os.ReadFile(old)
	if strings.Contains(string(data), "previous run") {
		t.Error("active log file should start empty when persistence is off")
	}
}

func TestPersistTrueKeepsOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, FileName)
	os.WriteFile(old, []byte("previous run\n"), 0o644)

	l, closer, err := New(Config{Dir: dir, Persist: true})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("appended")
	l.Sync()
	closer.Close()

	data, _ := os.ReadFile(old)
	if !strings.Contains(string(data), "previous run") || !strings.Contains(string(data), "appended") {
		t.Errorf("expected both runs in log file, got %s", data)
	}
}
