package logging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat("TEXT"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(TEXT) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLevelString(t *testing.T) {
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(lvl))
		if err != nil || parsed != lvl {
			t.Errorf("level %v did not round trip: %v, %v", lvl, parsed, err)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "editlog" {
		t.Errorf("expected component editlog, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, "editlog.log") {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Format: format, Writer: &buf, Component: "test"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return l, &buf
}

func TestJSONFormat(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)

	l.WithDocument("doc-1").Info("edit committed", "edit_id", 7)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["msg"] != "edit committed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["document_id"] != "doc-1" {
		t.Errorf("document_id = %v", entry["document_id"])
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestWithComponent(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	l.WithComponent("commit").Debug("armed")
	if !strings.Contains(buf.String(), "component=commit") {
		t.Errorf("missing component attr: %s", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	l.Info("journal opened", "journal_key", "deadbeef", "path", "/tmp/j")

	out := buf.String()
	if strings.Contains(out, "deadbeef") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") || !strings.Contains(out, "/tmp/j") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"secret", true},
		{"journal_key", true},
		{"hmac", true},
		{"private_key", true},
		{"document_id", false},
		{"edit_id", false},
		{"path", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestNopAndOrDefault(t *testing.T) {
	n := Nop()
	n.Error("discarded")
	if OrDefault(n) != n {
		t.Error("OrDefault should return the given logger")
	}
	if OrDefault(nil) == nil {
		t.Error("OrDefault(nil) should return the default logger")
	}
}

func TestFileRotator(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	data := []byte("test log line\n")
	n, err := rotator.Write(data)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected to write %d bytes, wrote %d", len(data), n)
	}
	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}

	got, _ := os.ReadFile(logPath)
	if string(got) != string(data) {
		t.Errorf("file content = %q", got)
	}
}

func TestFileRotatorDailyRotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 100, MaxBackups: 3, Compress: true})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	rotator.Write([]byte("day one\n"))

	tomorrow := time.Now().Add(24 * time.Hour)
	rotator.mu.Lock()
	rotator.now = func() time.Time { return tomorrow }
	rotator.mu.Unlock()

	rotator.Write([]byte("day two\n"))

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatalf("Backups failed: %v", err)
	}
	if len(backups) != 1 || !strings.HasSuffix(backups[0], ".gz") {
		t.Fatalf("expected one compressed backup, got %v", backups)
	}

	f, err := os.Open(backups[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	old, _ := io.ReadAll(gz)
	if string(old) != "day one\n" {
		t.Errorf("rotated content = %q", old)
	}

	current, _ := os.ReadFile(logPath)
	if string(current) != "day two\n" {
		t.Errorf("current content = %q", current)
	}
}

func TestFileRotatorPrunesBackups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 100, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	for i := 0; i < 4; i++ {
		rotator.Write([]byte("line\n"))
		if err := rotator.Rotate(); err != nil {
			t.Fatalf("Rotate failed: %v", err)
		}
	}

	backups, _ := rotator.Backups()
	if len(backups) > 2 {
		t.Errorf("expected at most 2 backups, got %d", len(backups))
	}
}
