package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"snowbiome/server/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLoggerWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(InfoLevel, &buf).With(String("session_id", "s-1"))

	logger.Debug("hidden")
	logger.Info("frame", Int("steps", 5), Float64("dt", 0.01), Duration("elapsed", 16*time.Millisecond), Error(errors.New("boom")))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one line above the level threshold, got %d", len(lines))
	}
	entry := lines[0]
	if entry["service"] != "snowbiome" || entry["session_id"] != "s-1" || entry["message"] != "frame" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["level"] != "info" || entry["steps"].(float64) != 5 || entry["elapsed_ms"].(float64) != 16 {
		t.Fatalf("unexpected fields %v", entry)
	}
	if entry["error"] != "boom" {
		t.Fatalf("expected rendered error, got %v", entry["error"])
	}
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, "warning": WarnLevel, "error": ErrorLevel} {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestTraceMiddlewarePropagatesHeader(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		if LoggerFromContext(r.Context()) == nil {
			t.Fatalf("expected a request logger")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get(TraceIDHeader) != "abc" {
		t.Fatalf("expected trace id to propagate, context %q header %q", seen, rec.Header().Get(TraceIDHeader))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if len(rec.Header().Get(TraceIDHeader)) != 32 {
		t.Fatalf("expected a generated trace id, got %q", rec.Header().Get(TraceIDHeader))
	}
}

func TestLoggerFromEmptyContextFallsBack(t *testing.T) {
	if LoggerFromContext(context.Background()) != L() {
		t.Fatalf("expected the global logger")
	}
}

func TestRotatingWriterCompressesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snowbiome.log")
	w, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	w.maxSize = 16

	//1.- Each line overflows the tiny limit so every write after the first rotates.
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { tick = tick.Add(time.Second); return tick }
	for _, line := range []string{"first line....\n", "second line...\n", "third line....\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one retained backup, got %v", matches)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var restored bytes.Buffer
	if _, err := restored.ReadFrom(gz); err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if restored.String() != "second line...\n" {
		t.Fatalf("unexpected backup content %q", restored.String())
	}
	current, err := os.ReadFile(path)
	if err != nil || string(current) != "third line....\n" {
		t.Fatalf("unexpected active file %q (%v)", current, err)
	}
}

func TestRotatingWriterRejectsInvalidLimits(t *testing.T) {
	if _, err := newRotatingWriter(config.LoggingConfig{Path: filepath.Join(t.TempDir(), "x.log")}); err == nil {
		t.Fatalf("expected zero max size to be rejected")
	}
}
