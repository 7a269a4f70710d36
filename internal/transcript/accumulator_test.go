package transcript

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dictalabs/dicta-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func publish(t *testing.T, a *Accumulator, seq uint64, text string) {
	t.Helper()
	if err := a.Publish(protocol.TranscriptionResult{Sequence: seq, Text: text, Final: true}); err != nil {
		t.Fatalf("publish %d: %v", seq, err)
	}
}

func TestTextJoinsWithSpaces(t *testing.T) {
	a := NewAccumulator(testLogger(), "")
	publish(t, a, 0, "hello")
	publish(t, a, 1, "")
	publish(t, a, 2, "world")

	if got := a.Text(); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	if a.Len() != 3 {
		t.Fatalf("expected 3 results recorded, got %d", a.Len())
	}
}

func TestExportWritesOrderedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	a := NewAccumulator(testLogger(), "")
	publish(t, a, 0, "first")
	publish(t, a, 1, "second")
	publish(t, a, 2, "third")

	if err := a.Export(path); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	want := "first\nsecond\nthird\n"
	if string(data) != want {
		t.Fatalf("export content %q, want %q", data, want)
	}

	// No temp droppings left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".dicta_export_") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestExportFailsWithoutPartialFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "no-such-dir", "out.txt")

	a := NewAccumulator(testLogger(), "")
	publish(t, a, 0, "content")

	if err := a.Export(missing); err == nil {
		t.Fatal("expected export error for missing directory")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Fatal("partial file must not exist after failed export")
	}
}

func TestMirrorRewritesOnEachResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.txt")

	a := NewAccumulator(testLogger(), path)
	publish(t, a, 0, "one")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if string(data) != "one\n" {
		t.Fatalf("mirror content %q", data)
	}

	publish(t, a, 1, "two")
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if string(data) != "one\ntwo\n" {
		t.Fatalf("mirror content %q", data)
	}
}

func TestResetClearsAccumulation(t *testing.T) {
	a := NewAccumulator(testLogger(), "")
	publish(t, a, 0, "stale")
	a.Reset()
	if a.Text() != "" {
		t.Fatal("expected empty text after reset")
	}
	if a.Len() != 0 {
		t.Fatal("expected zero results after reset")
	}
}
