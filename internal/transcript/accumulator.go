// Package transcript accumulates ordered transcription results and exports
// them as plain text.
package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dictalabs/dicta-core/internal/protocol"
)

// Accumulator is a result sink that keeps every result in sequence order,
// append-only. When a mirror path is configured the export file is rewritten
// after each non-empty result, so the file always reflects the live session.
type Accumulator struct {
	log        *slog.Logger
	mirrorPath string

	mu      sync.Mutex
	results []protocol.TranscriptionResult
}

func NewAccumulator(log *slog.Logger, mirrorPath string) *Accumulator {
	return &Accumulator{
		log:        log.With(slog.String("component", "transcript")),
		mirrorPath: mirrorPath,
	}
}

func (a *Accumulator) ID() string { return "transcript" }

// Publish appends one result. Called in sequence order by the fan-out.
func (a *Accumulator) Publish(result protocol.TranscriptionResult) error {
	a.mu.Lock()
	a.results = append(a.results, result)
	a.mu.Unlock()

	if a.mirrorPath != "" && result.Text != "" {
		if err := a.Export(a.mirrorPath); err != nil {
			return fmt.Errorf("mirror transcript: %w", err)
		}
	}
	return nil
}

// Text joins all non-empty results with single spaces, in sequence order.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var parts []string
	for _, r := range a.results {
		if r.Text != "" {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Lines returns one line per non-empty result, in sequence order.
func (a *Accumulator) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var lines []string
	for _, r := range a.results {
		if r.Text != "" {
			lines = append(lines, r.Text)
		}
	}
	return lines
}

// Len reports how many results have been accumulated, empty ones included.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

// Reset clears the accumulation for a new session.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.results = nil
	a.mu.Unlock()
}

// Export writes the transcript to path atomically: the content lands in a
// temp file first and is renamed into place, so a failure never leaves a
// partial file behind.
func (a *Accumulator) Export(path string) error {
	lines := a.Lines()
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return atomicWrite(path, []byte(sb.String()))
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dicta_export_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
