// Package conductorlog appends one JSON object per line to a study's
// progress.ndjson, the same line-delimited event log idiom the teacher
// uses for its own run progress file.
package conductorlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileName is the fixed progress log name within a study's output
// directory.
const FileName = "progress.ndjson"

// Writer appends progress events to one study's progress.ndjson.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) <outputPath>/progress.ndjson for
// appending.
func Open(outputPath string) (*Writer, error) {
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return nil, fmt.Errorf("conductorlog: mkdir: %w", err)
	}
	path := filepath.Join(outputPath, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("conductorlog: open %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if w == nil || w.file == nil {
		return nil
	}
	return w.file.Close()
}

// Append marshals event as one JSON line and appends it. The caller
// supplies "event" and whatever else is relevant; Append does not impose
// a schema beyond requiring the result marshal cleanly.
func (w *Writer) Append(event map[string]any) error {
	if w == nil || w.file == nil {
		return nil
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("conductorlog: marshal: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("conductorlog: write: %w", err)
	}
	return nil
}

// StepEvent appends a standard step-transition event: step name, new
// state, and optional extra fields merged in.
func (w *Writer) StepEvent(step, state string, extra map[string]any) error {
	event := map[string]any{"event": "step_state", "step": step, "state": state}
	for k, v := range extra {
		event[k] = v
	}
	return w.Append(event)
}

// ReadLast returns the event on the last non-blank line of
// <outputPath>/progress.ndjson, or ok=false if the file is missing or
// empty. A malformed last line is returned as an error; earlier lines
// are not consulted.
func ReadLast(outputPath string) (map[string]any, bool, error) {
	path := filepath.Join(outputPath, FileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("conductorlog: decode last line: %w", err)
	}
	return ev, true, nil
}

// ReadAll returns every well-formed event in order, skipping malformed or
// blank lines (matching the teacher's tolerant tailing behavior).
func ReadAll(outputPath string) ([]map[string]any, error) {
	path := filepath.Join(outputPath, FileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
