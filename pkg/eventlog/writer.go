// Package eventlog records conversation events as daily rotated JSONL
// transcripts. The event stream is an operator-facing audit trail; the
// checkpoint store remains the source of truth for conversation state.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Writer appends events to daily rotated JSONL files under a log
// directory. Safe for concurrent use.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates an event log writer rooted at logDir, creating the
// directory if needed and opening today's log file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &Writer{logDir: logDir}
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return writer, nil
}

// WriteEvent appends one event as a JSON line, rotating to a new file
// when the date has changed since the last write. The line is synced
// to disk before returning.
func (w *Writer) WriteEvent(ev *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := w.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	name := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", name, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file. A later WriteEvent reopens the
// log, so Close is safe to call before process exit regardless of
// ordering against the final events.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// GetCurrentLogFile returns the path of the currently active log file.
func (w *Writer) GetCurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// ReadEvents reads and parses all events from a log file.
func ReadEvents(logFilePath string) ([]*Event, error) {
	file, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var events []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return events, nil
}

// ListLogFiles returns all event log files in the log directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}

// PruneLogFiles deletes the oldest event log files so at most keep
// remain, returning the number removed. The dated filenames sort
// chronologically, so lexical order is age order. keep <= 0 disables
// pruning.
func PruneLogFiles(logDir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	files, err := ListLogFiles(logDir)
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	if len(files) <= keep {
		return 0, nil
	}

	removed := 0
	for _, name := range files[:len(files)-keep] {
		if err := os.Remove(name); err != nil {
			return removed, fmt.Errorf("failed to remove old log file %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
