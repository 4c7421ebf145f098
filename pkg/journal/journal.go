// Package journal records synchronization events.
//
// Every mutation the mirror performs on the replica (create, modify, delete)
// is reported as an Event and rendered as one human-readable line, appended
// to the journal file and mirrored to stdout. The journal is append-only and
// deliberately unstructured; it is the operator-facing audit trail, not a
// machine interface.
package journal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/replicat-io/replicat/pkg/plog"
)

// TimeLayout is the timestamp format used in journal lines.
const TimeLayout = "2006-01-02 15:04:05"

// Kind classifies a synchronization event.
type Kind int

const (
	Created Kind = iota
	Modified
	Deleted
)

// String returns the past-tense verb for the journal line.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is an immutable record of a single mutation performed on the replica.
// Events are produced, logged and discarded; nothing stores them.
type Event struct {
	Kind   Kind
	Folder bool // Folder event, otherwise a file event.
	Path   string
	Time   time.Time
}

// String renders the canonical journal line for the event:
//
//	File '/src/a.txt' was created at 2024-03-01 10:00:00
//	Folder '/replica/old' was deleted before 2024-03-01 10:00:05
//
// Deletions use "before" because the recorded time is when the removal was
// observed, not when the source entry disappeared.
func (e Event) String() string {
	noun := "File"
	if e.Folder {
		noun = "Folder"
	}
	preposition := "at"
	if e.Kind == Deleted {
		preposition = "before"
	}
	return fmt.Sprintf("%s '%s' was %s %s %s", noun, e.Path, e.Kind, preposition, e.Time.Format(TimeLayout))
}

// Sink receives events from the synchronization pass.
//
// Record must not surface recoverable errors back into the pass: a journal
// write failure must never abort synchronization. Implementations log and
// drop on failure.
type Sink interface {
	Record(Event)
}

// Discard is a Sink that drops every event. Used for dry runs.
type Discard struct{}

func (Discard) Record(Event) {}

// Log is the standard Sink: it appends each event line to a file and mirrors
// it to a console writer.
type Log struct {
	mu      sync.Mutex
	file    io.Writer
	console io.Writer
	closer  io.Closer
}

// Open creates (or opens for append) the journal file at path and returns a
// Log that mirrors lines to stdout.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file %s: %w", path, err)
	}
	return &Log{file: f, console: os.Stdout, closer: f}, nil
}

// NewWithWriters builds a Log over arbitrary writers, primarily for testing.
func NewWithWriters(file, console io.Writer) *Log {
	return &Log{file: file, console: console}
}

// Record writes the event line to the journal file and the console.
// Failures are reported through plog and otherwise swallowed; the event is
// best-effort lost.
func (l *Log) Record(e Event) {
	line := e.String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if _, err := fmt.Fprintln(l.file, line); err != nil {
			plog.Warn("Failed to append to journal file", "error", err)
		}
	}
	if l.console != nil {
		if _, err := fmt.Fprintln(l.console, line); err != nil {
			plog.Warn("Failed to mirror journal line to console", "error", err)
		}
	}
}

// Close closes the underlying journal file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.file = nil
	return err
}

// Statically assert that our types implement the interface.
var (
	_ Sink = (*Log)(nil)
	_ Sink = Discard{}
)
