package metrics

import (
	"sync/atomic"

	"github.com/replicat-io/replicat/pkg/plog"
)

// Counters defines the interface for collecting and reporting per-pass
// synchronization statistics.
type Counters interface {
	AddEntriesScanned(n int64)
	AddFilesCreated(n int64)
	AddFilesUpdated(n int64)
	AddFilesDeleted(n int64)
	AddFilesUpToDate(n int64)
	AddDirsCreated(n int64)
	AddDirsDeleted(n int64)
	Log()
}

// PassMetrics holds the atomic counters for a single synchronization pass.
// It is the concrete implementation of the Counters interface.
type PassMetrics struct {
	EntriesScanned atomic.Int64
	FilesCreated   atomic.Int64
	FilesUpdated   atomic.Int64
	FilesDeleted   atomic.Int64
	FilesUpToDate  atomic.Int64
	DirsCreated    atomic.Int64
	DirsDeleted    atomic.Int64
}

func (m *PassMetrics) AddEntriesScanned(n int64) { m.EntriesScanned.Add(n) }
func (m *PassMetrics) AddFilesCreated(n int64)   { m.FilesCreated.Add(n) }
func (m *PassMetrics) AddFilesUpdated(n int64)   { m.FilesUpdated.Add(n) }
func (m *PassMetrics) AddFilesDeleted(n int64)   { m.FilesDeleted.Add(n) }
func (m *PassMetrics) AddFilesUpToDate(n int64)  { m.FilesUpToDate.Add(n) }
func (m *PassMetrics) AddDirsCreated(n int64)    { m.DirsCreated.Add(n) }
func (m *PassMetrics) AddDirsDeleted(n int64)    { m.DirsDeleted.Add(n) }

// Changes reports whether the pass performed any mutation on the replica.
func (m *PassMetrics) Changes() int64 {
	return m.FilesCreated.Load() + m.FilesUpdated.Load() + m.FilesDeleted.Load() +
		m.DirsCreated.Load() + m.DirsDeleted.Load()
}

// Log prints a summary of the pass.
func (m *PassMetrics) Log() {
	plog.Info("SUM",
		"entriesScanned", m.EntriesScanned.Load(),
		"filesCreated", m.FilesCreated.Load(),
		"filesUpdated", m.FilesUpdated.Load(),
		"filesDeleted", m.FilesDeleted.Load(),
		"filesUpToDate", m.FilesUpToDate.Load(),
		"dirsCreated", m.DirsCreated.Load(),
		"dirsDeleted", m.DirsDeleted.Load(),
	)
}

// NoopCounters is an implementation of the Counters interface that performs
// no operations. It keeps the mirror core free of nil checks.
type NoopCounters struct{}

func (NoopCounters) AddEntriesScanned(n int64) {}
func (NoopCounters) AddFilesCreated(n int64)   {}
func (NoopCounters) AddFilesUpdated(n int64)   {}
func (NoopCounters) AddFilesDeleted(n int64)   {}
func (NoopCounters) AddFilesUpToDate(n int64)  {}
func (NoopCounters) AddDirsCreated(n int64)    {}
func (NoopCounters) AddDirsDeleted(n int64)    {}
func (NoopCounters) Log()                      {}

// Statically assert that our types implement the interface.
var _ Counters = (*PassMetrics)(nil)
var _ Counters = NoopCounters{}
