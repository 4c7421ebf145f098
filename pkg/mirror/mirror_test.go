package mirror

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/replicat-io/replicat/pkg/journal"
	"github.com/replicat-io/replicat/pkg/lockfile"
	"github.com/replicat-io/replicat/pkg/metrics"
	"github.com/replicat-io/replicat/pkg/plog"
)

// recorder captures events for assertions.
type recorder struct {
	events []journal.Event
}

func (r *recorder) Record(e journal.Event) { r.events = append(r.events, e) }

func (r *recorder) kinds() []journal.Kind {
	kinds := make([]journal.Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

var (
	timeA = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	timeB = time.Date(2024, 3, 2, 12, 30, 0, 0, time.UTC)
)

func newTestSyncer(t *testing.T) (*Syncer, *recorder, string, string) {
	t.Helper()
	src := t.TempDir()
	rep := t.TempDir()
	rec := &recorder{}
	s := New(src, rep, rec)
	s.Metrics = &metrics.PassMetrics{}
	return s, rec, src, rep
}

// writeFile creates a file with the given content and modification time,
// creating parent directories as needed.
func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// relPaths collects every path under root, relative to it, excluding ".".
func relPaths(t *testing.T, root string) map[string]bool {
	t.Helper()
	paths := make(map[string]bool)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel != "." {
			paths[rel] = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return paths
}

func TestConvergence(t *testing.T) {
	s, _, src, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(src, "top.txt"), "top", timeA)
	writeFile(t, filepath.Join(src, "a", "b", "deep.txt"), "deep", timeB)
	writeFile(t, filepath.Join(src, "a", "side.txt"), "side", timeA)
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	// Pre-existing junk in the replica that must disappear.
	writeFile(t, filepath.Join(rep, "stale.txt"), "stale", timeA)
	writeFile(t, filepath.Join(rep, "old", "gone.txt"), "gone", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	srcPaths := relPaths(t, src)
	repPaths := relPaths(t, rep)
	if len(srcPaths) != len(repPaths) {
		t.Fatalf("path sets differ:\nsource:  %v\nreplica: %v", srcPaths, repPaths)
	}
	for p := range srcPaths {
		if !repPaths[p] {
			t.Errorf("replica is missing %q", p)
		}
	}

	// File modification timestamps must match their source counterparts.
	for _, rel := range []string{"top.txt", "a/b/deep.txt", "a/side.txt"} {
		rel = filepath.FromSlash(rel)
		srcInfo, err := os.Stat(filepath.Join(src, rel))
		if err != nil {
			t.Fatal(err)
		}
		repInfo, err := os.Stat(filepath.Join(rep, rel))
		if err != nil {
			t.Fatal(err)
		}
		if !srcInfo.ModTime().Equal(repInfo.ModTime()) {
			t.Errorf("%s: replica mtime %v != source mtime %v", rel, repInfo.ModTime(), srcInfo.ModTime())
		}
	}
}

func TestIdempotence(t *testing.T) {
	s, rec, src, _ := newTestSyncer(t)

	writeFile(t, filepath.Join(src, "a", "b.txt"), "x", timeA)
	writeFile(t, filepath.Join(src, "c.txt"), "y", timeB)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(rec.events) == 0 {
		t.Fatal("first pass should emit events")
	}

	rec.events = nil
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("second pass on unchanged source emitted %d events: %v", len(rec.events), rec.events)
	}
}

func TestCreation(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(src, "a", "b.txt"), "x", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(rep, "a", "b.txt"))
	if err != nil {
		t.Fatalf("replica file missing: %v", err)
	}
	if string(content) != "x" {
		t.Errorf("replica content = %q, want %q", content, "x")
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected exactly 2 Created events, got %d: %v", len(rec.events), rec.events)
	}
	dirEvent, fileEvent := rec.events[0], rec.events[1]
	if dirEvent.Kind != journal.Created || !dirEvent.Folder {
		t.Errorf("first event should be a folder creation, got %+v", dirEvent)
	}
	if dirEvent.Path != filepath.Join(rep, "a") {
		t.Errorf("folder event path = %q, want replica-side path %q", dirEvent.Path, filepath.Join(rep, "a"))
	}
	if fileEvent.Kind != journal.Created || fileEvent.Folder {
		t.Errorf("second event should be a file creation, got %+v", fileEvent)
	}
	if fileEvent.Path != filepath.Join(src, "a", "b.txt") {
		t.Errorf("file event path = %q, want source-side path %q", fileEvent.Path, filepath.Join(src, "a", "b.txt"))
	}
}

func TestCreationIntoExistingDirectory(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(src, "a", "b.txt"), "x", timeA)
	if err := os.MkdirAll(filepath.Join(rep, "a"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected exactly 1 Created event, got %d: %v", len(rec.events), rec.events)
	}
	if rec.events[0].Kind != journal.Created || rec.events[0].Folder {
		t.Errorf("expected a file Created event, got %+v", rec.events[0])
	}
}

func TestModification(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(src, "f.txt"), "new content", timeB)
	writeFile(t, filepath.Join(src, "sibling.txt"), "same", timeA)

	writeFile(t, filepath.Join(rep, "f.txt"), "old content", timeA)
	writeFile(t, filepath.Join(rep, "sibling.txt"), "same", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d: %v", len(rec.events), rec.events)
	}
	e := rec.events[0]
	if e.Kind != journal.Modified {
		t.Errorf("event kind = %v, want Modified", e.Kind)
	}
	if e.Path != filepath.Join(src, "f.txt") {
		t.Errorf("event path = %q, want %q", e.Path, filepath.Join(src, "f.txt"))
	}
	if !e.Time.Equal(timeB) {
		t.Errorf("Modified event time = %v, want source mtime %v", e.Time, timeB)
	}

	content, err := os.ReadFile(filepath.Join(rep, "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "new content" {
		t.Errorf("replica content = %q, want %q", content, "new content")
	}
	info, err := os.Stat(filepath.Join(rep, "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(timeB) {
		t.Errorf("replica mtime = %v, want %v", info.ModTime(), timeB)
	}
}

func TestTimestampEqualityIgnoresContent(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)

	// Same mtime, different content: the policy deliberately misses this.
	writeFile(t, filepath.Join(src, "f.txt"), "source content", timeA)
	writeFile(t, filepath.Join(rep, "f.txt"), "replica content", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.events) != 0 {
		t.Errorf("equal timestamps must suppress the copy, got events: %v", rec.events)
	}
	content, _ := os.ReadFile(filepath.Join(rep, "f.txt"))
	if string(content) != "replica content" {
		t.Errorf("replica content was overwritten despite equal timestamps")
	}
}

func TestTouchedFileIsRecopied(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)

	// Identical content, different mtime: still a copy plus Modified event.
	writeFile(t, filepath.Join(src, "f.txt"), "same", timeB)
	writeFile(t, filepath.Join(rep, "f.txt"), "same", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.events) != 1 || rec.events[0].Kind != journal.Modified {
		t.Fatalf("expected one Modified event, got %v", rec.events)
	}
}

func TestDeletionCascade(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(rep, "dir", "x.txt"), "x", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rep, "dir")); !os.IsNotExist(err) {
		t.Errorf("replica dir should be removed in the same pass, stat err = %v", err)
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected exactly 2 Deleted events, got %d: %v", len(rec.events), rec.events)
	}
	fileEvent, dirEvent := rec.events[0], rec.events[1]
	if fileEvent.Kind != journal.Deleted || fileEvent.Folder {
		t.Errorf("first event should be a file deletion, got %+v", fileEvent)
	}
	if fileEvent.Path != filepath.Join(src, "dir", "x.txt") {
		t.Errorf("file deletion path = %q, want missing source-side path %q", fileEvent.Path, filepath.Join(src, "dir", "x.txt"))
	}
	if dirEvent.Kind != journal.Deleted || !dirEvent.Folder {
		t.Errorf("second event should be a folder deletion, got %+v", dirEvent)
	}
	if dirEvent.Path != filepath.Join(rep, "dir") {
		t.Errorf("folder deletion path = %q, want replica-side path %q", dirEvent.Path, filepath.Join(rep, "dir"))
	}
}

func TestDeletionCascadeDeepSubtree(t *testing.T) {
	s, rec, _, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(rep, "dir", "x.txt"), "x", timeA)
	writeFile(t, filepath.Join(rep, "dir", "sub", "y.txt"), "y", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rep, "dir")); !os.IsNotExist(err) {
		t.Errorf("entire vanished subtree should be removed in one pass")
	}

	// Every file deletion must precede its parent directory's deletion.
	position := make(map[string]int)
	for i, e := range rec.events {
		position[e.Path] = i
	}
	if position[filepath.Join(rep, "dir", "sub")] > position[filepath.Join(rep, "dir")] {
		t.Errorf("subdirectory must be deleted before its parent: %v", rec.kinds())
	}
	if len(rec.events) != 4 {
		t.Errorf("expected 4 Deleted events (2 files, 2 dirs), got %d: %v", len(rec.events), rec.events)
	}
	for _, e := range rec.events {
		if e.Kind != journal.Deleted {
			t.Errorf("unexpected non-delete event: %+v", e)
		}
	}
}

// failingArchiver aborts on a chosen relative path, freezing the pass
// mid-prune so the traversal order can be observed.
type failingArchiver struct {
	failOn   string
	archived []string
}

var errArchiveBoom = errors.New("archive failed")

func (a *failingArchiver) Archive(absPath, relPath string) error {
	if relPath == a.failOn {
		return errArchiveBoom
	}
	a.archived = append(a.archived, relPath)
	return nil
}

func TestDirectoryNeverRemovedWhileFilesRemain(t *testing.T) {
	s, _, _, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(rep, "dir", "x.txt"), "x", timeA)
	writeFile(t, filepath.Join(rep, "dir", "sub", "y.txt"), "y", timeA)

	// The prune is interrupted while dir/sub still holds a file.
	arch := &failingArchiver{failOn: filepath.Join("dir", "sub", "y.txt")}
	s.Archiver = arch

	err := s.Run(context.Background())
	if !errors.Is(err, errArchiveBoom) {
		t.Fatalf("expected the pass to abort on the archiver failure, got %v", err)
	}

	// dir still has un-pruned children, so it must not have been removed.
	if _, err := os.Stat(filepath.Join(rep, "dir")); err != nil {
		t.Errorf("dir was removed while files remained: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rep, "dir", "sub", "y.txt")); err != nil {
		t.Errorf("y.txt should survive the aborted pass: %v", err)
	}
}

func TestNonRegularSourceEntriesAreSkipped(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(src, "real.txt"), "x", timeA)
	if err := os.Symlink(filepath.Join(src, "real.txt"), filepath.Join(src, "link")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(rep, "link")); !os.IsNotExist(err) {
		t.Errorf("symlink should not be mirrored, lstat err = %v", err)
	}
	if len(rec.events) != 1 {
		t.Errorf("expected only the regular file event, got %v", rec.events)
	}
}

func TestConflictingReplicaTypesAreReplaced(t *testing.T) {
	s, _, src, rep := newTestSyncer(t)

	// Source has a file where the replica has a directory, and vice versa.
	writeFile(t, filepath.Join(src, "swap"), "now a file", timeA)
	writeFile(t, filepath.Join(src, "other", "inner.txt"), "x", timeA)

	writeFile(t, filepath.Join(rep, "swap", "leftover.txt"), "y", timeA)
	writeFile(t, filepath.Join(rep, "other"), "was a file", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, err := os.Stat(filepath.Join(rep, "swap"))
	if err != nil || info.IsDir() {
		t.Errorf("replica swap should now be a file, err=%v isDir=%v", err, info != nil && info.IsDir())
	}
	info, err = os.Stat(filepath.Join(rep, "other"))
	if err != nil || !info.IsDir() {
		t.Errorf("replica other should now be a directory, err=%v", err)
	}
	content, err := os.ReadFile(filepath.Join(rep, "other", "inner.txt"))
	if err != nil || string(content) != "x" {
		t.Errorf("inner.txt not mirrored into converted directory: %v %q", err, content)
	}
}

func TestLockFileIsNeverPruned(t *testing.T) {
	s, rec, _, rep := newTestSyncer(t)

	lockPath := filepath.Join(rep, lockfile.LockFileName)
	writeFile(t, lockPath, "{}", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("lock file must survive pruning: %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("lock file handling must not emit events, got %v", rec.events)
	}
}

func TestArchiverReceivesDoomedFiles(t *testing.T) {
	s, _, _, rep := newTestSyncer(t)

	writeFile(t, filepath.Join(rep, "dir", "x.txt"), "x", timeA)

	arch := &failingArchiver{}
	s.Archiver = arch

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(arch.archived) != 1 || arch.archived[0] != filepath.Join("dir", "x.txt") {
		t.Errorf("archiver calls = %v, want [dir/x.txt]", arch.archived)
	}
	if _, err := os.Stat(filepath.Join(rep, "dir")); !os.IsNotExist(err) {
		t.Errorf("archiving must not prevent the deletion itself")
	}
}

func TestDryRunMutatesNothing(t *testing.T) {
	s, rec, src, rep := newTestSyncer(t)
	s.DryRun = true

	writeFile(t, filepath.Join(src, "a", "b.txt"), "x", timeA)
	writeFile(t, filepath.Join(rep, "stale.txt"), "stale", timeA)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rep, "a")); !os.IsNotExist(err) {
		t.Errorf("dry run created a directory")
	}
	if _, err := os.Stat(filepath.Join(rep, "stale.txt")); err != nil {
		t.Errorf("dry run deleted a file: %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("dry run must not journal events, got %v", rec.events)
	}
}

func TestDryRunPlansFullDeletionCascade(t *testing.T) {
	s, _, _, rep := newTestSyncer(t)
	s.DryRun = true

	writeFile(t, filepath.Join(rep, "dir", "x.txt"), "x", timeA)
	writeFile(t, filepath.Join(rep, "dir", "sub", "y.txt"), "y", timeA)

	var buf bytes.Buffer
	plog.SetOutput(&buf)
	plog.SetLevel(plog.LevelNotice)
	defer plog.SetLevel(plog.LevelInfo)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The plan must include the directory removals that a real pass would
	// perform once the planned file deletions empty them out.
	out := buf.String()
	for _, want := range []string{
		"[DRY RUN] DELETE\" path=" + filepath.Join("dir", "x.txt"),
		"[DRY RUN] DELETE\" path=" + filepath.Join("dir", "sub", "y.txt"),
		"[DRY RUN] RMDIR\" path=" + filepath.Join("dir", "sub"),
		"[DRY RUN] RMDIR\" path=dir\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dry run plan missing %q in output:\n%s", want, out)
		}
	}

	// Planning only: the subtree itself is untouched.
	for _, rel := range []string{filepath.Join("dir", "x.txt"), filepath.Join("dir", "sub", "y.txt")} {
		if _, err := os.Stat(filepath.Join(rep, rel)); err != nil {
			t.Errorf("dry run mutated the replica, %s: %v", rel, err)
		}
	}
}

func TestLockFileDirectoryIsNeverPruned(t *testing.T) {
	s, rec, _, rep := newTestSyncer(t)

	// A directory squatting on the lock file's name is left alone too.
	lockPath := filepath.Join(rep, lockfile.LockFileName)
	if err := os.Mkdir(lockPath, 0755); err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, err := os.Stat(lockPath)
	if err != nil || !info.IsDir() {
		t.Errorf("lock-named directory must survive pruning: %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("lock file handling must not emit events, got %v", rec.events)
	}
}

func TestCancelledContextAbortsPass(t *testing.T) {
	s, _, src, _ := newTestSyncer(t)
	writeFile(t, filepath.Join(src, "a", "b.txt"), "x", timeA)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMissingSourceRootAbortsPass(t *testing.T) {
	s, _, src, _ := newTestSyncer(t)
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); err == nil {
		t.Error("expected an error for a missing source root")
	}
}
