package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/phasegate/internal/model"
)

const (
	// DefaultMaxJournalSize is the size at which the journal rotates (100MB).
	DefaultMaxJournalSize = 100 * 1024 * 1024
	JournalExtension      = ".jsonl"
	ArchiveDir            = "archive"
)

type EntryKind string

const (
	EntryRun        EntryKind = "run"
	EntryTransition EntryKind = "transition"
	EntryDecision   EntryKind = "decision"
)

// JournalEntry is one line of the append-only history journal.
type JournalEntry struct {
	Timestamp  time.Time               `json:"timestamp"`
	Kind       EntryKind               `json:"kind"`
	IssueID    string                  `json:"issue_id"`
	Run        *model.Run              `json:"run,omitempty"`
	Transition *model.TransitionRecord `json:"transition,omitempty"`
	Decision   *model.DecisionEvent    `json:"decision,omitempty"`
	Checksum   string                  `json:"checksum,omitempty"`
}

// Journal is an append-only JSONL Recorder with size-based rotation into
// an archive directory next to the journal file.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	enableChecksum  bool
	rotationCounter int
	now             func() time.Time
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{path: path, maxSize: maxSize, now: time.Now}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openFile() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// EnableChecksum turns on per-entry checksums.
func (j *Journal) EnableChecksum(enable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enableChecksum = enable
}

func (j *Journal) RecordRun(ctx context.Context, run model.Run) error {
	return j.write(&JournalEntry{Kind: EntryRun, IssueID: run.IssueID, Run: &run})
}

func (j *Journal) RecordTransition(ctx context.Context, rec model.TransitionRecord) error {
	return j.write(&JournalEntry{Kind: EntryTransition, IssueID: rec.IssueID, Transition: &rec})
}

func (j *Journal) RecordDecision(ctx context.Context, ev model.DecisionEvent) error {
	return j.write(&JournalEntry{Kind: EntryDecision, IssueID: ev.IssueID, Decision: &ev})
}

func (j *Journal) write(entry *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return unavailable(fmt.Errorf("journal %s is closed", j.path))
	}
	entry.Timestamp = j.now().UTC()
	if j.enableChecksum {
		entry.Checksum = checksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return unavailable(fmt.Errorf("failed to rotate journal: %w", err))
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return unavailable(fmt.Errorf("failed to write journal entry: %w", err))
	}
	if err := j.file.Sync(); err != nil {
		return unavailable(fmt.Errorf("failed to sync journal: %w", err))
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, j.now().Format("20060102_150405"), j.rotationCounter, JournalExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive journal: %w", err)
	}
	return j.openFile()
}

func checksum(entry *JournalEntry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}

func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadJournal decodes every well-formed entry in path. Malformed lines and
// entries with a mismatched checksum are counted in skipped.
func ReadJournal(path string) (entries []JournalEntry, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			skipped++
			continue
		}
		if e.Checksum != "" && checksum(&e) != e.Checksum {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, skipped, fmt.Errorf("failed to read journal: %w", err)
	}
	return entries, skipped, nil
}

// Replay feeds the journal at path into rec, e.g. to rebuild a SQLite store.
func Replay(ctx context.Context, path string, rec Recorder) (int, error) {
	entries, _, err := ReadJournal(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		switch {
		case e.Kind == EntryRun && e.Run != nil:
			err = rec.RecordRun(ctx, *e.Run)
		case e.Kind == EntryTransition && e.Transition != nil:
			err = rec.RecordTransition(ctx, *e.Transition)
		case e.Kind == EntryDecision && e.Decision != nil:
			err = rec.RecordDecision(ctx, *e.Decision)
		default:
			continue
		}
		if err != nil {
			return n, fmt.Errorf("replay entry %d: %w", n, err)
		}
		n++
	}
	return n, nil
}
