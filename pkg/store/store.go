// Package store persists task records as one JSON file per task so
// interrupted downloads survive a restart. Every write goes through a
// temp file and rename, a crash mid-save leaves the previous record
// intact.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/rs/zerolog"

	"github.com/getsluice/sluice/pkg/logging"
	"github.com/getsluice/sluice/pkg/planner"
	"github.com/getsluice/sluice/pkg/task"
)

// ErrNotFound is returned by Load when no record exists for the id.
var ErrNotFound = errors.New("task record not found")

const (
	recordExt = ".json"
	tmpExt    = ".tmp"
)

// Store reads and writes task records under a single state directory.
// Saves for the same task are serialized, different tasks never contend.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens the state directory, creating it if needed. Temp files left
// behind by a crashed save are swept.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	strays, _ := filepath.Glob(filepath.Join(dir, "*"+recordExt+tmpExt))
	for _, stray := range strays {
		_ = os.Remove(stray)
	}
	return &Store{
		dir:    dir,
		logger: logging.GetLogger().With().Str("component", "store").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the state directory the store was opened on.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func checkID(id string) error {
	if id == "" || filepath.Base(id) != id {
		return fmt.Errorf("unusable task id %q", id)
	}
	return nil
}

// Save writes the task's current record, stamping it with the plan
// fingerprint that Load verifies.
func (s *Store) Save(t *task.Task) error {
	rec := t.Record()
	if err := checkID(rec.ID); err != nil {
		return err
	}
	hash, err := fingerprint(rec)
	if err != nil {
		return err
	}
	rec.PlanHash = hash

	l := s.lock(rec.ID)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task record %s: %w", rec.ID, err)
	}
	dest := s.path(rec.ID)
	tmp := dest + tmpExt
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task record %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("replace task record %s: %w", rec.ID, err)
	}
	return nil
}

// Load reads one task back. Non-terminal records get their plan verified:
// a record whose fingerprint or boundaries do not check out loses its
// chunk layout and starts over from a clean plan, the task itself is kept.
func (s *Store) Load(id string) (*task.Task, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	l := s.lock(id)
	l.Lock()
	data, err := os.ReadFile(s.path(id))
	l.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read task record %s: %w", id, err)
	}

	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse task record %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("task record %s claims id %q", id, rec.ID)
	}

	s.verifyPlan(&rec)
	return task.FromRecord(rec)
}

// LoadAll reads every record in the state directory, oldest first.
// Records that fail to parse are skipped with a warning, one bad file
// must not block startup.
func (s *Store) LoadAll() ([]*task.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var tasks []*task.Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		t, err := s.Load(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable task record")
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt().Equal(tasks[j].CreatedAt()) {
			return tasks[i].CreatedAt().Before(tasks[j].CreatedAt())
		}
		return tasks[i].ID() < tasks[j].ID()
	})
	return tasks, nil
}

// Delete removes a task's record. A record that is already gone is not an
// error, delete is the cleanup path and must be idempotent.
func (s *Store) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	_ = os.Remove(s.path(id) + tmpExt)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete task record %s: %w", id, err)
	}
	return nil
}

// verifyPlan checks a loaded record's chunk layout before it is trusted.
// Terminal records are left alone, nothing will resume them. For the rest
// the stamped fingerprint must match and replaying the planner over the
// recorded inputs must reproduce the persisted boundaries. On mismatch
// the layout and its progress are dropped so the task re-plans from zero.
func (s *Store) verifyPlan(rec *task.Record) {
	if rec.Status.Terminal() {
		return
	}
	if len(rec.Chunks) == 0 && rec.Plan == nil {
		return
	}

	ok := true
	if want, err := fingerprint(*rec); err != nil || rec.PlanHash != want {
		ok = false
	}
	if ok && !planMatches(*rec) {
		ok = false
	}
	if ok {
		return
	}

	s.logger.Warn().
		Str("task_id", rec.ID).
		Str("url", rec.URL).
		Msg("persisted plan does not verify, dropping chunk progress")
	rec.Chunks = nil
	rec.Plan = nil
	rec.PlanHash = 0
}

// planMatches replays the planner over the recorded inputs and compares
// boundaries. Progress counters are not part of the comparison.
func planMatches(rec task.Record) bool {
	if rec.Plan == nil {
		return len(rec.Chunks) == 0
	}
	want := planner.Plan(rec.TotalSize, *rec.Plan)
	if len(want) != len(rec.Chunks) {
		return false
	}
	for i, c := range want {
		got := rec.Chunks[i]
		if got.Index != c.Index || got.Start != c.Start || got.End != c.End {
			return false
		}
	}
	return true
}

// boundary is the part of a chunk that the fingerprint covers. Progress
// and state stay out so the hash is stable across saves of a running
// task.
type boundary struct {
	Start int64
	End   int64
}

type planKey struct {
	URL        string
	TotalSize  int64
	Inputs     *task.PlanInputs
	Boundaries []boundary
}

func fingerprint(rec task.Record) (uint64, error) {
	key := planKey{URL: rec.URL, TotalSize: rec.TotalSize, Inputs: rec.Plan}
	for _, c := range rec.Chunks {
		key.Boundaries = append(key.Boundaries, boundary{Start: c.Start, End: c.End})
	}
	// IgnoreZeroValue lets fields join the key later without invalidating
	// hashes already on disk. A HashOptions is not safe to share, so a
	// fresh one is created each time.
	hashopts := &hashstructure.HashOptions{IgnoreZeroValue: true}
	hash, err := hashstructure.Hash(key, hashstructure.FormatV2, hashopts)
	if err != nil {
		return 0, fmt.Errorf("error calculating plan fingerprint for %s: %w", rec.ID, err)
	}
	return hash, nil
}
