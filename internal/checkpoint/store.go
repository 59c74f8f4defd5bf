// Package checkpoint persists per-unit collection progress so an interrupted
// backfill resumes without repeating completed units.
//
// The Store is the only owner of the progress document. Every mutation is
// applied under one mutex to a copy, written to disk using a temp file, fsync,
// rename and a directory fsync, and only then made visible, so a crash loses
// at most the transition that was in flight.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Document is the on-disk progress state.
type Document struct {
	RunID            string            `json:"run_id"`
	StartTime        *time.Time        `json:"start_time"`
	TotalUnits       int               `json:"total_units"`
	TotalInstruments int               `json:"total_instruments"`
	TotalResolutions int               `json:"total_resolutions"`
	Completed        []string          `json:"completed"`
	Failed           map[string]string `json:"failed"`
	CurrentUnit      map[string]string `json:"current_unit"`
	LastSuccessTime  *time.Time        `json:"last_success_time"`
}

func newDocument() Document {
	return Document{
		Completed:   []string{},
		Failed:      make(map[string]string),
		CurrentUnit: make(map[string]string),
	}
}

// Summary is a read-only view of progress over a set of units.
type Summary struct {
	RunID           string            `json:"run_id"`
	Total           int               `json:"total"`
	Completed       int               `json:"completed"`
	Failed          int               `json:"failed"`
	InProgress      int               `json:"in_progress"`
	Pending         int               `json:"pending"`
	PercentComplete float64           `json:"percent_complete"`
	PercentFailed   float64           `json:"percent_failed"`
	FailedUnits     map[string]string `json:"failed_units"`
	InFlight        map[string]string `json:"in_flight"`
	StartTime       *time.Time        `json:"start_time"`
	LastSuccessTime *time.Time        `json:"last_success_time"`
	// ETA extrapolates the average time per completed unit; zero when unknown.
	ETA time.Duration `json:"eta"`
}

// Store owns the progress document.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	doc       Document
	completed map[string]struct{}
}

// Open loads the document at path, or starts an empty one if the file does
// not exist. A file that cannot be parsed is reported, never replaced.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("checkpoint path cannot be empty")
	}

	s := &Store{
		path:      path,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		doc:       newDocument(),
		completed: make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("starting new progress document", "path", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	doc := newDocument()
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", path, err)
	}
	if doc.Completed == nil {
		doc.Completed = []string{}
	}
	if doc.Failed == nil {
		doc.Failed = make(map[string]string)
	}
	if doc.CurrentUnit == nil {
		doc.CurrentUnit = make(map[string]string)
	}
	s.doc = doc
	for _, id := range doc.Completed {
		s.completed[id] = struct{}{}
	}

	logger.Info("loaded progress document",
		"path", path,
		"completed", len(doc.Completed),
		"failed", len(doc.Failed),
		"stale_in_progress", len(doc.CurrentUnit))
	return s, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Begin records a new run. The start time is set only by the first run after
// creation or Reset. Stale in-progress markers from a crashed run are dropped.
func (s *Store) Begin(runID string, instruments, resolutions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(doc *Document) {
		doc.RunID = runID
		doc.TotalInstruments = instruments
		doc.TotalResolutions = resolutions
		doc.TotalUnits = instruments * resolutions
		doc.CurrentUnit = make(map[string]string)
		if doc.StartTime == nil {
			now := s.now()
			doc.StartTime = &now
		}
	})
}

// MarkInProgress records that worker is collecting unit.
func (s *Store) MarkInProgress(worker string, unit models.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(doc *Document) {
		doc.CurrentUnit[worker] = unit.ID()
	})
}

// MarkCompleted records unit as fully collected.
func (s *Store) MarkCompleted(worker string, unit models.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := unit.ID()
	_, done := s.completed[id]
	return s.commitLocked(func(doc *Document) {
		if !done {
			doc.Completed = append(doc.Completed, id)
		}
		delete(doc.Failed, id)
		doc.clearWorker(worker, id)
		now := s.now()
		doc.LastSuccessTime = &now
	})
}

// MarkFailed records unit as failed with msg. Failed units are not selected
// again until Retry or Reset.
func (s *Store) MarkFailed(worker string, unit models.Unit, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := unit.ID()
	return s.commitLocked(func(doc *Document) {
		doc.Failed[id] = msg
		doc.clearWorker(worker, id)
	})
}

// Release clears worker's slot without changing the state of unit, leaving it
// pending for the next run.
func (s *Store) Release(worker string, unit models.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(doc *Document) {
		doc.clearWorker(worker, unit.ID())
	})
}

// Reset forgets all progress. Stored candles are untouched.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(func(doc *Document) {
		*doc = newDocument()
	})
}

// Retry removes units from the failed set so the next run selects them.
// It returns how many units were actually failed.
func (s *Store) Retry(units ...models.Unit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, u := range units {
		if _, ok := s.doc.Failed[u.ID()]; ok {
			ids = append(ids, u.ID())
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := s.commitLocked(func(doc *Document) {
		for _, id := range ids {
			delete(doc.Failed, id)
		}
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// FailedUnits returns the failed unit ids and their messages.
func (s *Store) FailedUnits() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.doc.Failed))
	for k, v := range s.doc.Failed {
		out[k] = v
	}
	return out
}

// State returns the state of unit.
func (s *Store) State(unit models.Unit) models.UnitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(unit.ID())
}

// Pending returns all minus completed and failed units, in input order.
// Units marked in progress by a crashed run are pending.
func (s *Store) Pending(all []models.Unit) []models.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Unit, 0, len(all))
	for _, u := range all {
		id := u.ID()
		if _, done := s.completed[id]; done {
			continue
		}
		if _, failed := s.doc.Failed[id]; failed {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Summary reports progress over all.
func (s *Store) Summary(all []models.Unit) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		RunID:       s.doc.RunID,
		Total:       len(all),
		FailedUnits: make(map[string]string),
		InFlight:    make(map[string]string, len(s.doc.CurrentUnit)),
	}
	inFlight := make(map[string]struct{}, len(s.doc.CurrentUnit))
	for worker, id := range s.doc.CurrentUnit {
		sum.InFlight[worker] = id
		inFlight[id] = struct{}{}
	}

	for _, u := range all {
		id := u.ID()
		switch s.stateLocked(id) {
		case models.UnitCompleted:
			sum.Completed++
		case models.UnitFailed:
			sum.Failed++
			sum.FailedUnits[id] = s.doc.Failed[id]
		default:
			sum.Pending++
			if _, ok := inFlight[id]; ok {
				sum.InProgress++
			}
		}
	}

	if sum.Total > 0 {
		sum.PercentComplete = float64(sum.Completed) / float64(sum.Total) * 100
		sum.PercentFailed = float64(sum.Failed) / float64(sum.Total) * 100
	}
	if s.doc.StartTime != nil {
		t := *s.doc.StartTime
		sum.StartTime = &t
	}
	if s.doc.LastSuccessTime != nil {
		t := *s.doc.LastSuccessTime
		sum.LastSuccessTime = &t
	}
	if sum.StartTime != nil && sum.LastSuccessTime != nil && sum.Completed > 0 && sum.Pending > 0 {
		perUnit := sum.LastSuccessTime.Sub(*sum.StartTime) / time.Duration(sum.Completed)
		sum.ETA = perUnit * time.Duration(sum.Pending)
	}
	return sum
}

// Document returns a deep copy of the current document.
func (s *Store) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.doc.clone()
}

func (d Document) clone() Document {
	out := d
	out.Completed = append([]string{}, d.Completed...)
	out.Failed = make(map[string]string, len(d.Failed))
	for k, v := range d.Failed {
		out.Failed[k] = v
	}
	out.CurrentUnit = make(map[string]string, len(d.CurrentUnit))
	for k, v := range d.CurrentUnit {
		out.CurrentUnit[k] = v
	}
	return out
}

func (s *Store) stateLocked(id string) models.UnitState {
	if _, ok := s.completed[id]; ok {
		return models.UnitCompleted
	}
	if _, ok := s.doc.Failed[id]; ok {
		return models.UnitFailed
	}
	for _, cur := range s.doc.CurrentUnit {
		if cur == id {
			return models.UnitInProgress
		}
	}
	return models.UnitPending
}

func (d *Document) clearWorker(worker, id string) {
	if cur, ok := d.CurrentUnit[worker]; ok && cur == id {
		delete(d.CurrentUnit, worker)
	}
}

// commitLocked applies change to a copy of the document and swaps the copy
// in once it is on disk. A failed write leaves memory as it was.
func (s *Store) commitLocked(change func(doc *Document)) error {
	next := s.doc.clone()
	change(&next)
	if err := s.persistLocked(next); err != nil {
		return err
	}

	s.doc = next
	s.completed = make(map[string]struct{}, len(next.Completed))
	for _, id := range next.Completed {
		s.completed[id] = struct{}{}
	}
	return nil
}

// persistLocked atomically replaces the document on disk with doc.
func (s *Store) persistLocked(doc Document) error {
	data, err := json.MarshalIndent(sortedDocument(doc), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		syncErr := d.Sync()
		d.Close()
		if syncErr != nil {
			s.logger.Debug("directory sync unsupported", "dir", dir, "error", syncErr)
		}
	}
	return nil
}

// sortedDocument orders the completed list for stable diffs; json already
// sorts map keys.
func sortedDocument(doc Document) Document {
	out := doc
	out.Completed = append([]string(nil), doc.Completed...)
	sort.Strings(out.Completed)
	return out
}
