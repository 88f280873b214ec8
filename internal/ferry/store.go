package ferry

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Status is the lifecycle state of a file record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusExpired:
		return StatusExpired, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// FileRecord describes one synchronized file. While the record is pending
// the blob lives in the managed blob directory under FileName; terminal
// records have no blob.
type FileRecord struct {
	FileKey   string    `json:"fileKey"`
	FileName  string    `json:"fileName"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type StoreOptions struct {
	// BlobDir holds the pending blobs. Required.
	BlobDir string
	// StateBackend persists record snapshots. When nil, StateFile selects a
	// JSON file backend; when both are empty the store is in-memory only.
	StateBackend StateBackend
	StateFile    string
	// StaleAfter is how long a record may stay pending before the sweep
	// marks it expired.
	StaleAfter time.Duration
	// SweepInterval is the cadence of the background staleness and orphan
	// sweeps.
	SweepInterval time.Duration
	// OrphanGrace protects blobs younger than this from the orphan sweep,
	// covering the window between a blob move and its record persist.
	OrphanGrace time.Duration
	// DisableSweeps turns off the background sweeper. Tests call the sweep
	// methods directly.
	DisableSweeps bool

	now    func() time.Time
	newKey func() string
}

// Store owns the file record snapshot and the blob directory. A single
// mutex serializes all mutations; writers queue behind it rather than
// coordinating through finer-grained state.
type Store struct {
	mu      sync.Mutex
	blobDir string
	backend StateBackend
	records []FileRecord
	index   map[string]int

	staleAfter    time.Duration
	sweepInterval time.Duration
	orphanGrace   time.Duration

	now    func() time.Time
	newKey func() string

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStore(opts StoreOptions) (*Store, error) {
	if strings.TrimSpace(opts.BlobDir) == "" {
		return nil, errors.New("blob dir is required")
	}
	if err := os.MkdirAll(opts.BlobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	backend := opts.StateBackend
	if backend == nil {
		if opts.StateFile != "" {
			backend = NewJSONFileStateBackend(opts.StateFile)
		} else {
			backend = NewInMemoryStateBackend()
		}
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 7 * 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = time.Minute
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.newKey == nil {
		opts.newKey = uuid.NewString
	}
	s := &Store{
		blobDir:       opts.BlobDir,
		backend:       backend,
		index:         make(map[string]int),
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
		orphanGrace:   opts.OrphanGrace,
		now:           opts.now,
		newKey:        opts.newKey,
		closed:        make(chan struct{}),
	}
	s.mu.Lock()
	err := s.reloadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !opts.DisableSweeps {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// AddFile moves a staged blob into the managed directory and records it as
// pending. The blob moves first; if the move fails no record is written,
// and if persisting the record fails the blob is left for the orphan sweep.
func (s *Store) AddFile(stagedPath, declaredName string) (FileRecord, error) {
	if strings.TrimSpace(stagedPath) == "" {
		return FileRecord{}, fmt.Errorf("%w: staged path is empty", ErrInvalidInput)
	}
	key := s.newKey()
	name := sanitizeFileName(declaredName)
	if name == "" {
		name = key + strings.ToLower(filepath.Ext(stagedPath))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blobNameTakenLocked(name) {
		name = shortKey(key) + "_" + name
	}
	target := filepath.Join(s.blobDir, name)
	if err := os.Rename(stagedPath, target); err != nil {
		return FileRecord{}, fmt.Errorf("move staged blob: %w", err)
	}
	rec := FileRecord{
		FileKey:   key,
		FileName:  name,
		Status:    StatusPending,
		Timestamp: s.now().UTC(),
	}
	s.records = append(s.records, rec)
	s.index[key] = len(s.records) - 1
	if err := s.saveLocked(); err != nil {
		s.records = s.records[:len(s.records)-1]
		delete(s.index, key)
		return FileRecord{}, fmt.Errorf("persist record: %w", err)
	}
	return rec, nil
}

// GetPending reloads the snapshot from the backend before answering, so a
// snapshot rewritten by another process is reflected immediately.
func (s *Store) GetPending() ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	pending := make([]FileRecord, 0)
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})
	return pending, nil
}

func (s *Store) Get(fileKey string) (FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[fileKey]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return s.records[idx], nil
}

// BlobPath resolves a record's blob location. The path is returned even
// for terminal records; callers discover a cleaned-up blob when they open it.
func (s *Store) BlobPath(fileKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[fileKey]
	if !ok {
		return "", ErrNotFound
	}
	return filepath.Join(s.blobDir, s.records[idx].FileName), nil
}

// UpdateStatus sets a record's status. Moving into a terminal status
// deletes the blob synchronously; a failed delete is logged and left to the
// orphan sweep, the status change stands either way. A terminal record only
// accepts a repeat of its own status (a no-op that still succeeds); any other
// transition out of a terminal status is rejected.
func (s *Store) UpdateStatus(fileKey string, status Status) (FileRecord, error) {
	if !status.Terminal() && status != StatusPending {
		return FileRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if status == StatusPending {
		return FileRecord{}, fmt.Errorf("%w: cannot move a record back to %s", ErrInvalidInput, StatusPending)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[fileKey]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	rec := s.records[idx]
	if rec.Status == status {
		return rec, nil
	}
	if rec.Status.Terminal() {
		return FileRecord{}, fmt.Errorf("%w: record is already %s", ErrInvalidInput, rec.Status)
	}
	prev := rec.Status
	rec.Status = status
	s.records[idx] = rec
	if err := s.saveLocked(); err != nil {
		rec.Status = prev
		s.records[idx] = rec
		return FileRecord{}, fmt.Errorf("persist record: %w", err)
	}
	recordStatusTransitions.WithLabelValues(string(status)).Inc()
	if prev == StatusPending {
		s.removeBlobLocked(rec)
	}
	return rec, nil
}

// ExpireStale marks pending records older than StaleAfter as expired and
// cleans up their blobs. Returns the number of records expired.
func (s *Store) ExpireStale(now time.Time) (int, error) {
	cutoff := now.Add(-s.staleAfter)

	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []FileRecord
	for i, rec := range s.records {
		if rec.Status == StatusPending && rec.Timestamp.Before(cutoff) {
			rec.Status = StatusExpired
			s.records[i] = rec
			expired = append(expired, rec)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		return 0, fmt.Errorf("persist record: %w", err)
	}
	for _, rec := range expired {
		recordStatusTransitions.WithLabelValues(string(StatusExpired)).Inc()
		s.removeBlobLocked(rec)
	}
	return len(expired), nil
}

// SweepOrphans removes blobs that no pending record references. Blobs
// younger than OrphanGrace are skipped so in-flight adds are never swept.
func (s *Store) SweepOrphans(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[string]struct{})
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			referenced[rec.FileName] = struct{}{}
		}
	}
	entries, err := os.ReadDir(s.blobDir)
	if err != nil {
		return 0, fmt.Errorf("read blob dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := referenced[entry.Name()]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.orphanGrace {
			continue
		}
		path := filepath.Join(s.blobDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Printf("orphan sweep: remove %s: %v", path, err)
			blobCleanupFailures.Inc()
			continue
		}
		removed++
	}
	return removed, nil
}

// Reload re-reads the snapshot from the backend, discarding in-memory state.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			now := s.now()
			if n, err := s.ExpireStale(now); err != nil {
				log.Printf("staleness sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("staleness sweep expired %d records", n)
			}
			if n, err := s.SweepOrphans(now); err != nil {
				log.Printf("orphan sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("orphan sweep removed %d blobs", n)
			}
		}
	}
}

func (s *Store) reloadLocked() error {
	records, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	s.records = records
	s.index = make(map[string]int, len(records))
	for i, rec := range records {
		s.index[rec.FileKey] = i
	}
	s.updatePendingGaugeLocked()
	return nil
}

func (s *Store) saveLocked() error {
	snapshot := make([]FileRecord, len(s.records))
	copy(snapshot, s.records)
	if err := s.backend.Save(snapshot); err != nil {
		return err
	}
	s.updatePendingGaugeLocked()
	return nil
}

func (s *Store) updatePendingGaugeLocked() {
	pending := 0
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			pending++
		}
	}
	pendingRecords.Set(float64(pending))
}

func (s *Store) removeBlobLocked(rec FileRecord) {
	path := filepath.Join(s.blobDir, rec.FileName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("blob cleanup failed for %s: %v", rec.FileKey, err)
		blobCleanupFailures.Inc()
	}
}

func (s *Store) blobNameTakenLocked(name string) bool {
	for _, rec := range s.records {
		if rec.Status == StatusPending && rec.FileName == name {
			return true
		}
	}
	_, err := os.Stat(filepath.Join(s.blobDir, name))
	return err == nil
}

// sanitizeFileName strips any path components from a client-supplied name
// so blobs cannot land outside the blob directory.
func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func shortKey(key string) string {
	key = strings.ReplaceAll(key, "-", "")
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
