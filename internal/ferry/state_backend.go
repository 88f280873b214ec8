package ferry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend persists the full record snapshot. Every mutation rewrites
// the whole snapshot, so implementations only need Load and Save.
type StateBackend interface {
	Load() ([]FileRecord, error)
	Save(records []FileRecord) error
}

type stateBackendCloser interface {
	Close() error
}

// JSONFileStateBackend stores records as a JSON array in a single file.
// Save writes to a temp file and renames it over the target so a crash
// mid-write never leaves a truncated snapshot behind.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: path}
}

func (b *JSONFileStateBackend) Load() ([]FileRecord, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return records, nil
}

func (b *JSONFileStateBackend) Save(records []FileRecord) error {
	if b == nil || b.Path == "" {
		return errors.New("state file path not configured")
	}
	if records == nil {
		records = []FileRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(b.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := os.Rename(tmp, b.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// InMemoryStateBackend keeps the snapshot in process memory. Useful for
// tests and for ephemeral deployments that do not need restart durability.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() ([]FileRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.snapshot) == 0 {
		return nil, nil
	}
	var records []FileRecord
	if err := json.Unmarshal(b.snapshot, &records); err != nil {
		return nil, fmt.Errorf("decode in-memory snapshot: %w", err)
	}
	return records, nil
}

func (b *InMemoryStateBackend) Save(records []FileRecord) error {
	if b == nil {
		return errors.New("in-memory backend is nil")
	}
	if records == nil {
		records = []FileRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode in-memory snapshot: %w", err)
	}
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return nil
}

// BuildStateBackendFromDSN selects a backend by DSN scheme:
//
//	memory://                  in-process only
//	file:///var/lib/records.json
//	postgres://user:pw@host/db
//
// A DSN without a scheme is treated as a file path.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("state dsn is empty")
	}
	switch {
	case dsn == "memory://" || dsn == "memory":
		return NewInMemoryStateBackend(), nil
	case strings.HasPrefix(dsn, "file://"):
		path, err := fileDSNPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileStateBackend(path), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStateBackend(PostgresStateBackendOptions{DSN: dsn})
	case strings.Contains(dsn, "://"):
		scheme := dsn[:strings.Index(dsn, "://")]
		return nil, fmt.Errorf("unsupported state dsn scheme %q", scheme)
	default:
		return NewJSONFileStateBackend(dsn), nil
	}
}

func fileDSNPath(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse file dsn: %w", err)
	}
	path := u.Path
	if u.Host != "" {
		// file://relative/path parses the first segment as a host.
		path = filepath.Join(u.Host, strings.TrimPrefix(u.Path, "/"))
	}
	if path == "" {
		return "", errors.New("file dsn has no path")
	}
	return path, nil
}
