package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// recordFile is the on-disk layout of FileRecordStore.
type recordFile struct {
	Version int                                 `json:"version"`
	Records map[string]domain.EnforcementRecord `json:"records"`
}

// FileRecordStore implements domain.RuleRecordStore using a single JSON file.
// Writers serialize on a sidecar lock file; readers rely on the atomic rename.
type FileRecordStore struct {
	path string
}

// NewFileRecordStore creates a store backed by the file at path.
// The parent directory is created if needed.
func NewFileRecordStore(path string) (*FileRecordStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	return &FileRecordStore{path: path}, nil
}

// Path returns the record file path.
func (s *FileRecordStore) Path() string {
	return s.path
}

// Get returns the record for ip, or nil when none exists.
func (s *FileRecordStore) Get(ctx context.Context, ip string) (*domain.EnforcementRecord, error) {
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := file.Records[ip]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Save writes rec under ip.
func (s *FileRecordStore) Save(ctx context.Context, ip string, rec domain.EnforcementRecord) error {
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	return withFileLock(lockFile, func() error {
		file, err := s.load()
		if err != nil {
			return err
		}
		file.Records[ip] = rec
		return s.atomicWrite(file)
	})
}

// All returns every stored record keyed by identifier.
func (s *FileRecordStore) All(ctx context.Context) (map[string]domain.EnforcementRecord, error) {
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	return file.Records, nil
}

func (s *FileRecordStore) load() (*recordFile, error) {
	empty := &recordFile{Version: 1, Records: make(map[string]domain.EnforcementRecord)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return empty, nil
	}

	var file recordFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedRecord, s.path, err)
	}
	if file.Records == nil {
		file.Records = make(map[string]domain.EnforcementRecord)
	}
	return &file, nil
}

// atomicWrite writes the file atomically (write + rename).
func (s *FileRecordStore) atomicWrite(file *recordFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

var (
	_ domain.RuleRecordStore = (*FileRecordStore)(nil)
	_ domain.RecordLister    = (*FileRecordStore)(nil)
)
