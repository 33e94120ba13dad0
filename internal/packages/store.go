package packages

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// ErrCacheMiss is returned when a cache file does not exist.
var ErrCacheMiss = errors.New("cache file not found")

// MetadataCache is the content of repeat_file_{eco}.json.
type MetadataCache struct {
	Ecosystem    model.Ecosystem        `json:"ecosystem"`
	Timestamp    string                 `json:"timestamp"`
	PackageCount int                    `json:"package_count"`
	Metadata     []model.PackageRecord  `json:"metadata"`
	TestConfig   map[string]interface{} `json:"test_config,omitempty"`
}

// ValidationCache is the content of validation_{eco}.json.
type ValidationCache struct {
	Ecosystem    model.Ecosystem       `json:"ecosystem"`
	Timestamp    string                `json:"timestamp"`
	ValidCount   int                   `json:"valid_count"`
	InvalidCount int                   `json:"invalid_count"`
	Valid        []model.PackageRecord `json:"valid"`
	Invalid      []model.PackageRecord `json:"invalid"`
}

// Store reads and writes cache files in one directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a store rooted at dir. The directory is created on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) MetadataPath(eco model.Ecosystem) string {
	return filepath.Join(s.dir, "repeat_file_"+string(eco)+".json")
}

func (s *Store) ValidationPath(eco model.Ecosystem) string {
	return filepath.Join(s.dir, "validation_"+string(eco)+".json")
}

// SaveMetadata writes the metadata cache for eco.
func (s *Store) SaveMetadata(eco model.Ecosystem, records []model.PackageRecord, testConfig map[string]interface{}) (string, error) {
	if records == nil {
		records = []model.PackageRecord{}
	}
	path := s.MetadataPath(eco)
	err := writeJSON(path, MetadataCache{
		Ecosystem:    eco,
		Timestamp:    s.now().Format(time.RFC3339),
		PackageCount: len(records),
		Metadata:     records,
		TestConfig:   testConfig,
	})
	return path, err
}

// LoadMetadata reads the metadata cache for eco. A missing file is ErrCacheMiss.
func (s *Store) LoadMetadata(eco model.Ecosystem) (*MetadataCache, error) {
	var c MetadataCache
	if err := readJSON(s.MetadataPath(eco), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveValidation writes the validation cache for eco.
func (s *Store) SaveValidation(eco model.Ecosystem, valid, invalid []model.PackageRecord) (string, error) {
	if valid == nil {
		valid = []model.PackageRecord{}
	}
	if invalid == nil {
		invalid = []model.PackageRecord{}
	}
	path := s.ValidationPath(eco)
	err := writeJSON(path, ValidationCache{
		Ecosystem:    eco,
		Timestamp:    s.now().Format(time.RFC3339),
		ValidCount:   len(valid),
		InvalidCount: len(invalid),
		Valid:        valid,
		Invalid:      invalid,
	})
	return path, err
}

// LoadValidation reads the validation cache for eco. A missing file is ErrCacheMiss.
func (s *Store) LoadValidation(eco model.Ecosystem) (*ValidationCache, error) {
	var c ValidationCache
	if err := readJSON(s.ValidationPath(eco), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrCacheMiss, path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
