// Package configsource loads the active hint configuration from a JSONC
// file that operators may annotate with comments.
package configsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/tidwall/jsonc"
)

const (
	defaultCacheTime = time.Hour
	defaultRunTime   = 180 * time.Second
)

// document is the on-disk layout. Times are in seconds.
type document struct {
	JobCacheTime int             `json:"jobCacheTime"`
	JobRunTime   int             `json:"jobRunTime"`
	Configs      []domain.Config `json:"configs"`
}

// File implements domain.ConfigSource. The file is re-read whenever
// its modification time changes.
type File struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	active  *domain.ActiveConfig
}

// NewFile returns a source reading path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Active returns the current configuration.
func (f *File) Active(ctx context.Context) (*domain.ActiveConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("hint config: %w", err)
	}
	if f.active != nil && info.ModTime().Equal(f.modTime) && info.Size() == f.size {
		return f.active, nil
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("hint config: %w", err)
	}
	active, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("hint config %s: %w", f.path, err)
	}
	f.active, f.modTime, f.size = active, info.ModTime(), info.Size()
	return active, nil
}

// Parse decodes a JSONC document.
func Parse(raw []byte) (*domain.ActiveConfig, error) {
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
		return nil, err
	}
	if err := domain.ValidateConfigs(doc.Configs); err != nil {
		return nil, err
	}

	active := &domain.ActiveConfig{
		Configs:      doc.Configs,
		JobCacheTime: time.Duration(doc.JobCacheTime) * time.Second,
		JobRunTime:   time.Duration(doc.JobRunTime) * time.Second,
	}
	if active.JobCacheTime <= 0 {
		active.JobCacheTime = defaultCacheTime
	}
	if active.JobRunTime <= 0 {
		active.JobRunTime = defaultRunTime
	}
	return active, nil
}
