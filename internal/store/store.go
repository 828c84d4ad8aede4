// Package store implements the persistence collaborator: archiving
// completed test results to disk and serving recent-history lookups
// without re-reading from disk on every request.
package store

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/aimtest/aimtest/pkg/model"
)

// ErrNotFound is returned by Fetch for an id with no known result. It is
// a plain sentinel, not a model.ErrorKind, because "unknown test id" is
// an HTTP-surface concern (404 per spec.md §6), not one of the core's
// error kinds (spec.md §7).
var ErrNotFound = errors.New("store: unknown test id")

// Store is the persistence collaborator's contract. Implementations must
// be safe for concurrent use; Fetch returns ErrNotFound for an unknown
// id rather than panicking.
type Store interface {
	Save(ctx context.Context, result *model.TestResult) error
	Fetch(ctx context.Context, id string) (*model.TestResult, error)
	Recent(ctx context.Context, limit int) ([]*model.TestResult, error)
}

const recentTTL = 24 * time.Hour

// FSStore archives results as gzip'd JSON files under a date-partitioned
// directory tree, the way the teacher's file-based archival does, and
// keeps a bounded in-memory index of recently saved results so history
// lookups don't require a directory walk.
type FSStore struct {
	dataDir string
	recent  *ttlcache.Cache[string, *model.TestResult]

	indexMu sync.Mutex
	index   []string // ids, most recent last; guarded by indexMu since up to
	// MaxConcurrentSessions Save calls can land concurrently (the ttlcache
	// itself is already safe for this).
}

// NewFSStore returns a FSStore rooted at dataDir. dataDir is created if
// it does not already exist.
func NewFSStore(dataDir string) (*FSStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	cache := ttlcache.New[string, *model.TestResult](
		ttlcache.WithTTL[string, *model.TestResult](recentTTL),
	)
	go cache.Start()
	return &FSStore{dataDir: dataDir, recent: cache}, nil
}

// Save writes result to a new gzip'd JSON file and records it in the
// recent-history index.
func (s *FSStore) Save(ctx context.Context, result *model.TestResult) error {
	if err := s.writeFile(result); err != nil {
		return err
	}
	id := result.ID.String()
	s.recent.Set(id, result, ttlcache.DefaultTTL)
	s.indexMu.Lock()
	s.index = append(s.index, id)
	if len(s.index) > 200 {
		s.index = s.index[len(s.index)-200:]
	}
	s.indexMu.Unlock()
	return nil
}

func (s *FSStore) writeFile(result *model.TestResult) error {
	timestamp := time.Now()
	dir := path.Join(s.dataDir, "enhanced", timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	filename := "enhanced-" + timestamp.Format("20060102T150405.000000000Z") + "." + result.ID.String() + ".json.gz"
	fp, err := os.OpenFile(path.Join(dir, filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer fp.Close()
	gz, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(gz).Encode(result); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// Fetch returns a result by id, consulting only the in-memory index: a
// result that has aged out of the recent window is reported not found
// even though its archival file still exists on disk, per the read
// path's scope.
func (s *FSStore) Fetch(ctx context.Context, id string) (*model.TestResult, error) {
	item := s.recent.Get(id)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

// Recent returns up to limit most-recently-saved results, newest first.
func (s *FSStore) Recent(ctx context.Context, limit int) ([]*model.TestResult, error) {
	s.indexMu.Lock()
	ids := append([]string(nil), s.index...)
	s.indexMu.Unlock()

	var out []*model.TestResult
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		item := s.recent.Get(ids[i])
		if item == nil {
			continue
		}
		out = append(out, item.Value())
	}
	return out, nil
}

// ReadArchivedFile decompresses and decodes a previously archived result
// file, for offline inspection; the live read path uses the in-memory
// index instead.
func ReadArchivedFile(filepath string) (*model.TestResult, error) {
	fp, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	gz, err := gzip.NewReader(fp)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	var result model.TestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
