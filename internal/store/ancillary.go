package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// AncillaryInfo is a job's small on-disk record, independent of any live
// Req (SUPPLEMENTED FEATURES: "Job ancillary files", grounded on
// original_source/src/lmakeserver/job.x.hh's AncillaryTag), readable
// without a live Req through Store.Ancillary. The engine does not call Put
// or Get, and gomaked has no show or dump_job command.
type AncillaryInfo struct {
	JobID      uint64    `json:"job_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	RunStatus  uint8     `json:"run_status"`
	Stderr     string    `json:"stderr,omitempty"`
	Backend    string    `json:"backend"`
	SmallID    uint32    `json:"small_id"`
	UserCPUMS  int64     `json:"user_cpu_ms"`
	WallMS     int64     `json:"wall_ms"`
	MaxRSSKB   int64     `json:"max_rss_kb"`
}

// AncillaryStore persists one JSON file per job under its own directory
// tree, sharded by job id the way distri shards its repo by package name
// (internal/repo). Each write goes through renameio so a crash mid-write
// never leaves a torn file behind — the same atomic-rename contract
// internal/build already relies on (github.com/google/renameio) for target
// writes, applied here to ancillary metadata instead.
type AncillaryStore struct {
	dir string
	mu  sync.Mutex
}

func openAncillaryStore(dir string) (*AncillaryStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("store: mkdir %s: %w", dir, err)
	}
	return &AncillaryStore{dir: dir}, nil
}

func (a *AncillaryStore) path(jobID uint64) string {
	shard := jobID % 256
	return filepath.Join(a.dir, itoa(shard), itoa(jobID)+".json")
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Put writes a job's ancillary record atomically.
func (a *AncillaryStore) Put(info AncillaryInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.path(info.JobID)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return renameio.WriteFile(p, b, 0644)
}

// Get loads a job's ancillary record, if any.
func (a *AncillaryStore) Get(jobID uint64) (AncillaryInfo, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := os.ReadFile(a.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return AncillaryInfo{}, false, nil
		}
		return AncillaryInfo{}, false, err
	}
	var info AncillaryInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return AncillaryInfo{}, false, err
	}
	return info, true, nil
}

func (a *AncillaryStore) close() error { return nil }

// Ancillary exposes the store's ancillary sub-store.
func (s *Store) Ancillary() *AncillaryStore { return s.ancillary }
