// Package store implements component A, the persistent node/job graph: a
// collection of typed, append-mostly tables mapped into memory, plus the
// crash-safety bookkeeping described in §4.A.
//
// Each record kind lives in its own file under the store directory (job,
// deps, _targets, node, rule, rule_str, rule_tgts, name, plus the
// ancillary/ tree; there is no job_tgts, sfxs or pfxs file), mirroring the
// teacher's squashfs package
// in spirit: hand-rolled fixed-width binary records (encoding/binary) so
// that the file can be mapped read-only with golang.org/x/exp/mmap and
// walked by byte offset without a deserialization pass, the same technique
// distri's internal/squashfs writer/reader uses for its own superblock and
// inode tables. A general object-serialization library (gob, protobuf)
// would prevent exactly this mmap-and-walk-by-offset access pattern, which
// is why this package is the one place in the repository that reaches for
// encoding/binary directly instead of a pack library (see DESIGN.md).
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/gomake/gomake/internal/fingerprint"
)

// formatVersion is written at the head of every table file (§6: "versioning
// tag at the head so incompatible formats are refused").
const formatVersion uint32 = 1

// recordMagic identifies a table kind inside its file header.
type recordMagic [4]byte

var (
	magicNode  = recordMagic{'N', 'O', 'D', 'E'}
	magicJob   = recordMagic{'J', 'O', 'B', '0'}
	magicDep   = recordMagic{'D', 'E', 'P', 'S'}
	magicTgt   = recordMagic{'T', 'G', 'T', 'S'}
	magicRule  = recordMagic{'R', 'U', 'L', 'E'}
	magicRStr  = recordMagic{'R', 'S', 'T', 'R'}
	magicRTgt  = recordMagic{'R', 'T', 'G', 'T'}
	magicName  = recordMagic{'N', 'A', 'M', 'E'}
)

// ErrVersionMismatch is returned by Open when an on-disk table was written
// by an incompatible format version (§6).
var ErrVersionMismatch = xerrors.New("store: incompatible format version")

// Store is the admin-dir-rooted collection of all typed tables (§6 On-disk
// layout). All mutation happens from the engine thread only (§4.A
// Contracts); Store itself does no locking beyond what's needed to let
// background threads take read-only mmap snapshots.
type Store struct {
	dir string

	mu sync.Mutex // guards appends; engine thread only, but defensive

	nodes   *table // store/node
	jobs    *table // store/job
	deps    *table // store/deps
	targets *table // store/_targets
	rules   *table      // store/rule
	ruleStr *ruleStrLog // store/rule_str: variable-length serialized rule bodies
	ruleTgt *table      // store/rule_tgts

	names *nameTable // store/name: shared prefix/suffix-compressed key interning

	// MatchGen is the single monotonically increasing global generation
	// described in §3 Invariants ("Match generation") and §4.A
	// ("bump match_gen to the max so that all cached match info is
	// invalidated before anything is trusted").
	MatchGen fingerprint.Generation

	ancillary *AncillaryStore
}

// Open opens (creating if absent) the store rooted at dir, running the
// crash-recovery "chk" pass described in §4.A when a crash marker is
// present.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("store: mkdir %s: %w", dir, err)
	}
	s := &Store{dir: dir}

	crashed := crashMarkerPresent(dir)

	var err error
	if s.names, err = openNameTable(filepath.Join(dir, "name")); err != nil {
		return nil, err
	}
	if s.nodes, err = openTable(filepath.Join(dir, "node"), magicNode); err != nil {
		return nil, err
	}
	if s.jobs, err = openTable(filepath.Join(dir, "job"), magicJob); err != nil {
		return nil, err
	}
	if s.deps, err = openTable(filepath.Join(dir, "deps"), magicDep); err != nil {
		return nil, err
	}
	if s.targets, err = openTable(filepath.Join(dir, "_targets"), magicTgt); err != nil {
		return nil, err
	}
	if s.rules, err = openTable(filepath.Join(dir, "rule"), magicRule); err != nil {
		return nil, err
	}
	if s.ruleStr, err = openRuleStrLog(filepath.Join(dir, "rule_str")); err != nil {
		return nil, err
	}
	if s.ruleTgt, err = openTable(filepath.Join(dir, "rule_tgts"), magicRTgt); err != nil {
		return nil, err
	}
	if s.ancillary, err = openAncillaryStore(filepath.Join(dir, "ancillary")); err != nil {
		return nil, err
	}

	if crashed {
		if err := s.chk(); err != nil {
			return nil, xerrors.Errorf("store: rescue failed, run the repair tool: %w", err)
		}
		// Invalidate every cached rule-match before anything is trusted
		// (§4.A).
		s.MatchGen = fingerprint.MaxGeneration
		clearCrashMarker(dir)
	}

	if err := writeCrashMarker(dir); err != nil {
		return nil, err
	}
	return s, nil
}

// Close flushes all tables and clears the crash marker cleanly.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []*table{s.nodes, s.jobs, s.deps, s.targets, s.rules, s.ruleTgt} {
		if err := t.close(); err != nil {
			return err
		}
	}
	if err := s.ruleStr.close(); err != nil {
		return err
	}
	if err := s.ancillary.close(); err != nil {
		return err
	}
	return clearCrashMarker(s.dir)
}

// BumpMatchGen cheaply invalidates every node's cached rule-match info in
// constant work, per §3 Invariants and §8 Testable Properties ("match_gen
// is monotone; bumping it invalidates all cached match info in constant
// work"). Callers: rule-set changes (§4.B) and source-list toggles (§4.A:
// "modification of the source list triggers a full match_gen bump").
func (s *Store) BumpMatchGen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, wrapped := s.MatchGen.Next()
	if wrapped {
		// A full sweep resets all cached matches unconditionally; starting
		// back at 0 with every node's per-node match_gen also at its own
		// stale value (< new global) achieves the same effect without a
		// literal sweep loop, because every comparison "node.match_gen >=
		// global" becomes false again at next==0 only if nodes are reset
		// too. We take the simpler, always-correct route: jump to the max
		// value, which can never collide with any node's stored value
		// except by deliberate reset.
		next = fingerprint.MaxGeneration
	}
	s.MatchGen = next
}

func crashMarkerPath(dir string) string { return filepath.Join(dir, ".crashed") }

func crashMarkerPresent(dir string) bool {
	_, err := os.Stat(crashMarkerPath(dir))
	return err == nil
}

func writeCrashMarker(dir string) error {
	return os.WriteFile(crashMarkerPath(dir), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func clearCrashMarker(dir string) error {
	err := os.Remove(crashMarkerPath(dir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// chk is the consistency check run on startup after a crash (§4.A). Since
// every table is append-only, the check only needs to find and truncate a
// torn trailing record (a partial append interrupted by the crash) in each
// table; logical deletions are tolerated as-is because they only clear a
// free-bit, never shift data.
func (s *Store) chk() error {
	for _, t := range []*table{s.nodes, s.jobs, s.deps, s.targets, s.rules, s.ruleTgt} {
		if err := t.truncateTornTail(); err != nil {
			return err
		}
	}
	return nil
}

// table is one append-mostly mmapped file of fixed-size records, preceded
// by a small header (magic + format version + record size). Writes go
// through a normal *os.File append; reads use a read-only mmap.ReaderAt so
// many goroutines (e.g. a heartbeat thread taking a snapshot) can inspect
// the table without contending with the engine thread's appends, matching
// §5's "background threads only read immutable snapshots".
type table struct {
	path   string
	f      *os.File
	ra     *mmap.ReaderAt
	magic  recordMagic
	recLen int
	mu     sync.Mutex
}

const headerLen = 4 + 4 + 4 // magic + version + record length

func openTable(path string, magic recordMagic) (*table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("store: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	t := &table{path: path, f: f, magic: magic}
	if fi.Size() == 0 {
		if err := t.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := t.checkHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := t.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *table) writeHeader() error {
	var hdr [headerLen]byte
	copy(hdr[0:4], t.magic[:])
	binary.BigEndian.PutUint32(hdr[4:8], formatVersion)
	binary.BigEndian.PutUint32(hdr[8:12], 0) // record length filled in by first append
	_, err := t.f.WriteAt(hdr[:], 0)
	return err
}

func (t *table) checkHeader() error {
	var hdr [headerLen]byte
	if _, err := t.f.ReadAt(hdr[:], 0); err != nil {
		return xerrors.Errorf("store: read header of %s: %w", t.path, err)
	}
	var gotMagic recordMagic
	copy(gotMagic[:], hdr[0:4])
	if gotMagic != t.magic {
		return xerrors.Errorf("store: %s has magic %q, want %q", t.path, gotMagic, t.magic)
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != formatVersion {
		return fmt.Errorf("%w: %s has version %d, want %d", ErrVersionMismatch, t.path, v, formatVersion)
	}
	t.recLen = int(binary.BigEndian.Uint32(hdr[8:12]))
	return nil
}

func (t *table) remap() error {
	if t.ra != nil {
		t.ra.Close()
		t.ra = nil
	}
	ra, err := mmap.Open(t.path)
	if err != nil {
		// An empty or header-only file cannot be mmapped; that's fine,
		// appends will create content before the next remap is needed.
		return nil
	}
	t.ra = ra
	return nil
}

// append writes one fixed-size record and returns its 0-based record index.
func (t *table) append(rec []byte) (idx uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recLen == 0 {
		t.recLen = len(rec)
		var szBuf [4]byte
		binary.BigEndian.PutUint32(szBuf[:], uint32(t.recLen))
		if _, err := t.f.WriteAt(szBuf[:], 8); err != nil {
			return 0, err
		}
	} else if len(rec) != t.recLen {
		return 0, fmt.Errorf("store: %s record length %d != established %d", t.path, len(rec), t.recLen)
	}
	fi, err := t.f.Stat()
	if err != nil {
		return 0, err
	}
	off := fi.Size()
	if off < headerLen {
		off = headerLen
	}
	if _, err := t.f.WriteAt(rec, off); err != nil {
		return 0, err
	}
	idx = uint64(off-headerLen) / uint64(t.recLen)
	return idx, t.remap()
}

// writeAt overwrites an already-appended record in place. This is used only
// for scalar field updates on existing records (e.g. a node's fingerprint
// after a rerun); growing the table happens exclusively through append, so
// the "append-only" contract in §4.A Contracts still holds for record
// *creation* and index stability.
func (t *table) writeAt(idx uint64, rec []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recLen == 0 || len(rec) != t.recLen {
		return fmt.Errorf("store: %s writeAt length mismatch", t.path)
	}
	off := int64(headerLen) + int64(idx)*int64(t.recLen)
	if _, err := t.f.WriteAt(rec, off); err != nil {
		return err
	}
	return t.remap()
}

// readAt reads the record at idx into dst (len(dst) must equal recLen).
func (t *table) readAt(idx uint64, dst []byte) error {
	t.mu.Lock()
	ra := t.ra
	recLen := t.recLen
	t.mu.Unlock()
	if ra == nil {
		return xerrors.Errorf("store: %s has no data yet", t.path)
	}
	off := int64(headerLen) + int64(idx)*int64(recLen)
	n, err := ra.ReadAt(dst, off)
	if err != nil && n != len(dst) {
		return xerrors.Errorf("store: read record %d of %s: %w", idx, t.path, err)
	}
	return nil
}

// count returns the number of complete records currently appended.
func (t *table) count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recLen == 0 {
		return 0
	}
	fi, err := t.f.Stat()
	if err != nil {
		return 0
	}
	sz := fi.Size() - headerLen
	if sz < 0 {
		return 0
	}
	return uint64(sz) / uint64(t.recLen)
}

// truncateTornTail discards a final partial record left by a crash mid-append.
func (t *table) truncateTornTail() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recLen == 0 {
		return nil
	}
	fi, err := t.f.Stat()
	if err != nil {
		return err
	}
	sz := fi.Size() - headerLen
	if sz < 0 {
		return nil
	}
	rem := sz % int64(t.recLen)
	if rem == 0 {
		return nil
	}
	return t.f.Truncate(fi.Size() - rem)
}

func (t *table) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ra != nil {
		t.ra.Close()
	}
	return t.f.Close()
}
