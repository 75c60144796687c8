package store

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/xerrors"

	"github.com/gomake/gomake/internal/fingerprint"
)

// RuleFlags are the per-rule boolean attributes referenced across §4 and §7
// (anti-rule precedence in §4.B, Frozen in the GLOSSARY, ManualOk in §7).
type RuleFlags uint8

const (
	RuleIsAnti RuleFlags = 1 << iota
	RuleFrozen
	RuleManualOk
	RuleKeepTmp
)

// RuleID references a Rule record. Rule 0 is never valid.
type RuleID uint64

// RuleRecord is the fixed-width scalar part of a Rule (§3 Rule). The
// variable-length parts (target/dep name patterns, the command template,
// resource requirements) are serialized separately and referenced by a
// [start,len) range into the rule_str blob log, the same split used for
// Job's deps/targets: fixed record for fast random access and generation
// bookkeeping, variable blob for the parts whose size isn't known ahead of
// time.
type RuleRecord struct {
	NameID   uint64
	FP       fingerprint.RuleFingerprint
	MatchFP  [32]byte // fingerprint over (cmd, rsrcs, match) as a whole, per §3 Rule
	CmdGen   fingerprint.Generation
	RsrcsGen fingerprint.Generation
	Priority int32
	Flags    RuleFlags
	Timeout  uint32 // seconds, 0 = no timeout
	StrStart uint64
	StrLen   uint32
	Removed  bool // kept-slot-until-collect lifecycle, per §3 Lifecycle
}

const ruleRecLen = 8 + 32 + 32 + 32 + 4 + 4 + 4 + 1 + 4 + 8 + 4 + 1

func (r RuleRecord) encode() []byte {
	b := make([]byte, ruleRecLen)
	i := 0
	binary.BigEndian.PutUint64(b[i:i+8], r.NameID)
	i += 8
	copy(b[i:i+32], r.FP.Cmd[:])
	i += 32
	copy(b[i:i+32], r.FP.Rsrcs[:])
	i += 32
	copy(b[i:i+32], r.MatchFP[:])
	i += 32
	binary.BigEndian.PutUint32(b[i:i+4], uint32(r.CmdGen))
	i += 4
	binary.BigEndian.PutUint32(b[i:i+4], uint32(r.RsrcsGen))
	i += 4
	binary.BigEndian.PutUint32(b[i:i+4], uint32(r.Priority))
	i += 4
	b[i] = byte(r.Flags)
	i++
	binary.BigEndian.PutUint32(b[i:i+4], r.Timeout)
	i += 4
	binary.BigEndian.PutUint64(b[i:i+8], r.StrStart)
	i += 8
	binary.BigEndian.PutUint32(b[i:i+4], r.StrLen)
	i += 4
	if r.Removed {
		b[i] = 1
	}
	return b
}

func decodeRule(b []byte) RuleRecord {
	var r RuleRecord
	i := 0
	r.NameID = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	copy(r.FP.Cmd[:], b[i:i+32])
	i += 32
	copy(r.FP.Rsrcs[:], b[i:i+32])
	i += 32
	copy(r.MatchFP[:], b[i:i+32])
	i += 32
	r.CmdGen = fingerprint.Generation(binary.BigEndian.Uint32(b[i : i+4]))
	i += 4
	r.RsrcsGen = fingerprint.Generation(binary.BigEndian.Uint32(b[i : i+4]))
	i += 4
	r.Priority = int32(binary.BigEndian.Uint32(b[i : i+4]))
	i += 4
	r.Flags = RuleFlags(b[i])
	i++
	r.Timeout = binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	r.StrStart = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	r.StrLen = binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	r.Removed = b[i] != 0
	return r
}

// AddRule stores a new rule by content. Per §4.A ("lookup by match
// fingerprint decides whether an incoming rule replaces an existing one or
// creates a new slot"), the caller is expected to have already looked up
// MatchFP via RuleByMatchFP; AddRule itself always creates a fresh slot,
// since that lookup-then-decide policy belongs to the config/match layer
// that owns rule-set diffing, not to the storage primitive.
func (s *Store) AddRule(r RuleRecord, body []byte) (RuleID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, length, err := s.ruleStr.Append(body)
	if err != nil {
		return 0, err
	}
	r.StrStart, r.StrLen = start, length
	idx, err := s.rules.append(r.encode())
	if err != nil {
		return 0, err
	}
	return RuleID(idx + 1), nil
}

// Rule loads a rule's scalar record.
func (s *Store) Rule(id RuleID) (RuleRecord, error) {
	buf := make([]byte, ruleRecLen)
	if err := s.rules.readAt(uint64(id)-1, buf); err != nil {
		return RuleRecord{}, err
	}
	return decodeRule(buf), nil
}

// RuleBody loads a rule's serialized variable-length body (target/dep
// patterns, command template, resource spec) for internal/config and
// internal/match to parse.
func (s *Store) RuleBody(r RuleRecord) ([]byte, error) {
	return s.ruleStr.Read(r.StrStart, r.StrLen)
}

// PutRule overwrites a rule's scalar record, e.g. to bump CmdGen/RsrcsGen
// or flip Removed.
func (s *Store) PutRule(id RuleID, r RuleRecord) error {
	return s.rules.writeAt(uint64(id)-1, r.encode())
}

// RuleCount returns the number of rule slots ever allocated (including
// removed-but-not-collected ones), for iteration by internal/match.
func (s *Store) RuleCount() uint64 { return s.rules.count() }

// ruleStrLog is a simple variable-length append log (length-prefixed
// records), used for the rule_str table whose entries have no natural
// fixed width, unlike every other store table.
type ruleStrLog struct {
	mu sync.Mutex
	f  *os.File
}

func openRuleStrLog(path string) (*ruleStrLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("store: open %s: %w", path, err)
	}
	return &ruleStrLog{f: f}, nil
}

func (l *ruleStrLog) Append(body []byte) (start uint64, length uint32, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fi, err := l.f.Stat()
	if err != nil {
		return 0, 0, err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := l.f.WriteAt(lenBuf[:], fi.Size()); err != nil {
		return 0, 0, err
	}
	if _, err := l.f.WriteAt(body, fi.Size()+4); err != nil {
		return 0, 0, err
	}
	return uint64(fi.Size()), uint32(len(body)), nil
}

func (l *ruleStrLog) Read(start uint64, length uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, length)
	if _, err := l.f.ReadAt(buf, int64(start)+4); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *ruleStrLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
