package store

import (
	"encoding/binary"

	"github.com/gomake/gomake/internal/fingerprint"
)

// TargetFlags mirror the Tflags bit-set referenced throughout §4 (written,
// unlinked outputs are both "targets" per §3 Job: "target list (both
// written and unlinked outputs, ordered)").
type TargetFlags uint8

const (
	TargetWritten TargetFlags = 1 << iota
	TargetUnlinked
	TargetManualOk // rule carries ManualOk (§7 "Manual modification")
	TargetIncremental
)

// TargetRecord is one entry of a Job's target list (§3 Job). Crc.Tag ==
// TagNone encodes "unlinked" per §8 Testable Properties: "A node's crc ==
// None iff the last observation saw the file absent."
type TargetRecord struct {
	Node  NodeID
	Flags TargetFlags
	Crc   fingerprint.Fingerprint
}

const targetRecLen = 8 + 1 + 1 + 32

func (r TargetRecord) encode() []byte {
	b := make([]byte, targetRecLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(r.Node))
	b[8] = byte(r.Flags)
	b[9] = byte(r.Crc.Tag)
	copy(b[10:42], r.Crc.Hash[:])
	return b
}

func decodeTarget(b []byte) TargetRecord {
	var r TargetRecord
	r.Node = NodeID(binary.BigEndian.Uint64(b[0:8]))
	r.Flags = TargetFlags(b[8])
	r.Crc.Tag = fingerprint.Tag(b[9])
	copy(r.Crc.Hash[:], b[10:42])
	return r
}

// AppendTargets appends a full target list and returns the [start,count)
// range to store on the owning JobRecord, with the same append-only /
// orphan-on-rerun semantics as AppendDeps.
func (s *Store) AppendTargets(tgts []TargetRecord) (start uint64, count uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(tgts) == 0 {
		return 0, 0, nil
	}
	for i, t := range tgts {
		idx, err := s.targets.append(t.encode())
		if err != nil {
			return 0, 0, err
		}
		if i == 0 {
			start = idx
		}
	}
	return start, uint32(len(tgts)), nil
}

// Targets loads a job's target list.
func (s *Store) Targets(start uint64, count uint32) ([]TargetRecord, error) {
	out := make([]TargetRecord, count)
	buf := make([]byte, targetRecLen)
	for i := uint32(0); i < count; i++ {
		if err := s.targets.readAt(start+uint64(i), buf); err != nil {
			return nil, err
		}
		out[i] = decodeTarget(buf)
	}
	return out, nil
}

// ClashSet records targets produced by more than one job
// concurrently (§3 Invariants: "Persistent targets"; §7 "Race/clash"). The
// clash set is small and short-lived (cleared once both producers rerun),
// so it's kept as an in-memory set rather than a persisted
// table; losing it across a crash only means a clash warning is not
// re-surfaced, which is acceptable because the next build of either
// producer re-detects the clash live.
type ClashSet struct {
	nodes map[NodeID]bool
}

func NewClashSet() *ClashSet { return &ClashSet{nodes: make(map[NodeID]bool)} }

func (c *ClashSet) Mark(n NodeID)      { c.nodes[n] = true }
func (c *ClashSet) Clear(n NodeID)     { delete(c.nodes, n) }
func (c *ClashSet) Is(n NodeID) bool   { return c.nodes[n] }
func (c *ClashSet) All() []NodeID {
	out := make([]NodeID, 0, len(c.nodes))
	for n := range c.nodes {
		out = append(out, n)
	}
	return out
}
