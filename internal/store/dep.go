package store

import (
	"encoding/binary"

	"github.com/gomake/gomake/internal/fingerprint"
)

// DepFlags are the per-dep attributes listed in §3 Dep.
type DepFlags uint8

const (
	DepStatic DepFlags = 1 << iota
	DepRequired
	DepCritical
	DepEssential
	DepIgnoreError
	DepTop
	DepParallel // true when observed in the same parallel chunk as its predecessor (§3)
)

func (f DepFlags) Has(bit DepFlags) bool { return f&bit != 0 }

// DepRecord is one entry of a Job's static-or-discovered deps vector (§3
// Dep). Deps are stored in the exact order observed at the last run (§3
// Invariants: "Dep ordering"), which is why the store models them as a
// contiguous [start,count) append range on the owning JobRecord rather than
// a separately indexed table.
type DepRecord struct {
	Node     NodeID
	Access   fingerprint.Access
	Flags    DepFlags
	FP       fingerprint.Fingerprint // content fingerprint...
	Witness  int64                   // ...or the date first witnessed, if FP.Tag == TagUnknown
}

const depRecLen = 8 + 1 + 1 + 1 + 32 + 8

func (r DepRecord) encode() []byte {
	b := make([]byte, depRecLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(r.Node))
	b[8] = byte(r.Access)
	b[9] = byte(r.Flags)
	b[10] = byte(r.FP.Tag)
	copy(b[11:43], r.FP.Hash[:])
	binary.BigEndian.PutUint64(b[43:51], uint64(r.Witness))
	return b
}

func decodeDep(b []byte) DepRecord {
	var r DepRecord
	r.Node = NodeID(binary.BigEndian.Uint64(b[0:8]))
	r.Access = fingerprint.Access(b[8])
	r.Flags = DepFlags(b[9])
	r.FP.Tag = fingerprint.Tag(b[10])
	copy(r.FP.Hash[:], b[11:43])
	r.Witness = int64(binary.BigEndian.Uint64(b[43:51]))
	return r
}

// AppendDeps appends a full deps vector and returns the [start,count) range
// to store on the owning JobRecord. Replacing a job's deps vector (e.g.
// after a rerun discovers a different set) means calling this again with a
// fresh range; the old range is left in place until a graph-collect pass
// (§3 Lifecycle), matching the append-only contract in §4.A.
func (s *Store) AppendDeps(deps []DepRecord) (start uint64, count uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(deps) == 0 {
		return 0, 0, nil
	}
	for i, d := range deps {
		idx, err := s.deps.append(d.encode())
		if err != nil {
			return 0, 0, err
		}
		if i == 0 {
			start = idx
		}
	}
	return start, uint32(len(deps)), nil
}

// Deps loads a job's deps vector, preserving the exact on-disk order (§3
// Invariants: "Dep ordering").
func (s *Store) Deps(start uint64, count uint32) ([]DepRecord, error) {
	out := make([]DepRecord, count)
	buf := make([]byte, depRecLen)
	for i := uint32(0); i < count; i++ {
		if err := s.deps.readAt(start+uint64(i), buf); err != nil {
			return nil, err
		}
		out[i] = decodeDep(buf)
	}
	return out, nil
}
