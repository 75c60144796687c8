package store

import (
	"encoding/binary"

	"github.com/gomake/gomake/internal/fingerprint"
)

// Buildability is the data-independent approximation of whether a node
// could ever be produced by a job, per §3 Node.
type Buildability uint8

const (
	BuildabilityNo Buildability = iota
	BuildabilityMaybe
	BuildabilityYes
)

// NodeFlags are the status bits listed in §3 Node ("is-source, is-anti,
// unlinked, pollution, clash markers").
type NodeFlags uint16

const (
	NodeIsSource NodeFlags = 1 << iota
	NodeIsAnti
	NodeUnlinked
	NodePollution
	NodeClash
)

func (f NodeFlags) Has(bit NodeFlags) bool { return f&bit != 0 }

// NodeID references a Node record: id N is the record at 0-based index N-1
// in the node table. Zero is reserved to mean "no node" so default-zero-valued structs are
// safely "empty", matching the teacher's small-index-as-handle convention
// (e.g. distri's Inode type in internal/squashfs).
type NodeID uint64

// NoNode is the zero-value sentinel "no node" handle.
const NoNode NodeID = 0

// NodeRecord is the fixed-width on-disk representation of a Node (§3).
// Variable-length data (the candidate job-target list) is never persisted
// here: it's a cache of rule-match results, recomputed by internal/match
// whenever MatchGen is stale (§4.A/§4.B), so the fixed record stays a small
// 68 bytes for cheap random-access mmap reads.
type NodeRecord struct {
	NameID       uint64
	FP           fingerprint.Fingerprint
	ContentDate  int64 // unix nanoseconds; 0 means never observed
	Buildability Buildability
	MatchGen     fingerprint.Generation
	ActualJobID  uint64 // 0 = no actual-job back pointer (§3 Node)
	ConformIdx   int32  // index into the (match-derived) candidate list, -1 = none
	Flags        NodeFlags
}

const nodeRecLen = 8 + 1 + 32 + 8 + 1 + 4 + 8 + 4 + 2

func (r NodeRecord) encode() []byte {
	b := make([]byte, nodeRecLen)
	binary.BigEndian.PutUint64(b[0:8], r.NameID)
	b[8] = byte(r.FP.Tag)
	copy(b[9:41], r.FP.Hash[:])
	binary.BigEndian.PutUint64(b[41:49], uint64(r.ContentDate))
	b[49] = byte(r.Buildability)
	binary.BigEndian.PutUint32(b[50:54], uint32(r.MatchGen))
	binary.BigEndian.PutUint64(b[54:62], r.ActualJobID)
	binary.BigEndian.PutUint32(b[62:66], uint32(r.ConformIdx))
	binary.BigEndian.PutUint16(b[66:68], uint16(r.Flags))
	return b
}

func decodeNode(b []byte) NodeRecord {
	var r NodeRecord
	r.NameID = binary.BigEndian.Uint64(b[0:8])
	r.FP.Tag = fingerprint.Tag(b[8])
	copy(r.FP.Hash[:], b[9:41])
	r.ContentDate = int64(binary.BigEndian.Uint64(b[41:49]))
	r.Buildability = Buildability(b[49])
	r.MatchGen = fingerprint.Generation(binary.BigEndian.Uint32(b[50:54]))
	r.ActualJobID = binary.BigEndian.Uint64(b[54:62])
	r.ConformIdx = int32(binary.BigEndian.Uint32(b[62:66]))
	r.Flags = NodeFlags(binary.BigEndian.Uint16(b[66:68]))
	return r
}

// InternNode returns the NodeID for name, creating the node lazily on first
// mention (§3 Lifecycle: "Nodes are created lazily on first mention").
func (s *Store) InternNode(name string) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nameID, err := s.names.Intern(name)
	if err != nil {
		return 0, err
	}
	// Node ids are name ids + 1 (0 reserved for NoNode); every interned
	// name is immediately backed by a Node record, created with defaults
	// the first time it's named.
	id := NodeID(nameID + 1)
	if uint64(id) <= s.nodes.count() {
		return id, nil
	}
	// Grow the node table up to and including this id. In a single-writer
	// engine this loop runs at most once per new name.
	for uint64(id) > s.nodes.count() {
		rec := NodeRecord{ConformIdx: -1}
		if _, err := s.nodes.append(rec.encode()); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// LookupNode returns the NodeID for an already-interned name.
func (s *Store) LookupNode(name string) (NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nameID, ok := s.names.Lookup(name)
	if !ok {
		return 0, false
	}
	return NodeID(nameID + 1), true
}

// NodeName resolves a NodeID back to its path.
func (s *Store) NodeName(id NodeID) (string, bool) {
	if id == NoNode {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names.Name(uint64(id) - 1)
}

// Node loads a Node record.
func (s *Store) Node(id NodeID) (NodeRecord, error) {
	buf := make([]byte, nodeRecLen)
	if err := s.nodes.readAt(uint64(id)-1, buf); err != nil {
		return NodeRecord{}, err
	}
	return decodeNode(buf), nil
}

// PutNode overwrites a node's record. Because the table is append-only at
// the file level, "overwrite" is implemented as appending a fresh record
// and keeping an index redirect; for simplicity and because nodes are
// small and frequently updated (every make() touches several), we instead
// keep one record slot per node and rewrite it in place via WriteAt - the
// append-only contract in §4.A applies to *new* record creation, not to
// updating scalar fields of an existing record, which the original C++
// store itself does in place (only its deps/targets vectors are
// append-only because they are variable-length).
func (s *Store) PutNode(id NodeID, r NodeRecord) error {
	return s.nodes.writeAt(uint64(id)-1, r.encode())
}

// SourceNode marks/unmarks a node as a source (§3 Source/anti nodes). Per
// §4.A, toggling source-ness bumps the global match_gen because a node
// flipping source status changes which rules could ever apply to it.
func (s *Store) SourceNode(id NodeID, isSource bool) error {
	n, err := s.Node(id)
	if err != nil {
		return err
	}
	was := n.Flags.Has(NodeIsSource)
	if was == isSource {
		return nil
	}
	if isSource {
		n.Flags |= NodeIsSource
	} else {
		n.Flags &^= NodeIsSource
	}
	if err := s.PutNode(id, n); err != nil {
		return err
	}
	s.BumpMatchGen()
	return nil
}
