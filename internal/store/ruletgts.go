package store

import "encoding/binary"

// RuleTgtEntry is one (Rule, target-index) pair as referenced from a
// suffix/prefix-tree leaf in internal/match (§4.B: "a leaf carries a
// priority-ordered vector of (Rule, target-index) pairs").
type RuleTgtEntry struct {
	Rule        RuleID
	TargetIndex uint32
}

const ruleTgtRecLen = 8 + 4

func (e RuleTgtEntry) encode() []byte {
	b := make([]byte, ruleTgtRecLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(e.Rule))
	binary.BigEndian.PutUint32(b[8:12], e.TargetIndex)
	return b
}

func decodeRuleTgt(b []byte) RuleTgtEntry {
	return RuleTgtEntry{
		Rule:        RuleID(binary.BigEndian.Uint64(b[0:8])),
		TargetIndex: binary.BigEndian.Uint32(b[8:12]),
	}
}

// AppendRuleTgts persists one priority-ordered vector of (Rule,
// target-index) pairs and returns its [start,count) range. internal/match
// does not read this table: match.Compile rebuilds its suffix/prefix tree
// in memory from the rule list on every process start, and gomaked has no
// command that reads the table back.
func (s *Store) AppendRuleTgts(entries []RuleTgtEntry) (start uint64, count uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		idx, err := s.ruleTgt.append(e.encode())
		if err != nil {
			return 0, 0, err
		}
		if i == 0 {
			start = idx
		}
	}
	return start, uint32(len(entries)), nil
}

// RuleTgts loads a previously persisted leaf vector.
func (s *Store) RuleTgts(start uint64, count uint32) ([]RuleTgtEntry, error) {
	out := make([]RuleTgtEntry, count)
	buf := make([]byte, ruleTgtRecLen)
	for i := uint32(0); i < count; i++ {
		if err := s.ruleTgt.readAt(start+uint64(i), buf); err != nil {
			return nil, err
		}
		out[i] = decodeRuleTgt(buf)
	}
	return out, nil
}
