// Package fingerprint implements the content-addressing primitives shared by
// the persistent store (A), the make state machine (F) and the job-exec
// supervisor (E): tagged content fingerprints for nodes (§3 Node) and the
// two orthogonal rule fingerprints (cmd, rsrcs) described in §3 Invariants.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/xerrors"
)

// Access is one of the three ways a job can touch a file, per §3 Dep and
// §4.C. The mask is stored as a small bitset so a Dep's AccessMask field is
// a single byte.
type Access uint8

const (
	AccessLnk Access = 1 << iota // a symlink was read/traversed
	AccessReg                    // the regular content was read
	AccessStat                   // only metadata (existence, mode) was observed
)

func (a Access) Has(bit Access) bool { return a&bit != 0 }

func (a Access) String() string {
	var s string
	if a.Has(AccessLnk) {
		s += "L"
	}
	if a.Has(AccessReg) {
		s += "R"
	}
	if a.Has(AccessStat) {
		s += "S"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Tag discriminates the kinds of content a Fingerprint may refer to, per §3
// Node: "a tagged value: None = file absent, Regular(hash), Link(hash),
// Unknown".
type Tag uint8

const (
	TagNone Tag = iota
	TagRegular
	TagLink
	TagUnknown
)

// Fingerprint is the tagged content identity of a file at one instant. The
// content date that correlates a cached value with the disk is not part of
// it; the store keeps it beside the fingerprint on each node (ContentDate).
type Fingerprint struct {
	Tag  Tag
	Hash [sha256.Size]byte // meaningful only when Tag is TagRegular or TagLink
}

func (f Fingerprint) String() string {
	switch f.Tag {
	case TagNone:
		return "none"
	case TagUnknown:
		return "unknown"
	case TagLink:
		return "link:" + hex.EncodeToString(f.Hash[:8])
	default:
		return "reg:" + hex.EncodeToString(f.Hash[:8])
	}
}

// Match decides whether two fingerprints should be considered different
// given the access mask that was actually performed, per §3 Node:
// "fingerprint has the property match(accesses) that decides whether two
// fingerprints differ given an access mask". A Stat-only access can never
// distinguish two Regular fingerprints with different content (since
// content was never read), so it is reported as matching; this is what lets
// the make state machine (F) avoid spurious reruns for jobs that only
// stat'd a dependency.
func (f Fingerprint) Match(other Fingerprint, accesses Access) bool {
	if accesses == 0 {
		return true // nothing was observed, nothing to disagree about
	}
	if accesses == AccessStat {
		// Only existence/kind was observed.
		return (f.Tag == TagNone) == (other.Tag == TagNone)
	}
	return f == other
}

// OfRegularFile hashes the content of a regular file.
func OfRegularFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fingerprint{Tag: TagNone}, nil
		}
		return Fingerprint{}, xerrors.Errorf("fingerprint: open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Fingerprint{}, xerrors.Errorf("fingerprint: read %s: %w", path, err)
	}
	var fp Fingerprint
	fp.Tag = TagRegular
	copy(fp.Hash[:], h.Sum(nil))
	return fp, nil
}

// OfSymlink hashes the target string of a symlink.
func OfSymlink(path string) (Fingerprint, error) {
	target, err := os.Readlink(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fingerprint{Tag: TagNone}, nil
		}
		return Fingerprint{}, xerrors.Errorf("fingerprint: readlink %s: %w", path, err)
	}
	h := sha256.Sum256([]byte(target))
	return Fingerprint{Tag: TagLink, Hash: h}, nil
}

// RuleFingerprint is the two orthogonal fingerprints a Rule carries, per §3
// Rule: "two orthogonal fingerprints because resource-only changes need
// only reset the resources-ok bit, not the command-ok bit".
type RuleFingerprint struct {
	Cmd   [sha256.Size]byte
	Rsrcs [sha256.Size]byte
}

// OfCmd fingerprints a rule's command construction (the shell template plus
// static deps ordering), independent of resources.
func OfCmd(cmdTemplate string, staticDeps, targets []string) [sha256.Size]byte {
	h := sha256.New()
	io.WriteString(h, cmdTemplate)
	for _, d := range staticDeps {
		io.WriteString(h, "\x00d:")
		io.WriteString(h, d)
	}
	for _, t := range targets {
		io.WriteString(h, "\x00t:")
		io.WriteString(h, t)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// OfRsrcs fingerprints a rule's resource requirements (§3 Rule: "resource
// requirements"), independent of the command.
func OfRsrcs(cpu, memMB, tmpMB uint32, backend string) [sha256.Size]byte {
	var buf [17]byte
	binary.BigEndian.PutUint32(buf[0:4], cpu)
	binary.BigEndian.PutUint32(buf[4:8], memMB)
	binary.BigEndian.PutUint32(buf[8:12], tmpMB)
	h := sha256.New()
	h.Write(buf[:12])
	io.WriteString(h, backend)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Generation is a small monotonically increasing counter, used both for
// the rule cmd_gen/rsrcs_gen pair (§3 Invariants: Generations) and the
// single global match_gen (§3 Invariants: Match generation; §4.A "bump
// match_gen to the max"). It wraps deliberately at MaxGeneration so callers
// can detect wraparound and trigger the sweep described in §3.
type Generation uint32

// MaxGeneration is the wrap point; reaching it forces a sweep that resets
// every job of the affected rule (§3 Invariants: Generations).
const MaxGeneration = ^Generation(0)

// Next advances a generation counter, reporting whether it wrapped.
func (g Generation) Next() (next Generation, wrapped bool) {
	if g == MaxGeneration {
		return 0, true
	}
	return g + 1, false
}
