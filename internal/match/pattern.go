// Package match implements component B: compiling rule target patterns into
// a (suffix-tree, prefix-tree) index keyed by literal parts, and looking up
// candidate (Rule, target-index) matches for a concrete file name, per §4.B.
package match

import "strings"

// StemMarker is the character that separates the literal prefix from the
// literal suffix in a target pattern, e.g. "lib%.so" has prefix "lib" and
// suffix ".so". Using a single marker character (rather than a full glob
// syntax) keeps the prefix/suffix split in §4.B step 1 a simple index
// operation, matching the spec's own description of the compilation step.
const StemMarker = '%'

// Pattern is the split form of a rule's literal target pattern (§4.B step
// 1: "Split the literal target pattern at stem markers into a prefix...and
// a suffix...An all-literal pattern has a special sentinel suffix.").
type Pattern struct {
	Raw    string
	Prefix string
	Suffix string
	allLiteral bool
}

// AllLiteralSuffix is the sentinel suffix value used for patterns with no
// stem marker at all (§4.B step 1).
const AllLiteralSuffix = "\x00$all-literal$"

// Split parses a raw target pattern into its Pattern form.
func Split(raw string) Pattern {
	first := strings.IndexByte(raw, StemMarker)
	if first < 0 {
		return Pattern{Raw: raw, Prefix: raw, Suffix: AllLiteralSuffix, allLiteral: true}
	}
	last := strings.LastIndexByte(raw, StemMarker)
	return Pattern{Raw: raw, Prefix: raw[:first], Suffix: raw[last+1:]}
}

// IsAllLiteral reports whether the pattern has no stem (matches exactly one
// file name, its own).
func (p Pattern) IsAllLiteral() bool { return p.allLiteral }

// Matches reports whether a concrete file name f matches p, and if so,
// returns the stem substring that was captured (the part of f between the
// matched prefix and suffix).
func (p Pattern) Matches(f string) (stem string, ok bool) {
	if p.allLiteral {
		if f == p.Raw {
			return "", true
		}
		return "", false
	}
	if !strings.HasPrefix(f, p.Prefix) || !strings.HasSuffix(f, p.Suffix) {
		return "", false
	}
	if len(f) < len(p.Prefix)+len(p.Suffix) {
		return "", false
	}
	return f[len(p.Prefix) : len(f)-len(p.Suffix)], true
}

// specLen is prefix_len+suffix_len, used as an ordering tie-breaker so
// finer (more specific, i.e. longer literal parts) patterns sort before
// coarser ones (§4.B: "finer patterns appear before coarser ones to
// maximize sharing").
func (p Pattern) specLen() int { return len(p.Prefix) + len(p.Suffix) }
