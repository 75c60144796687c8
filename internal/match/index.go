package match

import (
	"sort"

	"github.com/gomake/gomake/internal/store"
)

// Candidate is one (Rule, target-index) match for a concrete file name,
// ordered for presentation per §4.B's ordering rule.
type Candidate struct {
	Rule        store.RuleID
	TargetIndex uint32
	Pattern     Pattern
	RuleName    string
	Priority    int32
	IsAnti      bool
	SpecialRank int // anti-rules/special internal rules rank within their priority class
}

// RuleTarget describes one target pattern belonging to one rule, the input
// unit the index is compiled from. A rule with several target patterns
// (split outputs) contributes one RuleTarget per pattern, sharing the
// rule's priority/anti-ness.
type RuleTarget struct {
	Rule        store.RuleID
	RuleName    string
	TargetIndex uint32
	Pattern     string
	Priority    int32
	IsAnti      bool
	SpecialRank int
}

// trieNode is a node of either the suffix trie (keyed by reversed suffix
// bytes) or a prefix sub-trie (keyed by prefix bytes), per §4.B steps 2-3.
// Each candidate is stored only at the node where its own pattern's suffix
// and prefix end; no entry is copied to longer suffixes or prefixes, so a
// node does not inherit the rules of less specific keys.
type trieNode struct {
	children map[byte]*trieNode
	prefix   *trieNode     // only set on suffix-trie leaves: the nested prefix trie (step 2)
	entries  []Candidate   // only set on prefix-trie nodes: the rules whose prefix ends here
}

func newTrieNode() *trieNode { return &trieNode{children: make(map[byte]*trieNode)} }

func (n *trieNode) child(b byte) *trieNode {
	c, ok := n.children[b]
	if !ok {
		c = newTrieNode()
		n.children[b] = c
	}
	return c
}

// Index is the compiled (suffix-tree, prefix-tree) structure from §4.B,
// built once per rule-set change (internal/config reloading rule files, or
// a rule's fingerprint changing).
type Index struct {
	root *trieNode // suffix trie root
}

// Compile builds a fresh Index from the full current rule-target list.
// Called whenever the rule set changes; callers are expected to follow it
// with Store.BumpMatchGen so every node's cached match info is invalidated
// (§4.A, §4.B).
func Compile(targets []RuleTarget) *Index {
	idx := &Index{root: newTrieNode()}
	for _, rt := range targets {
		p := Split(rt.Pattern)
		cand := Candidate{
			Rule: rt.Rule, TargetIndex: rt.TargetIndex, Pattern: p,
			RuleName: rt.RuleName, Priority: rt.Priority, IsAnti: rt.IsAnti,
			SpecialRank: rt.SpecialRank,
		}
		idx.insert(p, cand)
	}
	idx.sortAll(idx.root)
	return idx
}

func (idx *Index) insert(p Pattern, cand Candidate) {
	n := idx.root
	suf := p.Suffix
	for i := len(suf) - 1; i >= 0; i-- { // reversed suffix
		n = n.child(suf[i])
	}
	if n.prefix == nil {
		n.prefix = newTrieNode()
	}
	pn := n.prefix
	for i := 0; i < len(p.Prefix); i++ {
		pn = pn.child(p.Prefix[i])
	}
	pn.entries = append(pn.entries, cand)
}

func (idx *Index) sortAll(n *trieNode) {
	if n == nil {
		return
	}
	if n.prefix != nil {
		idx.sortPrefix(n.prefix)
	}
	for _, c := range n.children {
		idx.sortAll(c)
	}
}

func (idx *Index) sortPrefix(n *trieNode) {
	if n == nil {
		return
	}
	sortCandidates(n.entries)
	for _, c := range n.children {
		idx.sortPrefix(c)
	}
}

// sortCandidates orders a bucket per §4.B: "(is-special, priority,
// special-rank, prefix_len+suffix_len, rule-name) lexicographically
// descending. Anti-rules appear first within a priority class; finer
// patterns appear before coarser ones."
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.IsAnti != b.IsAnti {
			return a.IsAnti // anti-rules first within a priority class
		}
		if a.SpecialRank != b.SpecialRank {
			return a.SpecialRank > b.SpecialRank
		}
		if sa, sb := a.Pattern.specLen(), b.Pattern.specLen(); sa != sb {
			return sa > sb // finer (longer literal parts) first
		}
		return a.RuleName > b.RuleName
	})
}

// Lookup returns the candidate rules for file name f held by one trie
// node: the deepest prefix node with entries inside the longest-matching
// suffix bucket (§4.B "Lookup for a file name f"), filtered by
// Pattern.Matches. Rules whose literal suffix or prefix matches f less
// specifically sit on other nodes and are not returned, and all-literal
// patterns are never returned, since no file name ends with their sentinel
// suffix.
func (idx *Index) Lookup(f string) []Candidate {
	// Walk the suffix trie over the reversed name, remembering the deepest
	// node with a prefix sub-trie (longest matched suffix so far).
	n := idx.root
	var best *trieNode
	if n.prefix != nil {
		best = n // a pattern with an empty suffix (stem at the very end) attaches here
	}
	for i := len(f) - 1; i >= 0; i-- {
		c, ok := n.children[f[i]]
		if !ok {
			break
		}
		n = c
		if n.prefix != nil {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	// Longest-prefix match within that suffix bucket.
	pn := best.prefix
	var pbest *trieNode
	if len(pn.entries) > 0 {
		pbest = pn
	}
	for i := 0; i < len(f); i++ {
		c, ok := pn.children[f[i]]
		if !ok {
			break
		}
		pn = c
		if len(pn.entries) > 0 {
			pbest = pn
		}
	}
	if pbest == nil {
		return nil
	}
	// Only return candidates whose pattern actually matches (the trie
	// bucket can contain patterns that share a suffix/prefix boundary
	// without the literal substring actually being present, e.g. a
	// pattern "foo%.c" sharing the ".c" suffix bucket with a lookup of
	// "xyz.c" whose prefix walk stops short of "foo").
	out := make([]Candidate, 0, len(pbest.entries))
	for _, cand := range pbest.entries {
		if _, ok := cand.Pattern.Matches(f); ok {
			out = append(out, cand)
		}
	}
	return out
}
