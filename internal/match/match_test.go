package match

import (
	"testing"

	"github.com/gomake/gomake/internal/config"
	"github.com/gomake/gomake/internal/store"
)

func TestSplitAndMatches(t *testing.T) {
	p := Split("lib%.so")
	if p.Prefix != "lib" || p.Suffix != ".so" {
		t.Fatalf("Split = %+v", p)
	}
	if stem, ok := p.Matches("libfoo.so"); !ok || stem != "foo" {
		t.Fatalf("Matches = %q, %v", stem, ok)
	}
	if _, ok := p.Matches("libfoo.a"); ok {
		t.Fatalf("Matches should reject wrong suffix")
	}
	if _, ok := p.Matches("lib.so"); !ok {
		t.Fatalf("empty stem should still match")
	}

	allLit := Split("README")
	if !allLit.IsAllLiteral() {
		t.Fatalf("expected all-literal pattern")
	}
	if _, ok := allLit.Matches("README"); !ok {
		t.Fatalf("all-literal pattern should match its own name")
	}
	if _, ok := allLit.Matches("README2"); ok {
		t.Fatalf("all-literal pattern should not match a different name")
	}
}

func TestIndexLookupLongestSuffixThenPrefix(t *testing.T) {
	targets := []RuleTarget{
		{Rule: 1, RuleName: "generic-c", TargetIndex: 0, Pattern: "%.o", Priority: 0},
		{Rule: 2, RuleName: "specific-main", TargetIndex: 0, Pattern: "main%.o", Priority: 0},
		{Rule: 3, RuleName: "generic-any", TargetIndex: 0, Pattern: "%", Priority: 0},
	}
	idx := Compile(targets)

	cands := idx.Lookup("main.o")
	if len(cands) == 0 {
		t.Fatalf("expected candidates for main.o")
	}
	// main%.o's prefix node is deeper than %.o's, so Lookup returns
	// specific-main.
	if cands[0].RuleName != "specific-main" {
		t.Fatalf("expected specific-main first, got %+v", cands)
	}

	cands2 := idx.Lookup("other.o")
	if len(cands2) == 0 || cands2[0].RuleName != "generic-c" {
		t.Fatalf("expected generic-c for other.o, got %+v", cands2)
	}

	cands3 := idx.Lookup("random-file")
	if len(cands3) == 0 || cands3[0].RuleName != "generic-any" {
		t.Fatalf("expected generic-any fallback, got %+v", cands3)
	}
}

func TestIndexAntiRulesRankFirst(t *testing.T) {
	targets := []RuleTarget{
		{Rule: 1, RuleName: "build-o", TargetIndex: 0, Pattern: "%.o", Priority: 5},
		{Rule: 2, RuleName: "anti-o", TargetIndex: 0, Pattern: "%.o", Priority: 5, IsAnti: true},
	}
	idx := Compile(targets)
	cands := idx.Lookup("foo.o")
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if !cands[0].IsAnti {
		t.Fatalf("anti-rule should sort first: %+v", cands)
	}
}

func TestIndexPriorityOrdering(t *testing.T) {
	targets := []RuleTarget{
		{Rule: 1, RuleName: "low", TargetIndex: 0, Pattern: "%.o", Priority: 1},
		{Rule: 2, RuleName: "high", TargetIndex: 0, Pattern: "%.o", Priority: 10},
	}
	idx := Compile(targets)
	cands := idx.Lookup("foo.o")
	if len(cands) != 2 || cands[0].RuleName != "high" {
		t.Fatalf("expected high-priority rule first: %+v", cands)
	}
}

func TestIndexNoMatch(t *testing.T) {
	idx := Compile([]RuleTarget{{Rule: 1, RuleName: "only-c", Pattern: "%.c"}})
	if cands := idx.Lookup("foo.o"); len(cands) != 0 {
		t.Fatalf("expected no match, got %+v", cands)
	}
}

func TestFromRules(t *testing.T) {
	rules := []config.Rule{
		{ID: 1, Name: "r1", Targets: []string{"%.o", "%.a"}, Priority: 3},
		{ID: 2, Name: "r2-special", Targets: []string{"%"}, Special: true},
	}
	out := FromRules(rules)
	if len(out) != 3 { // r1 contributes 2, r2-special contributes 1
		t.Fatalf("expected 3 flattened targets, got %d", len(out))
	}
	var foundSpecial bool
	for _, rt := range out {
		if rt.RuleName == "r2-special" {
			foundSpecial = true
			if rt.SpecialRank != 1 {
				t.Fatalf("special rule should have SpecialRank 1, got %d", rt.SpecialRank)
			}
		}
		if rt.Rule == store.RuleID(1) && rt.RuleName != "r1" {
			t.Fatalf("rule id/name mismatch: %+v", rt)
		}
	}
	if !foundSpecial {
		t.Fatalf("expected to find r2-special in flattened output")
	}
}
