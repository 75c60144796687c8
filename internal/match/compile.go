package match

import (
	"github.com/gomake/gomake/internal/config"
	"github.com/gomake/gomake/internal/store"
)

// FromRules flattens the current rule set (as loaded by internal/config,
// the "function that returns a list of rule descriptors" the spec treats
// as an external collaborator) into the RuleTarget list Compile expects.
// Internal special rules (sources, anti-targets, per §3 Source/anti nodes)
// get SpecialRank 1 so they sort ahead of ordinary rules of the same
// priority; anti-rules keep rank 0 and are ranked first through IsAnti
// (§4.B).
func FromRules(rules []config.Rule) []RuleTarget {
	var out []RuleTarget
	for _, r := range rules {
		rank := 0
		if r.Special {
			rank = 1
		}
		for i, pattern := range r.Targets {
			out = append(out, RuleTarget{
				Rule:        store.RuleID(r.ID),
				RuleName:    r.Name,
				TargetIndex: uint32(i),
				Pattern:     pattern,
				Priority:    r.Priority,
				IsAnti:      r.IsAnti,
				SpecialRank: rank,
			})
		}
	}
	return out
}
