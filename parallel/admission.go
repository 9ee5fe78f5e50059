package parallel

import (
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// AdmissionPredicate decides whether candidate may start while the given scenarios are
// running on other workers.
type AdmissionPredicate func(candidate *types.Scenario, inProgress []*types.Scenario) bool

// AlwaysAdmit admits every scenario.
func AlwaysAdmit(*types.Scenario, []*types.Scenario) bool { return true }

// ExclusiveTags keeps scenarios sharing any of the given tags from running at the same time.
func ExclusiveTags(tags ...string) AdmissionPredicate {
	exclusive := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = types.NormalizeTag(t); t != "" {
			exclusive = append(exclusive, t)
		}
	}
	return func(candidate *types.Scenario, inProgress []*types.Scenario) bool {
		for _, tag := range exclusive {
			if !candidate.HasTag(tag) {
				continue
			}
			for _, running := range inProgress {
				if running.HasTag(tag) {
					return false
				}
			}
		}
		return true
	}
}
