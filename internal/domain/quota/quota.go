// Package quota defines per-requester resource quota policy.
package quota

// Quota constrains how much concurrent work a single requester may spawn.
// Read-only at steady state; updated only by an administrative command.
type Quota struct {
	RequesterKey         string `json:"requester_key" yaml:"requester_key"`
	MaxConcurrentAgents  int    `json:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	MaxSpawnDepth        int    `json:"max_spawn_depth" yaml:"max_spawn_depth"`
	MaxChildrenPerParent int    `json:"max_children_per_parent" yaml:"max_children_per_parent"`
	APICallsPerMinute    int    `json:"api_calls_per_minute" yaml:"api_calls_per_minute"`
}

// Merge returns a new Quota where non-zero fields from override replace base.
func Merge(base, override Quota) Quota {
	out := base
	if override.MaxConcurrentAgents > 0 {
		out.MaxConcurrentAgents = override.MaxConcurrentAgents
	}
	if override.MaxSpawnDepth > 0 {
		out.MaxSpawnDepth = override.MaxSpawnDepth
	}
	if override.MaxChildrenPerParent > 0 {
		out.MaxChildrenPerParent = override.MaxChildrenPerParent
	}
	if override.APICallsPerMinute > 0 {
		out.APICallsPerMinute = override.APICallsPerMinute
	}
	return out
}

// Defaults returns the quota applied to requesters without an explicit policy.
func Defaults() Quota {
	return Quota{
		MaxConcurrentAgents:  10,
		MaxSpawnDepth:        3,
		MaxChildrenPerParent: 5,
		APICallsPerMinute:    60,
	}
}
