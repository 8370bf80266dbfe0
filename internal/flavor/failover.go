package flavor

import "fmt"

// ChainResult is the verdict of validating a failover chain.
type ChainResult struct {
	Valid  bool     `json:"is_valid"`
	Chain  []string `json:"chain"`
	Depth  int      `json:"depth"`
	Reason string   `json:"reason,omitempty"`
}

// ChainHop is one flavor along a failover chain.
type ChainHop struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Chain is the display/audit form of a failover walk.
type Chain struct {
	Flavors  []ChainHop `json:"flavors"`
	HasCycle bool       `json:"has_cycle"`
	Depth    int        `json:"depth"`
}

// ValidateFailoverChain checks the chain that would result from setting
// fromID's failover target to targetID. Self-reference is refused outright;
// revisiting any id within maxDepth hops rejects the configuration as
// cyclic, with the partial chain returned for diagnostics. A dead-end
// reference terminates the walk normally. This runs whenever a failover
// target is set (registry load), so execution never discovers a cycle.
func ValidateFailoverChain(store Store, fromID, targetID string, maxDepth int) ChainResult {
	if maxDepth <= 0 {
		maxDepth = defaultFailoverDepth
	}

	res := ChainResult{Chain: []string{nameOf(store, fromID)}}

	if targetID == fromID {
		res.Reason = "flavor cannot fail over to itself"
		return res
	}

	visited := map[string]bool{fromID: true}
	cur := targetID
	for depth := 1; depth <= maxDepth; depth++ {
		if visited[cur] {
			res.Depth = depth
			res.Reason = fmt.Sprintf("cycle detected at %q", nameOf(store, cur))
			return res
		}
		f, err := store.GetFlavor(cur)
		if err != nil {
			// Dead end: the chain simply stops here.
			res.Valid = true
			res.Depth = depth - 1
			return res
		}
		visited[cur] = true
		res.Chain = append(res.Chain, f.Name)
		res.Depth = depth
		if f.FailoverFlavorID == "" {
			res.Valid = true
			return res
		}
		cur = f.FailoverFlavorID
	}

	// Depth bound reached without a revisit.
	res.Valid = true
	return res
}

// FailoverChain walks the failover chain from startID for display. It never
// fails on a cycle; it flags HasCycle and stops instead. The walk is bounded
// by maxDepth hops.
func FailoverChain(store Store, startID string, maxDepth int) (Chain, error) {
	start, err := store.GetFlavor(startID)
	if err != nil {
		return Chain{}, err
	}
	if maxDepth <= 0 {
		maxDepth = start.MaxFailoverDepth
	}

	chain := Chain{Flavors: []ChainHop{hopOf(start)}}
	visited := map[string]bool{startID: true}
	cur := start.FailoverFlavorID

	for depth := 1; cur != "" && depth <= maxDepth; depth++ {
		if visited[cur] {
			chain.HasCycle = true
			chain.Depth = depth
			return chain, nil
		}
		f, err := store.GetFlavor(cur)
		if err != nil {
			return chain, nil
		}
		visited[cur] = true
		chain.Flavors = append(chain.Flavors, hopOf(f))
		chain.Depth = depth
		cur = f.FailoverFlavorID
	}
	return chain, nil
}

// NextFailover returns the flavor to retry with after a classified error,
// or nil when failover does not apply: trigger for the class disabled,
// depth exhausted, or the target missing or inactive. depth is the number
// of failover hops already taken for this job.
func NextFailover(store Store, f *Flavor, errClass string, depth int) *Flavor {
	if f.FailoverFlavorID == "" || !f.Triggers.Enabled(errClass) {
		return nil
	}
	if depth >= f.MaxFailoverDepth {
		return nil
	}
	next, err := store.GetFlavor(f.FailoverFlavorID)
	if err != nil || !next.IsActive || next.ID == f.ID {
		return nil
	}
	return next
}

func nameOf(store Store, id string) string {
	if f, err := store.GetFlavor(id); err == nil {
		return f.Name
	}
	return id
}

func hopOf(f *Flavor) ChainHop {
	return ChainHop{ID: f.ID, Name: f.Name, IsActive: f.IsActive}
}
