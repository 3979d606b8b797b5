package graph

import "github.com/swarmforge/taskcore/internal/model"

// CPMResult holds the forward/backward pass output of the critical path
// method over the hard-edge DAG.
type CPMResult struct {
	EarlyStart  map[string]int64
	EarlyFinish map[string]int64
	LateStart   map[string]int64
	LateFinish  map[string]int64
	CriticalSet map[string]bool
	ProjectFinish int64
	Bottlenecks []string
}

const cpmEpsilon = 1 // milliseconds; ES/LS equality tolerance

// CriticalPath computes ES/EF via a forward pass and LS/LF via a backward
// pass over a topological order, per §4.2. Requires the graph to be
// acyclic on hard edges (TopologicalSort must succeed).
func (g *Graph) CriticalPath() (CPMResult, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return CPMResult{}, err
	}

	res := CPMResult{
		EarlyStart:  map[string]int64{},
		EarlyFinish: map[string]int64{},
		LateStart:   map[string]int64{},
		LateFinish:  map[string]int64{},
		CriticalSet: map[string]bool{},
	}

	// Forward pass: ES(n) = max over hard predecessors of EF(p); EF(n) = ES(n) + effort(n).
	for _, id := range order {
		var es int64
		for _, pred := range g.HardDependencies(id) {
			if ef := res.EarlyFinish[pred]; ef > es {
				es = ef
			}
		}
		res.EarlyStart[id] = es
		res.EarlyFinish[id] = es + g.Effort(id)
		if res.EarlyFinish[id] > res.ProjectFinish {
			res.ProjectFinish = res.EarlyFinish[id]
		}
	}

	// Backward pass, in reverse topological order: LF(n) = min over hard
	// successors of LS(s), or ProjectFinish if none; LS(n) = LF(n) - effort(n).
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		succs := g.Dependents(id)
		var lf int64 = -1
		for _, s := range succs {
			if !g.isHardEdge(id, s) {
				continue
			}
			ls := res.LateStart[s]
			if lf == -1 || ls < lf {
				lf = ls
			}
		}
		if lf == -1 {
			lf = res.ProjectFinish
		}
		res.LateFinish[id] = lf
		res.LateStart[id] = lf - g.Effort(id)
	}

	var totalEffort, count int64
	for _, id := range order {
		diff := res.EarlyStart[id] - res.LateStart[id]
		if diff < 0 {
			diff = -diff
		}
		if diff < cpmEpsilon {
			res.CriticalSet[id] = true
		}
		totalEffort += g.Effort(id)
		count++
	}

	if count > 0 {
		avg := float64(totalEffort) / float64(count)
		for id := range res.CriticalSet {
			if float64(g.Effort(id)) > 1.5*avg {
				res.Bottlenecks = append(res.Bottlenecks, id)
			}
		}
	}

	return res, nil
}

// isHardEdge reports whether from->to exists and is a hard edge.
func (g *Graph) isHardEdge(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.fwd[from][to]
	return ok && s == model.EdgeHard
}

// ParallelGroups partitions hard-edge-reachable nodes into BFS levels:
// level(n) = 1 + max(level(predecessors)); nodes sharing a level have no
// hard-edge relationship and are safe to run concurrently.
func (g *Graph) ParallelGroups() ([][]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	level := map[string]int{}
	maxLevel := 0
	for _, id := range order {
		lv := 0
		for _, pred := range g.HardDependencies(id) {
			if level[pred]+1 > lv {
				lv = level[pred] + 1
			}
		}
		level[id] = lv
		if lv > maxLevel {
			maxLevel = lv
		}
	}
	groups := make([][]string, maxLevel+1)
	for _, id := range order {
		lv := level[id]
		groups[lv] = append(groups[lv], id)
	}
	return groups, nil
}
