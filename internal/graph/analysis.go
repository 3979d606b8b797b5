package graph

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/swarmforge/taskcore/internal/corerr"
)

// idIndex maps task ids to/from the int64 node ids gonum's graph package
// requires, and back.
type idIndex struct {
	toNode map[string]int64
	toID   map[int64]string
}

func newIDIndex(ids []string) *idIndex {
	idx := &idIndex{toNode: make(map[string]int64, len(ids)), toID: make(map[int64]string, len(ids))}
	for i, id := range ids {
		n := int64(i)
		idx.toNode[id] = n
		idx.toID[n] = id
	}
	return idx
}

// buildDirected builds a gonum simple.DirectedGraph from the hard-edge
// subgraph, returning the graph and the id index used to translate back.
func (g *Graph) buildDirected() (*simple.DirectedGraph, *idIndex) {
	ids, edges := g.snapshotHardEdges()
	idx := newIDIndex(ids)
	dg := simple.NewDirectedGraph()
	for _, id := range ids {
		dg.AddNode(simple.Node(idx.toNode[id]))
	}
	for _, e := range edges {
		dg.SetEdge(simple.Edge{F: simple.Node(idx.toNode[e.From]), T: simple.Node(idx.toNode[e.To])})
	}
	return dg, idx
}

// SCC is a strongly-connected component of size >= 2 within the hard-edge
// graph, i.e. a genuine cycle, plus its internal edges ranked as
// candidate breaking points.
type SCC struct {
	Nodes         []string
	InternalEdges []Edge
	BreakingPoints []Edge // InternalEdges sorted by descending removal cost
}

// ValidationReport is the result of validateGraph(): errors block
// scheduling, warnings do not.
type ValidationReport struct {
	Errors   []string
	Warnings []string
	Cycles   []SCC
}

// DetectCycles runs Tarjan's SCC algorithm (gonum's topo.TarjanSCC) over the
// hard-edge subgraph and returns every non-trivial component.
func (g *Graph) DetectCycles() []SCC {
	dg, idx := g.buildDirected()
	components := topo.TarjanSCC(dg)

	var out []SCC
	for _, comp := range components {
		if len(comp) < 2 {
			continue
		}
		ids := make([]string, 0, len(comp))
		inComp := map[int64]bool{}
		for _, n := range comp {
			inComp[n.ID()] = true
			ids = append(ids, idx.toID[n.ID()])
		}
		sort.Strings(ids)

		var internal []Edge
		g.mu.RLock()
		for u, outs := range g.fwd {
			uid, ok := idx.toNode[u]
			if !ok || !inComp[uid] {
				continue
			}
			for v, s := range outs {
				vid, ok := idx.toNode[v]
				if !ok || !inComp[vid] {
					continue
				}
				internal = append(internal, Edge{From: u, To: v, Strength: s})
			}
		}
		g.mu.RUnlock()

		breaking := append([]Edge(nil), internal...)
		sort.Slice(breaking, func(i, j int) bool {
			ci, cj := breakingPointCost(breaking[i].Strength), breakingPointCost(breaking[j].Strength)
			if ci != cj {
				return ci > cj
			}
			if breaking[i].From != breaking[j].From {
				return breaking[i].From < breaking[j].From
			}
			return breaking[i].To < breaking[j].To
		})

		out = append(out, SCC{Nodes: ids, InternalEdges: internal, BreakingPoints: breaking})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nodes[0] < out[j].Nodes[0] })
	return out
}

// TopologicalSort runs Kahn's algorithm (via gonum's topo.Sort) over the
// hard-edge subgraph and returns a valid linear extension, or a
// precondition error naming the offending cycle if one exists.
//
// The ordering is cross-checked against github.com/gammazero/toposort's
// edge-list formulation as a second, independently-implemented pass; any
// divergence between the two indicates a bug in the adjacency snapshot
// rather than a legitimate cycle, since both run over the same edge set.
func (g *Graph) TopologicalSort() ([]string, error) {
	dg, idx := g.buildDirected()
	ordered, err := topo.Sort(dg)
	if err != nil {
		sccs := g.DetectCycles()
		if len(sccs) > 0 {
			return nil, corerr.New(corerr.KindPrecondition, "hard-dependency cycle detected").WithCycle(sccs[0].Nodes)
		}
		return nil, corerr.Wrap(corerr.KindInternal, "topological sort failed with no detected cycle", err)
	}

	out := make([]string, 0, len(ordered))
	for _, n := range ordered {
		out = append(out, idx.toID[n.ID()])
	}

	if err := g.crossCheckOrder(out); err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "topo-sort cross-check failed", err)
	}
	return out, nil
}

// crossCheckOrder re-derives an order with gammazero/toposort and asserts
// it agrees on precedence with order (same partial order, not necessarily
// an identical permutation when there are ties).
func (g *Graph) crossCheckOrder(order []string) error {
	ids, edges := g.snapshotHardEdges()
	tsEdges := make([]toposort.Edge, 0, len(edges)+len(ids))
	hasIncoming := map[string]bool{}
	for _, e := range edges {
		tsEdges = append(tsEdges, toposort.Edge{e.From, e.To})
		hasIncoming[e.To] = true
	}
	for _, id := range ids {
		if !hasIncoming[id] {
			tsEdges = append(tsEdges, toposort.Edge{nil, id})
		}
	}
	if _, err := toposort.Toposort(tsEdges); err != nil {
		return fmt.Errorf("gammazero/toposort disagreed: %w", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range edges {
		if pos[e.From] >= pos[e.To] {
			return fmt.Errorf("edge %s->%s violates computed order", e.From, e.To)
		}
	}
	return nil
}

// ValidateGraph checks the graph for structural problems: circular hard
// dependencies (error), dangling edges (error), orphaned nodes (warning),
// excessive fan-in (warning, threshold 10), and very long chains (warning,
// more than 50 parallel-group levels deep).
func (g *Graph) ValidateGraph() ValidationReport {
	var report ValidationReport

	cycles := g.DetectCycles()
	report.Cycles = cycles
	for _, c := range cycles {
		report.Errors = append(report.Errors, fmt.Sprintf("hard-dependency cycle among %v", c.Nodes))
	}

	g.mu.RLock()
	for id := range g.nodes {
		if len(g.fwd[id]) == 0 && len(g.rev[id]) == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("orphaned node %q has no edges", id))
		}
		if len(g.rev[id]) > 10 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("node %q has excessive fan-in (%d)", id, len(g.rev[id])))
		}
	}
	for from, tos := range g.fwd {
		for to := range tos {
			_, fromOK := g.nodes[from]
			_, toOK := g.nodes[to]
			if !fromOK || !toOK {
				report.Errors = append(report.Errors, fmt.Sprintf("dangling edge %s->%s references an unknown node", from, to))
			}
		}
	}
	g.mu.RUnlock()

	if groups, err := g.ParallelGroups(); err == nil && len(groups) > 50 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("dependency chain spans %d levels", len(groups)))
	}

	sort.Strings(report.Errors)
	sort.Strings(report.Warnings)
	return report
}
