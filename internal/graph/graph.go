// Package graph stores and analyzes the task dependency DAG: cycle
// detection (Tarjan SCC), topological ordering (Kahn), critical-path
// method, and BFS parallel-group discovery (component C, §4.2).
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/swarmforge/taskcore/internal/corerr"
	"github.com/swarmforge/taskcore/internal/model"
)

// Edge is one dependency arc from -> to (from must finish per strength's
// semantics before to is considered, when strength is Hard).
type Edge struct {
	From, To string
	Strength model.EdgeStrength
}

// breakingPointCost ranks candidate edges to remove from a cycle.
func breakingPointCost(s model.EdgeStrength) int {
	switch s {
	case model.EdgeHard:
		return 10
	case model.EdgeSoft:
		return 5
	default:
		return 1
	}
}

// node carries the scheduling-relevant attributes of a task, decoupled
// from the full model.Task so the graph package does not depend on
// scheduler internals.
type node struct {
	id       string
	effortMs int64
}

// Graph is a thread-safe directed graph over task ids with hard/soft/hint
// edges. It never mutates in place across an operation that would create
// a hard cycle; such mutations are rejected atomically.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
	// fwd[u][v] = strength of edge u->v (u must complete before v, for Hard)
	fwd map[string]map[string]model.EdgeStrength
	// rev[v][u] mirrors fwd for reverse lookups (dependents of u)
	rev map[string]map[string]model.EdgeStrength
}

// New constructs an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: map[string]*node{},
		fwd:   map[string]map[string]model.EdgeStrength{},
		rev:   map[string]map[string]model.EdgeStrength{},
	}
}

// AddNode registers a task id with its effort estimate, idempotently.
func (g *Graph) AddNode(id string, effortMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.effortMs = effortMs
		return
	}
	g.nodes[id] = &node{id: id, effortMs: effortMs}
	g.fwd[id] = map[string]model.EdgeStrength{}
	g.rev[id] = map[string]model.EdgeStrength{}
}

// RemoveNode deletes a task and all edges touching it.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for u := range g.fwd[id] {
		delete(g.rev[u], id)
	}
	for u := range g.rev[id] {
		delete(g.fwd[u], id)
	}
	delete(g.nodes, id)
	delete(g.fwd, id)
	delete(g.rev, id)
}

// AddEdge inserts a dependency edge from -> to (from gates to, when Hard).
// If strength is Hard and the edge would close a cycle across hard edges,
// the mutation is rejected atomically with a precondition error naming the
// cycle, and no state changes.
func (g *Graph) AddEdge(from, to string, strength model.EdgeStrength) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return corerr.New(corerr.KindValidation, fmt.Sprintf("unknown dependency id %q", from))
	}
	if _, ok := g.nodes[to]; !ok {
		return corerr.New(corerr.KindValidation, fmt.Sprintf("unknown task id %q", to))
	}
	if from == to {
		return corerr.New(corerr.KindValidation, fmt.Sprintf("task %q cannot depend on itself", from))
	}

	if strength == model.EdgeHard {
		if cycle := g.wouldCreateHardCycle(from, to); cycle != nil {
			return corerr.New(corerr.KindPrecondition, "adding this edge would create a hard dependency cycle").WithCycle(cycle)
		}
	}

	g.fwd[from][to] = strength
	g.rev[to][from] = strength
	return nil
}

// RemoveEdge deletes the edge from -> to, if present.
func (g *Graph) RemoveEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.fwd[from], to)
	delete(g.rev[to], from)
}

// wouldCreateHardCycle reports, without mutating state, whether adding a
// hard edge from->to would close a cycle on hard edges only; if so it
// returns the cycle as a node-id path ending back at from.
func (g *Graph) wouldCreateHardCycle(from, to string) []string {
	// A hard edge from->to closes a cycle iff `from` is already reachable
	// from `to` via existing hard edges.
	visited := map[string]bool{}
	var path []string
	var dfs func(cur string) bool
	dfs = func(cur string) bool {
		if cur == from {
			path = append(path, cur)
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		for next, s := range g.fwd[cur] {
			if s != model.EdgeHard {
				continue
			}
			if dfs(next) {
				path = append(path, cur)
				return true
			}
		}
		return false
	}
	if dfs(to) {
		// path lists from..to (built while unwinding); reversed it reads
		// to->...->from, and prefixing from gives from->to->...->from.
		rev := make([]string, len(path))
		for i, v := range path {
			rev[len(path)-1-i] = v
		}
		return append([]string{from}, rev...)
	}
	return nil
}

// Dependencies returns the ids that id directly depends on through edges
// of exactly the given strength, sorted.
func (g *Graph) Dependencies(id string, strength model.EdgeStrength) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for dep, s := range g.rev[id] {
		if s == strength {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

// HardDependencies returns ids that id must wait on.
func (g *Graph) HardDependencies(id string) []string { return g.Dependencies(id, model.EdgeHard) }

// Dependents returns ids that directly depend on id, across all strengths.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.fwd[id]))
	for dep := range g.fwd[id] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// TransitiveDependents returns the full set of ids reachable by following
// forward edges (of any strength) from id — used by the priority formula's
// dependency-impact factor.
func (g *Graph) TransitiveDependents(id string) map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{}
	var dfs func(string)
	dfs = func(cur string) {
		for next := range g.fwd[cur] {
			if !seen[next] {
				seen[next] = true
				dfs(next)
			}
		}
	}
	dfs(id)
	return seen
}

// HardDependenciesSatisfied reports whether every hard dependency of id is
// in the completed set.
func (g *Graph) HardDependenciesSatisfied(id string, completed map[string]bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for dep, s := range g.rev[id] {
		if s == model.EdgeHard && !completed[dep] {
			return false
		}
	}
	return true
}

// Effort returns the estimated effort of id, or 0 if unknown.
func (g *Graph) Effort(id string) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.effortMs
	}
	return 0
}

// NodeIDs returns a stable-sorted snapshot of all node ids.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// snapshotHardEdges returns a copy of the hard-edge-only adjacency, used by
// the gonum-backed analyses which must not observe concurrent mutation.
func (g *Graph) snapshotHardEdges() (ids []string, edges []Edge) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids = make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for u, outs := range g.fwd {
		for v, s := range outs {
			if s == model.EdgeHard {
				edges = append(edges, Edge{From: u, To: v, Strength: s})
			}
		}
	}
	return ids, edges
}
