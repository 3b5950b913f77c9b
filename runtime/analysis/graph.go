// Package analysis builds and executes the chain-of-analysis: a directed
// acyclic graph of perspectives, each an independent analytical angle on the
// research goal. A perspective declares the evidence UIDs it consumes and,
// optionally, other perspectives whose outputs it depends on. Execution
// respects the dependency partial order, runs independent perspectives
// concurrently, and holds every narrative to the citation discipline that it
// may reference only the UIDs in its own input set.
package analysis

import (
	"errors"
	"fmt"
)

// Status tracks a perspective through its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrCyclicDependency indicates the declared perspectives do not form a DAG.
// Structural: graph construction fails and the stage aborts.
var ErrCyclicDependency = errors.New("analysis: cyclic dependency")

// ErrUnknownDependency indicates a perspective depends on an undeclared
// perspective ID.
var ErrUnknownDependency = errors.New("analysis: unknown dependency")

// ErrDuplicateID indicates two perspectives share an ID.
var ErrDuplicateID = errors.New("analysis: duplicate perspective id")

type (
	// Spec declares one perspective before execution.
	Spec struct {
		// ID names the perspective (e.g. "profitability").
		ID string `json:"id"`
		// Focus is the analytical angle in prose.
		Focus string `json:"focus"`
		// InputUIDs are the evidence artifacts this perspective may read and
		// cite.
		InputUIDs []string `json:"input_uids"`
		// DependsOn lists perspective IDs whose outputs feed this one. Their
		// output UIDs join the input set at execution time.
		DependsOn []string `json:"depends_on,omitempty"`
	}

	// Perspective is the execution record of one node.
	Perspective struct {
		Spec
		// OutputUIDs are the artifacts this perspective produced. Empty when
		// the perspective failed.
		OutputUIDs []string `json:"output_uids,omitempty"`
		// Narrative is the synthesized analysis text, citing only input UIDs.
		Narrative string `json:"narrative,omitempty"`
		// NarrativeUID is the stored analysis-note artifact holding the
		// narrative.
		NarrativeUID string `json:"narrative_uid,omitempty"`
		// Status is the node's lifecycle state.
		Status Status `json:"status"`
		// Degraded marks a perspective that ran with placeholders for failed
		// dependencies.
		Degraded bool `json:"degraded,omitempty"`
		// FailureReason explains a failed status.
		FailureReason string `json:"failure_reason,omitempty"`
	}

	// Graph is a validated DAG of perspective specs scheduled in levels:
	// every spec in level n depends only on specs in levels < n, so specs
	// within a level execute concurrently.
	Graph struct {
		specs  map[string]Spec
		levels [][]string
	}
)

// BuildGraph validates the specs and computes the topological levels. It
// fails with ErrDuplicateID, ErrUnknownDependency, or ErrCyclicDependency.
func BuildGraph(specs []Spec) (*Graph, error) {
	byID := make(map[string]Spec, len(specs))
	for _, s := range specs {
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
		}
		byID[s.ID] = s
	}
	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, s := range specs {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, s.ID, dep)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Kahn's algorithm, collecting whole levels so the scheduler knows which
	// perspectives may run concurrently.
	var levels [][]string
	var frontier []string
	for _, s := range specs {
		if indegree[s.ID] == 0 {
			frontier = append(frontier, s.ID)
		}
	}
	scheduled := 0
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		scheduled += len(frontier)
		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	if scheduled != len(specs) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCyclicDependency, stuck)
	}
	return &Graph{specs: byID, levels: levels}, nil
}

// Levels returns the topological levels; specs within a level are mutually
// independent.
func (g *Graph) Levels() [][]string { return g.levels }

// Spec returns the declared spec for an ID.
func (g *Graph) Spec(id string) (Spec, bool) {
	s, ok := g.specs[id]
	return s, ok
}

// Len returns the number of perspectives in the graph.
func (g *Graph) Len() int { return len(g.specs) }
