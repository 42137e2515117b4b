package runtime

import (
	"fmt"
	"strings"
)

// DAGBuilder builds a directed acyclic graph (DAG) from jobs.
// It performs topological sorting and assigns execution levels so that
// independent jobs, e.g. the volume points of an equation of state, run in
// parallel.
type DAGBuilder struct {
	// jobs maps job IDs to their jobs
	jobs map[string]*Job

	// adjacencyList maps job IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps job IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to job IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		jobs:                 make(map[string]*Job),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs a job graph from the run's jobs.
// It validates dependencies, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(jobs []*Job) (*JobGraph, error) {
	if len(jobs) == 0 {
		return &JobGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(jobs); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildJobGraph(), nil
}

// initialize sets up the internal data structures from jobs.
func (b *DAGBuilder) initialize(jobs []*Job) error {
	// First pass: index all jobs
	for _, job := range jobs {
		if job.ID == "" {
			return NewPermanentError("job has empty ID", nil).
				WithCode(ErrCodeValidation)
		}

		if _, exists := b.jobs[job.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate job ID: %s", job.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.jobs[job.ID] = job
		b.adjacencyList[job.ID] = make([]string, 0)
		b.reverseAdjacencyList[job.ID] = make([]string, 0)
		b.inDegree[job.ID] = 0
	}

	// Second pass: build adjacency lists and validate dependencies
	for _, job := range b.jobs {
		for _, dep := range job.Dependencies {
			targetID := dep.TargetID

			if _, exists := b.jobs[targetID]; !exists {
				return NewPermanentError(
					fmt.Sprintf("job %s depends on non-existent job %s", job.ID, targetID),
					nil,
				).WithCode(ErrCodeValidation).WithResource(job.ID)
			}

			// Edge runs from dependency to job: the dependency must
			// complete before the job can start.
			b.adjacencyList[targetID] = append(b.adjacencyList[targetID], job.ID)
			b.reverseAdjacencyList[job.ID] = append(b.reverseAdjacencyList[job.ID], targetID)
			b.inDegree[job.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for id := range b.jobs {
		if !visited[id] {
			if cycle, err := b.detectCyclesUtil(id, visited, recStack, path); err != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					err,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			// Found a cycle, construct the cycle path
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[nodeID] = false
	return nil, nil
}

// computeLevels assigns execution levels to each job using topological sort.
// Jobs at the same level can be executed in parallel.
func (b *DAGBuilder) computeLevels() error {
	// Kahn's algorithm with level tracking
	inDegreeCopy := make(map[string]int)
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.jobs) > 0 {
		return NewPermanentError("no root jobs found - all jobs have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	// Should never trip if cycle detection worked
	if processedCount != len(b.jobs) {
		return NewPermanentError("failed to process all jobs - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildJobGraph creates the final JobGraph structure.
func (b *DAGBuilder) buildJobGraph() *JobGraph {
	graph := &JobGraph{
		Nodes: make(map[string]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, jobIDs := range b.levels {
		for _, jobID := range jobIDs {
			job := b.jobs[jobID]
			node := &GraphNode{
				ID:           jobID,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[jobID],
				Dependents:   b.adjacencyList[jobID],
			}
			graph.Nodes[jobID] = node

			job.ExecutionOrder = level

			if level == 0 {
				graph.Roots = append(graph.Roots, jobID)
			}
		}
	}

	for _, job := range b.jobs {
		for _, dep := range job.Dependencies {
			edge := GraphEdge{
				From: dep.TargetID,
				To:   job.ID,
				Type: dep.Type,
			}
			graph.Edges = append(graph.Edges, edge)
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
// Each level contains job IDs that can be executed in parallel.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph JobGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, jobIDs := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, jobID := range jobIDs {
			job := b.jobs[jobID]
			label := job.Name
			if label == "" {
				label = jobID
			}
			if job.Builder != nil {
				label = fmt.Sprintf("%s\\n%s", label, job.Builder.Process)
			}

			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				jobID, label, getStatusColor(job.Status)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, job := range b.jobs {
		for _, dep := range job.Dependencies {
			style := getDependencyStyle(dep.Type)
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
				dep.TargetID, job.ID, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getStatusColor returns a color for visualizing job statuses.
func getStatusColor(status JobStatus) string {
	switch status {
	case JobStatusSucceeded:
		return "lightgreen"
	case JobStatusRunning:
		return "lightblue"
	case JobStatusFailed:
		return "lightcoral"
	case JobStatusSkipped, JobStatusCancelled:
		return "lightgray"
	default:
		return "white"
	}
}

// getDependencyStyle returns a DOT style string for dependency types.
func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyRequire:
		return "style=solid, color=black"
	case DependencyOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *JobGraph) error {
	if len(graph.Nodes) != len(b.jobs) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		node := graph.Nodes[rootID]
		if len(node.Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
