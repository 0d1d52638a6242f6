package workflow

import "fmt"

// Define creates a workflow from steps with explicit dependencies.
// Steps without After() calls have no dependencies and can run immediately.
// Panics if validation fails (cycles, duplicates, missing deps).
func Define(name string, steps ...ConfiguredStep) *WorkflowDef {
	if len(steps) == 0 {
		panic("workflow: Define requires at least one step")
	}

	// Build step map for validation
	stepMap := make(map[string]ConfiguredStep)
	for _, s := range steps {
		stepName := s.Name()
		if _, exists := stepMap[stepName]; exists {
			panic(fmt.Sprintf("workflow: duplicate step name %q", stepName))
		}
		stepMap[stepName] = s
	}

	// Validate all dependencies exist
	for _, s := range steps {
		for _, dep := range s.Dependencies() {
			if _, exists := stepMap[dep]; !exists {
				panic(fmt.Sprintf("workflow: step %q depends on unknown step %q", s.Name(), dep))
			}
		}
	}

	// Validate branch steps are executable
	for _, s := range steps {
		branch, ok := s.step.(*Branch)
		if !ok {
			continue
		}
		for caseName, caseStep := range branch.cases {
			if _, ok := caseStep.(executableStep); !ok {
				panic(fmt.Sprintf("workflow: branch %q case %q step must be executable", branch.name, caseName))
			}
		}
		if branch.defaultStep != nil {
			if _, ok := branch.defaultStep.(executableStep); !ok {
				panic(fmt.Sprintf("workflow: branch %q default step must be executable", branch.name))
			}
		}
	}

	// Detect cycles using Kahn's algorithm (topological sort)
	order, err := topologicalSort(steps)
	if err != nil {
		panic(fmt.Sprintf("workflow: %v", err))
	}

	// ConfiguredStep satisfies StepNode directly, so the sorted node list
	// holds the configured steps themselves.
	nodeMap := make(map[string]StepNode, len(steps))
	for _, s := range steps {
		nodeMap[s.Name()] = s
	}

	sortedNodes := make([]StepNode, len(order))
	indexByName := make(map[string]int, len(order))
	for i, name := range order {
		sortedNodes[i] = nodeMap[name]
		indexByName[name] = i
	}

	return &WorkflowDef{
		name:        name,
		version:     "1",
		steps:       sortedNodes,
		stepMap:     nodeMap,
		order:       order,
		indexByName: indexByName,
	}
}

// topologicalSort performs Kahn's algorithm to get topological order.
// Returns an error if cycles are detected.
func topologicalSort(steps []ConfiguredStep) ([]string, error) {
	// Build adjacency list and in-degree map
	inDegree := make(map[string]int)
	dependents := make(map[string][]string) // step -> steps that depend on it

	// Initialize all steps with 0 in-degree
	for _, s := range steps {
		inDegree[s.Name()] = 0
	}

	// Calculate in-degrees
	for _, s := range steps {
		name := s.Name()
		deps := s.Dependencies()
		inDegree[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Find all nodes with no incoming edges
	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	// Process nodes
	var order []string
	for len(queue) > 0 {
		// Pop from queue
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		// Reduce in-degree of dependents
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	// If we didn't process all nodes, there's a cycle
	if len(order) != len(steps) {
		// Find nodes in cycle (those with remaining in-degree > 0)
		var cycleNodes []string
		for name, degree := range inDegree {
			if degree > 0 {
				cycleNodes = append(cycleNodes, name)
			}
		}
		return nil, fmt.Errorf("cycle detected involving steps: %v", cycleNodes)
	}

	return order, nil
}

// DAG represents the workflow dependency graph for visualization.
type DAG struct {
	nodes map[string]*DAGNode
	order []string
}

// DAGNode represents a node in the DAG.
type DAGNode struct {
	Name   string   // Step name
	DepsOn []string // Steps this depends on
	Blocks []string // Steps that depend on this
}

// Graph returns the workflow structure for visualization.
func (w *WorkflowDef) Graph() *DAG {
	nodes := make(map[string]*DAGNode)

	// Initialize all nodes
	for _, step := range w.steps {
		nodes[step.Name()] = &DAGNode{
			Name:   step.Name(),
			DepsOn: step.Dependencies(),
			Blocks: []string{},
		}
	}

	// Build reverse dependencies (who blocks whom)
	for _, step := range w.steps {
		for _, dep := range step.Dependencies() {
			nodes[dep].Blocks = append(nodes[dep].Blocks, step.Name())
		}
	}

	return &DAG{
		nodes: nodes,
		order: w.order,
	}
}

// Nodes returns all DAG nodes.
func (d *DAG) Nodes() map[string]*DAGNode {
	return d.nodes
}

// Order returns the topological order of step names.
func (d *DAG) Order() []string {
	return d.order
}

// GetNode returns a node by name.
func (d *DAG) GetNode(name string) (*DAGNode, bool) {
	node, ok := d.nodes[name]
	return node, ok
}

// StepDef represents a step definition for export/visualization.
type StepDef struct {
	Name         string    `json:"name"`
	Dependencies []string  `json:"dependencies"`
	IsBranch     bool      `json:"isBranch"`
	BranchCases  []CaseDef `json:"branchCases,omitempty"`
}

// CaseDef represents a branch case definition.
type CaseDef struct {
	Value     string `json:"value"`     // Case value (e.g., "approve", "escalate")
	StepName  string `json:"stepName"`  // Step executed for this case
	IsDefault bool   `json:"isDefault"` // True if this is the default case
}

// GetStepDefs returns step definitions for all steps in the workflow.
// This includes branch case information for visualization.
func (w *WorkflowDef) GetStepDefs() []StepDef {
	defs := make([]StepDef, 0, len(w.steps))

	for _, step := range w.steps {
		def := StepDef{
			Name:         step.Name(),
			Dependencies: step.Dependencies(),
		}

		if branch := branchFromNode(step); branch != nil {
			def.IsBranch = true
			def.BranchCases = make([]CaseDef, 0)

			// Add all cases
			for value, caseStep := range branch.cases {
				def.BranchCases = append(def.BranchCases, CaseDef{
					Value:    value,
					StepName: caseStep.Name(),
				})
			}

			// Add default case if present
			if branch.defaultStep != nil {
				def.BranchCases = append(def.BranchCases, CaseDef{
					Value:     "default",
					StepName:  branch.defaultStep.Name(),
					IsDefault: true,
				})
			}
		}

		defs = append(defs, def)
	}

	return defs
}

// branchFromNode unwraps a StepNode to its Branch, or nil if the node is
// not a branch.
func branchFromNode(step StepNode) *Branch {
	configured, ok := step.(ConfiguredStep)
	if !ok {
		return nil
	}
	branch, ok := configured.step.(*Branch)
	if !ok {
		return nil
	}
	return branch
}
