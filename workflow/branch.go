package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Branch is a conditional step: a selector picks one case step to run.
// The first execution records the choice as an event, so replay takes
// the same path even if the selector's inputs have since changed.
type Branch struct {
	name        string
	selector    func(Context) string
	cases       map[string]AnyStep
	defaultStep AnyStep
	deps        []AnyStep
}

// NewBranch builds a branch around a selector. The selector must be
// deterministic over step outputs and workflow input; it runs at most
// once per run.
func NewBranch(name string, selector func(Context) string) *Branch {
	return &Branch{
		name:     name,
		selector: selector,
		cases:    make(map[string]AnyStep),
	}
}

func (b *Branch) Name() string { return b.name }

// Config satisfies AnyStep. A branch carries no step configuration of
// its own; the case steps keep theirs.
func (b *Branch) Config() StepConfig { return StepConfig{} }

// Case maps one selector value to a step. Executability of the step is
// checked at Define time.
func (b *Branch) Case(value string, step AnyStep) *Branch {
	b.cases[value] = step
	return b
}

// Default sets the step taken when no case matches.
func (b *Branch) Default(step AnyStep) *Branch {
	b.defaultStep = step
	return b
}

// After declares the branch's dependencies for Define.
func (b *Branch) After(deps ...AnyStep) ConfiguredStep {
	b.deps = deps
	return ConfiguredStep{step: b, deps: deps}
}

// GetCaseStepName resolves which step a choice would run, falling back
// to the default case. Empty when neither exists.
func (b *Branch) GetCaseStepName(choice string) string {
	if step, ok := b.cases[choice]; ok {
		return step.Name()
	}
	if b.defaultStep != nil {
		return b.defaultStep.Name()
	}
	return ""
}

// branchExecutor is what the execution context must provide so a branch
// can read a recorded choice and record a fresh one.
type branchExecutor interface {
	getBranchChoice(branchName string) (string, bool)
	recordBranchChoice(branchName, choice string)
}

// Execute resolves the choice (recorded on replay, selector on first
// run) and runs the chosen case step.
func (b *Branch) Execute(ctx context.Context, wctx Context) (any, error) {
	executor, ok := wctx.(branchExecutor)
	if !ok {
		return nil, fmt.Errorf("branch %q: context does not support branch execution", b.name)
	}

	choice, recorded := executor.getBranchChoice(b.name)
	if !recorded {
		choice = b.selector(wctx)
		executor.recordBranchChoice(b.name, choice)
	}

	step := b.cases[choice]
	if step == nil {
		step = b.defaultStep
	}
	if step == nil {
		return nil, fmt.Errorf("branch %q: no case for %q and no default", b.name, choice)
	}

	// Define validates executability, but a branch built outside Define
	// could still carry a bare AnyStep.
	exec, ok := step.(executableStep)
	if !ok {
		return nil, fmt.Errorf("branch %q case %q: step %q is not executable", b.name, choice, step.Name())
	}

	output, err := exec.Execute(ctx, wctx)
	if err != nil {
		return nil, fmt.Errorf("branch %q case %q: %w", b.name, choice, err)
	}
	return output, nil
}

// branchOutputAccessor exposes recorded branch choices to readers.
type branchOutputAccessor interface {
	getBranchChoice(branchName string) (string, bool)
}

// BranchOutput reads the output of whichever case a branch took.
// False when the branch has not executed, the choice resolves to no
// step, or the recorded output does not decode as T.
func BranchOutput[T any](ctx Context, branch *Branch) (T, bool) {
	var zero T

	chooser, ok := ctx.(branchOutputAccessor)
	if !ok {
		return zero, false
	}
	choice, found := chooser.getBranchChoice(branch.name)
	if !found {
		return zero, false
	}

	step := branch.cases[choice]
	if step == nil {
		step = branch.defaultStep
	}
	if step == nil {
		return zero, false
	}

	outputs, ok := ctx.(outputAccessor)
	if !ok {
		return zero, false
	}
	raw, found := outputs.getOutput(step.Name())
	if !found {
		return zero, false
	}

	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, false
	}
	return result, true
}
