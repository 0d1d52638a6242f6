package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Context provides access to workflow data and prior outputs.
// It embeds context.Context for cancellation and deadline support.
type Context interface {
	context.Context

	// RunID returns the current workflow run ID.
	RunID() string

	// WorkflowName returns the workflow name.
	WorkflowName() string
}

// GetInput retrieves the workflow input with type safety.
// Returns an error if the context doesn't support input access or if
// the input cannot be unmarshaled to type T.
func GetInput[T any](ctx Context) (T, error) {
	var zero T
	wctx, ok := ctx.(inputAccessor)
	if !ok {
		return zero, fmt.Errorf("workflow: context does not support input access")
	}

	raw := wctx.getInput()
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, fmt.Errorf("workflow: failed to unmarshal input: %w", err)
	}

	return result, nil
}

// MustInput retrieves the workflow input with type safety.
// Panics if the input cannot be converted to type T.
// Use GetInput for error handling instead of panics.
func MustInput[T any](ctx Context) T {
	result, err := GetInput[T](ctx)
	if err != nil {
		panic(err.Error())
	}
	return result
}

// inputAccessor is an internal interface for retrieving workflow input.
type inputAccessor interface {
	getInput() json.RawMessage
}

// parentRunIDAccessor is an internal interface for accessing parent run ID.
type parentRunIDAccessor interface {
	getParentRunID() string
}

// ParentRunID returns the parent workflow run ID if this is a child workflow.
// Returns ("", false) for root workflows.
func ParentRunID(ctx Context) (string, bool) {
	accessor, ok := ctx.(parentRunIDAccessor)
	if !ok {
		return "", false
	}
	parentID := accessor.getParentRunID()
	if parentID == "" {
		return "", false
	}
	return parentID, true
}
