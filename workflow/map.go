package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/event"
)

// MapOptions configures a fan-out. MaxConcurrency zero means unlimited.
type MapOptions struct {
	MaxConcurrency int
}

// Run executes a child workflow synchronously. The child gets its own
// run ID and event stream; on completion the stream is adopted into the
// parent's outgoing batch so both persist atomically. A replayed parent
// finds the child's recorded output and skips execution entirely.
func Run[In, Out any](ctx Context, wf *WorkflowDef, input In) (Out, error) {
	var zero Out

	replayer := getReplayerFromContext(ctx)
	if replayer == nil {
		return zero, fmt.Errorf("workflow.Run: no replayer in context")
	}

	childIndex := replayer.nextChildIndex()
	childRunID := fmt.Sprintf("%s-child-%d", ctx.RunID(), childIndex)

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("workflow.Run: marshal input: %w", err)
	}

	if output, ok := replayer.history.GetChildOutput(childRunID); ok {
		var result Out
		if err := json.Unmarshal(output, &result); err != nil {
			return zero, fmt.Errorf("workflow.Run: unmarshal child output: %w", err)
		}
		return result, nil
	}
	if errMsg, ok := replayer.history.GetChildError(childRunID); ok {
		return zero, fmt.Errorf("child workflow failed: %s", errMsg)
	}

	replayer.RecordChildSpawned(childRunID, wf.Name(), inputJSON)

	childReplayer := NewReplayer(ReplayerConfig{
		Workflow:        wf,
		RunID:           childRunID,
		Input:           input,
		Logger:          replayer.logger,
		Metadata:        childMetadata(replayer, ctx.RunID()),
		CancelRequested: replayer.config.CancelRequested,
	})

	output, err := childReplayer.Replay(ctx)
	if err != nil {
		replayer.RecordChildFailed(childRunID, err)
		return zero, fmt.Errorf("workflow.Run: child workflow error: %w", err)
	}
	if childErr := settleChild(replayer, childReplayer, childRunID, output); childErr != nil {
		return zero, fmt.Errorf("workflow.Run: %w", childErr)
	}

	var outputJSON json.RawMessage
	if output.FinalOutput != nil {
		outputJSON, err = json.Marshal(output.FinalOutput)
		if err != nil {
			return zero, fmt.Errorf("workflow.Run: marshal output: %w", err)
		}
	}
	replayer.RecordChildCompleted(childRunID, outputJSON)

	var result Out
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &result); err != nil {
			return zero, fmt.Errorf("workflow.Run: unmarshal output: %w", err)
		}
	}
	return result, nil
}

// settleChild folds a child replay outcome into the parent run. On any
// terminal outcome the child's event stream is adopted into the parent's
// outgoing batch. A suspended child (engine shutdown) is not recorded at
// all: its stream stays unwritten, so the rerun starts clean.
func settleChild(parent, child *Replayer, childRunID string, output *ReplayOutput) error {
	switch output.Result {
	case ReplayCompleted:
		parent.adoptChildEvents(child.Events())
		return nil

	case ReplaySuspended:
		if output.Error != nil {
			return fmt.Errorf("child workflow suspended: %w", output.Error)
		}
		return fmt.Errorf("child workflow suspended")

	case ReplayCancelled:
		// The child emitted its own workflow.cancelled event.
		parent.adoptChildEvents(child.Events())
		cancelErr := &activity.Error{Kind: activity.KindCancelled, Err: ErrWorkflowCancelled}
		parent.RecordChildFailed(childRunID, cancelErr)
		return fmt.Errorf("child workflow cancelled: %w", cancelErr)

	case ReplayWaiting:
		err := fmt.Errorf("child workflows cannot wait for signals")
		child.RecordWorkflowFailed(err, output.LastCompletedStep)
		parent.adoptChildEvents(child.Events())
		parent.RecordChildFailed(childRunID, err)
		return err

	default: // ReplayFailed
		child.RecordWorkflowFailed(output.Error, output.LastCompletedStep)
		parent.adoptChildEvents(child.Events())
		parent.RecordChildFailed(childRunID, output.Error)
		return fmt.Errorf("child workflow failed: %w", output.Error)
	}
}

// childMetadata carries the parent's correlation metadata onto a child
// run, plus the parent link.
func childMetadata(parent *Replayer, parentRunID string) map[string]string {
	meta := make(map[string]string, len(parent.config.Metadata)+1)
	for k, v := range parent.config.Metadata {
		meta[k] = v
	}
	meta[event.MetaParentRunID] = parentRunID
	return meta
}

type replayerAccessor interface {
	getReplayer() *Replayer
}

func getReplayerFromContext(ctx Context) *Replayer {
	if accessor, ok := ctx.(replayerAccessor); ok {
		return accessor.getReplayer()
	}
	return nil
}

// Map runs one child workflow per item concurrently and collects the
// results in input order.
func Map[In, Out any](ctx Context, items []In, wf *WorkflowDef) ([]Out, error) {
	return MapWithOptions[In, Out](ctx, items, wf, MapOptions{})
}

// MapWithOptions is Map with bounded concurrency. Each child records its
// own spawned/completed/failed events under a deterministic run ID, so a
// partially-executed fan-out resumes exactly where it stopped: finished
// children restore from history, the rest run.
func MapWithOptions[In, Out any](ctx Context, items []In, wf *WorkflowDef, opts MapOptions) ([]Out, error) {
	if len(items) == 0 {
		return []Out{}, nil
	}

	replayer := getReplayerFromContext(ctx)
	if replayer == nil {
		return nil, fmt.Errorf("workflow.Map: no replayer in context")
	}

	mapIndex := replayer.nextMapIndex()

	if resultsJSON, ok := replayer.history.GetMapResults(mapIndex); ok {
		var results []Out
		if err := json.Unmarshal(resultsJSON, &results); err != nil {
			return nil, fmt.Errorf("workflow.Map: unmarshal results: %w", err)
		}
		return results, nil
	}
	if mapErr := replayer.history.GetMapError(mapIndex); mapErr != nil {
		return nil, fmt.Errorf("workflow.Map: child %d failed: %s", mapErr.FailedIndex, mapErr.Error)
	}

	replayer.RecordMapStarted(mapIndex, len(items))

	results := make([]Out, len(items))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}

	// The map.failed event records the first failing child only.
	var firstFailedIndex int
	var firstError error
	var failMu sync.Mutex

	for i, item := range items {
		childRunID := fmt.Sprintf("%s-map-%d-%d", ctx.RunID(), mapIndex, i)

		if output, ok := replayer.history.GetChildOutput(childRunID); ok {
			var result Out
			if err := json.Unmarshal(output, &result); err != nil {
				return nil, fmt.Errorf("workflow.Map: unmarshal child %d output: %w", i, err)
			}
			mu.Lock()
			results[i] = result
			mu.Unlock()
			continue
		}
		if errMsg, ok := replayer.history.GetChildError(childRunID); ok {
			failMu.Lock()
			if firstError == nil {
				firstFailedIndex = i
				firstError = fmt.Errorf("child workflow failed: %s", errMsg)
			}
			failMu.Unlock()
			continue
		}

		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			inputJSON, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("workflow.Map: marshal input for child %d: %w", i, err)
			}
			replayer.RecordChildSpawned(childRunID, wf.Name(), inputJSON)

			childReplayer := NewReplayer(ReplayerConfig{
				Workflow:        wf,
				RunID:           childRunID,
				Input:           item,
				Logger:          replayer.logger,
				Metadata:        childMetadata(replayer, ctx.RunID()),
				CancelRequested: replayer.config.CancelRequested,
			})

			output, err := childReplayer.Replay(gCtx)
			if err != nil {
				replayer.RecordChildFailed(childRunID, err)
				failMu.Lock()
				if firstError == nil {
					firstFailedIndex = i
					firstError = err
				}
				failMu.Unlock()
				return fmt.Errorf("child %d error: %w", i, err)
			}

			if childErr := settleChild(replayer, childReplayer, childRunID, output); childErr != nil {
				failMu.Lock()
				if firstError == nil {
					firstFailedIndex = i
					firstError = childErr
				}
				failMu.Unlock()
				return fmt.Errorf("child %d: %w", i, childErr)
			}

			var outputJSON json.RawMessage
			if output.FinalOutput != nil {
				outputJSON, err = json.Marshal(output.FinalOutput)
				if err != nil {
					return fmt.Errorf("workflow.Map: marshal output for child %d: %w", i, err)
				}
			}
			replayer.RecordChildCompleted(childRunID, outputJSON)

			var result Out
			if outputJSON != nil {
				if err := json.Unmarshal(outputJSON, &result); err != nil {
					return fmt.Errorf("workflow.Map: unmarshal child %d output: %w", i, err)
				}
			}

			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if firstError == nil {
			firstError = err
		}
		replayer.RecordMapFailed(mapIndex, firstFailedIndex, firstError)
		return nil, fmt.Errorf("workflow.Map: %w", err)
	}

	// A failure restored from history never reaches g.Wait's error.
	if firstError != nil {
		replayer.RecordMapFailed(mapIndex, firstFailedIndex, firstError)
		return nil, fmt.Errorf("workflow.Map: child %d failed: %w", firstFailedIndex, firstError)
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("workflow.Map: marshal results: %w", err)
	}
	replayer.RecordMapCompleted(mapIndex, resultsJSON)

	return results, nil
}
