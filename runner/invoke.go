package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/registry"
	"github.com/ethereum-optimism/infra/op-scenario/scenarioctx"
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

// invocation is one handler call bounded by a timeout.
type invocation struct {
	binding *registry.StepBinding
	call    *registry.Call
	timeout time.Duration
	// manager is nil for run-level hooks, which have no scenario.
	manager *scenarioctx.Manager
	start   scenarioctx.StartInfo
}

// invoke runs the handler and turns its outcome into a step result. Handler errors, panics
// and timeouts become FAILED results. The returned error is reserved for wiring faults that
// must abort the run.
func invoke(ctx context.Context, inv invocation) (types.StepResult, error) {
	b := inv.binding
	if b.Owner != "" && inv.manager == nil {
		err := fmt.Errorf("%w: %s needs owner %s", registry.ErrNoScenarioContext, b, b.Owner)
		return types.StepResult{Status: types.StatusFailed, Message: err.Error()}, err
	}

	timeout := inv.timeout
	if b.Timeout > 0 {
		timeout = b.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		var self any
		if inv.manager != nil && b.Owner != "" {
			instance, err := inv.manager.GetOrActivate(b.Owner)
			if err != nil {
				done <- err
				return
			}
			if err := inv.manager.InitializeAll(ctx, inv.start); err != nil {
				done <- err
				return
			}
			self = instance
		}
		done <- b.Handler(ctx, self, inv.call)
	}()

	var (
		err      error
		finished bool
	)
	select {
	case err = <-done:
		finished = true
	case <-ctx.Done():
	}
	// A handler that gave up because its context expired counts as timed out too.
	if ctxErr := ctx.Err(); ctxErr != nil && (!finished || err != nil) {
		result := types.StepResult{Status: types.StatusFailed, Duration: time.Since(started)}
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			result.Message = fmt.Sprintf("function timed out after %s", timeout)
			result.TimedOut = true
		} else {
			result.Message = fmt.Sprintf("function canceled: %v", ctxErr)
		}
		return result, nil
	}
	return resultFromError(err, time.Since(started)), nil
}

func resultFromError(err error, d time.Duration) types.StepResult {
	result := types.StepResult{Duration: d}
	switch {
	case err == nil:
		result.Status = types.StatusPassed
	case errors.Is(err, ErrPending):
		result.Status = types.StatusPending
		result.Message = err.Error()
	case errors.Is(err, ErrSkipped):
		result.Status = types.StatusSkipped
	default:
		result.Status = types.StatusFailed
		result.Message = err.Error()
	}
	return result
}

// combine folds a sub-result into an accumulated one: durations add up, the worst status
// wins and carries its message.
func combine(acc, next types.StepResult) types.StepResult {
	acc.Duration += next.Duration
	if next.Status.WorseThan(acc.Status) {
		acc.Status = next.Status
		acc.Message = next.Message
		acc.TimedOut = next.TimedOut
	}
	return acc
}
