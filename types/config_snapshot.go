package types

import "time"

// RunOptions is the effective execution configuration shared by the coordinator and every
// worker. It travels in the INITIALIZE command, so it must stay JSON-serializable.
type RunOptions struct {
	DryRun          bool           `json:"dryRun"`
	FailFast        bool           `json:"failFast"`
	Strict          bool           `json:"strict"`
	Retry           int            `json:"retry"`
	RetryTagFilter  string         `json:"retryTagFilter,omitempty"`
	DefaultTimeout  time.Duration  `json:"defaultTimeout"`
	WorldParameters map[string]any `json:"worldParameters,omitempty"`
}

// DefaultStepTimeout bounds a step or hook when neither the binding nor the run overrides it.
const DefaultStepTimeout = 5 * time.Second

// StepTimeout returns the configured default timeout, falling back to DefaultStepTimeout.
func (o RunOptions) StepTimeout() time.Duration {
	if o.DefaultTimeout > 0 {
		return o.DefaultTimeout
	}
	return DefaultStepTimeout
}
