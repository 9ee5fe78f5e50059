package opscenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-scenario/flags"
	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/tagexpr"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	Paths            []string       // Feature files or directories, optionally path:line
	Tags             string         // Tag expression selecting scenarios
	Parallel         int            // Number of worker processes, 0 runs serially
	ExclusiveTags    []string       // Tags whose scenarios must not overlap in parallel mode
	Retry            int            // Extra attempts for failing scenarios
	RetryTagFilter   string         // Only scenarios matching this expression are retried
	FailFast         bool           // Skip remaining scenarios after the first failure
	Strict           bool           // Pending and undefined steps fail the run
	DryRun           bool           // Match steps without invoking handlers
	DefaultTimeout   time.Duration  // Timeout of steps and hooks that do not set their own
	WorldParameters  map[string]any // Parameters handed to every scenario's world
	Order            string         // defined, random or random:<seed>
	LogDir           string         // Directory to store run logs, empty disables them
	RunInterval      time.Duration  // Interval between runs
	RunOnce          bool           // Indicates if the service should exit after one run
	ShowProgress     bool           // Whether to log periodic progress during a run
	ProgressInterval time.Duration  // Interval between progress updates when ShowProgress is 'true'
	MetricsAddr      string
	HealthzAddr      string
	Log              log.Logger
}

// RunOptions returns the options shared by the runtime and every worker.
func (c *Config) RunOptions() types.RunOptions {
	return types.RunOptions{
		DryRun:          c.DryRun,
		FailFast:        c.FailFast,
		Strict:          c.Strict,
		Retry:           c.Retry,
		RetryTagFilter:  c.RetryTagFilter,
		DefaultTimeout:  c.DefaultTimeout,
		WorldParameters: c.WorldParameters,
	}
}

// Validate checks the settings that flags alone cannot.
func (c *Config) Validate() error {
	if len(c.Paths) == 0 {
		return errors.New("at least one feature path is required")
	}
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative, got %d", c.Parallel)
	}
	if c.Retry < 0 {
		return fmt.Errorf("retry must not be negative, got %d", c.Retry)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.RunInterval < 0 {
		return fmt.Errorf("run interval must not be negative, got %s", c.RunInterval)
	}
	if strings.TrimSpace(c.Tags) != "" {
		if _, err := tagexpr.Parse(c.Tags); err != nil {
			return fmt.Errorf("invalid tag expression: %w", err)
		}
	}
	if strings.TrimSpace(c.RetryTagFilter) != "" {
		if _, err := tagexpr.Parse(c.RetryTagFilter); err != nil {
			return fmt.Errorf("invalid retry tag filter: %w", err)
		}
	}
	if _, _, err := runner.OrderScenarios(nil, c.Order); err != nil {
		return err
	}
	return nil
}

// NewConfig creates a new Config from cli context. Positional arguments are feature paths.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	profile := &Profile{}
	if path := ctx.Path(flags.ConfigFile.Name); path != "" {
		var err error
		if profile, err = ReadProfile(path); err != nil {
			return nil, err
		}
	}

	paths := append(append([]string{}, ctx.StringSlice(flags.Paths.Name)...), ctx.Args().Slice()...)
	if len(paths) == 0 {
		paths = profile.Paths
	}
	exclusive := ctx.StringSlice(flags.ExclusiveTags.Name)
	if !ctx.IsSet(flags.ExclusiveTags.Name) && len(profile.ExclusiveTags) > 0 {
		exclusive = profile.ExclusiveTags
	}

	worldParameters := profile.WorldParameters
	if ctx.IsSet(flags.WorldParameters.Name) {
		worldParameters = nil
		if err := json.Unmarshal([]byte(ctx.String(flags.WorldParameters.Name)), &worldParameters); err != nil {
			return nil, fmt.Errorf("world parameters must be a JSON object: %w", err)
		}
	}

	cfg := &Config{
		Paths:            paths,
		Tags:             pick(ctx, flags.Tags.Name, ctx.String, profile.Tags),
		Parallel:         pick(ctx, flags.Parallel.Name, ctx.Int, profile.Parallel),
		ExclusiveTags:    exclusive,
		Retry:            pick(ctx, flags.Retry.Name, ctx.Int, profile.Retry),
		RetryTagFilter:   pick(ctx, flags.RetryTagFilter.Name, ctx.String, profile.RetryTagFilter),
		FailFast:         pick(ctx, flags.FailFast.Name, ctx.Bool, profile.FailFast),
		Strict:           pick(ctx, flags.Strict.Name, ctx.Bool, profile.Strict),
		DryRun:           pick(ctx, flags.DryRun.Name, ctx.Bool, profile.DryRun),
		DefaultTimeout:   pick(ctx, flags.DefaultTimeout.Name, ctx.Duration, profile.Timeout),
		WorldParameters:  worldParameters,
		Order:            pick(ctx, flags.Order.Name, ctx.String, profile.Order),
		LogDir:           pick(ctx, flags.LogDir.Name, ctx.String, profile.LogDir),
		RunInterval:      pick(ctx, flags.RunInterval.Name, ctx.Duration, profile.RunInterval),
		ShowProgress:     pick(ctx, flags.ShowProgress.Name, ctx.Bool, profile.ShowProgress),
		ProgressInterval: pick(ctx, flags.ProgressInterval.Name, ctx.Duration, profile.ProgressInterval),
		MetricsAddr:      pick(ctx, flags.MetricsAddr.Name, ctx.String, profile.MetricsAddr),
		HealthzAddr:      pick(ctx, flags.HealthzAddr.Name, ctx.String, profile.HealthzAddr),
		Log:              log,
	}
	cfg.RunOnce = cfg.RunInterval == 0

	if cfg.LogDir != "" {
		logDir, err := filepath.Abs(cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", cfg.LogDir, err)
		}
		cfg.LogDir = logDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pick returns the flag value unless the flag was left unset and the profile has a value.
func pick[T any](ctx *cli.Context, name string, get func(string) T, fromProfile *T) T {
	if !ctx.IsSet(name) && fromProfile != nil {
		return *fromProfile
	}
	return get(name)
}
