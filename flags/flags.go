package flags

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-scenario/runner"
	"github.com/ethereum-optimism/infra/op-scenario/types"
)

const EnvVarPrefix = "OP_SCENARIO"

// prefixEnvVar returns the single env var a flag reads, e.g. OP_SCENARIO_RETRY_TAG_FILTER.
func prefixEnvVar(name string) []string {
	return []string{FlagNameToEnvVarName(name)}
}

// FlagNameToEnvVarName maps a flag name such as "log.level" to OP_SCENARIO_LOG_LEVEL.
func FlagNameToEnvVarName(name string) string {
	name = strings.NewReplacer("-", "_", ".", "_").Replace(name)
	return EnvVarPrefix + "_" + strings.ToUpper(name)
}

var (
	ConfigFile = &cli.PathFlag{
		Name:    "config",
		EnvVars: prefixEnvVar("config"),
		Usage:   "Path to a YAML profile. Values in it apply when the matching flag is not set",
	}
	Paths = &cli.StringSliceFlag{
		Name:    "paths",
		EnvVars: prefixEnvVar("paths"),
		Usage:   "Feature files or directories to run, optionally as path:line. Positional arguments are appended",
	}
	Tags = &cli.StringFlag{
		Name:    "tags",
		EnvVars: prefixEnvVar("tags"),
		Usage:   "Only run scenarios whose tags match this expression (eg. '@l2 and not @slow')",
	}
	Parallel = &cli.IntFlag{
		Name:    "parallel",
		Value:   0,
		EnvVars: prefixEnvVar("parallel"),
		Usage:   "Number of worker processes. 0 runs scenarios serially in this process",
	}
	ExclusiveTags = &cli.StringSliceFlag{
		Name:    "exclusive-tags",
		EnvVars: prefixEnvVar("exclusive-tags"),
		Usage:   "Scenarios sharing one of these tags never run at the same time in parallel mode",
	}
	Retry = &cli.IntFlag{
		Name:    "retry",
		Value:   0,
		EnvVars: prefixEnvVar("retry"),
		Usage:   "Extra attempts given to a failing scenario",
	}
	RetryTagFilter = &cli.StringFlag{
		Name:    "retry-tag-filter",
		EnvVars: prefixEnvVar("retry-tag-filter"),
		Usage:   "Only retry scenarios whose tags match this expression",
	}
	FailFast = &cli.BoolFlag{
		Name:    "fail-fast",
		EnvVars: prefixEnvVar("fail-fast"),
		Usage:   "Skip the remaining scenarios after the first failure",
	}
	Strict = &cli.BoolFlag{
		Name:    "strict",
		Value:   true,
		EnvVars: prefixEnvVar("strict"),
		Usage:   "Treat pending and undefined steps as failures",
	}
	DryRun = &cli.BoolFlag{
		Name:    "dry-run",
		EnvVars: prefixEnvVar("dry-run"),
		Usage:   "Match every step without invoking any handler",
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   types.DefaultStepTimeout,
		EnvVars: prefixEnvVar("timeout"),
		Usage:   "Default timeout for steps and hooks that do not set their own",
	}
	WorldParameters = &cli.StringFlag{
		Name:    "world-parameters",
		EnvVars: prefixEnvVar("world-parameters"),
		Usage:   "JSON object handed to every scenario's world (eg. '{\"network\":\"devnet\"}')",
	}
	Order = &cli.StringFlag{
		Name:    "order",
		Value:   "defined",
		EnvVars: prefixEnvVar("order"),
		Usage:   "Scenario order: 'defined', 'random' or 'random:<seed>'",
		Action: func(_ *cli.Context, v string) error {
			return validateOrder(v)
		},
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: prefixEnvVar("logdir"),
		Usage:   "Directory to store run logs in. Empty disables run logs",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVar("run-interval"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		EnvVars: prefixEnvVar("show-progress"),
		Usage:   "Log periodic progress while scenarios run",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   runner.DefaultProgressInterval,
		EnvVars: prefixEnvVar("progress-interval"),
		Usage:   "Interval between progress lines",
	}
	MetricsAddr = &cli.StringFlag{
		Name:    "metrics.addr",
		EnvVars: prefixEnvVar("metrics.addr"),
		Usage:   "Address to serve prometheus metrics on (eg. '0.0.0.0:7300'). Empty disables the server",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		EnvVars: prefixEnvVar("healthz.addr"),
		Usage:   "Address to serve /healthz on (eg. '0.0.0.0:8080'). Empty disables the server",
	}
)

var optionalFlags = []cli.Flag{
	ConfigFile,
	Paths,
	Tags,
	Parallel,
	ExclusiveTags,
	Retry,
	RetryTagFilter,
	FailFast,
	Strict,
	DryRun,
	DefaultTimeout,
	WorldParameters,
	Order,
	LogDir,
	RunInterval,
	ShowProgress,
	ProgressInterval,
	MetricsAddr,
	HealthzAddr,
}

// Flags are the flags of the run command.
var Flags []cli.Flag

// GlobalFlags apply to every command, including the worker command.
var GlobalFlags []cli.Flag

func init() {
	GlobalFlags = LogFlags
	Flags = append(Flags, optionalFlags...)
}

func validateOrder(v string) error {
	name, _, _ := strings.Cut(v, ":")
	switch name {
	case "defined", "random":
		return nil
	}
	return fmt.Errorf("order must be one of defined, random or random:<seed>, got %q", v)
}
