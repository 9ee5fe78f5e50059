package flags

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

const (
	LogFormatTerminal = "terminal"
	LogFormatLogfmt   = "logfmt"
	LogFormatJSON     = "json"
)

var (
	LogLevel = &cli.StringFlag{
		Name:    "log.level",
		Value:   "info",
		EnvVars: prefixEnvVar("log.level"),
		Usage:   "Lowest log level that will be output (trace, debug, info, warn, error, crit)",
		Action: func(_ *cli.Context, v string) error {
			_, err := log.LvlFromString(v)
			return err
		},
	}
	LogFormat = &cli.StringFlag{
		Name:    "log.format",
		Value:   LogFormatTerminal,
		EnvVars: prefixEnvVar("log.format"),
		Usage:   "Format of log lines (terminal, logfmt, json)",
		Action: func(_ *cli.Context, v string) error {
			switch v {
			case LogFormatTerminal, LogFormatLogfmt, LogFormatJSON:
				return nil
			}
			return fmt.Errorf("log.format must be one of terminal, logfmt or json, got %q", v)
		},
	}
	LogColor = &cli.BoolFlag{
		Name:    "log.color",
		EnvVars: prefixEnvVar("log.color"),
		Usage:   "Color terminal log output",
	}
)

var LogFlags = []cli.Flag{LogLevel, LogFormat, LogColor}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  slog.Level
	Format string
	Color  bool
}

// ReadLogConfig reads the log flags.
func ReadLogConfig(ctx *cli.Context) (LogConfig, error) {
	lvl, err := log.LvlFromString(ctx.String(LogLevel.Name))
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:  lvl,
		Format: ctx.String(LogFormat.Name),
		Color:  ctx.Bool(LogColor.Name),
	}, nil
}

// Handler builds the handler writing to w.
func (c LogConfig) Handler(w io.Writer) slog.Handler {
	switch c.Format {
	case LogFormatJSON:
		return log.JSONHandlerWithLevel(w, c.Level)
	case LogFormatLogfmt:
		return log.LogfmtHandlerWithLevel(w, c.Level)
	default:
		return log.NewTerminalHandlerWithLevel(w, c.Level, c.Color)
	}
}

// SetupLogger builds the logger from the log flags and installs it as the default. Logs go
// to stderr; stdout is left to results and, in worker processes, to the worker protocol.
func SetupLogger(ctx *cli.Context) (log.Logger, error) {
	cfg, err := ReadLogConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogger(cfg.Handler(os.Stderr))
	log.SetDefault(logger)
	return logger, nil
}
