package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"

	opscenario "github.com/ethereum-optimism/infra/op-scenario"
	"github.com/ethereum-optimism/infra/op-scenario/examples/calculator"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := opscenario.NewApp(calculator.Register)
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)

	// Start telemetry
	shutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}
