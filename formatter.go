package opscenario

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-scenario/runner"
)

// ResultFormatter is responsible for formatting and displaying run results.
type ResultFormatter interface {
	FormatResults(result *runner.RunResult) error
}

// ConsoleResultFormatter implements the ResultFormatter interface.
type ConsoleResultFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleResultFormatter creates a formatter printing to stdout.
func NewConsoleResultFormatter(logger log.Logger) *ConsoleResultFormatter {
	return &ConsoleResultFormatter{
		logger: logger,
		out:    os.Stdout,
	}
}

// FormatResults prints the results table, colored by outcome, followed by a one-line verdict.
func (f *ConsoleResultFormatter) FormatResults(result *runner.RunResult) error {
	f.logger.Info("Printing results...")
	t := resultsTable(result)
	switch {
	case !result.Success:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case result.Stats.Total > 0 && result.Stats.Skipped == result.Stats.Total:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}
	t.SetOutputMirror(f.out)
	t.Render()

	_, err := fmt.Fprintln(f.out, verdict(result))
	return err
}

// RenderResults renders the results table without colors, for log files.
func RenderResults(result *runner.RunResult) string {
	t := resultsTable(result)
	t.SetStyle(table.StyleLight)
	return t.Render() + "\n" + verdict(result) + "\n"
}

func resultsTable(result *runner.RunResult) table.Writer {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("Scenario Results (%s)", formatDuration(result.Duration)))
	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Attempts", "Worker", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, group := range groupByFeature(result.Cases) {
		t.AppendRow(table.Row{"Feature", group.uri, "", "", "", "", ""})
		for i, c := range group.cases {
			prefix := "├─"
			if i == len(group.cases)-1 {
				prefix = "└─"
			}
			t.AppendRow(table.Row{
				"Scenario",
				fmt.Sprintf("%s %s:%d %s", prefix, path.Base(c.Scenario.URI), c.Scenario.Line, c.Scenario.Name),
				formatDuration(c.Duration),
				c.Attempts,
				c.WorkerID,
				getResultString(c.Status, c.Flaky()),
				extractKeyErrorMessage(c.Message),
			})
		}
		t.AppendSeparator()
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d scenarios", result.Stats.Total),
		formatDuration(result.Duration),
		"",
		"",
		countsString(result.Stats),
		"",
	})
	return t
}

type featureGroup struct {
	uri   string
	cases []*runner.CaseResult
}

// groupByFeature keeps the order in which features first appear.
func groupByFeature(cases []*runner.CaseResult) []*featureGroup {
	var groups []*featureGroup
	byURI := make(map[string]*featureGroup)
	for _, c := range cases {
		g, ok := byURI[c.Scenario.URI]
		if !ok {
			g = &featureGroup{uri: c.Scenario.URI}
			byURI[c.Scenario.URI] = g
			groups = append(groups, g)
		}
		g.cases = append(g.cases, c)
	}
	return groups
}

func verdict(result *runner.RunResult) string {
	status := "PASSED"
	if !result.Success {
		status = "FAILED"
	}
	line := fmt.Sprintf("Run %s %s: %s", result.RunID, status, countsString(result.Stats))
	if result.Message != "" {
		line += " (" + result.Message + ")"
	}
	return line
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
