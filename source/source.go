// Package source turns feature files into scenarios.
package source

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	gherkin "github.com/cucumber/gherkin/go/v26"
	messages "github.com/cucumber/messages/go/v21"
	"github.com/ethereum-optimism/infra/op-scenario/tagexpr"
	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/google/uuid"
)

// FeatureExt is the extension of files picked up from directories.
const FeatureExt = ".feature"

// Location is a feature file path with an optional set of lines to run.
type Location struct {
	Path string
	// Lines limits the file to scenarios or example rows starting on these lines.
	Lines []int
}

// ParseLocation parses "path" or "path:line[:line...]".
func ParseLocation(arg string) (Location, error) {
	var loc Location
	parts := strings.Split(arg, ":")
	// Trailing all-digit segments are line numbers.
	i := len(parts)
	for i > 1 && isDigits(parts[i-1]) {
		i--
	}
	loc.Path = strings.Join(parts[:i], ":")
	for _, p := range parts[i:] {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return Location{}, fmt.Errorf("invalid line %q in %q", p, arg)
		}
		loc.Lines = append(loc.Lines, n)
	}
	if loc.Path == "" {
		return Location{}, fmt.Errorf("empty path in %q", arg)
	}
	return loc, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Load parses the feature files named by paths, in order, and returns the scenarios whose
// tags satisfy filter. Directories are searched recursively for feature files. An empty
// filter keeps every scenario.
func Load(paths []string, filter string) ([]*types.Scenario, error) {
	expr := tagexpr.Always
	if strings.TrimSpace(filter) != "" {
		var err error
		if expr, err = tagexpr.Parse(filter); err != nil {
			return nil, fmt.Errorf("tag filter: %w", err)
		}
	}

	files, err := resolve(paths)
	if err != nil {
		return nil, err
	}
	var out []*types.Scenario
	for _, f := range files {
		scenarios, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		for _, sc := range scenarios {
			if expr.Evaluate(sc.Tags) {
				out = append(out, sc)
			}
		}
	}
	return out, nil
}

// resolve expands directories and merges repeated files. A file listed once without lines
// runs whole.
func resolve(paths []string) ([]Location, error) {
	var (
		order []string
		byKey = make(map[string]*Location)
	)
	add := func(path string, lines []int) {
		path = filepath.ToSlash(filepath.Clean(path))
		loc, ok := byKey[path]
		if !ok {
			loc = &Location{Path: path, Lines: lines}
			byKey[path] = loc
			order = append(order, path)
			return
		}
		if len(loc.Lines) == 0 || len(lines) == 0 {
			loc.Lines = nil
			return
		}
		for _, l := range lines {
			if !slices.Contains(loc.Lines, l) {
				loc.Lines = append(loc.Lines, l)
			}
		}
	}

	for _, arg := range paths {
		loc, err := ParseLocation(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(loc.Path)
		if err != nil {
			return nil, fmt.Errorf("feature path: %w", err)
		}
		if !info.IsDir() {
			add(loc.Path, loc.Lines)
			continue
		}
		if len(loc.Lines) > 0 {
			return nil, fmt.Errorf("line numbers are not supported for directory %s", loc.Path)
		}
		var found []string
		err = filepath.WalkDir(loc.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), FeatureExt) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", loc.Path, err)
		}
		slices.Sort(found)
		for _, f := range found {
			add(f, nil)
		}
	}

	out := make([]Location, 0, len(order))
	for _, p := range order {
		out = append(out, *byKey[p])
	}
	return out, nil
}

func loadFile(loc Location) ([]*types.Scenario, error) {
	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scenarios, err := Parse(f, loc.Path)
	if err != nil {
		return nil, err
	}
	if len(loc.Lines) == 0 {
		return scenarios, nil
	}
	var out []*types.Scenario
	for _, sc := range scenarios {
		if slices.ContainsFunc(loc.Lines, sc.DefinedAt) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// Parse reads one feature and compiles its scenarios. Outlines yield one scenario per example
// row and background steps are prepended to every scenario.
func Parse(r io.Reader, uri string) ([]*types.Scenario, error) {
	doc, err := gherkin.ParseGherkinDocument(r, uuid.NewString)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", uri, err)
	}
	if doc.Feature == nil {
		return nil, nil
	}
	lines := nodeLines(doc.Feature)

	pickles := gherkin.Pickles(*doc, uri, uuid.NewString)
	out := make([]*types.Scenario, 0, len(pickles))
	for _, p := range pickles {
		sc := &types.Scenario{
			ID:   p.Id,
			URI:  uri,
			Name: p.Name,
		}
		// The first node is the scenario, the last one the example row for outlines.
		if len(p.AstNodeIds) > 0 {
			sc.ScenarioLine = lines[p.AstNodeIds[0]]
			sc.Line = lines[p.AstNodeIds[len(p.AstNodeIds)-1]]
		}
		for _, t := range p.Tags {
			sc.Tags = append(sc.Tags, t.Name)
		}
		for _, ps := range p.Steps {
			sc.Steps = append(sc.Steps, convertStep(ps))
		}
		out = append(out, sc)
	}
	return out, nil
}

func convertStep(ps *messages.PickleStep) types.Step {
	step := types.Step{ID: ps.Id, Text: ps.Text, Type: keywordType(ps.Type)}
	if ps.Argument == nil {
		return step
	}
	if ds := ps.Argument.DocString; ds != nil {
		step.DocString = &types.DocString{MediaType: ds.MediaType, Content: ds.Content}
	}
	if dt := ps.Argument.DataTable; dt != nil {
		for _, row := range dt.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, c := range row.Cells {
				cells = append(cells, c.Value)
			}
			step.DataTable = append(step.DataTable, cells)
		}
	}
	return step
}

// keywordType maps the pickle step type. Conjunctions were already resolved to the
// preceding step's type by the compiler.
func keywordType(t messages.PickleStepType) types.KeywordType {
	switch t {
	case messages.PickleStepType_CONTEXT:
		return types.KeywordContext
	case messages.PickleStepType_ACTION:
		return types.KeywordAction
	case messages.PickleStepType_OUTCOME:
		return types.KeywordOutcome
	default:
		return types.KeywordUnknown
	}
}

// nodeLines maps scenario and example row IDs to their line numbers.
func nodeLines(feature *messages.Feature) map[string]int {
	lines := make(map[string]int)
	addScenario := func(sc *messages.Scenario) {
		if sc == nil {
			return
		}
		lines[sc.Id] = line(sc.Location)
		for _, ex := range sc.Examples {
			for _, row := range ex.TableBody {
				lines[row.Id] = line(row.Location)
			}
		}
	}
	for _, child := range feature.Children {
		addScenario(child.Scenario)
		if child.Rule != nil {
			for _, rc := range child.Rule.Children {
				addScenario(rc.Scenario)
			}
		}
	}
	return lines
}

func line(loc *messages.Location) int {
	if loc == nil {
		return 0
	}
	return int(loc.Line)
}
