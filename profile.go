package opscenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML file of run settings. A field left out of the file does not override
// anything, and a flag set on the command line always wins over the profile.
type Profile struct {
	Paths            []string       `yaml:"paths"`
	Tags             *string        `yaml:"tags"`
	Parallel         *int           `yaml:"parallel"`
	ExclusiveTags    []string       `yaml:"exclusive_tags"`
	Retry            *int           `yaml:"retry"`
	RetryTagFilter   *string        `yaml:"retry_tag_filter"`
	FailFast         *bool          `yaml:"fail_fast"`
	Strict           *bool          `yaml:"strict"`
	DryRun           *bool          `yaml:"dry_run"`
	Timeout          *time.Duration `yaml:"timeout"`
	WorldParameters  map[string]any `yaml:"world_parameters"`
	Order            *string        `yaml:"order"`
	LogDir           *string        `yaml:"logdir"`
	RunInterval      *time.Duration `yaml:"run_interval"`
	ShowProgress     *bool          `yaml:"show_progress"`
	ProgressInterval *time.Duration `yaml:"progress_interval"`
	MetricsAddr      *string        `yaml:"metrics_addr"`
	HealthzAddr      *string        `yaml:"healthz_addr"`
}

// ReadProfile loads a profile. Unknown keys are rejected so a typo does not silently drop
// a setting.
func ReadProfile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}
	defer f.Close()

	var p Profile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return &p, nil
}
