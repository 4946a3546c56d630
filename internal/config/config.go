// Package config defines the dispatcher options and their YAML loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options holds the full dispatcher configuration. The zero value is not
// usable; start from Default().
type Options struct {
	Mode    ModeOptions    `yaml:"mode" json:"mode"`
	Test    TestOptions    `yaml:"test" json:"test"`
	VM      VMOptions      `yaml:"vm" json:"vm"`
	Profile ProfileOptions `yaml:"profile" json:"profile"`
	Web     WebOptions     `yaml:"web" json:"web"`
	Log     LogOptions     `yaml:"log" json:"log"`
}

// ModeOptions selects between development (single-machine) and distributed
// operation.
type ModeOptions struct {
	Distributed bool `yaml:"distributed" json:"distributed"`
}

// TestOptions configures the target queue and rotation thresholds.
type TestOptions struct {
	// Items is the ordered list of target names to iterate.
	Items []string `yaml:"items" json:"items"`

	Interval IntervalOptions `yaml:"interval" json:"interval"`
	Strategy StrategyOptions `yaml:"strategy" json:"strategy"`
}

// IntervalOptions are the per-target expiry thresholds. A target expires
// when any of them is reached (or on convergence).
type IntervalOptions struct {
	// Trace is the lifetime-unique trace count threshold.
	Trace uint64 `yaml:"trace" json:"trace"`

	// TC is the lifetime test-case count threshold.
	TC uint64 `yaml:"tc" json:"tc"`

	// Time is the elapsed wall-clock threshold in seconds.
	Time uint64 `yaml:"time" json:"time"`
}

// StrategyOptions selects the trace pool consumption order.
type StrategyOptions struct {
	// Name is "fifo" (default) or "weighted".
	Name string `yaml:"name" json:"name"`

	// Expr is the weighted-strategy scoring expression. It is evaluated
	// per candidate with `size`, `age`, and `dispensed` in scope and must
	// produce a number; the highest score is dispensed first.
	Expr string `yaml:"expr" json:"expr"`
}

// VMOptions configures VM node provisioning.
type VMOptions struct {
	Image ImageOptions `yaml:"image" json:"image"`
}

// ImageOptions points at the OS image VM nodes must run.
type ImageOptions struct {
	Path   string `yaml:"path" json:"path"`
	Update bool   `yaml:"update" json:"update"`
}

// ProfileOptions controls the statistics profile.
type ProfileOptions struct {
	// Interval is the minimum number of seconds between stat.dat rows.
	Interval uint64 `yaml:"interval" json:"interval"`
}

// WebOptions configures the optional read-only status API.
type WebOptions struct {
	// Addr is the listen address; empty disables the API.
	Addr string `yaml:"addr" json:"addr"`
}

// LogOptions configures the base logger.
type LogOptions struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns sensible defaults: dev mode, fifo strategy, 10s profile
// interval, text logging at info.
func Default() Options {
	return Options{
		Test: TestOptions{
			Interval: IntervalOptions{
				Trace: 1 << 20,
				TC:    1 << 20,
				Time:  3600,
			},
			Strategy: StrategyOptions{Name: "fifo"},
		},
		Profile: ProfileOptions{Interval: 10},
		Log:     LogOptions{Level: "info", Format: "text"},
	}
}

// Load reads options from a YAML file, applied over Default().
func Load(path string) (Options, error) {
	opts := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("options %s: %w", path, err)
	}
	return opts, nil
}

// Validate rejects configurations the dispatcher cannot run with.
func (o Options) Validate() error {
	if o.Mode.Distributed && len(o.Test.Items) == 0 {
		return fmt.Errorf("distributed mode requires at least one test item")
	}
	if o.VM.Image.Update && o.VM.Image.Path == "" {
		return fmt.Errorf("vm.image.update requires vm.image.path")
	}
	switch o.Test.Strategy.Name {
	case "", "fifo":
	case "weighted":
		if o.Test.Strategy.Expr == "" {
			return fmt.Errorf("weighted strategy requires an expression")
		}
	default:
		return fmt.Errorf("unknown trace strategy %q", o.Test.Strategy.Name)
	}
	return nil
}
