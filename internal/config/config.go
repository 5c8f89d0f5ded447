// Package config loads relkit.yaml and resolves the platform build matrix.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/sahilm/fuzzy"
	"gopkg.in/yaml.v3"

	"github.com/VoxDroid/relkit/internal/nameutil"
	"github.com/VoxDroid/relkit/internal/security"
)

// DefaultFile is the config file looked up in the source checkout.
const DefaultFile = "relkit.yaml"

// Known platform targets, in matrix order.
const (
	TargetGeneric = "generic"
	TargetWin32   = "win32"
	TargetWin64   = "win64"
)

// KnownTargets lists every target relkit can build, in matrix order.
var KnownTargets = []string{TargetGeneric, TargetWin32, TargetWin64}

var targetArch = map[string]string{
	TargetGeneric: "",
	TargetWin32:   "x86",
	TargetWin64:   "x64",
}

// Duration is a time.Duration read from YAML strings such as "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Timeouts bound each external call.
type Timeouts struct {
	Build  Duration `yaml:"build"`
	Fetch  Duration `yaml:"fetch"`
	Tests  Duration `yaml:"tests"`
	Upload Duration `yaml:"upload"`
}

// BundleSource is the upstream third-party archive embedded into Windows targets.
type BundleSource struct {
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// TargetConfig is one entry under `targets:`.
type TargetConfig struct {
	Interpreter    string `yaml:"interpreter,omitempty"`
	Command        string `yaml:"command"`
	ArchMemberPath string `yaml:"arch_member_path,omitempty"`
}

// UploadConfig selects the artifact bucket.
type UploadConfig struct {
	Bucket string `yaml:"bucket,omitempty"`
	Group  string `yaml:"group,omitempty"`
}

// EventsConfig selects the pubsub topic run events are published to.
type EventsConfig struct {
	Topic string `yaml:"topic,omitempty"`
}

// Config models relkit.yaml.
type Config struct {
	Project     string                  `yaml:"project"`
	Tests       []string                `yaml:"tests,omitempty"`
	Bundle      BundleSource            `yaml:"bundle"`
	Targets     map[string]TargetConfig `yaml:"targets"`
	Upload      UploadConfig            `yaml:"upload"`
	Events      EventsConfig            `yaml:"events"`
	MetricsFile string                  `yaml:"metrics_file,omitempty"`
	Parallelism int                     `yaml:"parallelism,omitempty"`
	Timeouts    Timeouts                `yaml:"timeouts"`
}

// Profile is the toolchain selection for one target.
type Profile struct {
	Interpreter string
	Command     string
	Arch        string
}

// Bundle describes the dependency a Windows target embeds.
type Bundle struct {
	URL        string
	SHA256     string
	MemberPath string
}

// Target is a fully resolved platform target.
type Target struct {
	Name    string
	Suffix  string
	Profile Profile
	Bundle  *Bundle
}

// Windows reports whether the target embeds the third-party bundle.
func (t Target) Windows() bool { return t.Bundle != nil }

// ParseConfig reads and parses a relkit YAML configuration file.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	return ParseConfigBytes(data)
}

// ParseConfigBytes parses relkit YAML configuration from bytes and applies
// environment overrides from the process environment.
func ParseConfigBytes(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the CI environment pick the artifact prefix and interpreters.
func (cfg *Config) applyEnv(getenv func(string) string) {
	if v := getenv("RELKIT_PROJECT"); v != "" {
		cfg.Project, _ = nameutil.SanitizeName(v)
	}
	for name, tc := range cfg.Targets {
		key := "RELKIT_" + strings.ToUpper(name) + "_INTERPRETER"
		if v := getenv(key); v != "" {
			tc.Interpreter = v
			cfg.Targets[name] = tc
		}
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = len(KnownTargets) + 1
	}
	if cfg.Timeouts.Build == 0 {
		cfg.Timeouts.Build = Duration(30 * time.Minute)
	}
	if cfg.Timeouts.Fetch == 0 {
		cfg.Timeouts.Fetch = Duration(2 * time.Minute)
	}
	if cfg.Timeouts.Tests == 0 {
		cfg.Timeouts.Tests = Duration(20 * time.Minute)
	}
	if cfg.Timeouts.Upload == 0 {
		cfg.Timeouts.Upload = Duration(5 * time.Minute)
	}
	if cfg.Upload.Group == "" && cfg.Project != "" {
		cfg.Upload.Group = cfg.Project + ".ci"
	}
}

func (cfg *Config) validate() error {
	if err := nameutil.ValidateName(cfg.Project); err != nil {
		return fmt.Errorf("config: project: %w", err)
	}
	for i, line := range cfg.Tests {
		if err := security.CheckCommand(line); err != nil {
			return fmt.Errorf("config: tests[%d]: %w", i, err)
		}
	}
	if len(cfg.Targets) == 0 {
		return fmt.Errorf("config must specify at least one target")
	}
	for name, tc := range cfg.Targets {
		if _, ok := targetArch[name]; !ok {
			return unknownTarget(name)
		}
		if strings.TrimSpace(tc.Command) == "" {
			return fmt.Errorf("config: target %q: command is required", name)
		}
		if err := security.CheckCommand(tc.Command); err != nil {
			return fmt.Errorf("config: target %q: %w", name, err)
		}
		if name == TargetGeneric {
			continue
		}
		if tc.ArchMemberPath == "" {
			return fmt.Errorf("config: target %q: arch_member_path is required", name)
		}
		if cfg.Bundle.URL == "" {
			return fmt.Errorf("config: target %q needs bundle.url", name)
		}
	}
	return nil
}

// Target resolves a single configured target by name.
func (cfg *Config) Target(name string) (Target, error) {
	tc, ok := cfg.Targets[name]
	if !ok {
		if _, known := targetArch[name]; known {
			return Target{}, fmt.Errorf("target %q is not configured", name)
		}
		return Target{}, unknownTarget(name)
	}
	t := Target{
		Name: name,
		Profile: Profile{
			Interpreter: tc.Interpreter,
			Command:     tc.Command,
			Arch:        targetArch[name],
		},
	}
	if name != TargetGeneric {
		t.Suffix = "-" + name
		t.Bundle = &Bundle{URL: cfg.Bundle.URL, SHA256: cfg.Bundle.SHA256, MemberPath: tc.ArchMemberPath}
	}
	return t, nil
}

// Matrix returns the configured targets in matrix order. If names is
// non-empty only those targets are returned.
func (cfg *Config) Matrix(names ...string) ([]Target, error) {
	if len(names) == 0 {
		for _, n := range KnownTargets {
			if _, ok := cfg.Targets[n]; ok {
				names = append(names, n)
			}
		}
	}
	seen := map[string]bool{}
	out := make([]Target, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		t, err := cfg.Target(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return matrixIndex(out[i].Name) < matrixIndex(out[j].Name) })
	return out, nil
}

func matrixIndex(name string) int {
	for i, n := range KnownTargets {
		if n == name {
			return i
		}
	}
	return len(KnownTargets)
}

func unknownTarget(name string) error {
	if s := SuggestTarget(name); s != "" {
		return fmt.Errorf("unknown target %q (did you mean %q?)", name, s)
	}
	return fmt.Errorf("unknown target %q, must be one of: %s", name, strings.Join(KnownTargets, ", "))
}

// maxSuggestDistance bounds the edit distance of a suggestion.
const maxSuggestDistance = 2

// SuggestTarget returns the known target closest to name: the best fuzzy
// match if there is one, else the nearest target by edit distance.
func SuggestTarget(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if matches := fuzzy.Find(name, KnownTargets); len(matches) > 0 {
		return matches[0].Str
	}
	// ties go to the target sharing more letters, so "win46" picks win64
	best, bestDist, bestShared := "", maxSuggestDistance+1, 0
	for _, t := range KnownTargets {
		d := levenshtein.ComputeDistance(name, t)
		shared := sharedRunes(name, t)
		if d < bestDist || (d == bestDist && shared > bestShared) {
			best, bestDist, bestShared = t, d, shared
		}
	}
	return best
}

func sharedRunes(a, b string) int {
	counts := map[rune]int{}
	for _, r := range a {
		counts[r]++
	}
	n := 0
	for _, r := range b {
		if counts[r] > 0 {
			counts[r]--
			n++
		}
	}
	return n
}
