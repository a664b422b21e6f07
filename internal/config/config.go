// Package config loads the pipeline configuration. Every field is optional;
// the Get* methods supply defaults for anything the file leaves out, so
// partial configs are safe.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/csisync/internal/align"
	"github.com/banshee-data/csisync/internal/csi"
	"github.com/banshee-data/csisync/internal/fsutil"
	"github.com/banshee-data/csisync/internal/security"
	"github.com/banshee-data/csisync/internal/table"
)

// DefaultGroup names the single group used when no device groups are
// configured; its devices are the sub-directories of the input directory.
const DefaultGroup = "default"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration of a decode/align run.
type Config struct {
	// Decoding
	Decoder      *string `json:"decoder,omitempty" yaml:"decoder,omitempty"`     // nexmon or pcapgo
	Bandwidth    *int    `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"` // MHz, 0 infers
	MaxSamples   *int    `json:"max_samples,omitempty" yaml:"max_samples,omitempty"`
	RemoveNulls  *bool   `json:"remove_nulls,omitempty" yaml:"remove_nulls,omitempty"`
	RemovePilots *bool   `json:"remove_pilots,omitempty" yaml:"remove_pilots,omitempty"`

	// Alignment
	Alpha        *float64            `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	DeviceGroups map[string][]string `json:"device_groups,omitempty" yaml:"device_groups,omitempty"`

	// Layout
	InputDir  *string  `json:"input_dir,omitempty" yaml:"input_dir,omitempty"`
	OutputDir *string  `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	Features  []string `json:"features,omitempty" yaml:"features,omitempty"`

	// Runner
	Workers     *int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	LedgerPath  *string `json:"ledger_path,omitempty" yaml:"ledger_path,omitempty"`
	MetricsPath *string `json:"metrics_path,omitempty" yaml:"metrics_path,omitempty"`
	Reports     *bool   `json:"reports,omitempty" yaml:"reports,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	c := EmptyConfig()
	return &Config{
		Decoder:      ptrString(c.GetDecoder().String()),
		Bandwidth:    ptrInt(c.GetBandwidth()),
		MaxSamples:   ptrInt(c.GetMaxSamples()),
		RemoveNulls:  ptrBool(c.GetRemoveNulls()),
		RemovePilots: ptrBool(c.GetRemovePilots()),
		Alpha:        ptrFloat64(c.GetAlpha()),
		InputDir:     ptrString(c.GetInputDir()),
		OutputDir:    ptrString(c.GetOutputDir()),
		Features:     []string{string(table.KindAmplitude)},
		Workers:      ptrInt(c.GetWorkers()),
		LedgerPath:   ptrString(""),
		MetricsPath:  ptrString(""),
		Reports:      ptrBool(false),
	}
}

// LoadConfig loads a Config from a .json, .yaml or .yml file on disk.
func LoadConfig(path string) (*Config, error) {
	return Load(fsutil.OSFileSystem{}, path)
}

// Load loads a Config from fsys. The file must be under 1MB; unknown keys
// are rejected.
func Load(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Decoder != nil {
		if _, err := csi.ParseVariant(*c.Decoder); err != nil {
			return err
		}
	}
	if c.Bandwidth != nil && *c.Bandwidth != 0 && !csi.ValidBandwidth(*c.Bandwidth) {
		return fmt.Errorf("bandwidth must be 0, 20, 40, 80 or 160, got %d", *c.Bandwidth)
	}
	if c.MaxSamples != nil && *c.MaxSamples < 0 {
		return fmt.Errorf("max_samples must be >= 0, got %d", *c.MaxSamples)
	}
	if c.Alpha != nil {
		if a := *c.Alpha; math.IsNaN(a) || math.IsInf(a, 0) || a <= 0 {
			return fmt.Errorf("alpha must be a finite value > 0, got %v", a)
		}
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", *c.Workers)
	}
	if c.InputDir != nil && *c.InputDir == "" {
		return fmt.Errorf("input_dir must not be empty")
	}
	if c.OutputDir != nil && *c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}

	if c.Features != nil {
		if len(c.Features) == 0 {
			return fmt.Errorf("features must list at least one of amp, pha")
		}
		seen := map[table.Kind]bool{}
		for _, f := range c.Features {
			k, err := table.ParseKind(f)
			if err != nil {
				return err
			}
			if seen[k] {
				return fmt.Errorf("feature %s listed twice", k)
			}
			seen[k] = true
		}
	}

	for name, devices := range c.DeviceGroups {
		if err := validateName("device group", name); err != nil {
			return err
		}
		if len(devices) == 0 {
			return fmt.Errorf("device group %s has no devices", name)
		}
		seen := map[string]bool{}
		for _, d := range devices {
			if err := validateName("device", d); err != nil {
				return fmt.Errorf("device group %s: %w", name, err)
			}
			if seen[d] {
				return fmt.Errorf("device group %s lists %s twice", name, d)
			}
			seen[d] = true
		}
	}
	return nil
}

// validateName rejects identifiers that would not survive use as a single
// path component.
func validateName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s name must not be empty", what)
	}
	if security.SanitizeFilename(name) != name {
		return fmt.Errorf("%s name %q may only contain letters, digits, '.', '-' and '_'", what, name)
	}
	return nil
}

// GetDecoder returns the decoder variant or the default (nexmon).
func (c *Config) GetDecoder() csi.Variant {
	if c.Decoder == nil {
		return csi.VariantNexmon
	}
	v, err := csi.ParseVariant(*c.Decoder)
	if err != nil {
		return csi.VariantNexmon // default on parse error
	}
	return v
}

// GetBandwidth returns the bandwidth override or 0 (infer).
func (c *Config) GetBandwidth() int {
	if c.Bandwidth == nil {
		return 0
	}
	return *c.Bandwidth
}

// GetMaxSamples returns the per-capture sample cap or 0 (no cap).
func (c *Config) GetMaxSamples() int {
	if c.MaxSamples == nil {
		return 0
	}
	return *c.MaxSamples
}

// GetRemoveNulls returns the remove_nulls value or the default.
func (c *Config) GetRemoveNulls() bool {
	if c.RemoveNulls == nil {
		return true // default
	}
	return *c.RemoveNulls
}

// GetRemovePilots returns the remove_pilots value or the default.
func (c *Config) GetRemovePilots() bool {
	if c.RemovePilots == nil {
		return false // default
	}
	return *c.RemovePilots
}

// GetMask combines remove_nulls and remove_pilots.
func (c *Config) GetMask() csi.Mask {
	m := csi.MaskNone
	if c.GetRemoveNulls() {
		m |= csi.MaskNulls
	}
	if c.GetRemovePilots() {
		m |= csi.MaskPilots
	}
	return m
}

// GetAlpha returns the alignment tolerance or the default.
func (c *Config) GetAlpha() float64 {
	if c.Alpha == nil {
		return align.DefaultAlpha
	}
	return *c.Alpha
}

// GetInputDir returns the capture root or the default.
func (c *Config) GetInputDir() string {
	if c.InputDir == nil {
		return filepath.Join("data", "pcap-data")
	}
	return *c.InputDir
}

// GetOutputDir returns the output root or the default.
func (c *Config) GetOutputDir() string {
	if c.OutputDir == nil {
		return "data"
	}
	return *c.OutputDir
}

// GetFeatures returns the feature kinds to export, amplitude by default.
func (c *Config) GetFeatures() []table.Kind {
	if len(c.Features) == 0 {
		return []table.Kind{table.KindAmplitude}
	}
	out := make([]table.Kind, 0, len(c.Features))
	for _, f := range c.Features {
		if k, err := table.ParseKind(f); err == nil {
			out = append(out, k)
		}
	}
	return out
}

// GetWorkers returns the decode worker count or the default.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// GetLedgerPath returns the sqlite ledger path; empty disables the ledger.
func (c *Config) GetLedgerPath() string {
	if c.LedgerPath == nil {
		return ""
	}
	return *c.LedgerPath
}

// GetMetricsPath returns the Prometheus textfile path; empty disables it.
func (c *Config) GetMetricsPath() string {
	if c.MetricsPath == nil {
		return ""
	}
	return *c.MetricsPath
}

// GetReports reports whether PNG/HTML reports are written.
func (c *Config) GetReports() bool {
	if c.Reports == nil {
		return false
	}
	return *c.Reports
}

// GroupNames returns the configured device group names in sorted order.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.DeviceGroups))
	for name := range c.DeviceGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
