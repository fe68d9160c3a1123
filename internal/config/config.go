// Package config loads target profiles: the architecture, calling
// convention, instruction-set extensions and block limits a compilation runs
// against.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

const (
	// SchemaVersion is written into new profiles.
	SchemaVersion = "v1.2.0"
	// MinSchemaVersion is the oldest profile layout still understood.
	MinSchemaVersion = "v1.1.0"
)

// Profile describes one target configuration on disk.
type Profile struct {
	Version string   `yaml:"version" toml:"version"`
	Name    string   `yaml:"name,omitempty" toml:"name,omitempty"`
	Arch    string   `yaml:"arch" toml:"arch"`
	ABI     string   `yaml:"abi,omitempty" toml:"abi,omitempty"`
	ISA     []string `yaml:"isa,omitempty" toml:"isa,omitempty"`
	// Host replaces ISA with the extensions of the running processor.
	Host   bool           `yaml:"host,omitempty" toml:"host,omitempty"`
	Limits *target.Limits `yaml:"limits,omitempty" toml:"limits,omitempty"`
	Log    LogConfig      `yaml:"log,omitempty" toml:"log,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty" toml:"level,omitempty"`
}

// Format is the encoding of a profile file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the encoding from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", jiterr.BadInputf("config: unsupported profile extension %q", filepath.Ext(path))
}

func (p *Profile) normalize() {
	if p.Version == "" {
		p.Version = SchemaVersion
	}
	if p.Version[0] != 'v' {
		p.Version = "v" + p.Version
	}
	if p.ABI == "" {
		switch strings.ToLower(p.Arch) {
		case "arm64", "aarch64":
			p.ABI = string(target.ConvAAPCS64)
		default:
			p.ABI = string(target.ConvSysV)
		}
	}
	if p.Name == "" {
		p.Name = p.Arch + "-" + p.ABI
	}
}

// Parse decodes a profile.
func Parse(data []byte, format Format) (*Profile, error) {
	var p Profile
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, jiterr.BadInputf("config: parse yaml: %v", err)
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, jiterr.BadInputf("config: parse toml: %v", err)
		}
	default:
		return nil, jiterr.BadInputf("config: unknown format %q", format)
	}
	p.normalize()
	return &p, nil
}

// Load reads and validates a profile file.
func Load(path string) (*Profile, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	p, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate reports every problem with the profile at once.
func (p *Profile) Validate() error {
	var errs error
	if !semver.IsValid(p.Version) {
		errs = multierr.Append(errs, fmt.Errorf("version %q is not a semantic version", p.Version))
	} else {
		if semver.Major(p.Version) != semver.Major(SchemaVersion) {
			errs = multierr.Append(errs, fmt.Errorf("version %s: unsupported major version", p.Version))
		}
		if semver.Compare(p.Version, MinSchemaVersion) < 0 {
			errs = multierr.Append(errs, fmt.Errorf("version %s is older than %s", p.Version, MinSchemaVersion))
		}
	}
	arch, err := target.ParseArch(p.Arch)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := target.ParseCallConv(p.ABI); err != nil {
		errs = multierr.Append(errs, err)
	}
	if !p.Host {
		set, err := target.ParseISASet(p.ISA)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		for _, i := range set.List() {
			if arch != target.ArchInvalid && i.Arch() != arch {
				errs = multierr.Append(errs, fmt.Errorf("isa %s is not available on %s", i, arch))
			}
		}
	}
	if l := p.Limits; l != nil {
		for name, v := range map[string]int{
			"initBlkUnroll":   l.InitBlkUnroll,
			"initBlkStos":     l.InitBlkStos,
			"cpBlkUnroll":     l.CpBlkUnroll,
			"cpBlkMovs":       l.CpBlkMovs,
			"cpObjNonGCSlots": l.CpObjNonGCSlots,
		} {
			if v < 0 {
				errs = multierr.Append(errs, fmt.Errorf("limits.%s must not be negative", name))
			}
		}
	}
	if _, err := p.LogLevel(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return jiterr.BadInputf("config: profile %s: %v", p.Name, errs)
	}
	return nil
}

// Target builds the target description the profile selects.
func (p *Profile) Target() (*target.Target, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	arch, _ := target.ParseArch(p.Arch)
	conv, _ := target.ParseCallConv(p.ABI)
	var isa target.ISASet
	if p.Host {
		if target.HostArch() != arch {
			return nil, jiterr.BadInputf("config: host is %s, profile wants %s", target.HostArch(), arch)
		}
		isa = target.HostISA()
	} else {
		isa, _ = target.ParseISASet(p.ISA)
	}
	t, err := target.New(p.Name, arch, conv, isa)
	if err != nil {
		return nil, jiterr.BadInputf("config: %v", err)
	}
	if p.Limits != nil {
		t = t.WithLimits(*p.Limits)
	}
	return t, nil
}

// LogLevel maps the profile's log level onto slog.
func (p *Profile) LogLevel() (slog.Level, error) {
	switch strings.ToLower(p.Log.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", p.Log.Level)
}

// FromTarget renders t as a profile, for `jitlower targets -dump`.
func FromTarget(t *target.Target) *Profile {
	names := make([]string, 0, t.ISA.Len())
	for _, i := range t.ISA.List() {
		names = append(names, i.String())
	}
	l := t.Limits
	return &Profile{
		Version: SchemaVersion,
		Name:    t.Name,
		Arch:    string(t.Arch),
		ABI:     string(t.ABI.Conv),
		ISA:     names,
		Limits:  &l,
	}
}

// Marshal encodes p in format.
func (p *Profile) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return nil, fmt.Errorf("config: encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("config: encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatTOML:
		return toml.Marshal(p)
	}
	return nil, jiterr.BadInputf("config: unknown format %q", format)
}
