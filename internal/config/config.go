package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

// EnvPrefix prefixes environment overrides, e.g. MHM_VERBOSE=true.
const EnvPrefix = "MHM_"

// ErrConfig indicates the config file could not be parsed or is invalid.
var ErrConfig = errors.New("invalid configuration")

// Config is the daemon configuration. The on-disk form is a flat key=value
// file: double-quoted strings, bracketed lists, bare booleans and numbers.
type Config struct {
	ModuleDir   string   `koanf:"moduledir" json:"moduledir"`
	TempDir     string   `koanf:"tempdir" json:"tempdir"`
	MountSource string   `koanf:"mountsource" json:"mountsource"`
	Verbose     bool     `koanf:"verbose" json:"verbose"`
	Partitions  []string `koanf:"partitions" json:"partitions"`

	// Priority lists module ids in mount order; unlisted modules follow
	// in id order. Later mounts sit on top.
	Priority []string `koanf:"priority" json:"priority"`

	DefaultMode rules.Mode `koanf:"default_mode" json:"default_mode"`
	LogFile     string     `koanf:"log_file" json:"log_file"`
	StoragePath string     `koanf:"storage_path" json:"storage_path"`

	// StorageMode selects where layers are mounted from: direct, tmpfs,
	// ext4 or auto.
	StorageMode string `koanf:"storage_mode" json:"storage_mode"`

	GranaryAuto bool `koanf:"granary_auto" json:"granary_auto"`
	MaxSilos    int  `koanf:"max_silos" json:"max_silos"`

	HymoBin     string `koanf:"hymo_bin" json:"hymo_bin"`
	HymoRules   string `koanf:"hymo_rules" json:"hymo_rules"`
	HymoTimeout int    `koanf:"hymo_timeout" json:"hymo_timeout"`

	MetricsFile string `koanf:"metrics_file" json:"metrics_file"`

	// ConflictOverlayInfo reports overlay-only collisions as Info.
	ConflictOverlayInfo bool `koanf:"conflict_overlay_info" json:"conflict_overlay_info"`
}

// Default returns the built-in configuration for paths p.
func Default(p *Paths) *Config {
	return &Config{
		ModuleDir:   DefaultModuleDir,
		MountSource: "KSU",
		Partitions:  []string{},
		Priority:    []string{},
		DefaultMode: rules.Overlay,
		LogFile:     p.Log,
		StoragePath: p.Root,
		StorageMode: "direct",
		MaxSilos:    10,
		HymoBin:     filepath.Join(p.Root, "bin", "hymo"),
		HymoRules:   p.HymoRules,
		HymoTimeout: 10,
		MetricsFile: p.Metrics,
	}
}

// HymoTimeoutDuration returns the enforcer call timeout.
func (c *Config) HymoTimeoutDuration() time.Duration {
	if c.HymoTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HymoTimeout) * time.Second
}

// AllPartitions returns the built-in partitions followed by configured
// extras, without duplicates.
func (c *Config) AllPartitions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(append([]string{}, BuiltinPartitions...), c.Partitions...) {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ModuleDir == "" {
		return fmt.Errorf("%w: moduledir is empty", ErrConfig)
	}
	if !c.DefaultMode.Valid() {
		return fmt.Errorf("%w: default_mode %s", ErrConfig, c.DefaultMode)
	}
	switch c.StorageMode {
	case "direct", "tmpfs", "ext4", "auto":
	default:
		return fmt.Errorf("%w: storage_mode %q", ErrConfig, c.StorageMode)
	}
	if c.MaxSilos < 0 {
		return fmt.Errorf("%w: max_silos must not be negative", ErrConfig)
	}
	for _, part := range c.Partitions {
		if err := fsops.ValidateIdentifier(strings.Trim(part, "/")); err != nil {
			return fmt.Errorf("%w: partition %q: %v", ErrConfig, part, err)
		}
	}
	return nil
}

// ToMap flattens the config into koanf keys.
func (c *Config) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"moduledir":             c.ModuleDir,
		"tempdir":               c.TempDir,
		"mountsource":           c.MountSource,
		"verbose":               c.Verbose,
		"partitions":            nonNil(c.Partitions),
		"priority":              nonNil(c.Priority),
		"default_mode":          c.DefaultMode.String(),
		"log_file":              c.LogFile,
		"storage_path":          c.StoragePath,
		"storage_mode":          c.StorageMode,
		"granary_auto":          c.GranaryAuto,
		"max_silos":             int64(c.MaxSilos),
		"hymo_bin":              c.HymoBin,
		"hymo_rules":            c.HymoRules,
		"hymo_timeout":          int64(c.HymoTimeout),
		"metrics_file":          c.MetricsFile,
		"conflict_overlay_info": c.ConflictOverlayInfo,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Load layers defaults, the file at path (when it exists) and MHM_*
// environment variables, in that order.
func Load(p *Paths, path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Default(p).ToMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	return unmarshal(k)
}

// LoadOrDefault behaves like Load but falls back to the built-in default
// when the file cannot be parsed. The parse error is returned alongside so
// callers can log it.
func LoadOrDefault(p *Paths, path string) (*Config, error) {
	cfg, err := Load(p, path)
	if err != nil {
		return Default(p), err
	}
	return cfg, nil
}

// Parse decodes config text on top of the defaults, without consulting the
// environment.
func Parse(p *Paths, data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Default(p).ToMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}
	parsed, err := toml.Parser().Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := k.Load(confmap.Provider(parsed, "."), nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return unmarshal(k)
}

// Marshal renders the config as key=value text.
func (c *Config) Marshal() ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(c.ToMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load config map: %w", err)
	}
	data, err := k.Marshal(toml.Parser())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save writes the config atomically to path.
func (c *Config) Save(fs fsops.FS, path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	header := []byte("# metahybrid configuration\n")
	if err := fs.AtomicWrite(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
