package provider

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"quotemirror/pkg/confkit"
)

// Config describes the set of data providers available to the application.
type Config struct {
	Default   string                     `yaml:"default"`
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures a single provider instance.
type ProviderConfig struct {
	Type    string `yaml:"type"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`

	Axis              string `yaml:"axis"`
	MaxRowsPerRequest int    `yaml:"max_rows_per_request"`
	RequestsPerSecond int    `yaml:"requests_per_second"`

	TimeoutRaw     string        `yaml:"timeout"`
	Timeout        time.Duration `yaml:"-"`
	GranularityRaw string        `yaml:"granularity"`
	Granularity    time.Duration `yaml:"-"`
	DelayRaw       string        `yaml:"delay"`
	Delay          time.Duration `yaml:"-"`

	EarliestRaw string    `yaml:"earliest"`
	Earliest    time.Time `yaml:"-"`
}

// Capability assembles the capability profile implied by the config,
// applying the defaults the reference Tushare limits use.
func (p *ProviderConfig) Capability() (Capability, error) {
	axis, err := ParseBatchAxis(p.Axis)
	if err != nil {
		return Capability{}, err
	}
	cap := Capability{
		Axis:              axis,
		MaxRowsPerRequest: p.MaxRowsPerRequest,
		Granularity:       p.Granularity,
		RequestsPerSecond: p.RequestsPerSecond,
		Earliest:          p.Earliest,
		Delay:             p.Delay,
	}
	if cap.MaxRowsPerRequest == 0 {
		cap.MaxRowsPerRequest = 6000
	}
	if cap.Granularity == 0 {
		cap.Granularity = 24 * time.Hour
	}
	if cap.RequestsPerSecond == 0 {
		cap.RequestsPerSecond = 10
	}
	if cap.Delay == 0 {
		cap.Delay = cap.Granularity
		if cap.Delay < time.Hour {
			cap.Delay = time.Hour
		}
	}
	if err := cap.Validate(); err != nil {
		return Capability{}, err
	}
	return cap, nil
}

// Builder constructs a Provider from configuration.
type Builder func(name string, cfg *ProviderConfig) (Provider, error)

var (
	registry   = make(map[string]Builder)
	registryMu sync.RWMutex
)

// Register registers a provider constructor under a type name. Adapters
// call this from an init function so importing them is enough to enable
// the type in config files.
func Register(typeName string, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupBuilder(typeName string) (Builder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	builder, ok := registry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads provider configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open provider config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads provider configuration from the default project location
// and panics on error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/provider.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal provider config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, pc := range c.Providers {
		if pc == nil {
			pc = &ProviderConfig{}
			c.Providers[name] = pc
		}
		pc.expandEnv()
		if err := pc.parseRawFields(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProviderConfig) expandEnv() {
	p.Type = strings.TrimSpace(os.ExpandEnv(p.Type))
	p.Token = strings.TrimSpace(os.ExpandEnv(p.Token))
	p.BaseURL = strings.TrimSpace(os.ExpandEnv(p.BaseURL))
	p.Axis = strings.TrimSpace(os.ExpandEnv(p.Axis))
	p.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(p.TimeoutRaw))
	p.GranularityRaw = strings.TrimSpace(os.ExpandEnv(p.GranularityRaw))
	p.DelayRaw = strings.TrimSpace(os.ExpandEnv(p.DelayRaw))
	p.EarliestRaw = strings.TrimSpace(os.ExpandEnv(p.EarliestRaw))
}

func (p *ProviderConfig) parseRawFields(name string) error {
	parse := func(raw, field string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("provider %s: invalid %s %q: %w", name, field, raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("provider %s: %s must be positive, got %s", name, field, d)
		}
		*dst = d
		return nil
	}
	if err := parse(p.TimeoutRaw, "timeout", &p.Timeout); err != nil {
		return err
	}
	if err := parse(p.GranularityRaw, "granularity", &p.Granularity); err != nil {
		return err
	}
	if err := parse(p.DelayRaw, "delay", &p.Delay); err != nil {
		return err
	}
	if p.EarliestRaw != "" {
		t, err := time.Parse("2006-01-02", p.EarliestRaw)
		if err != nil {
			return fmt.Errorf("provider %s: invalid earliest %q: %w", name, p.EarliestRaw, err)
		}
		p.Earliest = t
	}
	return nil
}

// Validate ensures the configuration is structurally sound. Unknown
// provider types and batch axes fail here, at startup, not per query.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("provider config: providers cannot be empty")
	}
	if c.Default != "" {
		if _, ok := c.Providers[c.Default]; !ok {
			return fmt.Errorf("provider config: default provider %q not defined", c.Default)
		}
	}
	for name, pc := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("provider config: provider name cannot be empty")
		}
		if strings.TrimSpace(pc.Type) == "" {
			return fmt.Errorf("provider config: provider %s must specify type", name)
		}
		if _, ok := lookupBuilder(pc.Type); !ok {
			return fmt.Errorf("provider config: provider %s has unsupported type %q", name, pc.Type)
		}
		if _, err := ParseBatchAxis(pc.Axis); err != nil {
			return fmt.Errorf("provider config: provider %s: %w", name, err)
		}
	}
	return nil
}

// BuildProviders instantiates providers according to configuration.
func (c *Config) BuildProviders() (map[string]Provider, error) {
	result := make(map[string]Provider, len(c.Providers))
	for name, pc := range c.Providers {
		builder, ok := lookupBuilder(pc.Type)
		if !ok {
			return nil, fmt.Errorf("provider %s: unsupported type %q", name, pc.Type)
		}
		p, err := builder(name, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		result[name] = p
	}
	return result, nil
}
