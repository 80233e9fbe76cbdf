package advisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quotemirror/pkg/confkit"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	defaultTolerance  = 0.8

	envAPIKey  = "ADVISOR_API_KEY"
	envBaseURL = "ADVISOR_BASE_URL"
	envModel   = "ADVISOR_MODEL"
)

// Config holds runtime settings for the advisor client.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"-"`

	MaxRetries int `yaml:"max_retries"`

	// ParseTolerance is the minimum fraction of suggestions that must
	// decode for a partially malformed response to be accepted.
	ParseTolerance float64 `yaml:"parse_tolerance"`

	timeoutRaw string
}

// LoadConfig reads advisor configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open advisor config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads advisor configuration from the default project location
// and panics on error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/advisor.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	var raw struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Model          string `yaml:"model"`
		Timeout        string `yaml:"timeout"`
		MaxRetries     int    `yaml:"max_retries"`
		ParseTolerance string `yaml:"parse_tolerance"`
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read advisor config: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal advisor config: %w", err)
	}

	cfg := &Config{
		BaseURL:    strings.TrimSpace(os.ExpandEnv(raw.BaseURL)),
		APIKey:     strings.TrimSpace(os.ExpandEnv(raw.APIKey)),
		Model:      strings.TrimSpace(os.ExpandEnv(raw.Model)),
		MaxRetries: raw.MaxRetries,
		timeoutRaw: strings.TrimSpace(raw.Timeout),
	}
	if raw.ParseTolerance != "" {
		tol, err := strconv.ParseFloat(raw.ParseTolerance, 64)
		if err != nil {
			return nil, fmt.Errorf("advisor config: invalid parse_tolerance %q: %w", raw.ParseTolerance, err)
		}
		cfg.ParseTolerance = tol
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.parseTimeout(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ParseTolerance == 0 {
		c.ParseTolerance = defaultTolerance
	}
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(envAPIKey)); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(envBaseURL)); v != "" {
		c.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envModel)); v != "" {
		c.Model = v
	}
}

func (c *Config) parseTimeout() error {
	if c.timeoutRaw == "" {
		c.Timeout = defaultTimeout
		return nil
	}
	d, err := time.ParseDuration(c.timeoutRaw)
	if err != nil {
		return fmt.Errorf("advisor config: invalid timeout %q: %w", c.timeoutRaw, err)
	}
	c.Timeout = d
	return nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("advisor config: api_key is required")
	}
	if c.Model == "" {
		return errors.New("advisor config: model is required")
	}
	if c.ParseTolerance < 0 || c.ParseTolerance > 1 {
		return fmt.Errorf("advisor config: parse_tolerance must be within [0, 1], got %v", c.ParseTolerance)
	}
	return nil
}
