package webhooks

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config lists the endpoints notified about escrow settlements.
type Config struct {
	Timeout   Duration   `yaml:"timeout"`
	Retry     Retry      `yaml:"retry"`
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Retry configures redelivery of failed webhooks.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	MinBackoff  Duration `yaml:"min_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// Endpoint is a single webhook receiver. Events defaults to the settlement
// events (released, refunded, resolved).
type Endpoint struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	SecretEnv string   `yaml:"secret_env"`
	Events    []string `yaml:"events"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open webhooks config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode webhooks config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures every endpoint is addressable and has a secret variable.
func (c Config) Validate() error {
	if c.Timeout.Duration < 0 {
		return errors.New("webhooks: timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("webhooks: retry.max_attempts must not be negative")
	}
	if c.Retry.MaxBackoff.Duration > 0 && c.Retry.MaxBackoff.Duration < c.Retry.MinBackoff.Duration {
		return errors.New("webhooks: retry.max_backoff must be >= retry.min_backoff")
	}
	seen := make(map[string]struct{}, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		name := ep.label(i)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("webhooks: duplicate endpoint %q", name)
		}
		seen[name] = struct{}{}
		parsed, err := url.Parse(strings.TrimSpace(ep.URL))
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("webhooks: endpoint %q: url must be absolute http(s)", name)
		}
		if strings.TrimSpace(ep.SecretEnv) == "" {
			return fmt.Errorf("webhooks: endpoint %q: secret_env required", name)
		}
		for _, evt := range ep.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhooks: endpoint %q: empty event type", name)
			}
		}
	}
	return nil
}

func (e Endpoint) label(i int) string {
	if name := strings.TrimSpace(e.Name); name != "" {
		return name
	}
	return fmt.Sprintf("endpoint-%d", i)
}

// Secret resolves the signing secret from the environment.
func (e Endpoint) Secret() ([]byte, error) {
	value := strings.TrimSpace(os.Getenv(strings.TrimSpace(e.SecretEnv)))
	if value == "" {
		return nil, fmt.Errorf("webhooks: secret env %s is empty", e.SecretEnv)
	}
	return []byte(value), nil
}
