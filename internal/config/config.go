// Package config loads, validates and saves the auto-dns configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/reconciler"
	"github.com/yuriy-kovalchuk/auto-dns/internal/resolver"
	"github.com/yuriy-kovalchuk/auto-dns/internal/scheduler"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "AUTO_DNS_CONFIG"

const (
	FileName        = "config.yaml"
	DefaultTTL      = 300
	DefaultInterval = 5 * time.Minute
)

var zoneIDPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// Config is the on-disk configuration.
type Config struct {
	ProviderConfig `yaml:",inline"`

	Records        []RecordConfig    `yaml:"records"`
	Interval       Duration          `yaml:"interval,omitempty"`
	Resolver       ResolverConfig    `yaml:"resolver,omitempty"`
	Propagation    PropagationConfig `yaml:"propagation,omitempty"`
	StoreTimeout   Duration          `yaml:"store_timeout,omitempty"`
	MaxConcurrency int               `yaml:"max_concurrency,omitempty"`
	Status         StatusConfig      `yaml:"status,omitempty"`
}

// RecordConfig is one managed record.
type RecordConfig struct {
	Name   string `yaml:"name"`
	ZoneID string `yaml:"zone_id"`
	TTL    int64  `yaml:"ttl,omitempty"`
}

type ResolverConfig struct {
	IPVersion int      `yaml:"ip_version,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
	Services  []string `yaml:"services,omitempty"`
}

type PropagationConfig struct {
	Wait        bool     `yaml:"wait,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	Nameservers []string `yaml:"nameservers,omitempty"`
}

type StatusConfig struct {
	// Address is the listen address of the status server; empty disables it.
	Address string `yaml:"address,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// DefaultPath is the per-user configuration file.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "auto-dns", FileName), nil
}

// FindPath returns the configuration file to use: explicit if set, else
// $AUTO_DNS_CONFIG, else ./config.yaml, else the per-user default.
func FindPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	candidates := []string{FileName}
	if p, err := DefaultPath(); err == nil {
		candidates = append(candidates, p)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched %s)", ErrNotFound, strings.Join(candidates, ", "))
}

// Load reads, defaults and validates the configuration at path. A .env
// file next to it is loaded first so settings can reference its variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := loadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.expandSettings()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without defaulting or validation. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &cfg, nil
}

func loadDotEnv(dir string) error {
	var files []string
	for _, p := range []string{filepath.Join(dir, ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil && !slices.Contains(files, p) {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	for i := range c.Records {
		c.Records[i].Name = strings.TrimSuffix(strings.TrimSpace(c.Records[i].Name), ".")
		if c.Records[i].TTL == 0 {
			c.Records[i].TTL = DefaultTTL
		}
	}
	if c.Interval.Duration == 0 {
		c.Interval.Duration = DefaultInterval
	}
	if c.Resolver.IPVersion == 0 {
		c.Resolver.IPVersion = int(resolver.IPv4)
	}
	if c.Resolver.Timeout.Duration == 0 {
		c.Resolver.Timeout.Duration = resolver.DefaultTimeout
	}
	if len(c.Resolver.Services) == 0 {
		if c.Resolver.IPVersion == int(resolver.IPv6) {
			c.Resolver.Services = slices.Clone(resolver.DefaultIPv6Services)
		} else {
			c.Resolver.Services = slices.Clone(resolver.DefaultIPv4Services)
		}
	}
	if c.Propagation.Timeout.Duration == 0 {
		c.Propagation.Timeout.Duration = reconciler.DefaultPropagationTimeout
	}
	if c.StoreTimeout.Duration == 0 {
		c.StoreTimeout.Duration = reconciler.DefaultStoreTimeout
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = reconciler.DefaultMaxConcurrency
	}
}

// Validate reports every invalid field. The returned error matches
// ErrInvalidConfig, and ErrNoRecords when the record list is empty.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.Provider == "":
		errs = append(errs, invalid("provider", "missing required field"))
	case !slices.Contains(dns.Registered(), c.Provider):
		errs = append(errs, invalid("provider", "unsupported provider %q (registered: %v)", c.Provider, dns.Registered()))
	}

	if len(c.Records) == 0 {
		errs = append(errs, &ValidationError{Field: "records", Err: ErrNoRecords})
	}
	seen := make(map[string]bool, len(c.Records))
	for i, r := range c.Records {
		field := fmt.Sprintf("records[%d]", i)
		switch {
		case r.Name == "":
			errs = append(errs, invalid(field+".name", "missing required field"))
		case !strings.Contains(r.Name, "."):
			errs = append(errs, invalid(field+".name", "%q is not a fully-qualified name", r.Name))
		case seen[strings.ToLower(r.Name)]:
			errs = append(errs, invalid(field+".name", "%q is configured more than once", r.Name))
		}
		seen[strings.ToLower(r.Name)] = true

		if r.ZoneID == "" {
			errs = append(errs, invalid(field+".zone_id", "missing required field"))
		} else if !zoneIDPattern.MatchString(r.ZoneID) {
			errs = append(errs, invalid(field+".zone_id", "%q is not a valid zone identifier", r.ZoneID))
		}
		if r.TTL < 0 {
			errs = append(errs, invalid(field+".ttl", "must be positive, got %d", r.TTL))
		}
	}

	if c.Interval.Duration < scheduler.MinInterval {
		errs = append(errs, invalid("interval", "must be at least %s, got %s", scheduler.MinInterval, c.Interval))
	}
	if v := c.Resolver.IPVersion; v != int(resolver.IPv4) && v != int(resolver.IPv6) {
		errs = append(errs, invalid("resolver.ip_version", "must be 4 or 6, got %d", v))
	}
	if _, err := resolver.ParseEndpoints(c.Resolver.Services); err != nil {
		errs = append(errs, &ValidationError{Field: "resolver.services", Err: err})
	}
	for name, d := range map[string]Duration{
		"resolver.timeout":    c.Resolver.Timeout,
		"propagation.timeout": c.Propagation.Timeout,
		"store_timeout":       c.StoreTimeout,
	} {
		if d.Duration < 0 {
			errs = append(errs, invalid(name, "must be positive, got %s", d))
		}
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, invalid("max_concurrency", "must be positive, got %d", c.MaxConcurrency))
	}

	return utilerrors.NewAggregate(errs)
}

// Family is the address family selected by resolver.ip_version.
func (c *Config) Family() resolver.Family {
	return resolver.Family(c.Resolver.IPVersion)
}

// Targets converts the configured records into reconciliation targets.
func (c *Config) Targets() []dns.RecordTarget {
	recordType := "A"
	if c.Family() == resolver.IPv6 {
		recordType = "AAAA"
	}
	targets := make([]dns.RecordTarget, 0, len(c.Records))
	for _, r := range c.Records {
		targets = append(targets, dns.RecordTarget{
			Name:   r.Name,
			ZoneID: r.ZoneID,
			TTL:    r.TTL,
			Type:   recordType,
		})
	}
	return targets
}

// Save writes cfg to path with owner-only permissions, creating parent
// directories.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
