package config

import (
	"maps"
	"os"
	"strings"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
)

// ProviderConfig holds the DNS provider type and its provider-specific
// connection settings.
type ProviderConfig struct {
	Provider string            `yaml:"provider"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// expandSettings replaces ${ENV_VAR} references in setting values.
func (p *ProviderConfig) expandSettings() {
	for k, v := range p.Settings {
		p.Settings[k] = os.ExpandEnv(v)
	}
}

// ProviderSettings returns the settings handed to the provider factory.
// Propagation nameservers are passed as "nameservers" unless the provider
// settings already name their own.
func (c *Config) ProviderSettings() map[string]string {
	settings := maps.Clone(c.Settings)
	if settings == nil {
		settings = map[string]string{}
	}
	if settings["nameservers"] == "" && len(c.Propagation.Nameservers) > 0 {
		settings["nameservers"] = strings.Join(c.Propagation.Nameservers, ",")
	}
	return settings
}

// NewProvider creates the configured record store from the registry.
func (c *Config) NewProvider(log logr.Logger) (dns.Provider, error) {
	return dns.NewProvider(c.Provider, log.WithName(c.Provider), c.ProviderSettings())
}
