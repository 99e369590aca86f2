package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuriy-kovalchuk/auto-dns/internal/config"
	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/scheduler"
)

type settingPrompt struct {
	key      string
	question string
	def      string
	secret   bool
	optional bool
}

// providerSettings lists what init asks for each provider. Anything else
// can be added to the file by hand.
var providerSettings = map[string][]settingPrompt{
	"route53": {
		{key: "region", question: "AWS region", def: "us-east-1"},
		{key: "access_key_id", question: "AWS access key ID (empty to use the default credential chain)", optional: true},
		{key: "secret_access_key", question: "AWS secret access key", secret: true},
	},
	"cloudflare": {
		{key: "api_token", question: "Cloudflare API token", secret: true},
	},
	"aliyun": {
		{key: "access_key_id", question: "Alibaba Cloud AccessKey ID"},
		{key: "access_key_secret", question: "Alibaba Cloud AccessKey secret", secret: true},
	},
	"tencent": {
		{key: "secret_id", question: "Tencent Cloud SecretId"},
		{key: "secret_key", question: "Tencent Cloud SecretKey", secret: true},
	},
	"opnsense": {
		{key: "base_url", question: "OPNsense API URL", def: "https://opnsense.local/api"},
		{key: "api_key", question: "OPNsense API key"},
		{key: "api_secret", question: "OPNsense API secret", secret: true},
	},
	"dryrun": {
		{key: "current", question: "Simulated current address", optional: true},
	},
}

var zonePrompt = map[string]string{
	"route53":    "Hosted zone ID",
	"cloudflare": "Zone ID",
}

func newInitCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively create a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil {
				p := newPrompter(root.stdin, root.stdout)
				ok, err := p.confirm(fmt.Sprintf("%s already exists. Overwrite it?", path), false)
				if err != nil || !ok {
					return err
				}
				return runInit(p, path)
			}
			return runInit(newPrompter(root.stdin, root.stdout), path)
		},
	}
}

// runInit builds a configuration from answers and saves it to path.
func runInit(p *prompter, path string) error {
	cfg, err := askConfig(p)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration is not valid: %w", err)
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "Configuration written to %s\n", path)
	return nil
}

func askConfig(p *prompter) (*config.Config, error) {
	cfg := &config.Config{}
	provider, err := p.choose("DNS provider", dns.Registered(), "route53")
	if err != nil {
		return nil, err
	}
	cfg.Provider = provider
	cfg.Settings = map[string]string{}

	for _, s := range providerSettings[provider] {
		var v string
		switch {
		case s.secret && s.key == "secret_access_key" && cfg.Settings["access_key_id"] == "":
			continue
		case s.secret:
			v, err = p.secret(s.question)
		case s.optional || s.def != "":
			v, err = p.ask(s.question, s.def)
		default:
			v, err = p.required(s.question)
		}
		if err != nil {
			return nil, err
		}
		if v != "" {
			cfg.Settings[s.key] = v
		}
	}

	zoneQuestion := zonePrompt[provider]
	if zoneQuestion == "" {
		zoneQuestion = "Zone (domain name)"
	}
	for {
		var r config.RecordConfig
		if r.Name, err = p.required("Record name (e.g. home.example.com)"); err != nil {
			return nil, err
		}
		if r.ZoneID, err = p.required(zoneQuestion); err != nil {
			return nil, err
		}
		if r.TTL, err = p.number("TTL in seconds", config.DefaultTTL); err != nil {
			return nil, err
		}
		cfg.Records = append(cfg.Records, r)

		more, err := p.confirm("Add another record?", false)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}

	for {
		s, err := p.ask("Check interval", config.DefaultInterval.String())
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(s)
		if err == nil && d >= scheduler.MinInterval {
			cfg.Interval.Duration = d
			break
		}
		fmt.Fprintf(p.out, "  %q is not a duration of at least %s\n", s, scheduler.MinInterval)
	}
	return cfg, nil
}
