// Package service renders and installs the systemd unit that runs auto-dns
// as a daemon.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/ini.v1"
)

const (
	UnitName        = "auto-dns.service"
	DefaultUnitPath = "/etc/systemd/system/" + UnitName
	systemdRunDir   = "/run/systemd/system"
)

var (
	ErrNoSystemd = errors.New("systemd is not available on this system")
	ErrNotRoot   = errors.New("installing a systemd unit requires root")
)

// Unit describes the daemon invocation written into the unit file.
type Unit struct {
	Executable string
	ConfigPath string
	Interval   time.Duration
	Verbose    bool
}

const unsafeUnitChars = "#;%`\n\r"

// Render returns the unit file contents.
func (u Unit) Render() ([]byte, error) {
	if !filepath.IsAbs(u.Executable) || !filepath.IsAbs(u.ConfigPath) {
		return nil, fmt.Errorf("unit paths must be absolute: %q, %q", u.Executable, u.ConfigPath)
	}
	// The ini writer quotes values containing these and systemd treats % as
	// a specifier, so such paths cannot be expressed in the unit.
	for _, p := range []string{u.Executable, u.ConfigPath} {
		if strings.ContainsAny(p, unsafeUnitChars) {
			return nil, fmt.Errorf("unit path %q contains one of %q", p, unsafeUnitChars)
		}
	}

	cfg := ini.Empty(ini.LoadOptions{AllowShadows: true})
	sections := []struct {
		name string
		keys [][2]string
	}{
		{"Unit", [][2]string{
			{"Description", "Auto DNS Updater"},
			{"After", "network-online.target"},
			{"Wants", "network-online.target"},
		}},
		{"Service", [][2]string{
			{"Type", "simple"},
			{"ExecStart", u.execStart()},
			{"Restart", "always"},
			{"RestartSec", "10"},
			{"User", "root"},
			{"Group", "root"},
			{"Environment", "AWS_CONFIG_FILE=/root/.aws/config"},
			{"Environment", "AWS_SHARED_CREDENTIALS_FILE=/root/.aws/credentials"},
			{"NoNewPrivileges", "true"},
			{"ProtectHome", "read-only"},
			{"ProtectSystem", "strict"},
			{"ReadWritePaths", filepath.Dir(u.ConfigPath)},
		}},
		{"Install", [][2]string{
			{"WantedBy", "multi-user.target"},
		}},
	}
	for _, s := range sections {
		sec, err := cfg.NewSection(s.name)
		if err != nil {
			return nil, err
		}
		for _, kv := range s.keys {
			if sec.HasKey(kv[0]) {
				if err := sec.Key(kv[0]).AddShadow(kv[1]); err != nil {
					return nil, err
				}
				continue
			}
			if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering unit: %w", err)
	}
	return buf.Bytes(), nil
}

func (u Unit) execStart() string {
	args := []string{quote(u.Executable), "run", "--config", quote(u.ConfigPath)}
	if u.Interval > 0 {
		args = append(args, "--interval", u.Interval.String())
	}
	if u.Verbose {
		args = append(args, "--verbose")
	}
	return strings.Join(args, " ")
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t'\"\\") {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
	}
	return s
}

// Installer writes the unit and registers it with systemd.
type Installer struct {
	UnitPath string
	Log      logr.Logger

	// Replaced in tests.
	SystemdDir string
	Geteuid    func() int
	Run        func(ctx context.Context, name string, args ...string) error
}

func NewInstaller(unitPath string, log logr.Logger) *Installer {
	if unitPath == "" {
		unitPath = DefaultUnitPath
	}
	return &Installer{
		UnitPath:   unitPath,
		Log:        log,
		SystemdDir: systemdRunDir,
		Geteuid:    os.Geteuid,
		Run:        runCommand,
	}
}

// Install writes the unit file, reloads systemd and enables the unit.
// With start set the service is started too. An unchanged unit file is
// left alone.
func (i *Installer) Install(ctx context.Context, unit Unit, start bool) error {
	if _, err := os.Stat(i.SystemdDir); err != nil {
		return ErrNoSystemd
	}
	if i.Geteuid() != 0 {
		return ErrNotRoot
	}

	content, err := unit.Render()
	if err != nil {
		return err
	}
	log := i.Log.WithValues("unit", i.UnitPath)
	if existing, err := os.ReadFile(i.UnitPath); err == nil && bytes.Equal(existing, content) {
		log.Info("systemd unit is up to date")
	} else {
		if err := os.MkdirAll(filepath.Dir(i.UnitPath), 0o755); err != nil {
			return fmt.Errorf("creating unit directory: %w", err)
		}
		if err := os.WriteFile(i.UnitPath, content, 0o644); err != nil {
			return fmt.Errorf("writing unit file: %w", err)
		}
		log.Info("wrote systemd unit")
	}

	name := filepath.Base(i.UnitPath)
	steps := [][]string{{"daemon-reload"}, {"enable", name}}
	if start {
		steps = append(steps, []string{"restart", name})
	}
	for _, args := range steps {
		if err := i.Run(ctx, "systemctl", args...); err != nil {
			return err
		}
		log.V(1).Info("ran systemctl", "args", strings.Join(args, " "))
	}
	log.Info("systemd service installed", "started", start,
		"status", "systemctl status "+name, "logs", "journalctl -u "+name+" -f")
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
