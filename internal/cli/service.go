package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuriy-kovalchuk/auto-dns/internal/config"
	"github.com/yuriy-kovalchuk/auto-dns/internal/scheduler"
	"github.com/yuriy-kovalchuk/auto-dns/internal/service"
)

func newInstallServiceCommand(root *rootOptions) *cobra.Command {
	var (
		interval time.Duration
		unitPath string
		noStart  bool
	)
	cmd := &cobra.Command{
		Use:   "install-service",
		Short: "Install and enable a systemd unit running auto-dns as a daemon",
		Long:  "install-service writes " + service.DefaultUnitPath + ", reloads systemd and enables the unit. It needs root and a running systemd.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := root.logger().WithName("install-service")
			if interval != 0 && interval < scheduler.MinInterval {
				return fmt.Errorf("--interval must be at least %s", scheduler.MinInterval)
			}

			path, err := config.FindPath(root.configPath)
			if err != nil {
				return err
			}
			// Fail before touching systemd if the daemon would not start.
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("unable to load config %s: %w", path, err)
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving executable path: %w", err)
			}
			if resolved, err := filepath.EvalSymlinks(exe); err == nil {
				exe = resolved
			}

			unit := service.Unit{Executable: exe, ConfigPath: abs, Interval: interval, Verbose: root.verbose}
			return service.NewInstaller(unitPath, log).Install(cmd.Context(), unit, !noStart)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&interval, "interval", 0, "Polling interval passed to the daemon (default: from the configuration)")
	f.StringVar(&unitPath, "unit-path", service.DefaultUnitPath, "Where to write the unit file")
	f.BoolVar(&noStart, "no-start", false, "Enable the unit without starting it")
	return cmd
}

func newVersionCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(root.stdout, Version)
		},
	}
}
