// Package cli implements the auto-dns command line.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	_ "github.com/yuriy-kovalchuk/auto-dns/internal/dns/providers"
)

var Version = "dev"

// exitError carries a process exit status without printing anything more.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type rootOptions struct {
	configPath string
	verbose    bool
	zap        zap.Options
	stdin      io.Reader
	stdout     io.Writer
}

// NewRootCommand builds the command tree. The root command runs the
// updater, the same as "run".
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{stdin: os.Stdin, stdout: os.Stdout})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	run := newRunCommand(opts)

	cmd := &cobra.Command{
		Use:           "auto-dns",
		Short:         "Keep DNS records pointed at this host's public IP address",
		Long:          "auto-dns resolves the public IP address through external echo services and updates the configured DNS records whenever the published value differs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run.RunE,
	}
	cmd.Flags().AddFlagSet(run.Flags())

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file (default: $AUTO_DNS_CONFIG, ./config.yaml, ~/.config/auto-dns/config.yaml)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	zapFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.zap.BindFlags(zapFlags)
	pf.AddGoFlagSet(zapFlags)

	cmd.AddCommand(run, newInitCommand(opts), newInstallServiceCommand(opts), newVersionCommand(opts))
	return cmd
}

// logger configures the process logger from the flags and returns it.
func (o *rootOptions) logger() logr.Logger {
	zo := o.zap
	if o.verbose {
		zo.Development = true
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zo)))
	return ctrl.Log
}

// Execute runs the command line and returns the process exit status.
func Execute() int {
	err := NewRootCommand().Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
