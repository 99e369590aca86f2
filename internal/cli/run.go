package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/yuriy-kovalchuk/auto-dns/internal/config"
	"github.com/yuriy-kovalchuk/auto-dns/internal/reconciler"
	"github.com/yuriy-kovalchuk/auto-dns/internal/resolver"
	"github.com/yuriy-kovalchuk/auto-dns/internal/scheduler"
	"github.com/yuriy-kovalchuk/auto-dns/internal/status"
)

type runOptions struct {
	*rootOptions
	once       bool
	interval   time.Duration
	staticIP   string
	statusAddr string

	// registry receives the cycle metrics, ctrlmetrics.Registry when nil.
	registry ctrlmetrics.RegistererGatherer
}

func newRunCommand(root *rootOptions) *cobra.Command {
	o := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile the configured records, once or on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&o.once, "once", false, "Run a single cycle and exit; the exit status is 1 if any record failed")
	f.DurationVar(&o.interval, "interval", 0, "Override the polling interval from the configuration")
	f.StringVar(&o.staticIP, "ip", "", "Use this address instead of querying the echo services")
	f.StringVar(&o.statusAddr, "status-addr", "", "Serve health, metrics and status on this address (overrides status.address)")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	log := o.logger()
	setupLog := log.WithName("setup")
	setupLog.Info("starting auto-dns", "version", Version)

	path, err := o.findConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("unable to load config %s: %w", path, err)
	}
	if o.interval > 0 {
		if o.interval < scheduler.MinInterval {
			return fmt.Errorf("--interval must be at least %s", scheduler.MinInterval)
		}
		cfg.Interval.Duration = o.interval
	}
	if o.statusAddr != "" {
		cfg.Status.Address = o.statusAddr
	}
	setupLog.Info("loaded config", "path", path, "provider", cfg.Provider, "records", len(cfg.Records))

	rec, err := o.newReconciler(cfg, log)
	if err != nil {
		return err
	}
	sched := scheduler.New(rec, cfg.Interval.Duration, log.WithName("scheduler"))

	ctx := ctrl.SetupSignalHandler()
	if o.once {
		res := sched.RunOnce(ctx)
		printSummary(o.stdout, res)
		if res.Failed() {
			setupLog.Error(res.Err(), "cycle failed", "cycle", res.ID.String())
			return &exitError{code: 1}
		}
		return nil
	}
	return o.daemon(ctx, path, cfg, sched, setupLog)
}

func (o *runOptions) newReconciler(cfg *config.Config, log logr.Logger) (*reconciler.Reconciler, error) {
	provider, err := cfg.NewProvider(log.WithName("dns"))
	if err != nil {
		return nil, fmt.Errorf("unable to create DNS provider: %w", err)
	}

	var res resolver.Interface
	if o.staticIP != "" {
		res, err = resolver.NewStatic(o.staticIP, cfg.Family())
		if err != nil {
			return nil, fmt.Errorf("--ip: %w", err)
		}
	} else {
		endpoints, err := resolver.ParseEndpoints(cfg.Resolver.Services)
		if err != nil {
			return nil, err
		}
		res, err = resolver.NewWeb(endpoints,
			resolver.WithFamily(cfg.Family()),
			resolver.WithTimeout(cfg.Resolver.Timeout.Duration),
			resolver.WithLogger(log.WithName("resolver")))
		if err != nil {
			return nil, err
		}
	}

	return &reconciler.Reconciler{
		Resolver:     res,
		Provider:     provider,
		Targets:      cfg.Targets(),
		Log:          log.WithName("reconciler"),
		StoreTimeout: cfg.StoreTimeout.Duration,
		Propagation: reconciler.Propagation{
			Wait:    cfg.Propagation.Wait,
			Timeout: cfg.Propagation.Timeout.Duration,
		},
		MaxConcurrency: cfg.MaxConcurrency,
	}, nil
}

// daemon holds the config lock and runs the scheduler, plus the status
// server when configured, until ctx is cancelled.
func (o *runOptions) daemon(ctx context.Context, path string, cfg *config.Config, sched *scheduler.Scheduler, log logr.Logger) error {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another auto-dns instance is already running with %s", path)
	}
	defer lock.Unlock()

	registry := o.registry
	if registry == nil {
		registry = ctrlmetrics.Registry
	}
	metrics := status.NewMetrics(registry)
	sched.Observe(metrics.Observe)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serverErr := make(chan error, 1)
	if cfg.Status.Address != "" {
		srv := status.NewServer(cfg.Status.Address, sched, registry, log.WithName("status"))
		go func() {
			err := srv.Start(ctx)
			if err != nil {
				cancel()
			}
			serverErr <- err
		}()
	} else {
		serverErr <- nil
	}

	runErr := sched.Run(ctx)
	cancel()
	return utilerrors.NewAggregate([]error{runErr, <-serverErr})
}

// findConfig locates the configuration, offering to create one when none
// exists and stdin is a terminal.
func (o *runOptions) findConfig(cmd *cobra.Command) (string, error) {
	path, err := config.FindPath(o.configPath)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, config.ErrNotFound) {
		return "", err
	}
	f, ok := o.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("%w; create one with \"auto-dns init\"", err)
	}

	p := newPrompter(o.stdin, o.stdout)
	create, perr := p.confirm("No configuration file found. Create one now?", true)
	if perr != nil || !create {
		return "", err
	}
	target, derr := config.DefaultPath()
	if derr != nil {
		return "", derr
	}
	if err := runInit(p, target); err != nil {
		return "", err
	}
	return target, nil
}
