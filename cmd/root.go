package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vigsterkr/watchz/config"
	"github.com/vigsterkr/watchz/internal/engine"
	"github.com/vigsterkr/watchz/internal/notify"
	"github.com/vigsterkr/watchz/internal/registry"
	"github.com/vigsterkr/watchz/internal/scheduler"
	"github.com/vigsterkr/watchz/internal/selector"
	"github.com/vigsterkr/watchz/internal/update"
	"github.com/vigsterkr/watchz/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "watchz [container names...]",
	Short: "Watches containers and updates them when their base image drifts",
	Long: `watchz periodically compares the manifest digests of running containers
against their upstream registry and recreates each drifted container from
the new image, preserving its runtime configuration.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args)
	},
}

func init() {
	flags := rootCmd.Flags()

	flags.IntP("interval", "i", 86400, "poll interval in seconds")
	flags.BoolP("run-once", "R", false, "run a single scan and exit")
	flags.BoolP("cleanup", "c", false, "remove the old image after a successful update")
	flags.BoolP("include-stopped", "S", false, "also watch created and exited containers")
	flags.Bool("revive-stopped", false, "start stopped containers after updating them")
	flags.BoolP("debug", "d", false, "enable debug logging")
	flags.Bool("trace", false, "enable trace logging")
	flags.Bool("monitor-only", false, "report drift without updating")
	flags.Bool("no-pull", false, "do not pull new images")
	flags.Bool("no-restart", false, "do not restart containers after pulling")
	flags.Bool("rolling-restart", false, "serialize updates with a gap between them")
	flags.Int("stop-timeout", 10, "seconds to wait before the engine kills a stopping container")
	flags.Bool("label-enable", false, "only watch containers with the enable label")
	flags.String("scope", "", "only watch containers with a matching scope label")
	flags.StringP("host", "H", "", "engine host URI")
	flags.StringP("api-version", "a", "", "pin the engine API version")
	flags.Bool("tlsverify", false, "accepted for compatibility; no TLS settings are applied to the engine connection")

	// CLI wins over env, env wins over defaults.
	config.Viper().BindPFlags(flags)
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func run(ctx context.Context, names []string) error {
	log := logger.New()

	cfg, err := config.Load(names)
	if err != nil {
		return err
	}
	log.SetVerbosity(cfg.Debug, cfg.Trace)

	creds := registry.LoadCredentialStore(log)
	if cfg.Username != "" {
		creds.Add("docker.io", cfg.Username, cfg.Password)
	}

	eng, err := engine.NewClient(cfg.Host, cfg.APIVersion, creds, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Ping(ctx); err != nil {
		return err
	}
	if v, err := eng.Version(ctx); err == nil {
		log.Info("Connected to engine %s (API %s) at %s", v.Version, v.APIVersion, cfg.Host)
	}

	level, err := notify.ParseLevel(cfg.NotificationLevel)
	if err != nil {
		return err
	}
	notifiers, err := notify.ParseURLs(cfg.NotificationURLs)
	if err != nil {
		return err
	}
	sink := notify.NewSink(notifiers, level, cfg.NotificationReport, log)

	sel := &selector.Selector{
		Names:       cfg.Names,
		LabelEnable: cfg.LabelEnable,
		Scope:       cfg.Scope,
		MonitorOnly: cfg.MonitorOnly,
		NoPull:      cfg.NoPull,
	}

	checker := registry.NewClient(creds, log)
	updater := update.New(eng, checker, sel, sink, update.Options{
		Cleanup:        cfg.Cleanup,
		NoRestart:      cfg.NoRestart,
		IncludeStopped: cfg.IncludeStopped,
		ReviveStopped:  cfg.ReviveStopped,
		RollingRestart: cfg.RollingRestart,
		StopTimeout:    cfg.StopTimeout,
	}, log)

	tick := func(ctx context.Context) error {
		_, err := updater.RunTick(ctx)
		return err
	}

	if cfg.RunOnce {
		log.Info("Running a single scan")
		return scheduler.RunOnce(ctx, tick)
	}

	log.Info("Watching containers every %v", cfg.Interval)
	scheduler.RunPeriodic(ctx, cfg.Interval, tick, log)
	return nil
}
