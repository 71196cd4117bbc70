// mqid is the treatment-plan processing daemon. It watches a local data
// directory for new cases, pushes them to the GPU cluster over SSH, runs
// the simulation pipeline there, and brings the results back.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jokh38/mqi-interface/internal/config"
	"github.com/jokh38/mqi-interface/internal/daemon"
	"github.com/jokh38/mqi-interface/internal/executor"
	"github.com/jokh38/mqi-interface/internal/observability"
	"github.com/jokh38/mqi-interface/internal/orchestrator"
	"github.com/jokh38/mqi-interface/internal/remote"
	"github.com/jokh38/mqi-interface/internal/resilience"
	"github.com/jokh38/mqi-interface/internal/resource"
	"github.com/jokh38/mqi-interface/internal/scheduler"
	"github.com/jokh38/mqi-interface/internal/state"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "mqid",
		Short:         "Treatment-plan processing daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	return cmd
}

func run(configPath string) error {
	// .env holds the SSH secret on workstation installs; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	lock, err := daemon.Acquire(cfg.App.PIDFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logrus.WithError(err).Warn("release pid file")
		}
	}()

	shutdownTrace, err := observability.InitTracingFromEnv("mqid")
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.OpenFileStore(cfg.App.StateFile)
	if err != nil {
		return err
	}
	gpus, err := resource.NewManager(ctx, store, cfg.Resources.GPUCount)
	if err != nil {
		return errors.Wrap(err, "rebuild gpu pool")
	}

	factory, err := remote.NewSSHFactory(cfg.SSH)
	if err != nil {
		return err
	}
	pool := remote.NewPool(factory, cfg.SSH.PoolSize, cfg.SSH.AcquireTimeout.Std())
	defer pool.Close()

	breaker := resilience.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown.Std())
	policy := resilience.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       cfg.Retry.BaseDelay.Std(),
		MaxDelay:        cfg.Retry.MaxDelay.Std(),
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter,
	}
	remoteExec := remote.NewExecutor(pool, breaker, policy)
	runner := orchestrator.NewTaskRunner(cfg, remoteExec, executor.NewLocal(), remote.NewTransfer(remoteExec))

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen)
	}

	logrus.WithFields(logrus.Fields{
		"version":   version,
		"data_dir":  cfg.Paths.LocalData,
		"head_node": cfg.SSH.Host,
	}).Info("mqid starting")

	o := orchestrator.New(cfg, store, scheduler.New(store, gpus), gpus, runner)
	if err := o.Run(ctx); err != nil {
		return err
	}
	logrus.Info("mqid stopped")
	return nil
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logrus.WithField("listen", listen).Info("metrics endpoint up")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Error("metrics server stopped")
	}
}
