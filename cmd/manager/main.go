package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/esup-runner/manager/pkg/admission"
	"github.com/esup-runner/manager/pkg/api"
	"github.com/esup-runner/manager/pkg/auth"
	"github.com/esup-runner/manager/pkg/config"
	"github.com/esup-runner/manager/pkg/dispatcher"
	"github.com/esup-runner/manager/pkg/log"
	"github.com/esup-runner/manager/pkg/metrics"
	"github.com/esup-runner/manager/pkg/notify"
	"github.com/esup-runner/manager/pkg/priorities"
	"github.com/esup-runner/manager/pkg/ratelimit"
	"github.com/esup-runner/manager/pkg/registry"
	"github.com/esup-runner/manager/pkg/sched"
	"github.com/esup-runner/manager/pkg/taskstore"
	"github.com/esup-runner/manager/pkg/urlsafety"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	probeTimeout    = 5 * time.Second
	dispatchTimeout = 30 * time.Second
	notifyTimeout   = 10 * time.Second
	metricsInterval = 15 * time.Second
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "manager",
	Short:   "Task execution manager: runner registry, admission, and dispatch",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"manager version %s\ncommit: %s\nbuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("env-file", "", "Path to an env file to load configuration from")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runnerStore, err := buildRunnerStore(cfg)
	if err != nil {
		return fmt.Errorf("build runner store: %w", err)
	}
	reg, err := registry.New(runnerStore, cfg.ManagerVersion)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	persistence, err := taskstore.NewDailyJSONStore(filepath.Join(cfg.DataDir, "tasks"))
	if err != nil {
		return fmt.Errorf("build task persistence: %w", err)
	}
	statsSink, err := taskstore.NewStatsSink(filepath.Join(cfg.DataDir, "status_statistics.csv"))
	if err != nil {
		return fmt.Errorf("build stats sink: %w", err)
	}
	mode := taskstore.ModeDev
	if cfg.Environment == "production" {
		mode = taskstore.ModeProduction
	}
	store, err := taskstore.NewStore(mode, persistence, statsSink)
	if err != nil {
		return fmt.Errorf("build task store: %w", err)
	}

	gate := priorities.NewGate(priorities.Policy{
		Enabled:                   cfg.PrioritiesEnabled,
		PriorityDomain:            cfg.PriorityDomain,
		MaxOtherDomainTaskPercent: cfg.MaxOtherDomainTaskPercent,
	})

	urlChecker := urlsafety.NewChecker(cfg.NotifyURLAllowedHosts, cfg.NotifyURLAllowPrivateNetworks)

	admissionSvc := &admission.Service{
		Registry:     reg,
		Store:        store,
		Gate:         gate,
		URLChecker:   urlChecker,
		Dispatcher:   dispatcher.New(dispatchTimeout),
		ProbeTimeout: probeTimeout,
	}

	notifyEngine := notify.NewEngine(reg, store, urlChecker, notify.RetryPolicy{
		MaxRetries:    cfg.CompletionNotifyMaxRetries,
		RetryDelay:    cfg.CompletionNotifyRetryDelaySeconds,
		BackoffFactor: cfg.CompletionNotifyBackoffFactor,
	}, notifyTimeout)

	liveness := registry.NewLiveness(reg,
		time.Duration(cfg.LivenessPollIntervalSeconds)*time.Second,
		time.Duration(cfg.StalenessThresholdSeconds)*time.Second,
	)
	taskTimeout := sched.NewTaskTimeout(store, time.Minute, time.Duration(cfg.TaskTimeoutHours)*time.Hour)
	cleanup := sched.NewCleanup(store,
		time.Duration(cfg.CleanupIntervalSeconds)*time.Second,
		time.Duration(cfg.CleanupTaskFilesDays)*24*time.Hour,
		cfg.CleanupTaskFilesDays,
	)
	supervisor := sched.NewSupervisor(liveness, taskTimeout, cleanup)

	limiter := ratelimit.New(cfg.RateLimitPerMinute)
	tokens := auth.NewTokenVerifier(cfg.AuthorizedTokens)
	admins := auth.NewAdminVerifier(cfg.AdminUsers)

	server := api.NewServer(cfg, tokens, admins)
	server.Registry = reg
	server.Store = store
	server.Admission = admissionSvc
	server.Notify = notifyEngine
	server.Gate = gate
	server.Limiter = limiter
	// No config field backs a shared result-storage mount; the manager relies
	// on proxying to the assigned runner for result retrieval.
	server.ResultDir = ""

	collector := metrics.NewCollector(reg, store, metricsInterval)

	supervisor.Start()
	collector.Start()

	watchErr := config.Watch(envFile, func(reloaded *config.Config) {
		log.WithComponent("manager").Info().Msg("config file changed, reloading")
		server.SetConfig(reloaded)
		server.SetAuth(auth.NewTokenVerifier(reloaded.AuthorizedTokens), auth.NewAdminVerifier(reloaded.AdminUsers))
		gate.SetPolicy(priorities.Policy{
			Enabled:                   reloaded.PrioritiesEnabled,
			PriorityDomain:            reloaded.PriorityDomain,
			MaxOtherDomainTaskPercent: reloaded.MaxOtherDomainTaskPercent,
		})
	})
	if watchErr != nil {
		log.WithComponent("manager").Warn().Err(watchErr).Msg("config file watch not active")
	}

	addr := fmt.Sprintf("%s:%d", cfg.ManagerHost, cfg.ManagerPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("manager").Info().Str("addr", addr).Msg("manager listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloaded, err := config.Load(envFile)
				if err != nil {
					log.WithComponent("manager").Warn().Err(err).Msg("SIGHUP reload failed")
					continue
				}
				server.SetConfig(reloaded)
				server.SetAuth(auth.NewTokenVerifier(reloaded.AuthorizedTokens), auth.NewAdminVerifier(reloaded.AdminUsers))
				gate.SetPolicy(priorities.Policy{
					Enabled:                   reloaded.PrioritiesEnabled,
					PriorityDomain:            reloaded.PriorityDomain,
					MaxOtherDomainTaskPercent: reloaded.MaxOtherDomainTaskPercent,
				})
				log.WithComponent("manager").Info().Msg("config reloaded on SIGHUP")
				continue
			}

			log.WithComponent("manager").Info().Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = httpServer.Shutdown(ctx)
			cancel()

			supervisor.Stop()
			collector.Stop()
			notifyEngine.Shutdown()
			if err := store.ForceSave(); err != nil {
				log.WithComponent("manager").Error().Err(err).Msg("final save failed")
			}
			return nil

		case err := <-errCh:
			return fmt.Errorf("http server error: %w", err)
		}
	}
}

func buildRunnerStore(cfg *config.Config) (registry.Store, error) {
	if !cfg.RunnersStorageEnabled {
		return registry.NewMemoryStore(), nil
	}
	return registry.NewSharedStore(cfg.RunnersStoragePath)
}
