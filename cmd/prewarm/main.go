// Package main provides the entry point for the prewarm cache-warmup client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sparqlkit/prewarm/cmd/prewarm/config"
	"github.com/sparqlkit/prewarm/pkg/backend"
	apperrors "github.com/sparqlkit/prewarm/pkg/errors"
	"github.com/sparqlkit/prewarm/pkg/infrastructure/metrics"
	"github.com/sparqlkit/prewarm/pkg/proxy"
	"github.com/sparqlkit/prewarm/pkg/warmup"
	"github.com/sparqlkit/prewarm/pkg/workload"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errPartialFailure marks a run that completed but had failing steps.
var errPartialFailure = apperrors.New(apperrors.CodeBackend, "completed with partial failures")

var rootCmd = &cobra.Command{
	Use:   "prewarm",
	Short: "Cache warmup and administration client for a SPARQL backend",
	Long: `prewarm administers the result cache of an external query-serving
backend: it runs a fixed warmup workload with result pinning, clears cached
results, and reports cache statistics. It can also serve as a fallback proxy
in front of one or two backends.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the warmup workload against the backend",
	Long: `Clear the cache, run every warmup query with result pinning, clear
unpinned entries and report cache statistics.

Example:
  prewarm run --backend-url http://localhost:7001 --token secret
  prewarm run --workload ./workload.yaml --send-limit 50`,
	RunE: runWarmup,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all cached results, including pinned ones",
	RunE:  runClear,
}

var clearUnpinnedCmd = &cobra.Command{
	Use:   "clear-unpinned",
	Short: "Clear only non-pinned cached results",
	RunE:  runClearUnpinned,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backend cache statistics",
	RunE:  runStats,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show backend runtime settings",
	RunE:  runSettings,
}

var predicatesCmd = &cobra.Command{
	Use:   "predicates",
	Short: "Count triples per predicate, most frequent first",
	RunE:  runPredicates,
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Serve as a fallback proxy in front of one or two backends",
	Long: `Start an HTTP proxy that races queries against a primary and an
optional fallback backend, preferring the primary when it answers in time.

Example:
  prewarm proxy --backend-url https://backend:443/api/wikidata --listen :8904
  prewarm proxy --backend-2-url https://backend:443/api/wikidata-fallback --name-service`,
	RunE: runProxy,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("backend-url", "", "backend base URL")
	rootCmd.PersistentFlags().String("token", "", "backend access token")
	rootCmd.PersistentFlags().Int("timeout-seconds", 30, "per-request timeout in seconds")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	runCmd.Flags().String("workload", "", "workload YAML file (default: built-in autocompletion workload)")
	runCmd.Flags().Int("send-limit", 100, "cap on transferred result rows per query")
	runCmd.Flags().Bool("no-pin", false, "do not pin warmup results")
	runCmd.Flags().Int("max-consecutive-timeouts", 3, "timeouts in a row before the backend counts as unreachable")
	runCmd.Flags().Bool("metrics", false, "expose Prometheus metrics during the run")
	runCmd.Flags().String("metrics-address", ":9090", "metrics server address")

	predicatesCmd.Flags().Int("limit", 100, "number of predicates to list")

	proxyCmd.Flags().String("listen", "0.0.0.0:8904", "proxy listen address")
	proxyCmd.Flags().String("backend-2-url", "", "fallback backend base URL")
	proxyCmd.Flags().Int("timeout-2-seconds", 5, "fallback backend timeout in seconds")
	proxyCmd.Flags().Bool("name-service", false, "add name columns to SELECT queries")
	proxyCmd.Flags().Bool("metrics", false, "expose Prometheus metrics")
	proxyCmd.Flags().String("metrics-address", ":9090", "metrics server address")

	for _, cmd := range []*cobra.Command{runCmd, clearCmd, clearUnpinnedCmd, statsCmd, settingsCmd, predicatesCmd, proxyCmd} {
		rootCmd.AddCommand(cmd)
	}
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	// Subcommand flags are bound when the command runs. runCmd and proxyCmd
	// both define metrics flags, so binding every flag set up front would
	// leave only the last bind effective.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return bindCommandFlags(cmd)
	}
	viper.SetEnvPrefix("PREWARM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("prewarm\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

// bindCommandFlags binds the invoked command's own flag set into viper so
// its values are visible to loadConfig.
func bindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfig, "failed to bind flags")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if apperrors.IsConfig(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfig, "failed to read config file")
		}
	}

	cfg := &config.Config{
		BackendURL:  viper.GetString("backend-url"),
		AccessToken: viper.GetString("token"),
		Timeout:     time.Duration(viper.GetInt("timeout-seconds")) * time.Second,
		LogLevel:    viper.GetString("log-level"),
		Warmup: config.WarmupConfig{
			WorkloadFile:           viper.GetString("workload"),
			SendLimit:              viper.GetInt("send-limit"),
			Pin:                    !viper.GetBool("no-pin"),
			MaxConsecutiveTimeouts: viper.GetInt("max-consecutive-timeouts"),
		},
		Proxy: config.ProxyConfig{
			Listen:      viper.GetString("listen"),
			Backend2URL: viper.GetString("backend-2-url"),
			Timeout2:    time.Duration(viper.GetInt("timeout-2-seconds")) * time.Second,
			NameService: viper.GetBool("name-service"),
		},
		Metrics: config.MetricsConfig{
			Enabled: viper.GetBool("metrics"),
			Address: viper.GetString("metrics-address"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfig, "invalid configuration")
	}
	return cfg, nil
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "prewarm").
		Logger()
	if logLevel == zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	return logger
}

// setup loads the configuration and builds the shared pieces every
// subcommand needs.
func setup() (*config.Config, zerolog.Logger, *backend.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger := setupLogging(cfg.LogLevel)
	client, err := backend.NewClient(backend.Target{
		BaseURL:     cfg.BackendURL,
		AccessToken: cfg.AccessToken,
		Timeout:     cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, logger, nil, err
	}
	return cfg, logger, client, nil
}

func runWarmup(cmd *cobra.Command, args []string) error {
	cfg, logger, client, err := setup()
	if err != nil {
		return err
	}

	var wl *workload.Workload
	if cfg.Warmup.WorkloadFile != "" {
		wl, err = workload.LoadFile(cfg.Warmup.WorkloadFile)
		if err != nil {
			return err
		}
	} else {
		wl = workload.Builtin()
	}

	collector := metrics.Collector(metrics.NewNoOpCollector())
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
		defer func() {
			if err := metricsServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}()
	}

	orchestrator := warmup.New(client, wl, logger, collector, warmup.Options{
		Pin:                    cfg.Warmup.Pin,
		SendLimit:              cfg.Warmup.SendLimit,
		MaxConsecutiveTimeouts: cfg.Warmup.MaxConsecutiveTimeouts,
	})
	report := orchestrator.Run(cmd.Context())
	report.Write(os.Stdout)

	if report.Failed() {
		return report.Err
	}
	if !report.Succeeded() {
		return errPartialFailure
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	_, _, client, err := setup()
	if err != nil {
		return err
	}
	if err := client.ClearAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("cache cleared (including pinned results)")
	return nil
}

func runClearUnpinned(cmd *cobra.Command, args []string) error {
	_, _, client, err := setup()
	if err != nil {
		return err
	}
	if err := client.ClearUnpinned(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("cache cleared (pinned results kept)")
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	_, _, client, err := setup()
	if err != nil {
		return err
	}
	stats, err := client.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("entries:        %d\n", stats.NumEntries)
	fmt.Printf("pinned entries: %d\n", stats.NumPinned)
	fmt.Printf("total size:     %d bytes\n", stats.SizeBytes)
	fmt.Printf("pinned size:    %d bytes\n", stats.PinnedSizeBytes)
	return nil
}

func runSettings(cmd *cobra.Command, args []string) error {
	_, _, client, err := setup()
	if err != nil {
		return err
	}
	settings, err := client.Settings(cmd.Context())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-40s %v\n", k, settings[k])
	}
	return nil
}

func runPredicates(cmd *cobra.Command, args []string) error {
	_, _, client, err := setup()
	if err != nil {
		return err
	}
	counts, err := client.CountPredicates(cmd.Context(), viper.GetInt("limit"))
	if err != nil {
		return err
	}
	for _, pc := range counts {
		fmt.Printf("%12d  %s\n", pc.Count, pc.Predicate)
	}
	return nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, logger, _, err := setup()
	if err != nil {
		return err
	}

	primary, err := proxy.NewUpstream(1, cfg.BackendURL, cfg.Timeout, logger)
	if err != nil {
		return err
	}
	var fallback *proxy.Upstream
	if cfg.Proxy.Backend2URL != "" {
		fallback, err = proxy.NewUpstream(2, cfg.Proxy.Backend2URL, cfg.Proxy.Timeout2, logger)
		if err != nil {
			return err
		}
	}

	var nameService *proxy.NameService
	if cfg.Proxy.NameService {
		probeTarget := primary
		if fallback != nil {
			probeTarget = fallback
		}
		nameService = proxy.NewNameService(probeTarget,
			cfg.Proxy.NamePredicate,
			cfg.Proxy.NamePredicatePrefix,
			cfg.Proxy.NameVarSuffix,
			logger)
		logger.Info().Msg("Name service is active")
	}

	collector := metrics.Collector(metrics.NewNoOpCollector())
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
	}

	server := &http.Server{
		Addr:    cfg.Proxy.Listen,
		Handler: proxy.NewServer(primary, fallback, nameService, logger, collector).Handler(),
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", cfg.Proxy.Listen).
			Bool("fallback", fallback != nil).
			Bool("name_service", nameService != nil).
			Msg("Proxy listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case <-shutdownCh:
		logger.Info().Msg("Received shutdown signal")
	case err := <-serverErrCh:
		return err
	case <-cmd.Context().Done():
		logger.Info().Msg("Context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during proxy shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}
	logger.Info().Msg("Proxy shutdown complete")
	return nil
}
