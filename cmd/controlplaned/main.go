package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tovfikur/infra-controlplane/pkg/api"
	"github.com/tovfikur/infra-controlplane/pkg/audit"
	"github.com/tovfikur/infra-controlplane/pkg/cache"
	"github.com/tovfikur/infra-controlplane/pkg/config"
	"github.com/tovfikur/infra-controlplane/pkg/deploy"
	"github.com/tovfikur/infra-controlplane/pkg/domain"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/installer"
	"github.com/tovfikur/infra-controlplane/pkg/inventory"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/monitor"
	"github.com/tovfikur/infra-controlplane/pkg/placement"
	"github.com/tovfikur/infra-controlplane/pkg/probe"
	"github.com/tovfikur/infra-controlplane/pkg/proxy"
	"github.com/tovfikur/infra-controlplane/pkg/scanner"
	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "controlplaned",
	Short:   "Infrastructure Control Plane daemon",
	Long:    `controlplaned orchestrates a fleet of SSH-managed hosts: installing services, placing app workers, maintaining the reverse-proxy and domain mappings, and monitoring health — as a single self-contained binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"controlplaned version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (optional; env vars and defaults apply otherwise)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return run(cfg)
	},
}

func run(cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	fs := afero.NewOsFs()
	vault, err := security.NewVault(fs, cfg.DataDir+"/keyfile")
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	if err := vault.Watch(); err != nil {
		return fmt.Errorf("watch key file: %w", err)
	}
	defer vault.Close()
	credentials := security.NewCredentialStore(vault, store)

	known, err := sshconn.NewKnownHostsStore(fs, cfg.DataDir+"/known_hosts")
	if err != nil {
		return fmt.Errorf("open known hosts store: %w", err)
	}
	sshLimiter, err := sshconn.NewRateLimiter(5, 10*time.Second)
	if err != nil {
		return fmt.Errorf("build ssh rate limiter: %w", err)
	}
	dialer := sshconn.NewDialer(known, sshLimiter, cfg.SSHConnectTimeout)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	auditLog := audit.New(store, cfg.AuditTailBufferSize)
	ttlCache := cache.New(cfg.CacheSweepInterval)
	defer ttlCache.Close()

	inv := inventory.New(store)
	registry := installer.NewDefaultRegistry()

	dispatcher := deploy.New(store, broker, cfg.DispatcherConcurrency, cfg.OrphanThreshold)
	handlerDeps := deploy.HandlerDeps{
		Store:       store,
		Dialer:      dialer,
		Credentials: credentials,
		Installers:  registry,
		Inventory:   inv,
		RunOpts: installer.RunOptions{
			StepTimeout: cfg.CommandTimeout,
			Allowlist:   installer.DefaultAllowlist(),
		},
	}
	dispatcher.RegisterHandler(types.TaskInstall, handlerDeps.InstallHandler())
	dispatcher.RegisterHandler(types.TaskFullSetup, handlerDeps.FullSetupHandler())
	dispatcher.RegisterHandler(types.TaskBackup, handlerDeps.BackupHandler())
	dispatcher.RegisterHandler(types.TaskMigrate, handlerDeps.MigrateHandler(dispatcher))

	netScanner := scanner.New(dialer, scanProbeConfig(cfg), cfg.ScanConcurrency)
	dispatcher.RegisterHandler(types.TaskNetworkScan, netScanner.Handler())

	pl := placement.New(store, inv, dispatcher, broker, cfg.PlacementPortMin, cfg.PlacementPortMax)

	proxyMgr := proxy.New(store, dialer, credentials, broker, cfg.ProxyHostID, cfg.ProxyReloadVerifyWait)
	pl.OnRunning(proxyMgr.OnPlacementRunning)

	domainEngine := domain.New(store, proxyMgr, broker, dialer, credentials, cfg.ProxyHostID, cfg.DomainVerifyTimeout)
	if cfg.ACMEEmail != "" && cfg.ACMEDirectoryURL != "" {
		provider := domain.NewHTTP01Provider(store, dialer, credentials, cfg.ProxyHostID)
		issuer, err := domain.NewACMEIssuer(cfg.ACMEEmail, cfg.ACMEDirectoryURL, provider)
		if err != nil {
			log.Logger.Error().Err(err).Msg("ACME issuer unavailable, falling back to self-signed certificates")
		} else {
			domainEngine.SetACMEIssuer(issuer)
		}
	}
	domainClock := clockwork.NewRealClock()
	domainEngine.Start(domainClock, cfg.DomainVerifyInterval)
	defer domainEngine.Stop()

	monitorEngine := monitor.New(store, inv, pl, registry, dialer, credentials, broker,
		monitor.DefaultThresholds(), cfg.AutoResolveMinAge, cfg.HealthProbeTimeout)
	monitorEngine.SetViewCache(ttlCache)
	monitorClock := clockwork.NewRealClock()
	monitorEngine.Start(monitorClock, cfg.HealthInterval, cfg.MetricsInterval, cfg.AlertSweepInterval)
	defer monitorEngine.Stop()

	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	writeLimiter, err := sshconn.NewRateLimiter(cfg.APIWriteRateLimitTokens, cfg.APIWriteRateLimitWindow)
	if err != nil {
		return fmt.Errorf("build api write rate limiter: %w", err)
	}

	apiServer := api.New(api.Deps{
		Store:                    store,
		Inventory:                inv,
		Dispatcher:               dispatcher,
		Placement:                pl,
		Domain:                   domainEngine,
		Monitor:                  monitorEngine,
		Scanner:                  netScanner,
		Credentials:              credentials,
		Audit:                    auditLog,
		Dialer:                   dialer,
		Cache:                    ttlCache,
		Tokens:                   cfg.APITokens,
		WriteLimiter:             writeLimiter,
		MigrationHealthThreshold: cfg.MigrationHealthThreshold,
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: apiServer.Handler()}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}

	errCh := make(chan error, 2)
	go func() {
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("operator API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("operator API server: %w", err)
		}
	}()
	go func() {
		log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}

func scanProbeConfig(cfg config.Config) probe.Config {
	return probe.Config{StepTimeout: cfg.HealthProbeTimeout, TranscriptCap: 16 * 1024}
}
