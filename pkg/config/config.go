// Package config loads the control plane's single typed Configuration
// struct from a file plus environment overrides, replacing the ad-hoc
// environment variables and loose config dicts of the system this control
// plane replaces.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the control plane's complete runtime configuration. Every field
// has a default; nothing is required to start the process against local
// state.
type Config struct {
	// DataDir holds the BoltDB file and the credential key file.
	DataDir string

	// ListenAddr is the operator HTTP/JSON API bind address.
	ListenAddr string

	// MetricsAddr serves the Prometheus scrape endpoint.
	MetricsAddr string

	LogLevel  string
	LogJSON   bool

	// SSH defaults.
	DefaultSSHPort    int
	SSHConnectTimeout time.Duration

	// Deployment Engine defaults.
	DispatcherConcurrency int
	CommandTimeout        time.Duration
	PackageInstallTimeout time.Duration
	ContainerPullTimeout  time.Duration
	MigrationTimeout      time.Duration
	OrphanThreshold       time.Duration

	// Monitor & Alert Engine intervals.
	HealthInterval     time.Duration
	MetricsInterval    time.Duration
	AlertSweepInterval time.Duration
	HealthProbeTimeout time.Duration
	AutoResolveMinAge  time.Duration

	// Reverse-Proxy Config Manager.
	ProxyHostID           string
	ProxyReloadVerifyWait time.Duration

	// Domain Mapping Engine.
	DomainVerifyInterval time.Duration
	DomainVerifyTimeout  time.Duration
	ACMEEmail            string // empty disables ACME; mappings fall back to self-signed certs
	ACMEDirectoryURL     string

	// Deployment Engine pre-flight migration check (spec.md §4.4).
	MigrationHealthThreshold int

	// Network Discovery Scanner.
	ScanConcurrency int

	// Placement port range.
	PlacementPortMin int
	PlacementPortMax int

	// Operator HTTP/JSON API.
	APITokens               []string // bearer tokens accepted as operator identities; token value is also used as actor id
	APIWriteRateLimitTokens uint64
	APIWriteRateLimitWindow time.Duration

	// In-process ephemeral cache (§5 "ephemeral key-value cache").
	CacheSweepInterval time.Duration

	// Audit Log live-tail replay buffer size.
	AuditTailBufferSize int
}

// Default returns the configuration defaults named throughout spec.md §5/§6.
func Default() Config {
	return Config{
		DataDir:               "/var/lib/controlplane",
		ListenAddr:            ":8443",
		MetricsAddr:           ":9090",
		LogLevel:              "info",
		LogJSON:               true,
		DefaultSSHPort:        22,
		SSHConnectTimeout:     30 * time.Second,
		DispatcherConcurrency: 8,
		CommandTimeout:        5 * time.Minute,
		PackageInstallTimeout: 10 * time.Minute,
		ContainerPullTimeout:  10 * time.Minute,
		MigrationTimeout:      30 * time.Minute,
		OrphanThreshold:       10 * time.Minute,
		HealthInterval:        5 * time.Minute,
		MetricsInterval:       1 * time.Minute,
		AlertSweepInterval:    2 * time.Minute,
		HealthProbeTimeout:    5 * time.Second,
		AutoResolveMinAge:     10 * time.Minute,
		ProxyReloadVerifyWait: 30 * time.Second,
		ScanConcurrency:       32,
		PlacementPortMin:      20000,
		PlacementPortMax:      29999,

		DomainVerifyInterval: 5 * time.Minute,
		DomainVerifyTimeout:  10 * time.Second,

		MigrationHealthThreshold: 50,

		APIWriteRateLimitTokens: 30,
		APIWriteRateLimitWindow: time.Minute,
		CacheSweepInterval:      30 * time.Second,
		AuditTailBufferSize:     256,
	}
}

// Load reads configuration from the given file path (if non-empty) and
// CTLPLANE_-prefixed environment variables, overlaid on Default(), and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CTLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	out := Config{
		DataDir:               v.GetString("data_dir"),
		ListenAddr:            v.GetString("listen_addr"),
		MetricsAddr:           v.GetString("metrics_addr"),
		LogLevel:              v.GetString("log_level"),
		LogJSON:               v.GetBool("log_json"),
		DefaultSSHPort:        v.GetInt("default_ssh_port"),
		SSHConnectTimeout:     v.GetDuration("ssh_connect_timeout"),
		DispatcherConcurrency: v.GetInt("dispatcher_concurrency"),
		CommandTimeout:        v.GetDuration("command_timeout"),
		PackageInstallTimeout: v.GetDuration("package_install_timeout"),
		ContainerPullTimeout:  v.GetDuration("container_pull_timeout"),
		MigrationTimeout:      v.GetDuration("migration_timeout"),
		OrphanThreshold:       v.GetDuration("orphan_threshold"),
		HealthInterval:        v.GetDuration("health_interval"),
		MetricsInterval:       v.GetDuration("metrics_interval"),
		AlertSweepInterval:    v.GetDuration("alert_sweep_interval"),
		HealthProbeTimeout:    v.GetDuration("health_probe_timeout"),
		AutoResolveMinAge:     v.GetDuration("auto_resolve_min_age"),
		ProxyHostID:           v.GetString("proxy_host_id"),
		ProxyReloadVerifyWait: v.GetDuration("proxy_reload_verify_wait"),
		ScanConcurrency:       v.GetInt("scan_concurrency"),
		PlacementPortMin:      v.GetInt("placement_port_min"),
		PlacementPortMax:      v.GetInt("placement_port_max"),

		DomainVerifyInterval: v.GetDuration("domain_verify_interval"),
		DomainVerifyTimeout:  v.GetDuration("domain_verify_timeout"),
		ACMEEmail:            v.GetString("acme_email"),
		ACMEDirectoryURL:     v.GetString("acme_directory_url"),

		MigrationHealthThreshold: v.GetInt("migration_health_threshold"),

		APITokens:               v.GetStringSlice("api_tokens"),
		APIWriteRateLimitTokens: uint64(v.GetInt64("api_write_rate_limit_tokens")),
		APIWriteRateLimitWindow: v.GetDuration("api_write_rate_limit_window"),
		CacheSweepInterval:      v.GetDuration("cache_sweep_interval"),
		AuditTailBufferSize:     v.GetInt("audit_tail_buffer_size"),
	}

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("default_ssh_port", cfg.DefaultSSHPort)
	v.SetDefault("ssh_connect_timeout", cfg.SSHConnectTimeout)
	v.SetDefault("dispatcher_concurrency", cfg.DispatcherConcurrency)
	v.SetDefault("command_timeout", cfg.CommandTimeout)
	v.SetDefault("package_install_timeout", cfg.PackageInstallTimeout)
	v.SetDefault("container_pull_timeout", cfg.ContainerPullTimeout)
	v.SetDefault("migration_timeout", cfg.MigrationTimeout)
	v.SetDefault("orphan_threshold", cfg.OrphanThreshold)
	v.SetDefault("health_interval", cfg.HealthInterval)
	v.SetDefault("metrics_interval", cfg.MetricsInterval)
	v.SetDefault("alert_sweep_interval", cfg.AlertSweepInterval)
	v.SetDefault("health_probe_timeout", cfg.HealthProbeTimeout)
	v.SetDefault("auto_resolve_min_age", cfg.AutoResolveMinAge)
	v.SetDefault("proxy_host_id", cfg.ProxyHostID)
	v.SetDefault("proxy_reload_verify_wait", cfg.ProxyReloadVerifyWait)
	v.SetDefault("scan_concurrency", cfg.ScanConcurrency)
	v.SetDefault("placement_port_min", cfg.PlacementPortMin)
	v.SetDefault("placement_port_max", cfg.PlacementPortMax)
	v.SetDefault("domain_verify_interval", cfg.DomainVerifyInterval)
	v.SetDefault("domain_verify_timeout", cfg.DomainVerifyTimeout)
	v.SetDefault("acme_email", cfg.ACMEEmail)
	v.SetDefault("acme_directory_url", cfg.ACMEDirectoryURL)
	v.SetDefault("migration_health_threshold", cfg.MigrationHealthThreshold)
	v.SetDefault("api_tokens", cfg.APITokens)
	v.SetDefault("api_write_rate_limit_tokens", cfg.APIWriteRateLimitTokens)
	v.SetDefault("api_write_rate_limit_window", cfg.APIWriteRateLimitWindow)
	v.SetDefault("cache_sweep_interval", cfg.CacheSweepInterval)
	v.SetDefault("audit_tail_buffer_size", cfg.AuditTailBufferSize)
}

// Validate rejects configurations that would let the rest of the process
// start in a state the spec never describes (e.g. an empty port range).
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.DispatcherConcurrency < 1 {
		return fmt.Errorf("dispatcher_concurrency must be >= 1")
	}
	if c.PlacementPortMin <= 0 || c.PlacementPortMax <= c.PlacementPortMin {
		return fmt.Errorf("invalid placement port range [%d, %d]", c.PlacementPortMin, c.PlacementPortMax)
	}
	if c.ScanConcurrency < 1 {
		return fmt.Errorf("scan_concurrency must be >= 1")
	}
	if c.APIWriteRateLimitTokens < 1 {
		return fmt.Errorf("api_write_rate_limit_tokens must be >= 1")
	}
	return nil
}
