// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store configures the Job Store backend.
type Store struct {
	Backend string `mapstructure:"backend"` // sqlite | redis | postgres

	SQLitePath string `mapstructure:"sqlite_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisKeyspace string `mapstructure:"redis_keyspace"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Executor configures the in-process executor's concurrency model.
type Executor struct {
	MaxConcurrentJobs int            `mapstructure:"max_concurrent_jobs"`
	ProviderLimits    map[string]int `mapstructure:"provider_limits"`
	QueuePollInterval time.Duration  `mapstructure:"queue_poll_interval"`
	StaleJobSeconds   int            `mapstructure:"stale_job_seconds"`
	RecoveryInterval  time.Duration  `mapstructure:"recovery_interval"`
}

// Download configures the Download Manager.
type Download struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	ChunkSize       int           `mapstructure:"chunk_size_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ProgressMinGap  time.Duration `mapstructure:"progress_min_gap"`
	SearchRateLimit float64       `mapstructure:"search_rate_limit_per_sec"`
}

// Progress configures progress-event throttling in the orchestrator.
type Progress struct {
	ThrottleInterval time.Duration `mapstructure:"throttle_interval"`
}

// Output configures where job output artifacts are written.
type Output struct {
	BaseDir          string `mapstructure:"base_dir"`
	ManifestFileName string `mapstructure:"manifest_file_name"`
}

// CircuitBreaker configures the per-provider breaker (see internal/breaker).
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// CopernicusProvider configures the Copernicus Data Space Ecosystem adapter.
type CopernicusProvider struct {
	BaseURL      string `mapstructure:"base_url"`
	TokenURL     string `mapstructure:"token_url"`
	DownloadURL  string `mapstructure:"download_url"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
}

// UsgsProvider configures the USGS M2M adapter.
type UsgsProvider struct {
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`
}

// Providers groups every concrete satellite-imagery provider's wiring.
type Providers struct {
	Copernicus CopernicusProvider `mapstructure:"copernicus"`
	Usgs       UsgsProvider        `mapstructure:"usgs"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	BatchTimeout       time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort  int           `mapstructure:"metrics_port"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFile      string        `mapstructure:"log_file"`
	Tracing      TracingConfig `mapstructure:"tracing"`
	StateSampleInterval time.Duration `mapstructure:"state_sample_interval"`
}

type Config struct {
	Store          Store               `mapstructure:"store"`
	Executor       Executor            `mapstructure:"executor"`
	Download       Download            `mapstructure:"download"`
	Progress       Progress            `mapstructure:"progress"`
	Output         Output              `mapstructure:"output"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Providers      Providers           `mapstructure:"providers"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Store: Store{
			Backend:       "sqlite",
			SQLitePath:    "./data/nimbus.db",
			RedisAddr:     "localhost:6379",
			RedisKeyspace: "nimbus",
		},
		Executor: Executor{
			MaxConcurrentJobs: 4,
			ProviderLimits:    map[string]int{"copernicus": 2, "usgs": 4},
			QueuePollInterval: 200 * time.Millisecond,
			StaleJobSeconds:   300,
			RecoveryInterval:  1 * time.Second,
		},
		Download: Download{
			MaxRetries:      5,
			BackoffBase:     500 * time.Millisecond,
			BackoffMax:      30 * time.Second,
			BackoffFactor:   1.7,
			ChunkSize:       64 * 1024,
			ReadTimeout:     60 * time.Second,
			ConnectTimeout:  20 * time.Second,
			ProgressMinGap:  250 * time.Millisecond,
			SearchRateLimit: 5,
		},
		Progress: Progress{
			ThrottleInterval: 250 * time.Millisecond,
		},
		Output: Output{
			BaseDir:          "./data/output",
			ManifestFileName: "manifest.json",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Providers: Providers{
			Copernicus: CopernicusProvider{
				BaseURL:     "https://catalogue.dataspace.copernicus.eu",
				TokenURL:    "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token",
				DownloadURL: "https://zipper.dataspace.copernicus.eu",
			},
			Usgs: UsgsProvider{
				BaseURL: "https://m2m.cr.usgs.gov/api/api/json/stable",
			},
		},
		Observability: ObservabilityConfig{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			StateSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file plus NIMBUS_-prefixed env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("nimbus")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("store.backend", def.Store.Backend)
	v.SetDefault("store.sqlite_path", def.Store.SQLitePath)
	v.SetDefault("store.redis_addr", def.Store.RedisAddr)
	v.SetDefault("store.redis_keyspace", def.Store.RedisKeyspace)

	v.SetDefault("executor.max_concurrent_jobs", def.Executor.MaxConcurrentJobs)
	v.SetDefault("executor.provider_limits", def.Executor.ProviderLimits)
	v.SetDefault("executor.queue_poll_interval", def.Executor.QueuePollInterval)
	v.SetDefault("executor.stale_job_seconds", def.Executor.StaleJobSeconds)
	v.SetDefault("executor.recovery_interval", def.Executor.RecoveryInterval)

	v.SetDefault("download.max_retries", def.Download.MaxRetries)
	v.SetDefault("download.backoff_base", def.Download.BackoffBase)
	v.SetDefault("download.backoff_max", def.Download.BackoffMax)
	v.SetDefault("download.backoff_factor", def.Download.BackoffFactor)
	v.SetDefault("download.chunk_size_bytes", def.Download.ChunkSize)
	v.SetDefault("download.read_timeout", def.Download.ReadTimeout)
	v.SetDefault("download.connect_timeout", def.Download.ConnectTimeout)
	v.SetDefault("download.progress_min_gap", def.Download.ProgressMinGap)
	v.SetDefault("download.search_rate_limit_per_sec", def.Download.SearchRateLimit)

	v.SetDefault("progress.throttle_interval", def.Progress.ThrottleInterval)

	v.SetDefault("output.base_dir", def.Output.BaseDir)
	v.SetDefault("output.manifest_file_name", def.Output.ManifestFileName)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("providers.copernicus.base_url", def.Providers.Copernicus.BaseURL)
	v.SetDefault("providers.copernicus.token_url", def.Providers.Copernicus.TokenURL)
	v.SetDefault("providers.copernicus.download_url", def.Providers.Copernicus.DownloadURL)
	v.SetDefault("providers.usgs.base_url", def.Providers.Usgs.BaseURL)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.state_sample_interval", def.Observability.StateSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Executor.MaxConcurrentJobs < 1 || cfg.Executor.MaxConcurrentJobs > 128 {
		return fmt.Errorf("executor.max_concurrent_jobs must be in [1,128]")
	}
	if len(cfg.Executor.ProviderLimits) == 0 {
		return fmt.Errorf("executor.provider_limits must be non-empty")
	}
	for provider, limit := range cfg.Executor.ProviderLimits {
		if limit < 1 {
			return fmt.Errorf("executor.provider_limits[%s] must be >= 1", provider)
		}
	}
	if cfg.Executor.StaleJobSeconds <= 0 {
		return fmt.Errorf("executor.stale_job_seconds must be > 0")
	}
	if time.Duration(cfg.Executor.StaleJobSeconds)*time.Second <= 2*cfg.Download.ReadTimeout {
		return fmt.Errorf("executor.stale_job_seconds must exceed 2x download.read_timeout")
	}
	if cfg.Executor.QueuePollInterval <= 0 {
		return fmt.Errorf("executor.queue_poll_interval must be > 0")
	}
	switch cfg.Store.Backend {
	case "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("store.backend must be one of sqlite|redis|postgres, got %q", cfg.Store.Backend)
	}
	if cfg.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must be >= 0")
	}
	if cfg.Download.ChunkSize <= 0 {
		return fmt.Errorf("download.chunk_size_bytes must be > 0")
	}
	if cfg.Download.BackoffFactor <= 1 {
		return fmt.Errorf("download.backoff_factor must be > 1")
	}
	if cfg.Download.ConnectTimeout <= 0 {
		return fmt.Errorf("download.connect_timeout must be > 0")
	}
	if cfg.Output.BaseDir == "" {
		return fmt.Errorf("output.base_dir must be set")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
