package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"PoolLedger/internal/state"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from defaults,
// then an optional YAML file, then POOL_* environment variables.
type Config struct {
	// Postgres; empty runs without persistence
	PostgresURL string `yaml:"postgres_dsn"`

	// NATS; empty disables command ingestion and outcome publishing
	NATSURL string `yaml:"nats_url"`

	// Channels
	PersistChanSize    int `yaml:"persist_chan_size"`
	ProjectionChanSize int `yaml:"projection_chan_size"`
	PublishChanSize    int `yaml:"publish_chan_size"`

	// Persistence worker
	PersistBatchSize    int           `yaml:"persist_batch_size"`
	PersistFlushTimeout time.Duration `yaml:"persist_flush_timeout"`

	// Snapshot every N committed operations
	SnapshotInterval int64 `yaml:"snapshot_interval"`

	// gRPC/HTTP/Metrics
	GRPCAddr    string `yaml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// HTTP token bucket: requests per second and burst
	HTTPRateLimit float64 `yaml:"http_rate_limit"`
	HTTPRateBurst int     `yaml:"http_rate_burst"`

	// LRU
	IdempotencyLRUCapacity int `yaml:"idempotency_lru_capacity"`

	// Migrations directory; empty uses the migrations embedded in the binary
	MigrationsDir string `yaml:"migrations_dir"`

	LogLevel string `yaml:"log_level"`

	Risk RiskConfig `yaml:"risk"`
}

// RiskConfig mirrors state.RiskParams for the config file.
type RiskConfig struct {
	CollateralRatio      uint64 `yaml:"collateral_ratio"`
	EnforcePoolLiquidity bool   `yaml:"enforce_pool_liquidity"`
}

// Params converts to the engine's policy type.
func (rc RiskConfig) Params() state.RiskParams {
	return state.RiskParams{
		CollateralRatio:      rc.CollateralRatio,
		EnforcePoolLiquidity: rc.EnforcePoolLiquidity,
	}
}

func DefaultConfig() Config {
	return Config{
		PostgresURL:            "",
		NATSURL:                "",
		PersistChanSize:        1024,
		ProjectionChanSize:     2048,
		PublishChanSize:        4096,
		PersistBatchSize:       50,
		PersistFlushTimeout:    10 * time.Millisecond,
		SnapshotInterval:       100_000,
		GRPCAddr:               ":9090",
		HTTPAddr:               ":8080",
		MetricsAddr:            ":9091",
		HTTPRateLimit:          500,
		HTTPRateBurst:          1000,
		IdempotencyLRUCapacity: 1_000_000,
		MigrationsDir:          "",
		LogLevel:               "info",
		Risk: RiskConfig{
			CollateralRatio:      state.DefaultCollateralRatio,
			EnforcePoolLiquidity: false,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	cfg.PostgresURL = envOrDefault("POOL_POSTGRES_DSN", cfg.PostgresURL)
	cfg.NATSURL = envOrDefault("POOL_NATS_URL", cfg.NATSURL)
	cfg.GRPCAddr = envOrDefault("POOL_GRPC_ADDR", cfg.GRPCAddr)
	cfg.HTTPAddr = envOrDefault("POOL_HTTP_ADDR", cfg.HTTPAddr)
	cfg.MetricsAddr = envOrDefault("POOL_METRICS_ADDR", cfg.MetricsAddr)
	cfg.MigrationsDir = envOrDefault("POOL_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.LogLevel = envOrDefault("POOL_LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.PersistChanSize, err = envIntOrDefault("POOL_PERSIST_CHAN_SIZE", cfg.PersistChanSize); err != nil {
		return err
	}
	if cfg.ProjectionChanSize, err = envIntOrDefault("POOL_PROJECTION_CHAN_SIZE", cfg.ProjectionChanSize); err != nil {
		return err
	}
	if cfg.PublishChanSize, err = envIntOrDefault("POOL_PUBLISH_CHAN_SIZE", cfg.PublishChanSize); err != nil {
		return err
	}
	if cfg.PersistBatchSize, err = envIntOrDefault("POOL_PERSIST_BATCH_SIZE", cfg.PersistBatchSize); err != nil {
		return err
	}
	if cfg.IdempotencyLRUCapacity, err = envIntOrDefault("POOL_IDEMPOTENCY_LRU_CAPACITY", cfg.IdempotencyLRUCapacity); err != nil {
		return err
	}
	if cfg.HTTPRateBurst, err = envIntOrDefault("POOL_HTTP_RATE_BURST", cfg.HTTPRateBurst); err != nil {
		return err
	}

	interval, err := envIntOrDefault("POOL_SNAPSHOT_INTERVAL", int(cfg.SnapshotInterval))
	if err != nil {
		return err
	}
	cfg.SnapshotInterval = int64(interval)

	if v := os.Getenv("POOL_PERSIST_FLUSH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POOL_PERSIST_FLUSH_TIMEOUT: %w", err)
		}
		cfg.PersistFlushTimeout = d
	}
	if v := os.Getenv("POOL_HTTP_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POOL_HTTP_RATE_LIMIT: %w", err)
		}
		cfg.HTTPRateLimit = f
	}
	if v := os.Getenv("POOL_COLLATERAL_RATIO"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("POOL_COLLATERAL_RATIO: %w", err)
		}
		cfg.Risk.CollateralRatio = n
	}
	if v := os.Getenv("POOL_ENFORCE_POOL_LIQUIDITY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POOL_ENFORCE_POOL_LIQUIDITY: %w", err)
		}
		cfg.Risk.EnforcePoolLiquidity = b
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.PostgresURL = strings.TrimSpace(cfg.PostgresURL)
	cfg.NATSURL = strings.TrimSpace(cfg.NATSURL)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

// Validate rejects settings the service cannot run with.
func (cfg Config) Validate() error {
	if err := cfg.Risk.Params().Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	positive := map[string]int{
		"persist_chan_size":        cfg.PersistChanSize,
		"projection_chan_size":     cfg.ProjectionChanSize,
		"publish_chan_size":        cfg.PublishChanSize,
		"persist_batch_size":       cfg.PersistBatchSize,
		"idempotency_lru_capacity": cfg.IdempotencyLRUCapacity,
		"http_rate_burst":          cfg.HTTPRateBurst,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if cfg.PersistFlushTimeout <= 0 {
		return fmt.Errorf("persist_flush_timeout must be positive")
	}
	if cfg.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval must be positive")
	}
	if cfg.HTTPRateLimit <= 0 {
		return fmt.Errorf("http_rate_limit must be positive")
	}
	return nil
}

// PersistenceEnabled reports whether a Postgres DSN is configured.
func (cfg Config) PersistenceEnabled() bool {
	return cfg.PostgresURL != ""
}

// NATSEnabled reports whether a NATS URL is configured.
func (cfg Config) NATSEnabled() bool {
	return cfg.NATSURL != ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
