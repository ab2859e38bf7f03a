package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/risk"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/rtbf"
)

// EnvPrefix marks gateway variables. Levels are separated by a double
// underscore: PDG_BUDGET__DEFAULT_TOTAL sets budget.default_total.
const EnvPrefix = "PDG_"

const DefaultPath = "configs/config.yaml"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Risk      RiskConfig      `koanf:"risk"`
	Budget    BudgetConfig    `koanf:"budget"`
	Tokens    TokenConfig     `koanf:"tokens"`
	RTBF      RTBFConfig      `koanf:"rtbf"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Security  SecurityConfig  `koanf:"security"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend string `koanf:"backend"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrationsDir   string        `koanf:"migrations_dir"`
}

type RedisConfig struct {
	URL       string `koanf:"url"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`

	// ConsentCacheTTL is how long the postgres backend caches consent
	// records in Redis. Zero disables the cache.
	ConsentCacheTTL time.Duration `koanf:"consent_cache_ttl"`
}

type RiskConfig struct {
	Weights   risk.Weights `koanf:"weights"`
	Threshold float64      `koanf:"threshold"`
}

type BudgetConfig struct {
	DefaultTotal float64          `koanf:"default_total"`
	Window       time.Duration    `koanf:"window"`
	CostModel    budget.CostModel `koanf:"cost_model"`
	HistoryLimit int              `koanf:"history_limit"`
}

type TokenConfig struct {
	Secret string `koanf:"secret"`
}

// ThirdPartyConfig is one processor notified of erasures.
type ThirdPartyConfig struct {
	Name   string `koanf:"name"`
	URL    string `koanf:"url"`
	Secret string `koanf:"secret"`
}

type RTBFConfig struct {
	LayerTimeout        time.Duration             `koanf:"layer_timeout"`
	AuditLogsPolicy     string                    `koanf:"audit_logs_policy"`
	ComplianceStandards []string                  `koanf:"compliance_standards"`
	ThirdParties        []ThirdPartyConfig        `koanf:"third_parties"`
	SearchIndexURL      string                    `koanf:"search_index_url"`
	MLModelsURL         string                    `koanf:"ml_models_url"`
	BackupSnapshots     []string                  `koanf:"backup_snapshots"`
	CircuitBreaker      rtbf.CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// ArchiveConfig locates the S3 bucket holding deletion certificates and
// the backup snapshots erasure marks for rotation.
type ArchiveConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Bucket       string `koanf:"bucket"`
	Prefix       string `koanf:"prefix"`
	BackupPrefix string `koanf:"backup_prefix"`
	Region       string `koanf:"region"`
	Endpoint     string `koanf:"endpoint"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{Backend: BackendMemory},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsDir:   "migrations",
		},
		Redis: RedisConfig{KeyPrefix: "pdg", ConsentCacheTTL: 5 * time.Minute},
		Risk: RiskConfig{
			Weights:   risk.DefaultWeights(),
			Threshold: 0.7,
		},
		Budget: BudgetConfig{
			DefaultTotal: 1.0,
			Window:       24 * time.Hour,
			CostModel:    budget.DefaultCostModel(),
			HistoryLimit: budget.DefaultHistoryLimit,
		},
		RTBF: RTBFConfig{
			LayerTimeout:    30 * time.Second,
			AuditLogsPolicy: string(rtbf.AuditAnonymize),
			CircuitBreaker: rtbf.CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Cooldown:         time.Minute,
			},
		},
		Archive: ArchiveConfig{Prefix: "rtbf-certificates/", BackupPrefix: "backups/", Region: "us-east-1"},
		Telemetry: TelemetryConfig{
			ServiceName:  "privacy-decision-gateway",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
	}
}

func Load() (*Config, error) {
	return LoadFrom(DefaultPath)
}

// LoadFrom layers struct defaults, the optional YAML file at path and PDG_
// environment variables, then validates the result.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if err := c.Risk.Weights.Validate(); err != nil {
		return err
	}
	if c.Risk.Threshold < 0 || c.Risk.Threshold > 1 {
		return errors.NewValidationError("INVALID_CONFIG", "risk.threshold must be within [0,1]")
	}
	if c.Budget.DefaultTotal <= 0 {
		return errors.NewValidationError("INVALID_CONFIG", "budget.default_total must be positive")
	}
	if c.Budget.Window <= 0 {
		return errors.NewValidationError("INVALID_CONFIG", "budget.window must be positive")
	}
	if err := c.Budget.CostModel.Validate(); err != nil {
		return err
	}
	if c.Tokens.Secret == "" && !c.IsDevelopment() {
		return errors.NewValidationError("INVALID_CONFIG", "tokens.secret is required outside development")
	}
	if !rtbf.AuditPolicy(c.RTBF.AuditLogsPolicy).IsValid() {
		return errors.NewValidationError("INVALID_CONFIG",
			fmt.Sprintf("rtbf.audit_logs_policy must be anonymize or retain, got %q", c.RTBF.AuditLogsPolicy))
	}
	for _, tp := range c.RTBF.ThirdParties {
		if tp.Name == "" || tp.URL == "" {
			return errors.NewValidationError("INVALID_CONFIG", "every rtbf.third_parties entry needs a name and url")
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.NewValidationError("INVALID_CONFIG", "redis.url is required for the redis backend")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.NewValidationError("INVALID_CONFIG", "database.url is required for the postgres backend")
		}
		if c.Redis.URL == "" {
			return errors.NewValidationError("INVALID_CONFIG", "redis.url is required for the postgres backend")
		}
	default:
		return errors.NewValidationError("INVALID_CONFIG", fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.NewValidationError("INVALID_CONFIG", "archive.bucket is required when archiving is enabled")
	}
	return nil
}
