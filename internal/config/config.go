// Package config loads s3size settings from defaults, an optional YAML file
// and S3SIZE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. S3SIZE_LEDGER_BACKEND.
const EnvPrefix = "S3SIZE"

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerDynamoDB = "dynamodb"
	LedgerPostgres = "postgres"
)

// State backends.
const (
	StateMemory = "memory"
	StateSQLite = "sqlite"
)

// Artifact backends.
const (
	ArtifactS3    = "s3"
	ArtifactMinio = "minio"
	ArtifactFS    = "fs"
)

// Config is the full application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	AWS       AWSConfig       `mapstructure:"aws" yaml:"aws"`
	Ledger    LedgerConfig    `mapstructure:"ledger" yaml:"ledger"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Tracker   TrackerConfig   `mapstructure:"tracker" yaml:"tracker"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Artifact  ArtifactConfig  `mapstructure:"artifact" yaml:"artifact"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Pricing   PricingConfig   `mapstructure:"pricing" yaml:"pricing"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`
	Human bool `mapstructure:"human" yaml:"human"`
}

type AWSConfig struct {
	Region string `mapstructure:"region" yaml:"region"`
	// Endpoint overrides the S3 and DynamoDB endpoint, e.g. for LocalStack.
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style"`
}

type LedgerConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	SQLitePath    string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DynamoTable   string        `mapstructure:"dynamo_table" yaml:"dynamo_table"`
	DynamoGSI     string        `mapstructure:"dynamo_gsi" yaml:"dynamo_gsi"`
	PostgresDSN   string        `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	RetryAttempts uint          `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryInitial  time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
}

type StateConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	// EventRetention is how long dedup entries are kept by prune-events.
	EventRetention time.Duration `mapstructure:"event_retention" yaml:"event_retention"`
}

type TrackerConfig struct {
	ReplaceOverwrites  bool `mapstructure:"replace_overwrites" yaml:"replace_overwrites"`
	MaxConflictRetries int  `mapstructure:"max_conflict_retries" yaml:"max_conflict_retries"`
}

type HistoryConfig struct {
	// CacheTTL bounds how long a cached current or peak value is served.
	// Zero disables the cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type ArtifactConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Bucket is the destination bucket; empty writes next to the data.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Key may contain {bucket} and {job}.
	Key    string `mapstructure:"key" yaml:"key"`
	FSRoot string `mapstructure:"fs_root" yaml:"fs_root"`

	MinioEndpoint  string `mapstructure:"minio_endpoint" yaml:"minio_endpoint"`
	MinioAccessKey string `mapstructure:"minio_access_key" yaml:"minio_access_key"`
	MinioSecretKey string `mapstructure:"minio_secret_key" yaml:"minio_secret_key"`
	MinioUseSSL    bool   `mapstructure:"minio_use_ssl" yaml:"minio_use_ssl"`
	MinioRegion    string `mapstructure:"minio_region" yaml:"minio_region"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	DefaultBucket string `mapstructure:"default_bucket" yaml:"default_bucket"`
	// TriggerRate is renders per second; TriggerBurst the bucket size.
	TriggerRate     float64       `mapstructure:"trigger_rate" yaml:"trigger_rate"`
	TriggerBurst    int           `mapstructure:"trigger_burst" yaml:"trigger_burst"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type PipelineConfig struct {
	Window         time.Duration `mapstructure:"window" yaml:"window"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	RenderTimeout  time.Duration `mapstructure:"render_timeout" yaml:"render_timeout"`
	TriggerTimeout time.Duration `mapstructure:"trigger_timeout" yaml:"trigger_timeout"`
}

type ReconcileConfig struct {
	// Suffix limits reconciliation to matching keys, e.g. ".csv".
	Suffix string `mapstructure:"suffix" yaml:"suffix"`
	// Source lists through the AWS SDK (s3) or the MinIO client (minio).
	Source string `mapstructure:"source" yaml:"source"`
}

type PricingConfig struct {
	// StorageClass prices the totals printed by history.
	StorageClass string `mapstructure:"storage_class" yaml:"storage_class"`
	// TablePath optionally replaces the built-in us-east-1 prices.
	TablePath string `mapstructure:"table_path" yaml:"table_path"`
}

// Default returns the configuration used when nothing overrides it: an
// in-memory ledger and state, charts on the local filesystem.
func Default() Config {
	return Config{
		AWS: AWSConfig{Region: "us-east-1"},
		Ledger: LedgerConfig{
			Backend:       LedgerMemory,
			SQLitePath:    "s3size-ledger.db",
			DynamoTable:   "BucketSizeHistory",
			DynamoGSI:     "BucketSizeGSI",
			RetryAttempts: 4,
			RetryInitial:  50 * time.Millisecond,
			RetryMax:      2 * time.Second,
		},
		State: StateConfig{
			Backend:        StateMemory,
			SQLitePath:     "s3size-state.db",
			EventRetention: 7 * 24 * time.Hour,
		},
		Tracker: TrackerConfig{MaxConflictRetries: 3},
		History: HistoryConfig{CacheTTL: 5 * time.Second},
		Artifact: ArtifactConfig{
			Backend:     ArtifactFS,
			Key:         "{bucket}/plot.png",
			FSRoot:      "charts",
			MinioRegion: "us-east-1",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			TriggerRate:     2,
			TriggerBurst:    4,
			MaxBodyBytes:    4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			Window:         10 * time.Second,
			FetchTimeout:   10 * time.Second,
			RenderTimeout:  20 * time.Second,
			TriggerTimeout: 30 * time.Second,
		},
		Reconcile: ReconcileConfig{Source: ArtifactS3},
		Pricing:   PricingConfig{StorageClass: "STANDARD"},
	}
}

// Load reads the configuration. path may be empty; a named file must exist.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	var m map[string]any
	if err := mapstructure.Decode(d, &m); err != nil {
		return
	}
	walk("", m, v.SetDefault)
}

func walk(prefix string, m map[string]any, set func(string, any)) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			walk(key, sub, set)
			continue
		}
		set(key, val)
	}
}

// Validate checks the configuration for the selected backends.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains([]string{LedgerMemory, LedgerSQLite, LedgerDynamoDB, LedgerPostgres}, c.Ledger.Backend),
		"ledger.backend: unknown backend %q", c.Ledger.Backend)
	switch c.Ledger.Backend {
	case LedgerSQLite:
		check(c.Ledger.SQLitePath != "", "ledger.sqlite_path is required for the sqlite backend")
	case LedgerDynamoDB:
		check(c.Ledger.DynamoTable != "", "ledger.dynamo_table is required for the dynamodb backend")
	case LedgerPostgres:
		check(c.Ledger.PostgresDSN != "", "ledger.postgres_dsn is required for the postgres backend")
	}
	check(c.Ledger.RetryAttempts >= 1, "ledger.retry_attempts must be at least 1")

	check(slices.Contains([]string{StateMemory, StateSQLite}, c.State.Backend),
		"state.backend: unknown backend %q", c.State.Backend)
	if c.State.Backend == StateSQLite {
		check(c.State.SQLitePath != "", "state.sqlite_path is required for the sqlite backend")
	}
	check(c.State.EventRetention > 0, "state.event_retention must be positive")

	check(c.Tracker.MaxConflictRetries >= 0, "tracker.max_conflict_retries must be non-negative")
	check(c.History.CacheTTL >= 0, "history.cache_ttl must be non-negative")

	check(slices.Contains([]string{ArtifactS3, ArtifactMinio, ArtifactFS}, c.Artifact.Backend),
		"artifact.backend: unknown backend %q", c.Artifact.Backend)
	switch c.Artifact.Backend {
	case ArtifactFS:
		check(c.Artifact.FSRoot != "", "artifact.fs_root is required for the fs backend")
	case ArtifactMinio:
		check(c.Artifact.MinioEndpoint != "", "artifact.minio_endpoint is required for the minio backend")
	}

	check(c.Server.TriggerRate > 0, "server.trigger_rate must be positive")
	check(c.Server.TriggerBurst >= 1, "server.trigger_burst must be at least 1")
	check(c.Server.MaxBodyBytes > 0, "server.max_body_bytes must be positive")

	check(c.Pipeline.Window > 0, "pipeline.window must be positive")
	check(c.Pipeline.FetchTimeout > 0, "pipeline.fetch_timeout must be positive")
	check(c.Pipeline.RenderTimeout > 0, "pipeline.render_timeout must be positive")
	check(c.Pipeline.TriggerTimeout > 0, "pipeline.trigger_timeout must be positive")

	check(c.Reconcile.Source == ArtifactS3 || c.Reconcile.Source == ArtifactMinio,
		"reconcile.source: unknown source %q", c.Reconcile.Source)
	check(c.Pricing.StorageClass != "", "pricing.storage_class is required")

	return errors.Join(errs...)
}

// Redacted returns a copy with credentials masked.
func (c Config) Redacted() Config {
	if c.Ledger.PostgresDSN != "" {
		c.Ledger.PostgresDSN = "***"
	}
	if c.Artifact.MinioSecretKey != "" {
		c.Artifact.MinioSecretKey = "***"
	}
	return c
}

// YAML renders the configuration with credentials masked.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
