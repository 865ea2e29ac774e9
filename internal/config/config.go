package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-vitals/internal/budget"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// Config captures the settings required to boot the vitals engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Clients ClientsConfig `yaml:"clients"`
	Logging LoggingConfig `yaml:"logging"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics []MetricSpec  `yaml:"metrics"`
	Budgets BudgetsConfig `yaml:"budgets"`
	Cache   CacheConfig   `yaml:"cache"`
	Journal JournalConfig `yaml:"journal"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Rules   RulesConfig   `yaml:"rules"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	StreamBacklog   int           `yaml:"streamBacklog"`

	// KeepaliveInterval pings idle gRPC connections so that proxies keep
	// long-lived Subscribe streams open.
	KeepaliveInterval    time.Duration `yaml:"keepaliveInterval"`
	MaxConcurrentStreams uint32        `yaml:"maxConcurrentStreams"`
	Reflection           bool          `yaml:"reflection"`
}

// ClientsConfig groups upstream integrations.
type ClientsConfig struct {
	Core CoreClientConfig `yaml:"core"`
}

// CoreClientConfig configures history backfill from mirador-core.
type CoreClientConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	SeriesPath string        `yaml:"seriesPath"`
	Timeout    time.Duration `yaml:"timeout"`
	Lookback   time.Duration `yaml:"lookback"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// EngineConfig holds engine-wide behaviour and per-metric defaults.
type EngineConfig struct {
	AutoRegister  bool                `yaml:"autoRegister"`
	SweepInterval time.Duration       `yaml:"sweepInterval"`
	LatencyWindow int                 `yaml:"latencyWindow"`
	Defaults      engine.MetricConfig `yaml:"defaults"`
}

// MetricSpec registers one metric at startup.
type MetricSpec struct {
	Name                string `yaml:"name"`
	engine.MetricConfig `yaml:",inline"`
}

// BudgetsConfig lists inline budgets and an optional budget file.
type BudgetsConfig struct {
	Path  string          `yaml:"path"`
	Watch bool            `yaml:"watch"`
	Items []models.Budget `yaml:"items"`
}

// CacheConfig controls the snapshot cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
	DedupeTTL    time.Duration `yaml:"dedupeTTL"`
}

// JournalConfig controls the SQLite journal of closed periods and budget events.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// KafkaConfig controls sample ingestion from a topic.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"groupID"`
	MinBytes int      `yaml:"minBytes"`
	MaxBytes int      `yaml:"maxBytes"`
}

// RulesConfig points at the remediation rules attached to mined patterns.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_VITALS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2113",
			GracefulTimeout:      10 * time.Second,
			StreamBacklog:        100,
			KeepaliveInterval:    30 * time.Second,
			MaxConcurrentStreams: 256,
			Reflection:           true,
		},
		Clients: ClientsConfig{
			Core: CoreClientConfig{
				SeriesPath: "/api/v1/vitals/series",
				Timeout:    5 * time.Second,
				Lookback:   time.Hour,
			},
		},
		Logging: LoggingConfig{Level: "info", JSON: false, MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 7},
		Engine: EngineConfig{
			AutoRegister:  true,
			SweepInterval: time.Minute,
			LatencyWindow: 1024,
			Defaults:      engine.DefaultMetricConfig(),
		},
		Cache: CacheConfig{
			Enabled:      false,
			Backend:      "redis",
			SnapshotTTL:  10 * time.Minute,
			DedupeTTL:    time.Hour,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Journal: JournalConfig{Path: "data/vitals.db"},
		Kafka: KafkaConfig{
			GroupID:  "mirador-vitals",
			MinBytes: 1,
			MaxBytes: 10e6,
		},
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" && c.Server.HTTPAddress == "" {
		errs = append(errs, errors.New("server: at least one of address or httpAddress is required"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}
	if _, err := c.Engine.Defaults.Detector.Strategy(); err != nil {
		errs = append(errs, fmt.Errorf("engine.defaults: %w", err))
	}

	seen := make(map[string]struct{}, len(c.Metrics))
	for i, m := range c.Metrics {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("metrics[%d]: name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("metrics[%d]: duplicate metric %q", i, name))
		}
		seen[name] = struct{}{}
		if m.Detector.Kind != "" || m.Detector.Threshold != 0 || m.Detector.WindowSize != 0 {
			if _, err := m.Detector.Strategy(); err != nil {
				errs = append(errs, fmt.Errorf("metrics[%d] %s: %w", i, name, err))
			}
		}
		if m.Retention.MaxSamples < 0 || m.Retention.MaxAge < 0 {
			errs = append(errs, fmt.Errorf("metrics[%d] %s: negative retention", i, name))
		}
	}

	for i, b := range c.Budgets.Items {
		if err := budget.Validate(budget.Normalize(b)); err != nil {
			errs = append(errs, fmt.Errorf("budgets.items[%d]: %w", i, err))
		}
	}
	if c.Budgets.Watch && c.Budgets.Path == "" {
		errs = append(errs, errors.New("budgets: watch requires path"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal: path is required when enabled"))
	}
	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "redis", "valkey":
			if c.Cache.Addr == "" {
				errs = append(errs, errors.New("cache: addr is required for redis backend"))
			}
		case "memory":
		default:
			errs = append(errs, fmt.Errorf("cache: unknown backend %q", c.Cache.Backend))
		}
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka: brokers and topic are required when enabled"))
	}
	return errors.Join(errs...)
}

// RotatedFile returns the rotation settings for utils.LogWriter.
func (l LoggingConfig) RotatedFile() utils.LogFile {
	return utils.LogFile{
		Path:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_VITALS_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_VITALS_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_VITALS_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_VITALS_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("MIRADOR_CORE_BASE_URL"); v != "" {
		cfg.Clients.Core.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_CORE_SERIES_PATH"); v != "" {
		cfg.Clients.Core.SeriesPath = v
	}
	if v := os.Getenv("MIRADOR_VITALS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_VITALS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_VITALS_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("MIRADOR_VITALS_AUTO_REGISTER"); v != "" {
		cfg.Engine.AutoRegister = envBool(v)
	}
	if v := os.Getenv("MIRADOR_VITALS_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.SweepInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_VITALS_BUDGETS_PATH"); v != "" {
		cfg.Budgets.Path = v
	}
	if v := os.Getenv("MIRADOR_VITALS_BUDGETS_WATCH"); v != "" {
		cfg.Budgets.Watch = envBool(v)
	}
	if v := os.Getenv("MIRADOR_VITALS_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_TLS"); envBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("MIRADOR_VITALS_CACHE_SNAPSHOT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SnapshotTTL = d
		}
	}
	if v := os.Getenv("MIRADOR_VITALS_JOURNAL_ENABLED"); v != "" {
		cfg.Journal.Enabled = envBool(v)
	}
	if v := os.Getenv("MIRADOR_VITALS_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("MIRADOR_VITALS_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = envBool(v)
	}
	if v := os.Getenv("MIRADOR_VITALS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MIRADOR_VITALS_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("MIRADOR_VITALS_KAFKA_GROUP_ID"); v != "" {
		cfg.Kafka.GroupID = v
	}
}
