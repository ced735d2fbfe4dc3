package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Harvest HarvestConfig `yaml:"harvest" mapstructure:"harvest"`
	Runlog  RunlogConfig  `yaml:"runlog" mapstructure:"runlog"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// HarvestConfig tunes one acquisition job: where the work list and outputs
// live, how fast to go, and how the run recovers.
type HarvestConfig struct {
	Dataset        string  `yaml:"dataset" mapstructure:"dataset"`
	Worklist       string  `yaml:"worklist" mapstructure:"worklist"`
	PartitionDir   string  `yaml:"partition_dir" mapstructure:"partition_dir"`
	CheckpointPath string  `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	URLTemplate    string  `yaml:"url_template" mapstructure:"url_template"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	RPS            float64 `yaml:"rps" mapstructure:"rps"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
	FlushSize      int     `yaml:"flush_size" mapstructure:"flush_size"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs   int     `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	CooldownSecs   int     `yaml:"cooldown_base_secs" mapstructure:"cooldown_base_secs"`
	CooldownMaxSec int     `yaml:"cooldown_max_secs" mapstructure:"cooldown_max_secs"`
	MaxRequeue     int     `yaml:"max_requeue" mapstructure:"max_requeue"`
	Workers        int     `yaml:"workers" mapstructure:"workers"`
	Dedup          bool    `yaml:"dedup" mapstructure:"dedup"`
	ReportEvery    int     `yaml:"report_every" mapstructure:"report_every"`
	Resume         bool    `yaml:"resume" mapstructure:"resume"`
}

// RetryDelay returns the configured pause between retry attempts.
func (c HarvestConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// CooldownBase returns the initial throttling cooldown.
func (c HarvestConfig) CooldownBase() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// CooldownMax returns the cap on the escalating cooldown.
func (c HarvestConfig) CooldownMax() time.Duration {
	return time.Duration(c.CooldownMaxSec) * time.Second
}

// Timeout returns the per-request HTTP timeout.
func (c HarvestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RunlogConfig configures the run history backend.
type RunlogConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("harvest.dataset", "bag-adressen")
	v.SetDefault("harvest.partition_dir", "data/partitions")
	v.SetDefault("harvest.checkpoint_path", "data/checkpoint.json")
	v.SetDefault("harvest.user_agent", "harvest-cli/1.0")
	v.SetDefault("harvest.rps", 10.0)
	v.SetDefault("harvest.burst", 1)
	v.SetDefault("harvest.flush_size", 100)
	v.SetDefault("harvest.timeout_secs", 30)
	v.SetDefault("harvest.max_retries", 3)
	v.SetDefault("harvest.retry_delay_ms", 5000)
	v.SetDefault("harvest.cooldown_base_secs", 60)
	v.SetDefault("harvest.cooldown_max_secs", 900)
	v.SetDefault("harvest.max_requeue", 3)
	v.SetDefault("harvest.workers", 1)
	v.SetDefault("harvest.dedup", true)
	v.SetDefault("harvest.report_every", 50)
	v.SetDefault("harvest.resume", true)
	v.SetDefault("runlog.driver", "sqlite")
	v.SetDefault("runlog.path", "data/runs.db")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate rejects a configuration that cannot possibly run. Called by the
// harvest command before any work starts.
func (c *Config) Validate() error {
	h := c.Harvest
	if h.Worklist == "" {
		return eris.New("config: harvest.worklist is required")
	}
	if h.PartitionDir == "" {
		return eris.New("config: harvest.partition_dir is required")
	}
	if h.CheckpointPath == "" {
		return eris.New("config: harvest.checkpoint_path is required")
	}
	if h.URLTemplate == "" {
		return eris.New("config: harvest.url_template is required")
	}
	if h.RPS <= 0 {
		return eris.New("config: harvest.rps must be positive")
	}
	switch c.Runlog.Driver {
	case "sqlite", "postgres", "none":
	default:
		return eris.Errorf("config: unknown runlog driver %q", c.Runlog.Driver)
	}
	if c.Runlog.Driver == "postgres" && c.Runlog.DatabaseURL == "" {
		return eris.New("config: runlog.database_url is required for the postgres driver")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
