// Package engineconfig loads the engine-level settings this system needs
// to run a node process: scan timing, logging, and the optional
// audit/archive/metrics backends. These are infra knobs the original
// left as globals (DESIGN NOTES §9); here they get a proper layered
// config surface, separate from the per-node plain-text connection
// config handled by internal/plcconfig.
package engineconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/plcnet/plcnode/internal/security"
)

// Config holds every engine-level setting for one node process.
type Config struct {
	Scan    ScanConfig    `mapstructure:"scan"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Tap     TapConfig     `mapstructure:"tap"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	API     APIConfig     `mapstructure:"api"`
}

// ScanConfig controls the cyclic scan driver (§10.3).
type ScanConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	DilationFactor float64       `mapstructure:"dilation_factor"`
}

// LoggerConfig controls internal/logger.
type LoggerConfig struct {
	Level            string `mapstructure:"level"`
	Dir              string `mapstructure:"dir"`
	MaxSizeMB        int    `mapstructure:"max_size_mb"`
	MaxBackups       int    `mapstructure:"max_backups"`
	MaxAgeDays       int    `mapstructure:"max_age_days"`
	SampleInitial    int    `mapstructure:"sample_initial"`
	SampleThereafter int    `mapstructure:"sample_thereafter"`
}

// TapConfig controls the tap-log UDP sink and its optional MQTT mirror.
type TapConfig struct {
	IDSHost        string `mapstructure:"ids_host"`
	IDSPort        int    `mapstructure:"ids_port"`
	HostConfigDir  string `mapstructure:"host_config_dir"`
	MaxHosts       int    `mapstructure:"max_hosts"`
	MQTTBrokerURL  string `mapstructure:"mqtt_broker_url"`
	MQTTTopic      string `mapstructure:"mqtt_topic"`
	MQTTEnabled    bool   `mapstructure:"mqtt_enabled"`
}

// AuditConfig selects and configures the connection-lifecycle audit trail.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Driver     string `mapstructure:"driver"` // "sqlite", "mysql", "postgres"
	DSN        string `mapstructure:"dsn"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisCache bool   `mapstructure:"redis_cache"`
}

// ArchiveConfig selects and configures optional off-box log archival.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"` // "s3", "ftp", "sftp"
	Bucket   string `mapstructure:"bucket"`
	Host     string `mapstructure:"host"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MetricsConfig selects and configures optional time-series export.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	InfluxURL   string `mapstructure:"influx_url"`
	InfluxToken string `mapstructure:"influx_token"`
	InfluxOrg   string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDB     string `mapstructure:"mongo_db"`
}

// APIConfig controls the read-only operator API.
type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Load reads engine settings from configPath (or the default search path)
// plus PLCNET_-prefixed environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("node")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("engineconfig: reading config: %w", err)
		}
	}

	v.SetEnvPrefix("PLCNET")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("engineconfig: unmarshaling config: %w", err)
	}
	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveSecrets opens any config value sealed with security.EncPrefix,
// so an operator can commit an encrypted config file instead of a
// plaintext archive password, InfluxDB token, or JWT signing secret.
func resolveSecrets(cfg *Config) error {
	key := os.Getenv("PLCNET_CONFIG_KEY")

	resolved, err := security.ResolveSecret(cfg.Archive.Password, key)
	if err != nil {
		return fmt.Errorf("engineconfig: resolving archive.password: %w", err)
	}
	cfg.Archive.Password = resolved

	resolved, err = security.ResolveSecret(cfg.Metrics.InfluxToken, key)
	if err != nil {
		return fmt.Errorf("engineconfig: resolving metrics.influx_token: %w", err)
	}
	cfg.Metrics.InfluxToken = resolved

	resolved, err = security.ResolveSecret(cfg.API.JWTSecret, key)
	if err != nil {
		return fmt.Errorf("engineconfig: resolving api.jwt_secret: %w", err)
	}
	cfg.API.JWTSecret = resolved

	return nil
}

// Watch installs onChange to fire whenever the underlying config file is
// modified on disk, reloading into a fresh Config each time. fsnotify
// backs viper's file watch transparently.
func Watch(configPath string, onChange func(*Config)) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("engineconfig: reading config: %w", err)
	}
	v.SetEnvPrefix("PLCNET")
	v.AutomaticEnv()

	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err == nil {
			if err := resolveSecrets(&cfg); err == nil {
				onChange(&cfg)
			}
		}
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scan.interval", 100*time.Millisecond)
	v.SetDefault("scan.dilation_factor", 1.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.dir", "./logs")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 30)
	v.SetDefault("logger.sample_initial", 100)
	v.SetDefault("logger.sample_thereafter", 100)

	v.SetDefault("tap.ids_port", 8888)
	v.SetDefault("tap.host_config_dir", "./hostconfig")
	v.SetDefault("tap.max_hosts", 16)
	v.SetDefault("tap.mqtt_enabled", false)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.driver", "sqlite")
	v.SetDefault("audit.dsn", "./data/audit.db")

	v.SetDefault("archive.enabled", false)

	v.SetDefault("metrics.enabled", false)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8088)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".plcnode")
}
