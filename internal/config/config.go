// Package config loads sentryd's runtime configuration from a YAML file,
// environment variables and built-in presets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete configuration for a sentryd process.
type Config struct {
	DefaultWindowSize int    `mapstructure:"default_window_size"`
	ModelPath         string `mapstructure:"model_path"`
	ModelDir          string `mapstructure:"model_dir"`

	Interface InterfaceConfig `mapstructure:"interface"`

	IsolationForest IsolationForestConfig `mapstructure:"isolation_forest"`
	Monitoring      MonitoringConfig      `mapstructure:"monitoring"`
	Signatures      SignaturesConfig      `mapstructure:"signatures"`
	Training        TrainingConfig        `mapstructure:"training"`
	Logging         LoggingConfig         `mapstructure:"logging"`

	Store      StoreConfig      `mapstructure:"store"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	GeoIP      GeoIPConfig      `mapstructure:"geoip"`
	Firewall   FirewallConfig   `mapstructure:"firewall"`
}

// InterfaceConfig describes the capture interface and capture backend.
type InterfaceConfig struct {
	Name        string `mapstructure:"name"`
	CaptureType string `mapstructure:"capture_type"` // pcap, af_packet
	Promiscuous bool   `mapstructure:"promiscuous"`
	Snaplen     int    `mapstructure:"snaplen"`
	BPFFilter   string `mapstructure:"bpf_filter"`
	BufferSize  int32  `mapstructure:"buffer_size"`
	TimeoutSecs int    `mapstructure:"timeout_seconds"`
}

// IsolationForestConfig configures the anomaly detector's training.
type IsolationForestConfig struct {
	Contamination float64 `mapstructure:"contamination"`
	NEstimators   int     `mapstructure:"n_estimators"`
	RandomState   int64   `mapstructure:"random_state"`
}

// MonitoringConfig configures the Monitor orchestrator.
type MonitoringConfig struct {
	OnlineRetrainInterval int    `mapstructure:"online_retrain_interval"`
	AlertThresholds       string `mapstructure:"alert_thresholds"` // "f1, f2"
	SimulateTraffic       bool   `mapstructure:"simulate_traffic"`
	FirewallEnabled       bool   `mapstructure:"firewall_enabled"`
	WarmupPackets         int    `mapstructure:"warmup_packets"`
}

// ThresholdsOrDefault parses MonitoringConfig.AlertThresholds as two
// comma-separated floats (thr_high, thr_med), falling back to the spec
// defaults of (-0.10, -0.05) on any parse failure.
func (m MonitoringConfig) ThresholdsOrDefault() (float64, float64) {
	const defHigh, defMed = -0.10, -0.05
	parts := strings.Split(m.AlertThresholds, ",")
	if len(parts) != 2 {
		return defHigh, defMed
	}
	hi, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	med, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return defHigh, defMed
	}
	return hi, med
}

// SignaturesConfig toggles the declarative rule engine.
type SignaturesConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TrainingConfig configures training-until-interrupt and rolling capture.
type TrainingConfig struct {
	SaveRollingParquet  bool   `mapstructure:"save_rolling_parquet"`
	RollingParquetPath  string `mapstructure:"rolling_parquet_path"`
	UntilCtrlCWindow    int    `mapstructure:"until_ctrl_c_window"`
	MinPackets          int    `mapstructure:"min_packets"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	EnableFileLogging bool   `mapstructure:"enable_file_logging"`
	LogLevel          string `mapstructure:"log_level"`
	FilePath          string `mapstructure:"file_path"`
}

// StoreConfig configures the durable sqlite store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig configures the optional Redis hot-path cache.
type CacheConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventBusConfig configures the optional NATS JetStream fan-out.
type EventBusConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URLs    []string `mapstructure:"urls"`
}

// ArchiveConfig configures the optional ClickHouse archival sink.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// GeoIPConfig configures the optional MaxMind GeoIP2 enrichment lookup.
type GeoIPConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// FirewallConfig selects the host-firewall adapter.
type FirewallConfig struct {
	Driver string `mapstructure:"driver"` // null, iptables
}

// Load loads configuration from the given path (or the default search path
// when empty), applying defaults and environment-variable overrides.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // optional .env, missing file is not an error

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sentryd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sentryd/")
		v.AddConfigPath("$HOME/.sentryd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SENTRYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	postProcessConfig(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_window_size", 256)
	v.SetDefault("model_path", "model.bundle")
	v.SetDefault("model_dir", envOr("MODEL_DIR", "./models"))

	v.SetDefault("interface.capture_type", "pcap")
	v.SetDefault("interface.promiscuous", true)
	v.SetDefault("interface.snaplen", 1600)
	v.SetDefault("interface.buffer_size", 1024*1024*2)
	v.SetDefault("interface.timeout_seconds", 1)

	v.SetDefault("isolation_forest.contamination", 0.05)
	v.SetDefault("isolation_forest.n_estimators", 200)
	v.SetDefault("isolation_forest.random_state", 42)

	v.SetDefault("monitoring.online_retrain_interval", 0)
	v.SetDefault("monitoring.alert_thresholds", "-0.10, -0.05")
	v.SetDefault("monitoring.simulate_traffic", false)
	v.SetDefault("monitoring.firewall_enabled", false)
	v.SetDefault("monitoring.warmup_packets", 30)

	v.SetDefault("signatures.enable", true)

	v.SetDefault("training.save_rolling_parquet", false)
	v.SetDefault("training.rolling_parquet_path", "")
	v.SetDefault("training.until_ctrl_c_window", 512)
	v.SetDefault("training.min_packets", 50)

	v.SetDefault("logging.enable_file_logging", false)
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("logging.file_path", "sentryd.log")

	v.SetDefault("store.path", envOr("SQLITE_DB", "./sentryd.db"))

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.db", 0)

	v.SetDefault("event_bus.enabled", false)
	v.SetDefault("event_bus.urls", []string{"nats://localhost:4222"})

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.host", "localhost")
	v.SetDefault("archive.port", 9000)
	v.SetDefault("archive.database", "sentryd")

	v.SetDefault("geoip.database_path", "")

	v.SetDefault("firewall.driver", "null")
}

func postProcessConfig(cfg *Config) {
	if cfg.DefaultWindowSize < 1 {
		cfg.DefaultWindowSize = 1
	}
	if cfg.IsolationForest.NEstimators < 1 {
		cfg.IsolationForest.NEstimators = 200
	}
	if cfg.IsolationForest.Contamination <= 0 || cfg.IsolationForest.Contamination >= 0.5 {
		cfg.IsolationForest.Contamination = 0.05
	}
	if cfg.Training.MinPackets < 1 {
		cfg.Training.MinPackets = 1
	}
	if len(cfg.EventBus.URLs) == 0 {
		cfg.EventBus.URLs = []string{"nats://localhost:4222"}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Preset returns a named configuration preset: light, standard or aggressive.
func Preset(name string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	switch name {
	case "light":
		v.Set("default_window_size", 64)
		v.Set("isolation_forest.n_estimators", 50)
		v.Set("signatures.enable", false)
	case "standard":
		// defaults already apply
	case "aggressive":
		v.Set("default_window_size", 1024)
		v.Set("isolation_forest.n_estimators", 400)
		v.Set("isolation_forest.contamination", 0.1)
		v.Set("monitoring.firewall_enabled", true)
		v.Set("signatures.enable", true)
	default:
		return nil, fmt.Errorf("unknown preset: %s", name)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling preset config: %w", err)
	}
	postProcessConfig(&cfg)
	return &cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("default_window_size", c.DefaultWindowSize)
	v.Set("model_path", c.ModelPath)
	v.Set("model_dir", c.ModelDir)
	v.Set("interface", c.Interface)
	v.Set("isolation_forest", c.IsolationForest)
	v.Set("monitoring", c.Monitoring)
	v.Set("signatures", c.Signatures)
	v.Set("training", c.Training)
	v.Set("logging", c.Logging)
	v.Set("store", c.Store)
	v.Set("cache", c.Cache)
	v.Set("event_bus", c.EventBus)
	v.Set("archive", c.Archive)
	v.Set("geoip", c.GeoIP)
	v.Set("firewall", c.Firewall)
	return v.SafeWriteConfigAs(path)
}
