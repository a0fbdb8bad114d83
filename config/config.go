package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cortexflow CortexflowConfig `yaml:"cortexflow"`
	Cortex     CortexConfig     `yaml:"cortex"`
	Transport  TransportConfig  `yaml:"transport"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Influx     InfluxConfig     `yaml:"influx"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

type CortexflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// CortexConfig configures the connection to the capture host. Empty
// addresses mean auto-select.
type CortexConfig struct {
	LocalAddress   string        `yaml:"local_address"`
	HostAddress    string        `yaml:"host_address"`
	DefaultHost    string        `yaml:"default_host"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Verbosity      string        `yaml:"verbosity"`
	MaxBodies      int           `yaml:"max_bodies"`
}

type TransportConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadBufferBytes  int           `yaml:"read_buffer_bytes"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
}

type ChannelsConfig struct {
	FrameBuffer int `yaml:"frame_buffer"`
	BatchBuffer int `yaml:"batch_buffer"`
}

type ProcessorConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type WriterConfig struct {
	FlushInterval time.Duration      `yaml:"flush_interval"`
	MaxSize       int                `yaml:"max_size"`
	LocalDir      string             `yaml:"local_dir"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
	Compression   string             `yaml:"compression"`
	// Manifest keeps a session manifest of written files under local_dir.
	Manifest bool `yaml:"manifest"`
}

type PartitioningConfig struct {
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Database    string `yaml:"database"`
	Measurement string `yaml:"measurement"`
	BatchSize   int    `yaml:"batch_size"`
}

// ClickHouseConfig configures the marker row warehouse.
type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          []string      `yaml:"addr"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	TTLDays       int           `yaml:"ttl_days"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DashboardConfig configures the recorder status dashboard.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	LogLevel        string        `yaml:"log_level"`
	DiskPath        string        `yaml:"disk_path"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

// SimulatorConfig drives the built-in capture host used by -simulate.
type SimulatorConfig struct {
	Address      string  `yaml:"address"`
	FrameRate    float64 `yaml:"frame_rate"`
	Bodies       int     `yaml:"bodies"`
	Markers      int     `yaml:"markers"`
	Unidentified int     `yaml:"unidentified"`
}

// Default returns the configuration used before the YAML file is applied.
func Default() Config {
	return Config{
		Cortexflow: CortexflowConfig{Name: "cortexflow", Version: "dev"},
		Cortex: CortexConfig{
			DefaultHost:    "ws://127.0.0.1:1510/cortex",
			ConnectTimeout: 5 * time.Second,
			RequestTimeout: 2 * time.Second,
			Verbosity:      "warning",
			MaxBodies:      100,
		},
		Transport: TransportConfig{
			PingInterval:     20 * time.Second,
			WriteTimeout:     time.Second,
			HandshakeTimeout: 5 * time.Second,
			ReadBufferBytes:  64 * 1024,
			MaxMessageBytes:  16 << 20,
		},
		Channels:  ChannelsConfig{FrameBuffer: 256, BatchBuffer: 16},
		Processor: ProcessorConfig{BatchSize: 5000, BatchTimeout: time.Second},
		Writer: WriterConfig{
			FlushInterval: 30 * time.Second,
			MaxSize:       100000,
			Partitioning:  PartitioningConfig{TimeFormat: "year={year}/month={month}/day={day}/hour={hour}"},
			Compression:   "snappy",
		},
		Influx:    InfluxConfig{Measurement: "markers", BatchSize: 1000},
		ClickHouse: ClickHouseConfig{
			Addr:          []string{"127.0.0.1:9000"},
			Database:      "default",
			Username:      "default",
			Table:         "marker_rows",
			BatchSize:     10000,
			FlushInterval: time.Second,
		},
		Metrics:   MetricsConfig{Address: "0.0.0.0:2112"},
		Dashboard: DashboardConfig{Address: "0.0.0.0:8080", RefreshInterval: 5 * time.Second, LogHistory: 200, MetricsHistory: 200, LogLevel: "info", DiskPath: "/"},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Simulator: SimulatorConfig{Address: "127.0.0.1:0", FrameRate: 60, Bodies: 1, Markers: 4, Unidentified: 2},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, environmentConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CORTEX_HOST_ADDRESS"); v != "" {
		config.Cortex.HostAddress = strings.TrimSpace(v)
	}
	if v := os.Getenv("CORTEX_LOCAL_ADDRESS"); v != "" {
		config.Cortex.LocalAddress = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if config.Influx.Enabled {
		if v := os.Getenv("INFLUX_TOKEN"); v != "" {
			config.Influx.Token = strings.TrimSpace(v)
		}
	}
	if config.ClickHouse.Enabled {
		if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
			config.ClickHouse.Password = strings.TrimSpace(v)
		}
	}
}

var verbosityNames = map[string]bool{"none": true, "error": true, "warning": true, "info": true, "debug": true}

func validateConfig(cfg *Config) error {
	if cfg.Cortexflow.Name == "" {
		return fmt.Errorf("cortexflow.name is required")
	}

	if cfg.Cortexflow.Version == "" {
		return fmt.Errorf("cortexflow.version is required")
	}

	if cfg.Cortex.ConnectTimeout <= 0 {
		return fmt.Errorf("cortex.connect_timeout must be greater than 0")
	}
	if cfg.Cortex.RequestTimeout <= 0 {
		return fmt.Errorf("cortex.request_timeout must be greater than 0")
	}
	if cfg.Cortex.MaxBodies <= 0 {
		return fmt.Errorf("cortex.max_bodies must be greater than 0")
	}
	if !verbosityNames[strings.ToLower(cfg.Cortex.Verbosity)] {
		return fmt.Errorf("cortex.verbosity '%s' is invalid", cfg.Cortex.Verbosity)
	}
	if cfg.Cortex.HostAddress == "" && cfg.Cortex.DefaultHost == "" {
		return fmt.Errorf("cortex.default_host is required when cortex.host_address is empty")
	}

	if cfg.Channels.FrameBuffer <= 0 {
		return fmt.Errorf("channels.frame_buffer must be greater than 0")
	}

	if cfg.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be greater than 0")
	}
	if cfg.Processor.BatchTimeout <= 0 {
		return fmt.Errorf("processor.batch_timeout must be greater than 0")
	}

	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Influx.Enabled {
		if cfg.Influx.URL == "" || cfg.Influx.Database == "" {
			return fmt.Errorf("influx.url and influx.database are required when influx is enabled")
		}
	}

	if cfg.ClickHouse.Enabled {
		if len(cfg.ClickHouse.Addr) == 0 {
			return fmt.Errorf("clickhouse.addr is required when clickhouse is enabled")
		}
		if !sqlIdentRegexp.MatchString(cfg.ClickHouse.Table) {
			return fmt.Errorf("clickhouse.table '%s' is invalid", cfg.ClickHouse.Table)
		}
		if cfg.ClickHouse.BatchSize <= 0 || cfg.ClickHouse.FlushInterval <= 0 {
			return fmt.Errorf("clickhouse.batch_size and clickhouse.flush_interval must be greater than 0")
		}
	}

	return nil
}

var sqlIdentRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
