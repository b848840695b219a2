package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yuuki/rdmakv/internal/bootstrap"
	"github.com/yuuki/rdmakv/internal/rdma"
)

// Verbs providers
const (
	ProviderIBVerbs = "ibverbs"
	ProviderSim     = "sim"
)

// Config holds the configuration of one rdmakv process
type Config struct {
	// Peer is the server to connect to. Empty runs the process as server.
	Peer    string `yaml:"peer"`
	TCPPort int    `yaml:"tcp_port"`

	Device      string `yaml:"device"`
	IBPort      uint8  `yaml:"ib_port"`
	GIDIndex    int    `yaml:"gid_index"`
	BufferSize  int    `yaml:"buffer_size"`
	CQSize      int    `yaml:"cq_size"`
	MTU         int    `yaml:"mtu"`
	Timeout     uint8  `yaml:"timeout"`
	RetryCount  uint8  `yaml:"retry_count"`
	RNRRetry    uint8  `yaml:"rnr_retry"`
	MinRNRTimer uint8  `yaml:"min_rnr_timer"`
	Provider    string `yaml:"provider"`

	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
	BootstrapRetries int           `yaml:"bootstrap_retries"`

	LogLevel          string `yaml:"log_level"`
	InstanceID        string `yaml:"instance_id"`
	HTTPAddr          string `yaml:"http_addr"`
	HTTPMaxConns      int    `yaml:"http_max_conns"`
	OpsPerSecond      int    `yaml:"ops_per_second"`
	MetricsEnabled    bool   `yaml:"metrics_enabled"`
	OtelCollectorAddr string `yaml:"otel_collector_addr"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		TCPPort:           bootstrap.DefaultPort,
		IBPort:            rdma.DefaultIBPort,
		GIDIndex:          0,
		BufferSize:        rdma.DefaultBufferSize,
		CQSize:            2,
		MTU:               1024,
		Timeout:           rdma.DefaultTimeout,
		RetryCount:        rdma.DefaultRetryCount,
		RNRRetry:          0,
		MinRNRTimer:       rdma.DefaultMinRNRTimer,
		Provider:          ProviderIBVerbs,
		BootstrapRetries:  1,
		LogLevel:          "info",
		InstanceID:        "",
		HTTPAddr:          ":3000",
		HTTPMaxConns:      64,
		OpsPerSecond:      0,
		MetricsEnabled:    false,
		OtelCollectorAddr: "localhost:4317",
	}
}

// SetupFlags registers the command line flags
func SetupFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "Path to config file")
	fs.String("peer", d.Peer, "Server to connect to (same as the address argument)")
	fs.IntP("tcp-port", "p", d.TCPPort, "Listen on/connect to this TCP port for the connection exchange")
	fs.StringP("device", "d", d.Device, "Use this RDMA device (default first device found)")
	fs.Uint8P("ib-port", "i", d.IBPort, "Use this port of the RDMA device")
	fs.IntP("gid-index", "g", d.GIDIndex, "Local port GID index (negative for LID-only addressing)")
	fs.Int("buffer-size", d.BufferSize, "Size of the shared message buffer in bytes")
	fs.Int("cq-size", d.CQSize, "Completion queue depth")
	fs.Int("mtu", d.MTU, "Path MTU in bytes (256, 512, 1024, 2048 or 4096)")
	fs.Uint8("timeout", d.Timeout, "Local ACK timeout exponent (0-31)")
	fs.Uint8("rnr-retry", d.RNRRetry, "RNR retry count (7 retries indefinitely)")
	fs.Uint8("retry-count", d.RetryCount, "Transport retry count")
	fs.Uint8("min-rnr-timer", d.MinRNRTimer, "Minimum RNR NAK timer code (0-31)")
	fs.String("provider", d.Provider, "Verbs provider (ibverbs, sim)")
	fs.Duration("bootstrap-timeout", d.BootstrapTimeout, "Deadline for the connection exchange (0 for none)")
	fs.Int("bootstrap-retries", d.BootstrapRetries, "Connection attempts to the peer")
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.String("instance-id", d.InstanceID, "Instance name in metrics (default hostname)")
	fs.String("http-addr", d.HTTPAddr, "Listen address of the HTTP API")
	fs.Int("http-max-conns", d.HTTPMaxConns, "Maximum concurrent HTTP connections")
	fs.Int("ops-per-second", d.OpsPerSecond, "Client request rate limit (0 for unlimited)")
	fs.Bool("metrics-enabled", d.MetricsEnabled, "Export metrics over OTLP")
	fs.String("otel-collector-addr", d.OtelCollectorAddr, "OpenTelemetry collector address")
}

// flagKeys maps flag names to configuration keys
var flagKeys = map[string]string{
	"peer":                "peer",
	"tcp-port":            "tcp_port",
	"device":              "device",
	"ib-port":             "ib_port",
	"gid-index":           "gid_index",
	"buffer-size":         "buffer_size",
	"cq-size":             "cq_size",
	"mtu":                 "mtu",
	"timeout":             "timeout",
	"rnr-retry":           "rnr_retry",
	"retry-count":         "retry_count",
	"min-rnr-timer":       "min_rnr_timer",
	"provider":            "provider",
	"bootstrap-timeout":   "bootstrap_timeout",
	"bootstrap-retries":   "bootstrap_retries",
	"log-level":           "log_level",
	"instance-id":         "instance_id",
	"http-addr":           "http_addr",
	"http-max-conns":      "http_max_conns",
	"ops-per-second":      "ops_per_second",
	"metrics-enabled":     "metrics_enabled",
	"otel-collector-addr": "otel_collector_addr",
}

// Load reads the configuration from defaults, the config file, environment
// variables (RDMAKV_*) and fs, in increasing precedence. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("peer", d.Peer)
	v.SetDefault("tcp_port", d.TCPPort)
	v.SetDefault("device", d.Device)
	v.SetDefault("ib_port", d.IBPort)
	v.SetDefault("gid_index", d.GIDIndex)
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("cq_size", d.CQSize) // a Get keeps a send and a receive completion outstanding
	v.SetDefault("mtu", d.MTU)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("retry_count", d.RetryCount)
	v.SetDefault("rnr_retry", d.RNRRetry)
	v.SetDefault("min_rnr_timer", d.MinRNRTimer)
	v.SetDefault("provider", d.Provider)
	v.SetDefault("bootstrap_timeout", d.BootstrapTimeout)
	v.SetDefault("bootstrap_retries", d.BootstrapRetries)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("instance_id", defaultInstanceID())
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("http_max_conns", d.HTTPMaxConns)
	v.SetDefault("ops_per_second", d.OpsPerSecond)
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("otel_collector_addr", d.OtelCollectorAddr)

	// Environment variables
	v.SetEnvPrefix("RDMAKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var configPath string
	if fs != nil {
		configPath, _ = fs.GetString("config")
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// no SetConfigType: it would also match an extensionless "rdmakv"
		// binary in the working directory
		v.SetConfigName("rdmakv")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rdmakv")
		v.AddConfigPath("/etc/rdmakv")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Peer:              v.GetString("peer"),
		TCPPort:           v.GetInt("tcp_port"),
		Device:            v.GetString("device"),
		IBPort:            v.GetUint8("ib_port"),
		GIDIndex:          v.GetInt("gid_index"),
		BufferSize:        v.GetInt("buffer_size"),
		CQSize:            v.GetInt("cq_size"),
		MTU:               v.GetInt("mtu"),
		Timeout:           v.GetUint8("timeout"),
		RetryCount:        v.GetUint8("retry_count"),
		RNRRetry:          v.GetUint8("rnr_retry"),
		MinRNRTimer:       v.GetUint8("min_rnr_timer"),
		Provider:          strings.ToLower(v.GetString("provider")),
		BootstrapTimeout:  v.GetDuration("bootstrap_timeout"),
		BootstrapRetries:  v.GetInt("bootstrap_retries"),
		LogLevel:          v.GetString("log_level"),
		InstanceID:        v.GetString("instance_id"),
		HTTPAddr:          v.GetString("http_addr"),
		HTTPMaxConns:      v.GetInt("http_max_conns"),
		OpsPerSecond:      v.GetInt("ops_per_second"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d out of range", c.TCPPort)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.CQSize < 1 {
		return fmt.Errorf("cq_size must be at least 1, got %d", c.CQSize)
	}
	if _, err := rdma.MTUFromBytes(c.MTU); err != nil {
		return err
	}
	if c.RNRRetry > 7 {
		return fmt.Errorf("rnr_retry must be 0-7, got %d", c.RNRRetry)
	}
	if c.RetryCount > 7 {
		return fmt.Errorf("retry_count must be 0-7, got %d", c.RetryCount)
	}
	if c.MinRNRTimer > 31 {
		return fmt.Errorf("min_rnr_timer must be 0-31, got %d", c.MinRNRTimer)
	}
	if c.Timeout > 31 {
		return fmt.Errorf("timeout must be 0-31, got %d", c.Timeout)
	}
	switch c.Provider {
	case ProviderIBVerbs, ProviderSim:
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, ProviderIBVerbs, ProviderSim)
	}
	return nil
}

// RDMA returns the connection parameters for rdma.Open
func (c *Config) RDMA() rdma.Config {
	mtu, _ := rdma.MTUFromBytes(c.MTU)
	return rdma.Config{
		DeviceName:  c.Device,
		IBPort:      c.IBPort,
		GIDIndex:    c.GIDIndex,
		BufferSize:  c.BufferSize,
		CQSize:      c.CQSize,
		PathMTU:     mtu,
		Timeout:     c.Timeout,
		RetryCount:  c.RetryCount,
		RNRRetry:    c.RNRRetry,
		MinRNRTimer: c.MinRNRTimer,
	}
}

// Bootstrap returns the exchange parameters for peer. An empty peer selects
// the server role.
func (c *Config) Bootstrap(peer string) bootstrap.Config {
	return bootstrap.Config{
		Peer:    peer,
		Port:    c.TCPPort,
		Timeout: c.BootstrapTimeout,
		Retry:   bootstrap.RetryConfig{MaxAttempts: c.BootstrapRetries},
	}
}

// WriteDefaultConfig writes the built-in configuration as YAML to path
func WriteDefaultConfig(path string) error {
	d := Default()
	d.InstanceID = ""
	data, err := yaml.Marshal(&d)
	if err != nil {
		return fmt.Errorf("error encoding default config: %w", err)
	}
	header := "# rdmakv configuration\n# instance_id: leave empty to use hostname\n# provider: ibverbs or sim\n"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// defaultInstanceID names this process in metrics when instance_id is unset
func defaultInstanceID() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return fmt.Sprintf("rdmakv-%d", os.Getpid())
}
