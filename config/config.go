package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when no -config flag is given.
const DefaultPath = "config/config.yml"

type Config struct {
	Marketfeed    AppConfig            `yaml:"marketfeed"`
	Logging       LoggingConfig        `yaml:"logging"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Stream        StreamConfig         `yaml:"stream"`
	Liveness      LivenessConfig       `yaml:"liveness"`
	Reconnect     ReconnectConfig      `yaml:"reconnect"`
	HTTP          HTTPConfig           `yaml:"http"`
	Vendors       VendorsConfig        `yaml:"vendors"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Dashboard     DashboardConfig      `yaml:"dashboard"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	MaxAge    int    `yaml:"max_age"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

type MetricsConfig struct {
	// Address serves /metrics on its own listener when the dashboard is
	// disabled. Empty disables it.
	Address        string           `yaml:"address"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// StreamConfig holds the per-stream buffering policy.
type StreamConfig struct {
	Buffer int `yaml:"buffer"`
	// Overflow is "block" or "drop".
	Overflow string `yaml:"overflow"`
}

type LivenessConfig struct {
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbeGrace      time.Duration `yaml:"probe_grace"`
	ObserveOutbound bool          `yaml:"observe_outbound"`
}

type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	OpensPerSecond float64       `yaml:"opens_per_second"`
}

// HTTPConfig configures the connection pool shared by REST snapshot clients.
type HTTPConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// VendorConfig overrides a built-in vendor's endpoints. Empty URLs use the
// vendor defaults.
type VendorConfig struct {
	StreamURL string `yaml:"stream_url"`
	RESTURL   string `yaml:"rest_url"`
	// Category selects the Bybit market ("spot" or "linear").
	Category          string  `yaml:"category"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type VendorsConfig struct {
	Binance        VendorConfig `yaml:"binance"`
	BinanceUS      VendorConfig `yaml:"binance_us"`
	BinanceFutures VendorConfig `yaml:"binance_futures"`
	Bybit          VendorConfig `yaml:"bybit"`
	OKX            VendorConfig `yaml:"okx"`
	Idax           VendorConfig `yaml:"idax"`
}

// SubscriptionConfig is one stream the service keeps open. Pairs are vendor
// or canonical symbols; they are parsed with the currency pair codec.
type SubscriptionConfig struct {
	Vendor  string   `yaml:"vendor"`
	Channel string   `yaml:"channel"`
	Pairs   []string `yaml:"pairs"`
	Depth   int      `yaml:"depth"`
	// LocalIP binds outgoing connections to one local address.
	LocalIP string `yaml:"local_ip"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MetricsHistory  int           `yaml:"metrics_history"`
	LogHistory      int           `yaml:"log_history"`
}

// Default returns the configuration used when no file is loaded. It has no
// subscriptions.
func Default() *Config {
	return &Config{
		Marketfeed: AppConfig{Name: "marketfeed", Version: "dev"},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics:    MetricsConfig{ReportInterval: 30 * time.Second, CloudWatch: CloudWatchConfig{Namespace: "Marketfeed"}},
		Stream:     StreamConfig{Buffer: 1024, Overflow: "block"},
		Liveness:   LivenessConfig{ProbeInterval: 15 * time.Second, ProbeGrace: 10 * time.Second},
		Reconnect: ReconnectConfig{
			Enabled:        true,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			OpensPerSecond: 1,
		},
		HTTP: HTTPConfig{
			Timeout:         10 * time.Second,
			MaxIdleConns:    16,
			MaxConnsPerHost: 8,
			IdleConnTimeout: 90 * time.Second,
		},
		Vendors: VendorsConfig{
			Bybit: VendorConfig{Category: "spot"},
			OKX:   VendorConfig{RequestsPerSecond: 10, BurstSize: 1},
		},
		Dashboard: DashboardConfig{
			Address:         ":8080",
			RefreshInterval: 5 * time.Second,
			MetricsHistory:  200,
			LogHistory:      200,
		},
	}
}

// LoadConfig reads path over Default, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Metrics.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Metrics.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("MARKETFEED_METRICS_ADDR"); v != "" {
		config.Metrics.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("MARKETFEED_DASHBOARD_ADDR"); v != "" {
		config.Dashboard.Address = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketfeed.Name == "" {
		return fmt.Errorf("marketfeed.name is required")
	}

	if cfg.Stream.Buffer < 0 {
		return fmt.Errorf("stream.buffer must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Stream.Overflow)) {
	case "", "block", "drop":
	default:
		return fmt.Errorf("stream.overflow must be block or drop, got %q", cfg.Stream.Overflow)
	}

	if cfg.Liveness.ProbeInterval < 0 || cfg.Liveness.ProbeGrace < 0 {
		return fmt.Errorf("liveness durations must not be negative")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if cfg.Reconnect.MaxDelay > 0 && cfg.Reconnect.MaxDelay < cfg.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be at least reconnect.initial_delay")
	}

	switch cfg.Vendors.Bybit.Category {
	case "", "spot", "linear":
	default:
		return fmt.Errorf("vendors.bybit.category must be spot or linear, got %q", cfg.Vendors.Bybit.Category)
	}

	for i, sub := range cfg.Subscriptions {
		if err := validateSubscription(sub); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}
	return nil
}

func validateSubscription(sub SubscriptionConfig) error {
	if strings.TrimSpace(sub.Vendor) == "" {
		return fmt.Errorf("vendor is required")
	}
	switch sub.Channel {
	case "orderbook", "trades":
	default:
		return fmt.Errorf("channel must be orderbook or trades, got %q", sub.Channel)
	}
	if len(sub.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	if sub.Depth < 0 {
		return fmt.Errorf("depth must not be negative")
	}
	if sub.LocalIP != "" && net.ParseIP(sub.LocalIP) == nil {
		return fmt.Errorf("local_ip %q is not an IP address", sub.LocalIP)
	}
	return nil
}
