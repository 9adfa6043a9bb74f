package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `marketfeed:
  name: "TestFeed"
  version: "1.0"
stream:
  buffer: 16
  overflow: drop
liveness:
  probe_interval: 2s
vendors:
  okx:
    rest_url: "http://localhost:9999"
subscriptions:
  - vendor: binance
    channel: orderbook
    pairs: ["BTCUSDT", "ETH/BTC"]
    depth: 10
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketfeed.Name != "TestFeed" {
		t.Errorf("unexpected name: %s", cfg.Marketfeed.Name)
	}
	if cfg.Stream.Buffer != 16 || cfg.Stream.Overflow != "drop" {
		t.Errorf("unexpected stream config: %+v", cfg.Stream)
	}
	if cfg.Liveness.ProbeInterval != 2*time.Second {
		t.Errorf("probe interval = %s", cfg.Liveness.ProbeInterval)
	}
	// defaults survive for keys the file does not set
	if cfg.Liveness.ProbeGrace != 10*time.Second || cfg.Vendors.OKX.RequestsPerSecond != 10 {
		t.Errorf("defaults lost: %+v %+v", cfg.Liveness, cfg.Vendors.OKX)
	}
	if cfg.Vendors.OKX.RESTURL != "http://localhost:9999" {
		t.Errorf("okx rest url = %s", cfg.Vendors.OKX.RESTURL)
	}
	if len(cfg.Subscriptions) != 1 || len(cfg.Subscriptions[0].Pairs) != 2 {
		t.Errorf("unexpected subscriptions: %+v", cfg.Subscriptions)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing name", "marketfeed:\n  name: \"\"\n", "marketfeed.name"},
		{"bad overflow", "stream:\n  overflow: spill\n", "stream.overflow"},
		{"bad channel", "subscriptions:\n  - vendor: okx\n    channel: klines\n    pairs: [BTC-USDT]\n", "subscriptions[0]"},
		{"no pairs", "subscriptions:\n  - vendor: okx\n    channel: trades\n", "at least one pair"},
		{"bad local ip", "subscriptions:\n  - vendor: okx\n    channel: trades\n    pairs: [BTC-USDT]\n    local_ip: nope\n", "local_ip"},
		{"bad category", "vendors:\n  bybit:\n    category: options\n", "category"},
		{"cloudwatch without region", "metrics:\n  cloudwatch:\n    enabled: true\n", "region"},
		{"delays", "reconnect:\n  initial_delay: 10s\n  max_delay: 1s\n", "max_delay"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv("AWS_REGION", "")
			_, err := LoadConfig(writeTempConfig(t, c.content))
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, c.wantErr)
			}
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", " key ")
	t.Setenv("MARKETFEED_METRICS_ADDR", ":9100")

	cfg, err := LoadConfig(writeTempConfig(t, "metrics:\n  cloudwatch:\n    enabled: true\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cw := cfg.Metrics.CloudWatch
	if cw.Region != "eu-west-1" || cw.AccessKeyID != "key" {
		t.Errorf("unexpected cloudwatch config: %+v", cw)
	}
	if cfg.Metrics.Address != ":9100" {
		t.Errorf("metrics address = %s", cfg.Metrics.Address)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := validateConfig(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestAppEnvironment(t *testing.T) {
	cases := map[string]Environment{
		"":          Development,
		"dev":       Development,
		"prod":      Production,
		" Staging ": Staging,
		"stagging":  Staging,
		"QA":        "qa",
	}
	for in, want := range cases {
		t.Setenv("APP_ENV", in)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
	if !Staging.ProductionLike() || !Production.ProductionLike() || Development.ProductionLike() || Environment("qa").ProductionLike() {
		t.Error("unexpected production-like classification")
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("config/config.production.yml", []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath(""); got != "config/config.production.yml" {
		t.Errorf("ResolvePath = %s", got)
	}
	if got := ResolvePath("custom.yml"); got != "custom.yml" {
		t.Errorf("explicit path changed to %s", got)
	}
	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(DefaultPath); got != DefaultPath {
		t.Errorf("missing staging file resolved to %s", got)
	}
}
