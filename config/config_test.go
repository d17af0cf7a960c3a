package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig writes the given YAML to a temp file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `tickflow:
  name: "TestApp"
  version: "1.0"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tickflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tickflow.Name)
	}
	if cfg.Channels.FeedBuffer != 4096 {
		t.Errorf("unexpected feed buffer default: %d", cfg.Channels.FeedBuffer)
	}
	if cfg.Supervisor.BackoffBase != time.Second || cfg.Supervisor.BackoffMax != 30*time.Second {
		t.Errorf("unexpected backoff defaults: %v %v", cfg.Supervisor.BackoffBase, cfg.Supervisor.BackoffMax)
	}
	if cfg.Batcher.Size != 100 || cfg.Batcher.Interval != 500*time.Millisecond {
		t.Errorf("unexpected batcher defaults: %d %v", cfg.Batcher.Size, cfg.Batcher.Interval)
	}
	if cfg.Health.LowErrorRate != 0.01 || cfg.Health.HighErrorRate != 0.10 {
		t.Errorf("unexpected health defaults: %f %f", cfg.Health.LowErrorRate, cfg.Health.HighErrorRate)
	}
	if cfg.Sinks.S3.Compression != "snappy" {
		t.Errorf("unexpected compression default: %s", cfg.Sinks.S3.Compression)
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`supervisor:
  backoff_base: 250ms
  backoff_max: 45s
batcher:
  size: 10
  interval: 2s
  max_buffer: 100
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Supervisor.BackoffBase != 250*time.Millisecond {
		t.Errorf("unexpected backoff base: %v", cfg.Supervisor.BackoffBase)
	}
	if cfg.Supervisor.BackoffMax != 45*time.Second {
		t.Errorf("unexpected backoff max: %v", cfg.Supervisor.BackoffMax)
	}
	if cfg.Batcher.Interval != 2*time.Second {
		t.Errorf("unexpected batcher interval: %v", cfg.Batcher.Interval)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", "tickflow:\n  version: \"1.0\"\n"},
		{"zero batch size", minimalConfig + "batcher:\n  size: 0\n"},
		{"buffer below batch size", minimalConfig + "batcher:\n  size: 100\n  interval: 1s\n  max_buffer: 10\n"},
		{"backoff max below base", minimalConfig + "supervisor:\n  backoff_base: 10s\n  backoff_max: 1s\n"},
		{"inverted error thresholds", minimalConfig + "health:\n  low_error_rate: 0.5\n  high_error_rate: 0.1\n"},
		{"s3 without bucket", minimalConfig + "sinks:\n  s3:\n    enabled: true\n    region: us-east-1\n"},
		{"kafka without brokers", minimalConfig + "sinks:\n  kafka:\n    enabled: true\n    trades_topic: trades\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.content)
			if _, err := LoadConfig(path); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestS3CredentialsFromEnvironment(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "env-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
	t.Setenv("S3_BUCKET", " env-bucket ")

	path := writeTempConfig(t, minimalConfig+`sinks:
  s3:
    enabled: true
    bucket: file-bucket
    region: us-east-1
    access_key_id: file-key
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Sinks.S3.AccessKeyID != "env-key" {
		t.Errorf("environment should override file creds, got %s", cfg.Sinks.S3.AccessKeyID)
	}
	if cfg.Sinks.S3.SecretAccessKey != "env-secret" {
		t.Errorf("unexpected secret: %s", cfg.Sinks.S3.SecretAccessKey)
	}
	if cfg.Sinks.S3.Bucket != "env-bucket" {
		t.Errorf("bucket should be trimmed env value, got %q", cfg.Sinks.S3.Bucket)
	}
}

func TestExchangeLookup(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`exchanges:
  binance:
    enabled: true
    ws_url: wss://example
    symbols: [BTCUSDT]
  kucoin:
    enabled: false
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	ex, ok := cfg.Exchange("Binance")
	if !ok {
		t.Fatal("binance should be enabled")
	}
	if len(ex.Symbols) != 1 || ex.Symbols[0] != "BTCUSDT" {
		t.Errorf("unexpected symbols: %v", ex.Symbols)
	}
	if _, ok := cfg.Exchange("kucoin"); ok {
		t.Error("kucoin should be disabled")
	}
	if _, ok := cfg.Exchange("okx"); ok {
		t.Error("unknown exchange should not resolve")
	}
}
