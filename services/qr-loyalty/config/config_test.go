package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "qr-loyalty.yaml", `
listen: "9090"
database:
  driver: postgres
  dsn: postgres://loyalty@db/loyalty
commerce:
  timeout: 3s
  maxRetries: 4
rewards:
  stateTTL: 240h
auth:
  hmacSecret: top-secret
scan:
  storefrontURL: https://shop.example.com/
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 3*time.Second, cfg.Commerce.Timeout)
	require.Equal(t, 4, cfg.Commerce.MaxRetries)
	require.Equal(t, 240*time.Hour, cfg.Rewards.StateTTL)
	require.Equal(t, "https://shop.example.com", cfg.Scan.StorefrontURL)
	require.Equal(t, int64(10), cfg.Rewards.DefaultPointsPerScan)
	require.Equal(t, "merchant_id", cfg.Auth.MerchantClaim)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "qr-loyalty.toml", `
listen = ":7070"

[database]
driver = "sqlite"
dsn = "file:test.db"

[commerce]
timeout = "2s"
retryBackoff = "50ms"

[auth]
enabled = false

[analytics]
kafkaBrokers = ["kafka-1:9092", "kafka-2:9092"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddress)
	require.Equal(t, 2*time.Second, cfg.Commerce.Timeout)
	require.Equal(t, 50*time.Millisecond, cfg.Commerce.RetryBackoff)
	require.False(t, cfg.Auth.Enabled)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Analytics.KafkaBrokers)
	require.Equal(t, "qr-scan-events", cfg.Analytics.Topic)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QRL_AUTH_HMAC_SECRET", "from-env")
	t.Setenv("QRL_DB_DSN", "file:env.db")
	t.Setenv("QRL_KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("QRL_COMMERCE_TIMEOUT", "750ms")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.HMACSecret)
	require.Equal(t, "file:env.db", cfg.Database.DSN)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Analytics.KafkaBrokers)
	require.Equal(t, 750*time.Millisecond, cfg.Commerce.Timeout)
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("QRL_AUTH_HMAC_SECRET", "x")
	t.Setenv("QRL_COMMERCE_MAX_RETRIES", "many")
	_, err := Load("")
	require.ErrorContains(t, err, "QRL_COMMERCE_MAX_RETRIES")
}

func TestValidateRequiresSecretWhenAuthEnabled(t *testing.T) {
	_, err := Load("")
	require.True(t, errors.Is(err, ErrAuthSecretRequired), "got %v", err)
}

func TestValidateRejectsSharedCustomerSecret(t *testing.T) {
	t.Setenv("QRL_AUTH_HMAC_SECRET", "same")
	t.Setenv("QRL_SCAN_CUSTOMER_SECRET", "same")
	_, err := Load("")
	require.ErrorIs(t, err, ErrSharedSecret)

	t.Setenv("QRL_SCAN_CUSTOMER_SECRET", "different")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "different", cfg.Scan.CustomerTokenSecret)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	path := writeFile(t, "bad.yaml", "database:\n  driver: mysql\n  dsn: x\nauth:\n  enabled: false\n")
	_, err := Load(path)
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestValidateRejectsRelativeStorefront(t *testing.T) {
	path := writeFile(t, "bad.yaml", "scan:\n  storefrontURL: shop.example.com\nauth:\n  enabled: false\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "storefrontURL")
}
