package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,bad, =skip,tenant=shop-1")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "shop-1"}, headers)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer x")
	cfg := Config{ServiceName: "qr-loyalty", Insecure: true}.ApplyEnv()
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, "Bearer x", cfg.Headers["authorization"])
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "qr-loyalty"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{ServiceName: "  "})
	require.ErrorIs(t, err, ErrServiceName)
}

func TestConfigDefaults(t *testing.T) {
	require.Equal(t, "localhost:4318", Config{}.collector())
	require.Equal(t, "collector:4318", Config{Endpoint: "collector:4318"}.collector())
	require.Equal(t, sdktrace.AlwaysSample().Description(), Config{}.sampler().Description())
	require.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")

	res, err := Config{ServiceName: "qr-loyalty", Environment: "staging"}.resource()
	require.NoError(t, err)
	value, ok := res.Set().Value("deployment.environment")
	require.True(t, ok)
	require.Equal(t, "staging", value.AsString())
}

func TestShutdownStackRunsInReverse(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	stack := shutdownStack{
		func(context.Context) error { order = append(order, "traces"); return nil },
		func(context.Context) error { order = append(order, "metrics"); return boom },
	}
	require.ErrorIs(t, stack.run(context.Background()), boom)
	require.Equal(t, []string{"metrics", "traces"}, order)
}
