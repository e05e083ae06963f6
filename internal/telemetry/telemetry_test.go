package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestInitLoggerWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, closer, err := InitLogger(Options{LogDir: filepath.Join(dir, "nested"), ServiceName: "chatsync-test", Debug: true})
	require.NoError(t, err)

	logger.Debug("debug line", "key", "value")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "nested", "chatsync-test.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"debug line"`)
	require.Contains(t, string(data), `"service":"chatsync-test"`)
}

func TestInitLoggerDefaultLevelSkipsDebug(t *testing.T) {
	dir := t.TempDir()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, closer, err := InitLogger(Options{LogDir: dir})
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "chatsync.log"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), "shown")
}

func TestInitTelemetry(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(noop.NewMeterProvider())
	})

	tracer, meter, cleanup, err := InitTelemetry(context.Background(), Options{LogDir: dir})
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NotNil(t, meter)

	_, span := tracer.Start(context.Background(), "test_span")
	span.End()
	cleanup()

	_, err = os.Stat(filepath.Join(dir, "chatsync_traces.log"))
	require.NoError(t, err)
}
