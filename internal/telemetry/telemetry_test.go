package telemetry

import (
	"context"
	"testing"

	"github.com/ashureev/studyhub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{TraceExporter: config.TraceNone}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitStdout(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{
		ServiceName:   "studyhub-test",
		TraceExporter: config.TraceStdout,
	}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{TraceExporter: "zipkin"}, "test")
	assert.ErrorIs(t, err, ErrUnknownExporter)
}
