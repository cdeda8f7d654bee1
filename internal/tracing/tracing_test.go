package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rentguntur/project-school/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(config.TracingConfig{}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInit_ExportsSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var buf bytes.Buffer
	shutdown, err := Init(config.TracingConfig{Enabled: true}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "chat.handleMessage")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	require.Contains(t, buf.String(), `"Name":"chat.handleMessage"`)
	require.Contains(t, buf.String(), serviceName)
}
