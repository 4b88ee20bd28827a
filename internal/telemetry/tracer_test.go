package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer(t *testing.T) {
	var out bytes.Buffer
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	shutdown, err := InitTracer("rtc-test", &out, slog.Default())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "ws.request")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, out.String(), `"Name": "ws.request"`)
	assert.Contains(t, out.String(), "rtc-test")
}
