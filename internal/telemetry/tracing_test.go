package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()

	tp, err := InitTracerProvider(ctx, Config{
		ServiceName:    "gh-frontier",
		ServiceVersion: "test",
		SampleRatio:    1,
	}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(ctx, "profile_refresh.tick")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "profile_refresh.tick", ended[0].Name())
	assert.Contains(t, ended[0].Resource().String(), "gh-frontier")
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitTracerProviderValidates(t *testing.T) {
	t.Parallel()

	_, err := InitTracerProvider(context.Background(), Config{SampleRatio: 1})
	require.ErrorContains(t, err, "service name")
	_, err = InitTracerProvider(context.Background(), Config{ServiceName: "x", SampleRatio: 2})
	require.ErrorContains(t, err, "out of range")
}
