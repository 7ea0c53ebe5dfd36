package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "whitepaper", "test", true)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstrumentsWorkWithoutInit(t *testing.T) {
	counter, err := Meter("whitepaper/test").Int64Counter("whitepaper.test.calls")
	require.NoError(t, err)
	counter.Add(context.Background(), 1, metric.WithAttributes())

	_, span := Tracer("whitepaper/test").Start(context.Background(), "check")
	span.End()
	assert.False(t, span.SpanContext().IsValid(), "no-op tracer yields invalid span contexts")
}
