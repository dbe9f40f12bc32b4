package kafkabus

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ikvm/Microservice/internal/transport"
)

func TestHeaderCarrierRoundTripsTraceContext(t *testing.T) {
	prop := propagation.TraceContext{}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	hc := toHeaders(map[string]string{"x-origin": "peer-1"})
	prop.Inject(ctx, &hc)
	assert.Contains(t, hc.Keys(), "traceparent")
	assert.Equal(t, "peer-1", hc.Get("x-origin"))

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), &hc))
	assert.Equal(t, sc.TraceID(), got.TraceID())
}

func TestCarrierSetReplaces(t *testing.T) {
	hc := HeaderCarrier{}
	hc.Set("k", "1")
	hc.Set("k", "2")
	assert.Len(t, hc, 1)
	assert.Equal(t, "2", hc.Get("k"))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(kafka.UnknownTopicOrPartition), transport.ErrNoRecipient)
	assert.ErrorIs(t, classify(kafka.WriteErrors{nil, context.DeadlineExceeded}), transport.ErrTimeout)
	assert.ErrorIs(t, classify(kafka.LeaderNotAvailable), transport.ErrReinitialize)

	other := errors.New("x")
	assert.Equal(t, other, classify(other))
}
