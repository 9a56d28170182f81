package asr

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-dictate/asr"

type instruments struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	inst := instruments{tracer: otel.Tracer(instrumentationName)}
	if counter, err := meter.Int64Counter("asr.requests",
		metric.WithDescription("Transcription requests by backend and outcome")); err == nil {
		inst.requests = counter
	}
	if hist, err := meter.Float64Histogram("asr.latency",
		metric.WithDescription("Transcription latency"),
		metric.WithUnit("ms")); err == nil {
		inst.latency = hist
	}
	return inst
}

func (i instruments) record(ctx context.Context, backend string, text string, err error, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome(text, err)),
	)
	if i.requests != nil {
		i.requests.Add(ctx, 1, attrs)
	}
	if i.latency != nil {
		i.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func outcome(text string, err error) string {
	var (
		httpErr   *HTTPStatusError
		vendorErr *VendorError
	)
	switch {
	case err == nil && text == "":
		return "no_speech"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingCredentials):
		return "config"
	case errors.As(err, &httpErr):
		return "transport"
	case errors.As(err, &vendorErr):
		return "vendor"
	default:
		return "error"
	}
}
