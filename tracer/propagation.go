package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// mapCarrier adapts a map[string]string to propagation.TextMapCarrier.
type mapCarrier map[string]string

func (c mapCarrier) Get(key string) string { return c[key] }
func (c mapCarrier) Set(key, value string) { c[key] = value }
func (c mapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var propagator = propagation.TraceContext{}

// InjectContext renders the W3C traceparent header for s, in the form
// "00-<traceId>-<spanId>-01".
func InjectContext(s *Span) (map[string]string, error) {
	tid, err := trace.TraceIDFromHex(s.TraceID)
	if err != nil {
		return nil, fmt.Errorf("tracer: invalid trace id: %w", err)
	}
	sid, err := trace.SpanIDFromHex(s.SpanID)
	if err != nil {
		return nil, fmt.Errorf("tracer: invalid span id: %w", err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	carrier := mapCarrier{}
	propagator.Inject(ctx, carrier)
	return carrier, nil
}

// ExtractedContext is the result of parsing an inbound traceparent
// header.
type ExtractedContext struct {
	TraceID      string
	ParentSpanID string
}

// ExtractContext parses W3C tracing headers and returns the trace and
// parent span identifiers they carry.
func ExtractContext(headers map[string]string) (ExtractedContext, error) {
	carrier := mapCarrier(headers)
	ctx := propagator.Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ExtractedContext{}, fmt.Errorf("tracer: no valid traceparent header found")
	}
	return ExtractedContext{
		TraceID:      sc.TraceID().String(),
		ParentSpanID: sc.SpanID().String(),
	}, nil
}
