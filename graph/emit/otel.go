package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording OpenTelemetry spans.
//
// Each event becomes an immediately-ended span (events are points in time,
// not durations). The span carries:
//   - Name: event.Msg ("node_start", "node_complete", ...)
//   - Attributes: thread_id, step, node_id, and every event.Meta field
//   - Error status when event.Meta["error"] is present
//
// Setup in the host application:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("stategraph"))
type OTelEmitter struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewOTelEmitter creates an emitter recording spans through the given
// tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// NewOTelEmitterWithProvider additionally retains the SDK tracer provider
// so Flush can force-export buffered spans before shutdown.
func NewOTelEmitterWithProvider(provider *sdktrace.TracerProvider, name string) *OTelEmitter {
	return &OTelEmitter{
		tracer:   provider.Tracer(name),
		provider: provider,
	}
}

// Emit records one span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("thread_id", event.ThreadID),
		attribute.Int("step", event.Step),
	)
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("node_id", event.NodeID))
	}
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute(key, value))
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush force-exports buffered spans. Call before shutdown when the emitter
// was built with NewOTelEmitterWithProvider; otherwise it is a no-op.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	if o.provider == nil {
		return nil
	}
	return o.provider.ForceFlush(ctx)
}

// metaAttribute converts a metadata value to an OTel attribute, falling
// back to fmt for types the attribute package doesn't cover.
func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
