package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/model"
)

const tracerName = "github.com/pitabwire/intraflow"

// TraceIDHeader echoes the server span's trace id so portal users can quote
// it when reporting a failed request.
const TraceIDHeader = "X-Trace-Id"

// Span attribute keys for request operations.
var (
	AttrRequestID      = attribute.Key("intraflow.request_id")
	AttrDisplayID      = attribute.Key("intraflow.display_id")
	AttrWorkflowType   = attribute.Key("intraflow.workflow_type")
	AttrStatus         = attribute.Key("intraflow.status")
	AttrTargetStatus   = attribute.Key("intraflow.target_status")
	AttrAssigneeID     = attribute.Key("intraflow.assignee_id")
	AttrActionResponse = attribute.Key("intraflow.action_response")
	AttrRecipients     = attribute.Key("intraflow.recipients")
	AttrSubjectID      = attribute.Key("intraflow.subject_id")
	AttrCacheHit       = attribute.Key("intraflow.cache_hit")
	AttrErrorCode      = attribute.Key("intraflow.error_code")
	AttrObjectName     = attribute.Key("intraflow.object_name")
)

// serverFaults are the envelope codes that mean the service itself failed.
// Every other code is a caller mistake and leaves the span status unset.
var serverFaults = map[string]bool{
	model.ErrInternalError: true,
	model.ErrConfiguration: true,
	model.ErrUploadFailed:  true,
	model.ErrUploadTimeout: true,
}

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes pending spans. Disabled tracing installs nothing
// and returns a no-op flush.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	svc := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
	res, err := resource.Merge(resource.Default(), svc)
	if err != nil {
		res = svc
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return provider.Shutdown, nil
}

// spanExporter builds the configured exporter. An empty name means OTLP over
// gRPC, with the collector address taken from the environment unless
// Endpoint is set.
func spanExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch name := strings.ToLower(cfg.Exporter); name {
	case "", "otlp":
		if cfg.Endpoint == "" {
			return otlptracegrpc.New(ctx)
		}
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("exporter %q is not one of otlp, stdout", cfg.Exporter)
	}
}

// newSampler honours the caller's sampling decision and samples root spans
// at SamplingRate, clamped to (0, 1]. Zero means 10%.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate > 1:
		rate = 1
	}
	if rate == 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) == 0 {
		return Tracer().Start(ctx, name)
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// AnnotateRequest stamps the span with the request's identity and the status
// it ended up in. A nil request is ignored.
func AnnotateRequest(span trace.Span, r *model.WorkflowRequest) {
	if r == nil {
		return
	}
	span.SetAttributes(
		AttrRequestID.String(r.ID),
		AttrDisplayID.String(r.RequestID),
		AttrWorkflowType.String(r.Type),
		AttrStatus.String(r.Status),
	)
}

// EndSpanWithError records err on the span and ends it. Envelope errors carry
// their code as an attribute; only server faults mark the span as failed.
func EndSpanWithError(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	span.RecordError(err)
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		span.SetAttributes(AttrErrorCode.String(env.Code))
		if !serverFaults[env.Code] {
			return
		}
	}
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanIDFromContext returns the active span id, or "".
func SpanIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// TracingMiddleware opens a server span per request, continuing any inbound
// traceparent and echoing the trace context on the response. Once chi has
// routed the request the span is renamed to its route pattern so that
// /api/requests/{id} does not fan out into one span name per request.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set(TraceIDHeader, sc.TraceID().String())
		}

		rec := Record(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		if pattern := RoutePattern(r); pattern != "" {
			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(semconv.HTTPRoute(pattern))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.Status))
		if rec.Status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.Status))
		}
	})
}

// InjectTraceHeaders copies the active trace context into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
