package observability

import (
	"context"
	"fmt"
	"net/http"

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

	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/model"
)

const tracerName = "github.com/pitabwire/addonrt"

// Span attribute keys.
var (
	AttrInvocationID   = attribute.Key("addonrt.invocation_id")
	AttrOperation      = attribute.Key("addonrt.operation")
	AttrOperationKind  = attribute.Key("addonrt.operation_kind")
	AttrImplementation = attribute.Key("addonrt.implementation")
	AttrIntegrationID  = attribute.Key("addonrt.integration_id")
	AttrExceptionKind  = attribute.Key("addonrt.exception_kind")
	AttrTenantID       = attribute.Key("addonrt.tenant_id")
	AttrSubjectID      = attribute.Key("addonrt.subject_id")
	AttrCacheHit       = attribute.Key("addonrt.cache_hit")
)

// InitTracing installs a global TracerProvider and W3C propagators. The
// returned func flushes and stops the provider. With tracing disabled
// nothing is installed and shutdown is a no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("tracing: exporter %q is not one of otlp, stdout", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// NewSampler samples root spans at cfg.SamplingRate (0.1 when unset) and
// follows the parent decision for child spans. With SampleInvocations,
// spans carrying an invocation id are always recorded.
func NewSampler(cfg config.TracingConfig) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch rate := cfg.SamplingRate; {
	case rate <= 0:
		root = sdktrace.TraceIDRatioBased(0.1)
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}

	sampler := sdktrace.ParentBased(root)
	if cfg.SampleInvocations {
		return invocationSampler{Sampler: sampler}
	}
	return sampler
}

type invocationSampler struct {
	sdktrace.Sampler
}

func (s invocationSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	res := s.Sampler.ShouldSample(p)
	if res.Decision == sdktrace.RecordAndSample {
		return res
	}
	for _, kv := range p.Attributes {
		if kv.Key == AttrInvocationID {
			res.Decision = sdktrace.RecordAndSample
			break
		}
	}
	return res
}

func (s invocationSampler) Description() string {
	return "InvocationSampler{" + s.Sampler.Description() + "}"
}

// Tracer returns the runtime's named tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with attrs. The tenant and subject of a Caller
// stored in ctx are attached as well.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithAttributes(attrs...)}
	if c := model.CallerFrom(ctx); c != nil {
		opts = append(opts, trace.WithAttributes(
			AttrTenantID.String(c.TenantID),
			AttrSubjectID.String(c.SubjectID),
		))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpanWithError ends span. A non-nil err is recorded, marks the span as
// failed and, when it carries an error code, sets the exception kind.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := model.ErrorCode(err, ""); kind != "" {
			span.SetAttributes(AttrExceptionKind.String(kind))
		}
	}
	span.End()
}

// TraceIDFromContext returns the hex trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any
// inbound traceparent. Once routing is done the span is renamed after the
// matched chi route.
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
		rec := NewResponseRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		if route := RoutePattern(r); route != r.URL.Path {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.Status))
		if rec.Status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.Status))
		}
	})
}

// InjectTraceHeaders writes the active trace context into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
