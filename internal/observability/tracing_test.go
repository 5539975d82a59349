package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/model"
)

// setupTestTracer installs an always-sampling provider that exports into
// memory.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracing(ctx, config.TracingConfig{}, "addonrt", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))

	shutdown, err = InitTracing(ctx, config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, "addonrt", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))

	_, err = InitTracing(ctx, config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "addonrt", "test")
	assert.ErrorContains(t, err, "zipkin")
}

func TestStartSpan_callerAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := model.WithCaller(context.Background(), &model.Caller{TenantID: "acme", SubjectID: "u-1"})
	ctx, span := StartSpan(ctx, "invocation.execute",
		AttrInvocationID.String("inv-1"),
		AttrOperation.String("storage:list_root_items"),
	)
	assert.Equal(t, span, trace.SpanFromContext(ctx))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := spanAttrMap(spans[0])
	assert.Equal(t, "inv-1", attrs["addonrt.invocation_id"])
	assert.Equal(t, "storage:list_root_items", attrs["addonrt.operation"])
	assert.Equal(t, "acme", attrs["addonrt.tenant_id"])
	assert.Equal(t, "u-1", attrs["addonrt.subject_id"])
}

func TestStartSpan_withoutCaller(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "capability.resolve")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.NotContains(t, spanAttrMap(spans[0]), "addonrt.tenant_id")
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	EndSpanWithError(ok, nil)
	_, plain := StartSpan(context.Background(), "plain")
	EndSpanWithError(plain, errors.New("boom"))
	_, coded := StartSpan(context.Background(), "coded")
	EndSpanWithError(coded, errors.Join(errors.New("transport"), model.NewError(model.ErrProviderUnavailable, "down")))

	byName := map[string]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	require.Len(t, byName, 3)

	assert.NotEqual(t, codes.Error, byName["ok"].Status.Code)

	assert.Equal(t, codes.Error, byName["plain"].Status.Code)
	assert.Equal(t, "boom", byName["plain"].Status.Description)
	assert.NotEmpty(t, byName["plain"].Events)
	assert.NotContains(t, spanAttrMap(byName["plain"]), "addonrt.exception_kind")

	assert.Equal(t, model.ErrProviderUnavailable, spanAttrMap(byName["coded"])["addonrt.exception_kind"])
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	assert.Empty(t, TraceIDFromContext(context.Background()))

	ctx, span := StartSpan(context.Background(), "trace.id")
	defer span.End()
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
}

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/operations/{interface}/{operation}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/operations/storage/get_item_info", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "GET /operations/{interface}/{operation}", s.Name)
	assert.Equal(t, trace.SpanKindServer, s.SpanKind)

	attrs := spanAttrMap(s)
	assert.Equal(t, "/operations/{interface}/{operation}", attrs["http.route"])
	assert.Equal(t, "/operations/storage/get_item_info", attrs["url.path"])
	assert.Equal(t, "404", attrs["http.response.status_code"])
	assert.NotEqual(t, codes.Error, s.Status.Code)
	assert.NotEmpty(t, w.Header().Get("Traceparent"))
}

func TestTracingMiddleware_unrouted(t *testing.T) {
	exporter := setupTestTracer(t)

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /readyz", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.NotContains(t, spanAttrMap(spans[0]), "http.route")
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	const (
		traceID = "0af7651916cd43dd8448eb211c80319c"
		spanID  = "b7ad6b7169203331"
	)
	h := TracingMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/operations", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+spanID+"-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, spans[0].SpanContext.TraceID().String())
	assert.Equal(t, spanID, spans[0].Parent.SpanID().String())
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "transport.send")
	defer span.End()

	h := http.Header{}
	InjectTraceHeaders(ctx, h)
	assert.Contains(t, h.Get("Traceparent"), span.SpanContext().TraceID().String())
}

// droppedTraceID is never selected by a ratio sampler below 1.
var droppedTraceID = trace.TraceID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func TestNewSampler(t *testing.T) {
	params := func(attrs ...attribute.KeyValue) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       droppedTraceID,
			Name:          "invocation.execute",
			Kind:          trace.SpanKindInternal,
			Attributes:    attrs,
		}
	}

	always := NewSampler(config.TracingConfig{SamplingRate: 2})
	assert.Equal(t, sdktrace.RecordAndSample, always.ShouldSample(params()).Decision)

	ratio := NewSampler(config.TracingConfig{SamplingRate: 0.5})
	assert.Equal(t, sdktrace.Drop, ratio.ShouldSample(params()).Decision)
	assert.Equal(t, sdktrace.Drop, ratio.ShouldSample(params(AttrInvocationID.String("inv-1"))).Decision)

	invocations := NewSampler(config.TracingConfig{SamplingRate: 0.5, SampleInvocations: true})
	assert.Contains(t, invocations.Description(), "InvocationSampler")
	assert.Equal(t, sdktrace.Drop, invocations.ShouldSample(params()).Decision)
	assert.Equal(t, sdktrace.RecordAndSample,
		invocations.ShouldSample(params(AttrInvocationID.String("inv-1"))).Decision)
}
