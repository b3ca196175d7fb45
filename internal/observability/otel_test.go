package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rental-chat/internal/config"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabled(name string, insecure bool) config.OTELConfig {
	return config.OTELConfig{Enabled: true, Insecure: insecure, Endpoint: "localhost:4317", ServiceName: name, SampleRatio: 1}
}

func TestSetupTracing_Disabled(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := SetupTracing(context.Background(), config.OTELConfig{ServiceName: "svc"}, "v0", "", zerolog.Nop())
	if err != nil || shutdown == nil {
		t.Fatalf("got shutdown=%v err=%v", shutdown != nil, err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("provider replaced while disabled")
	}
}

func TestSetupTracing_InstallsProvider(t *testing.T) {
	for _, insecure := range []bool{true, false} {
		keepGlobals(t)
		shutdown, err := SetupTracing(context.Background(), enabled("rentchat", insecure), "v1.2.3", "node-a", zerolog.Nop())
		if err != nil {
			t.Fatalf("insecure=%v: %v", insecure, err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Fatalf("insecure=%v: expected sdk provider", insecure)
		}

		carrier := propagation.MapCarrier{}
		ctx, span := otel.Tracer("test").Start(context.Background(), "send", trace.WithSpanKind(trace.SpanKindInternal))
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		span.End()
		if carrier.Get("traceparent") == "" {
			t.Fatalf("insecure=%v: traceparent not injected", insecure)
		}

		sctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = shutdown(sctx)
		cancel()
	}
}

func TestSetupTracing_ExporterError(t *testing.T) {
	keepGlobals(t)
	orig := newTraceExporter
	t.Cleanup(func() { newTraceExporter = orig })
	newTraceExporter = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom")
	}

	before := otel.GetTracerProvider()
	if _, err := SetupTracing(context.Background(), enabled("svc", true), "v0", "", zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("provider changed on failure")
	}
}

func TestSetupTracing_ResourceError(t *testing.T) {
	keepGlobals(t)
	orig := newTraceResource
	t.Cleanup(func() { newTraceResource = orig })
	newTraceResource = func(context.Context, string, string, string) (*resource.Resource, error) {
		return nil, errors.New("boom")
	}

	before := otel.GetTextMapPropagator()
	if _, err := SetupTracing(context.Background(), enabled("svc", true), "v0", "", zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if otel.GetTextMapPropagator() != before {
		t.Fatal("propagator changed on failure")
	}
}
