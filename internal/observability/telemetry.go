// Package observability настраивает трассировку OpenTelemetry.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/annel0/worldstream/internal/logging"
)

// Options параметры трассировки
type Options struct {
	Enabled     bool
	ServiceName string
	Endpoint    string  // host:port коллектора; пусто - OTEL_EXPORTER_OTLP_ENDPOINT или localhost:4318
	Insecure    bool    // HTTP вместо HTTPS
	SampleRatio float64 // доля сэмплируемых трасс; 0 - все
}

// ShutdownFunc сбрасывает буферы экспортёра
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTelemetry настраивает OTLP экспортер и устанавливает глобальный TracerProvider.
// Возвращает функцию shutdown, которую нужно вызвать при завершении приложения.
// При выключенной трассировке глобальный провайдер не меняется.
func InitTelemetry(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if !opts.Enabled {
		return noopShutdown, nil
	}

	var clientOpts []otlptracehttp.Option
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, otlptracehttp.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	sampler := trace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = trace.ParentBased(trace.TraceIDRatioBased(opts.SampleRatio))
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	logging.GetComponentLogger("TELEMETRY").Info("📡 OpenTelemetry инициализирован (service=%s)", opts.ServiceName)

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}
	return shutdown, nil
}
