package tracing

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer names, one per instrumented package.
const (
	TracerAgent        = "halte.agent"
	TracerToolExecutor = "halte.toolexecutor"
	TracerQueue        = "halte.commandqueue"
)

// Span attribute keys shared by halte spans.
const (
	AttrUserID   = attribute.Key("halte.user_id")
	AttrTurnID   = attribute.Key("halte.turn_id")
	AttrLane     = attribute.Key("halte.lane")
	AttrTool     = attribute.Key("halte.tool")
	AttrAttempt  = attribute.Key("halte.completion.attempt")
	AttrRefused  = attribute.Key("halte.turn.refused")
	AttrProvider = attribute.Key("halte.provider")
)

// ErrAlreadyInitialized is returned by Init while a provider is installed.
var ErrAlreadyInitialized = errors.New("tracing already initialized")

// Options configures the process tracer provider.
type Options struct {
	ServiceName string
	Version     string
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
	// Logger receives one record per finished sampled span. Nil discards
	// spans after sampling, which still yields trace IDs for log correlation.
	Logger *zerolog.Logger
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// Init installs the process-wide tracer provider.
func Init(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if provider != nil {
		return ErrAlreadyInitialized
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithResource(res),
	}
	if opts.Logger != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(&logExporter{logger: *opts.Logger}))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

// Shutdown flushes pending spans and restores the no-op provider, so Init
// may run again.
func Shutdown(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()

	if tp == nil {
		return nil
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the user and turn carried by ctx and
// mirrors its trace ID into ctx when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if userID := GetUserID(ctx); userID != "" {
		attrs = append(attrs, AttrUserID.String(userID))
	}
	if turnID := GetTurnID(ctx); turnID != "" {
		attrs = append(attrs, AttrTurnID.String(turnID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// logExporter writes finished spans to zerolog: debug for ok spans, warn for
// failed ones.
type logExporter struct {
	logger zerolog.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		ev := e.logger.Debug()
		if s.Status().Code == codes.Error {
			ev = e.logger.Warn().Str("error", s.Status().Description)
		}
		ev = ev.
			Str("span", s.Name()).
			Str("trace_id", s.SpanContext().TraceID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime()))
		for _, kv := range s.Attributes() {
			ev = ev.Str(string(kv.Key), kv.Value.Emit())
		}
		ev.Msg("Span finished")
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
