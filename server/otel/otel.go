package otel

import (
	"context"
	"fmt"

	sdk "github.com/inference-gateway/sdk"
	otel "go.opentelemetry.io/otel"
	attribute "go.opentelemetry.io/otel/attribute"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	metric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	resource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	zap "go.uber.org/zap"

	config "github.com/agentfabric/runtime/server/config"
)

// OpenTelemetry defines the operations for telemetry
type OpenTelemetry interface {
	// Application level metrics
	RecordTokenUsage(ctx context.Context, attrs TelemetryAttributes, usage sdk.CompletionUsage)
	RecordRequestCount(ctx context.Context, attrs TelemetryAttributes, requestType string)
	RecordResponseStatus(ctx context.Context, attrs TelemetryAttributes, requestType, requestPath string, statusCode int)
	RecordRequestDuration(ctx context.Context, attrs TelemetryAttributes, requestType, requestPath string, durationMs float64)
	RecordTaskCompleted(ctx context.Context, attrs TelemetryAttributes, success bool)
	RecordTurnDuration(ctx context.Context, attrs TelemetryAttributes, durationMs float64)
	RecordCapabilityFailure(ctx context.Context, attrs TelemetryAttributes, capabilityKey string, errorKind string)

	// Shutdown the telemetry system
	ShutDown(ctx context.Context) error
}

type OpenTelemetryImpl struct {
	logger        *zap.Logger
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	// Metrics
	promptTokensCounter      metric.Int64Counter
	completionTokensCounter  metric.Int64Counter
	totalTokensCounter       metric.Int64Counter
	requestCounter           metric.Int64Counter
	responseStatusCounter    metric.Int64Counter
	requestDurationHistogram metric.Float64Histogram
	taskCompletedCounter     metric.Int64Counter
	turnDurationHistogram    metric.Float64Histogram
	capabilityFailureCounter metric.Int64Counter
}

type TelemetryAttributes struct {
	Provider string
	Model    string
	TaskID   string
}

// NewOpenTelemetry creates a new OpenTelemetry implementation with proper dependency injection
func NewOpenTelemetry(cfg *config.Config, logger *zap.Logger) (OpenTelemetry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	o := &OpenTelemetryImpl{
		logger: logger,
	}

	if err := o.initialize(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	return o, nil
}

func (o *OpenTelemetryImpl) initialize(cfg *config.Config) error {
	o.logger.Info("initializing opentelemetry",
		zap.String("agent_name", cfg.AgentName),
		zap.String("version", cfg.AgentVersion))

	exporter, err := prometheus.New()
	if err != nil {
		o.logger.Error("failed to create prometheus exporter", zap.Error(err))
		return err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AgentName),
		semconv.ServiceVersion(cfg.AgentVersion),
	)

	histogramBoundaries := []float64{1, 5, 10, 25, 50, 75, 100, 250, 500, 750, 1000, 2500, 5000, 7500, 10000}

	latencyView := sdkmetric.NewView(
		sdkmetric.Instrument{
			Kind: sdkmetric.InstrumentKindHistogram,
		},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: histogramBoundaries,
			},
		},
	)

	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithView(latencyView),
	)
	otel.SetMeterProvider(o.meterProvider)

	o.meter = o.meterProvider.Meter(cfg.AgentName)

	if err := o.initializeMetrics(); err != nil {
		o.logger.Error("failed to initialize metrics", zap.Error(err))
		return err
	}

	o.logger.Info("opentelemetry initialized successfully")
	return nil
}

func (o *OpenTelemetryImpl) RecordTokenUsage(ctx context.Context, attrs TelemetryAttributes, usage sdk.CompletionUsage) {
	attributes := []attribute.KeyValue{
		attribute.String("provider", attrs.Provider),
		attribute.String("model", attrs.Model),
	}

	o.promptTokensCounter.Add(ctx, usage.PromptTokens, metric.WithAttributes(attributes...))
	o.completionTokensCounter.Add(ctx, usage.CompletionTokens, metric.WithAttributes(attributes...))
	o.totalTokensCounter.Add(ctx, usage.TotalTokens, metric.WithAttributes(attributes...))
}

func (o *OpenTelemetryImpl) RecordRequestCount(ctx context.Context, attrs TelemetryAttributes, requestType string) {
	attributes := []attribute.KeyValue{
		attribute.String("provider", attrs.Provider),
		attribute.String("model", attrs.Model),
		attribute.String("request_type", requestType),
	}

	o.requestCounter.Add(ctx, 1, metric.WithAttributes(attributes...))
}

func (o *OpenTelemetryImpl) RecordResponseStatus(ctx context.Context, attrs TelemetryAttributes, requestType, requestPath string, statusCode int) {
	attributes := []attribute.KeyValue{
		attribute.String("provider", attrs.Provider),
		attribute.String("model", attrs.Model),
		attribute.String("request_method", requestType),
		attribute.String("request_path", requestPath),
		attribute.Int("status_code", statusCode),
	}

	o.responseStatusCounter.Add(ctx, 1, metric.WithAttributes(attributes...))
}

func (o *OpenTelemetryImpl) RecordRequestDuration(ctx context.Context, attrs TelemetryAttributes, requestType, requestPath string, durationMs float64) {
	attributes := []attribute.KeyValue{
		attribute.String("provider", attrs.Provider),
		attribute.String("model", attrs.Model),
		attribute.String("request_method", requestType),
		attribute.String("request_path", requestPath),
	}

	o.requestDurationHistogram.Record(ctx, durationMs, metric.WithAttributes(attributes...))
}

func (o *OpenTelemetryImpl) RecordTaskCompleted(ctx context.Context, attrs TelemetryAttributes, success bool) {
	attributes := []attribute.KeyValue{
		attribute.String("task_id", attrs.TaskID),
		attribute.Bool("success", success),
	}
	if attrs.Provider != "" {
		attributes = append(attributes, attribute.String("provider", attrs.Provider))
	}
	if attrs.Model != "" {
		attributes = append(attributes, attribute.String("model", attrs.Model))
	}

	o.taskCompletedCounter.Add(ctx, 1, metric.WithAttributes(attributes...))
}

func (o *OpenTelemetryImpl) RecordTurnDuration(ctx context.Context, attrs TelemetryAttributes, durationMs float64) {
	attributes := []attribute.KeyValue{
		attribute.String("provider", attrs.Provider),
		attribute.String("model", attrs.Model),
	}

	o.turnDurationHistogram.Record(ctx, durationMs, metric.WithAttributes(attributes...))
}

func (o *OpenTelemetryImpl) RecordCapabilityFailure(ctx context.Context, attrs TelemetryAttributes, capabilityKey string, errorKind string) {
	attributes := []attribute.KeyValue{
		attribute.String("task_id", attrs.TaskID),
		attribute.String("capability", capabilityKey),
		attribute.String("error_kind", errorKind),
	}
	if attrs.Provider != "" {
		attributes = append(attributes, attribute.String("provider", attrs.Provider))
	}
	if attrs.Model != "" {
		attributes = append(attributes, attribute.String("model", attrs.Model))
	}

	o.capabilityFailureCounter.Add(ctx, 1, metric.WithAttributes(attributes...))
}

func (o *OpenTelemetryImpl) ShutDown(ctx context.Context) error {
	return o.meterProvider.Shutdown(ctx)
}

// initializeMetrics initializes all the OpenTelemetry metrics
func (o *OpenTelemetryImpl) initializeMetrics() error {
	var err error

	o.promptTokensCounter, err = o.meter.Int64Counter(
		"fabric.prompt_tokens.total",
		metric.WithDescription("Total number of prompt tokens consumed by fabric turns"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create prompt tokens counter: %w", err)
	}

	o.completionTokensCounter, err = o.meter.Int64Counter(
		"fabric.completion_tokens.total",
		metric.WithDescription("Total number of completion tokens generated by fabric turns"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create completion tokens counter: %w", err)
	}

	o.totalTokensCounter, err = o.meter.Int64Counter(
		"fabric.tokens.total",
		metric.WithDescription("Total number of tokens used by fabric turns"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create total tokens counter: %w", err)
	}

	o.requestCounter, err = o.meter.Int64Counter(
		"fabric.requests.total",
		metric.WithDescription("Total number of JSON-RPC requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	o.responseStatusCounter, err = o.meter.Int64Counter(
		"fabric.response_status.total",
		metric.WithDescription("Total number of responses by status code"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create response status counter: %w", err)
	}

	o.requestDurationHistogram, err = o.meter.Float64Histogram(
		"fabric.request_duration",
		metric.WithDescription("Duration of JSON-RPC request processing"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	o.taskCompletedCounter, err = o.meter.Int64Counter(
		"fabric.tasks.completed.total",
		metric.WithDescription("Total number of tasks reaching a terminal state"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task completed counter: %w", err)
	}

	o.turnDurationHistogram, err = o.meter.Float64Histogram(
		"fabric.turn_duration",
		metric.WithDescription("Duration of complete conversational turns"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	o.capabilityFailureCounter, err = o.meter.Int64Counter(
		"fabric.capability_failures.total",
		metric.WithDescription("Total number of capability invocation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create capability failure counter: %w", err)
	}

	o.logger.Debug("all opentelemetry metrics initialized successfully")
	return nil
}
