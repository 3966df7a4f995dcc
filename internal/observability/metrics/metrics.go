package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	factIngest   metric.Int64Counter
	reconRuns    metric.Int64Counter
	reconResults metric.Int64Counter
	actionsDraft metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "recoup"
	}
	meter := provider.Meter(name)

	factIngest, err := meter.Int64Counter("recoup_fact_ingest_total")
	if err != nil {
		return nil, err
	}
	reconRuns, err := meter.Int64Counter("recoup_recon_runs_total")
	if err != nil {
		return nil, err
	}
	reconResults, err := meter.Int64Counter("recoup_recon_results_total")
	if err != nil {
		return nil, err
	}
	actionsDraft, err := meter.Int64Counter("recoup_actions_drafted_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		factIngest:   factIngest,
		reconRuns:    reconRuns,
		reconResults: reconResults,
		actionsDraft: actionsDraft,
	}, nil
}

// RecordFactIngest increments usage fact ingest counts.
func (m *Metrics) RecordFactIngest(ctx context.Context, series string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("series", strings.TrimSpace(series)))
	m.factIngest.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconRun increments reconciliation run counts by terminal status.
func (m *Metrics) RecordReconRun(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.reconRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconResult increments emitted result counts by anomaly type.
func (m *Metrics) RecordReconResult(ctx context.Context, anomalyType, severity string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("anomaly_type", strings.TrimSpace(anomalyType)),
		attribute.String("severity", strings.TrimSpace(severity)),
	)
	m.reconResults.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordActionDraft increments drafted action counts by kind.
func (m *Metrics) RecordActionDraft(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.actionsDraft.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"series":       {},
	"status":       {},
	"anomaly_type": {},
	"severity":     {},
	"kind":         {},
	"endpoint":     {},
	"status_code":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
