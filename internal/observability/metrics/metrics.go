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
	touches              metric.Int64Counter
	attributions         metric.Int64Counter
	attributionFailures  metric.Int64Counter
	commissionEvents     metric.Int64Counter
	commissionReversals  metric.Int64Counter
	commissionsApproved  metric.Int64Counter
	payoutRequests       metric.Int64Counter
	sweepDuration        metric.Float64Histogram
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
		name = "attrio"
	}
	meter := provider.Meter(name)

	touches, err := meter.Int64Counter("attrio_touches_total")
	if err != nil {
		return nil, err
	}
	attributions, err := meter.Int64Counter("attrio_attributions_total")
	if err != nil {
		return nil, err
	}
	attributionFailures, err := meter.Int64Counter("attrio_attribution_failures_total")
	if err != nil {
		return nil, err
	}
	commissionEvents, err := meter.Int64Counter("attrio_commission_events_total")
	if err != nil {
		return nil, err
	}
	commissionReversals, err := meter.Int64Counter("attrio_commission_reversals_total")
	if err != nil {
		return nil, err
	}
	commissionsApproved, err := meter.Int64Counter("attrio_commissions_approved_total")
	if err != nil {
		return nil, err
	}
	payoutRequests, err := meter.Int64Counter("attrio_payout_requests_total")
	if err != nil {
		return nil, err
	}
	sweepDuration, err := meter.Float64Histogram("attrio_sweep_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		touches:             touches,
		attributions:        attributions,
		attributionFailures: attributionFailures,
		commissionEvents:    commissionEvents,
		commissionReversals: commissionReversals,
		commissionsApproved: commissionsApproved,
		payoutRequests:      payoutRequests,
		sweepDuration:       sweepDuration,
	}, nil
}

// RecordTouch increments recorded touch counts.
func (m *Metrics) RecordTouch(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.touches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAttribution increments successful attribution counts.
func (m *Metrics) RecordAttribution(ctx context.Context, model, confidence string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("model", strings.TrimSpace(model)),
		attribute.String("confidence", strings.TrimSpace(confidence)),
	)
	m.attributions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAttributionFailure increments structured attribution failures.
func (m *Metrics) RecordAttributionFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.attributionFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommissionEvent increments created commission event counts.
func (m *Metrics) RecordCommissionEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.commissionEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommissionReversal increments reversal counts.
func (m *Metrics) RecordCommissionReversal(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.commissionReversals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommissionsApproved adds the count approved by a sweep pass.
func (m *Metrics) RecordCommissionsApproved(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.commissionsApproved.Add(ctx, count)
}

// RecordPayoutRequest increments withdrawal request counts by result.
func (m *Metrics) RecordPayoutRequest(ctx context.Context, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("result", strings.TrimSpace(result)))
	m.payoutRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ObserveSweepDuration records how long a sweep job pass took.
func (m *Metrics) ObserveSweepDuration(ctx context.Context, job string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("job", strings.TrimSpace(job)))
	m.sweepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
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
	"source":      {},
	"model":       {},
	"confidence":  {},
	"reason":      {},
	"event_type":  {},
	"result":      {},
	"job":         {},
	"endpoint":    {},
	"status_code": {},
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
