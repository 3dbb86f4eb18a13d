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
	creditReservations metric.Int64Counter
	creditConfirms     metric.Int64Counter
	creditReleases     metric.Int64Counter
	insufficientFunds  metric.Int64Counter
	grantEvents        metric.Int64Counter
	staleReaped        metric.Int64Counter
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
		name = "storybind"
	}
	meter := provider.Meter(name)

	creditReservations, err := meter.Int64Counter("storybind_credit_reservations_total")
	if err != nil {
		return nil, err
	}
	creditConfirms, err := meter.Int64Counter("storybind_credit_confirms_total")
	if err != nil {
		return nil, err
	}
	creditReleases, err := meter.Int64Counter("storybind_credit_releases_total")
	if err != nil {
		return nil, err
	}
	insufficientFunds, err := meter.Int64Counter("storybind_credit_insufficient_total")
	if err != nil {
		return nil, err
	}
	grantEvents, err := meter.Int64Counter("storybind_credit_grants_total")
	if err != nil {
		return nil, err
	}
	staleReaped, err := meter.Int64Counter("storybind_stale_reservations_reaped_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditReservations: creditReservations,
		creditConfirms:     creditConfirms,
		creditReleases:     creditReleases,
		insufficientFunds:  insufficientFunds,
		grantEvents:        grantEvents,
		staleReaped:        staleReaped,
	}, nil
}

// RecordReservation increments reservation counts.
func (m *Metrics) RecordReservation(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("job_type", strings.TrimSpace(jobType)))
	m.creditReservations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConfirm increments confirmation counts.
func (m *Metrics) RecordConfirm(ctx context.Context) {
	if m == nil {
		return
	}
	m.creditConfirms.Add(ctx, 1)
}

// RecordRelease increments release counts with the trigger that caused it.
func (m *Metrics) RecordRelease(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("trigger", strings.TrimSpace(trigger)))
	m.creditReleases.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInsufficient increments rejected reservation counts.
func (m *Metrics) RecordInsufficient(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("job_type", strings.TrimSpace(jobType)))
	m.insufficientFunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGrant increments ingested grant counts.
func (m *Metrics) RecordGrant(ctx context.Context, source string, duplicate bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.Bool("duplicate", duplicate),
	)
	m.grantEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStaleReaped adds the number of reservations repaired by one sweep.
func (m *Metrics) RecordStaleReaped(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.staleReaped.Add(ctx, count)
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
	"job_type":  {},
	"source":    {},
	"trigger":   {},
	"duplicate": {},
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
