package observability

import (
	"github.com/clinichq/attrio/internal/config"
	"github.com/clinichq/attrio/internal/observability/logger"
	"github.com/clinichq/attrio/internal/observability/metrics"
	"github.com/clinichq/attrio/internal/observability/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Module wires logging, metrics and tracing providers.
var Module = fx.Module("observability",
	fx.Provide(
		newLoggerConfig,
		logger.New,
		newMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		newTracingConfig,
		tracing.NewProvider,
		newRegistry,
		newHTTPMetrics,
	),
)

func newLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.AppName,
		Environment:         cfg.Environment,
		Version:             cfg.AppVersion,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Environment == "development",
		IncludeCaller:       true,
		IncludeStackOnError: true,
	}
}

func newMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.MetricsEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.OTLPProtocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}

func newTracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.TracingEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.OTLPProtocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
		SampleRatio:      cfg.TraceSampleRatio,
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	return reg
}

func newHTTPMetrics(reg *prometheus.Registry) *metrics.HTTPMetrics {
	return metrics.NewHTTPMetrics(reg)
}
