package observability

import (
	"github.com/crestline/keystone/internal/config"
	"github.com/crestline/keystone/internal/observability/metrics"
	"go.uber.org/fx"
)

// Module wires the OpenTelemetry metric provider and instruments.
var Module = fx.Module("observability",
	fx.Provide(
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.Metrics.Enabled,
		ExporterEndpoint: cfg.Metrics.Endpoint,
		ExporterProtocol: cfg.Metrics.Exporter,
		ServiceName:      cfg.AppName,
	}
}
