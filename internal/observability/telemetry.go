package observability

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls telemetry exporters and listeners.
type Config struct {
	ServiceName  string
	DeviceID     string
	MetricsAddr  string
	OTLPEndpoint string
}

// Start configures Prometheus metrics and OpenTelemetry tracing. The returned
// shutdown function should be invoked during graceful shutdown.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				attribute.String("device.id", cfg.DeviceID),
			)),
		)
		otel.SetTracerProvider(tracerProvider)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otlp tracing enabled")
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	}

	shutdown := func(ctx context.Context) error {
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		var traceErr error
		if tracerProvider != nil {
			traceErr = tracerProvider.Shutdown(ctx)
		}
		return traceErr
	}

	return shutdown, nil
}

// LoggerWithTrace attaches trace context to the provided logger when available.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	span := trace.SpanFromContext(ctx)
	spanCtx := span.SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().Str("trace_id", spanCtx.TraceID().String()).Str("span_id", spanCtx.SpanID().String()).Logger()
}

// DeviceInfo labels the process on dashboards that aggregate many devices.
type DeviceInfo struct {
	DeviceID       string
	StorageBackend string
	RemoteDriver   string
	DataDir        string
}

// RegisterDeviceCollectors exposes the device identity and how much the
// ledgers and their quarantined copies occupy on the device. Go runtime
// metrics come from the default registry's own collectors.
func RegisterDeviceCollectors(reg prometheus.Registerer, info DeviceInfo) error {
	deviceInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "device_info",
		Help:      "Constant 1, labelled with the device identity and its configured backends.",
		ConstLabels: prometheus.Labels{
			"device":  info.DeviceID,
			"storage": info.StorageBackend,
			"remote":  info.RemoteDriver,
		},
	})
	deviceInfo.Set(1)

	dataBytes := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "data_dir_bytes",
		Help:      "Bytes stored under the device data directory.",
	}, func() float64 {
		return float64(dirSize(info.DataDir))
	})

	for _, c := range []prometheus.Collector{deviceInfo, dataBytes} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}
