// Package obsmetrics wires the OpenTelemetry meter provider and the
// sinkhole-specific counters/histograms exported over it.
package obsmetrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/sinkholed/sinkholed/internal/config"
	"github.com/sinkholed/sinkholed/internal/obslog"
)

// DumpSource is the narrow slice of trie.Trie that the dump endpoint needs.
// Declared locally so this package doesn't have to import the trie package
// just to serve its operational-inspection output.
type DumpSource interface {
	Dump(w io.Writer) error
}

// Option configures a Telemetry instance at construction.
type Option func(*Telemetry)

// WithDumpRoutes registers the optional /dump/whitelist and /dump/blacklist
// routes on the telemetry HTTP server when cfg.Enabled is true. Only takes
// effect if telemetry itself is enabled, since there is no HTTP server to
// attach the routes to otherwise.
func WithDumpRoutes(cfg config.Dump, whitelist, blacklist DumpSource) Option {
	return func(t *Telemetry) {
		if !cfg.Enabled {
			return
		}
		t.dumpCfg = cfg
		t.whitelist = whitelist
		t.blacklist = blacklist
	}
}

// Telemetry owns the meter provider and, when enabled, the Prometheus HTTP
// exporter serving it.
type Telemetry struct {
	meterProvider metric.MeterProvider
	server        *http.Server
	logger        *obslog.Logger
	dumpCfg       config.Dump
	whitelist     DumpSource
	blacklist     DumpSource
}

// New builds a Telemetry instance. When cfg.Enabled is false, every metric
// created against it is a noop, matching the teacher's disabled-telemetry
// path.
func New(ctx context.Context, cfg *config.Telemetry, logger *obslog.Logger, opts ...Option) (*Telemetry, error) {
	t := &Telemetry{logger: logger}
	for _, opt := range opts {
		opt(t)
	}

	if !cfg.Enabled {
		if logger != nil {
			logger.Info("telemetry disabled")
		}
		t.meterProvider = noop.NewMeterProvider()
		return t, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String("sinkholed"),
	))
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: creating resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	t.meterProvider = provider
	if err := t.startServer(cfg.ListenAddress); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) startServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if t.dumpCfg.Enabled {
		base := strings.TrimSuffix(t.dumpCfg.Path, "/")
		if base == "" {
			base = "/dump"
		}
		mux.HandleFunc(base+"/whitelist", t.dumpHandler(t.whitelist))
		mux.HandleFunc(base+"/blacklist", t.dumpHandler(t.blacklist))
		if t.logger != nil {
			t.logger.Info("dump endpoint enabled", "whitelist_path", base+"/whitelist", "blacklist_path", base+"/blacklist")
		}
	}

	t.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if t.logger != nil {
				t.logger.Error("telemetry server failed", "error", err)
			}
		}
	}()
	return nil
}

// dumpHandler writes source's line-oriented zone dump to the response body.
// Not a compatibility surface: format and ordering may change between
// releases.
func (t *Telemetry) dumpHandler(source DumpSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if source == nil {
			http.Error(w, "dump source not configured", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := source.Dump(w); err != nil && t.logger != nil {
			t.logger.Error("dump endpoint failed", "error", err)
		}
	}
}

// Meter returns the sinkhole meter, for collaborators (e.g. hoststats) that
// register their own instruments against the same provider.
func (t *Telemetry) Meter() metric.Meter {
	return t.meterProvider.Meter("sinkholed")
}

// Shutdown stops the Prometheus HTTP server, if one was started.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// Metrics holds every sinkhole metric instrument.
type Metrics struct {
	QueriesTotal       metric.Int64Counter
	QueryDuration      metric.Float64Histogram
	CensorScrubsTotal  metric.Int64Counter
	CensorLearnTotal   metric.Int64Counter
	ReprocessTotal     metric.Int64Counter
	UpstreamErrors     metric.Int64Counter
	TrieSize           metric.Int64UpDownCounter
}

// InitMetrics creates every instrument named in the sinkhole metric
// namespace against t's meter provider.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sinkholed")

	queriesTotal, err := meter.Int64Counter(
		"sinkhole_queries_total",
		metric.WithDescription("Total DNS queries resolved"),
	)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: queries_total: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"sinkhole_query_duration_seconds",
		metric.WithDescription("Query resolution latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: query_duration_seconds: %w", err)
	}

	censorScrubs, err := meter.Int64Counter(
		"sinkhole_censor_scrubs_total",
		metric.WithDescription("Number of times censor-learn scrubbed unclaimed delegation glue"),
	)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: censor_scrubs_total: %w", err)
	}

	censorLearn, err := meter.Int64Counter(
		"sinkhole_censor_learn_total",
		metric.WithDescription("Number of censor-learn trie extensions"),
	)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: censor_learn_total: %w", err)
	}

	reprocess, err := meter.Int64Counter(
		"sinkhole_reprocess_total",
		metric.WithDescription("Number of queries that triggered a bounded reprocess pass"),
	)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: reprocess_total: %w", err)
	}

	upstreamErrors, err := meter.Int64Counter(
		"sinkhole_upstream_errors_total",
		metric.WithDescription("Number of failed upstream resolver calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: upstream_errors_total: %w", err)
	}

	trieSize, err := meter.Int64UpDownCounter(
		"sinkhole_trie_size",
		metric.WithDescription("Number of entries in the policy tries"),
	)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: trie_size: %w", err)
	}

	return &Metrics{
		QueriesTotal:      queriesTotal,
		QueryDuration:     queryDuration,
		CensorScrubsTotal: censorScrubs,
		CensorLearnTotal:  censorLearn,
		ReprocessTotal:    reprocess,
		UpstreamErrors:    upstreamErrors,
		TrieSize:          trieSize,
	}, nil
}
