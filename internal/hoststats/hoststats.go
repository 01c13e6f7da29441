// Package hoststats periodically samples process CPU and memory usage and
// publishes them as OpenTelemetry gauges, the same signal the teacher's
// dashboard system-metrics endpoint surfaces over gopsutil.
package hoststats

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"

	"github.com/sinkholed/sinkholed/internal/obslog"
)

const cpuSampleWait = 500 * time.Millisecond

// Sampler periodically records process CPU and memory gauges.
type Sampler struct {
	logger       *obslog.Logger
	cpuPercent   metric.Float64ObservableGauge
	memRSS       metric.Int64ObservableGauge
	memPercent   metric.Float64ObservableGauge
	registration metric.Registration
}

// New registers the host-stats instruments against meter. Call Close to
// stop sampling.
func New(meter metric.Meter, logger *obslog.Logger) (*Sampler, error) {
	s := &Sampler{logger: logger}

	var err error
	s.cpuPercent, err = meter.Float64ObservableGauge(
		"sinkhole_host_cpu_percent",
		metric.WithDescription("Process CPU usage, normalized to 0-100 across all cores"),
	)
	if err != nil {
		return nil, err
	}

	s.memRSS, err = meter.Int64ObservableGauge(
		"sinkhole_host_mem_bytes",
		metric.WithDescription("Process resident set size in bytes"),
	)
	if err != nil {
		return nil, err
	}

	s.memPercent, err = meter.Float64ObservableGauge(
		"sinkhole_host_mem_percent",
		metric.WithDescription("Process memory usage as a percentage of total system memory"),
	)
	if err != nil {
		return nil, err
	}

	s.registration, err = meter.RegisterCallback(s.observe,
		s.cpuPercent, s.memRSS, s.memPercent)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Sampler) observe(ctx context.Context, o metric.Observer) error {
	sample := collect(ctx)

	o.ObserveFloat64(s.cpuPercent, sample.cpuPercent)
	o.ObserveInt64(s.memRSS, int64(sample.memRSS))
	o.ObserveFloat64(s.memPercent, sample.memPercent)

	if s.logger != nil {
		s.logger.Debug("hoststats: sampled",
			"cpu_percent", sample.cpuPercent,
			"mem_rss", sample.memRSS,
			"mem_percent", sample.memPercent,
		)
	}
	return nil
}

// Close unregisters the sampler's callback.
func (s *Sampler) Close() error {
	if s.registration == nil {
		return nil
	}
	return s.registration.Unregister()
}

type sample struct {
	cpuPercent float64
	memRSS     uint64
	memPercent float64
}

func collect(ctx context.Context) sample {
	var sm sample

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		if pct, err := proc.PercentWithContext(ctx, cpuSampleWait); err == nil {
			if n := runtime.NumCPU(); n > 0 {
				sm.cpuPercent = pct / float64(n)
			} else {
				sm.cpuPercent = pct
			}
		} else if percents, err := cpu.PercentWithContext(ctx, cpuSampleWait, false); err == nil && len(percents) > 0 {
			sm.cpuPercent = percents[0]
		}

		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			sm.memRSS = memInfo.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 && sm.memRSS > 0 {
		sm.memPercent = (float64(sm.memRSS) / float64(vm.Total)) * 100
	}

	return sm
}
