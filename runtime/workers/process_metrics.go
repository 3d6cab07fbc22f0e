package workers

import (
	"chat-core/observability"
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// ProcessMetricsWorker samples the gateway's own CPU and RSS into the metrics gauges.
type ProcessMetricsWorker struct {
	log      *slog.Logger
	metrics  *observability.Metrics
	interval time.Duration
}

func NewProcessMetricsWorker(log *slog.Logger, metrics *observability.Metrics, interval time.Duration) *ProcessMetricsWorker {
	return &ProcessMetricsWorker{log: log, metrics: metrics, interval: interval}
}

func (w *ProcessMetricsWorker) Run(ctx context.Context) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rss, cpu, err := selfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}
			w.metrics.ProcessUsage(cpu, rss)
		}
	}
}

// selfStats retrieves resident memory and CPU usage for the given process.
func selfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
