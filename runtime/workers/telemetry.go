package workers

import (
	"chat-relay/contract"
	"chat-relay/observability"
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

var _ contract.Worker = (*TelemetryWorker)(nil)

// TelemetryWorker refreshes the relay counters and logs them together with
// the process resource usage every metricInterval.
type TelemetryWorker struct {
	log            *slog.Logger
	metricInterval time.Duration
	directory      contract.IDirectory
	broadcaster    contract.IBroadcaster
	monitoring     *observability.MonitoringManager
}

func NewTelemetryWorker(
	log *slog.Logger,
	metricInterval time.Duration,
	directory contract.IDirectory,
	broadcaster contract.IBroadcaster,
	monitoring *observability.MonitoringManager) *TelemetryWorker {
	return &TelemetryWorker{
		log:            log,
		metricInterval: metricInterval,
		directory:      directory,
		broadcaster:    broadcaster,
		monitoring:     monitoring,
	}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.report(p)
		}
	}
}

func (w *TelemetryWorker) report(p *process.Process) {
	stats := w.monitoring.Refresh(w.broadcaster.Depth())
	rooms := w.directory.Rooms()

	attrs := []any{
		"rooms", len(rooms),
		"active_sessions", stats.ActiveSessions,
		"queue_depth", stats.QueueDepth,
		"dispatched", stats.MessagesDispatched,
		"delivery_failures", stats.DeliveryFailures,
		"offers_created", stats.OffersCreated,
		"delivery_speed_mb_s", stats.DeliverySpeed,
	}

	rss, cpu, status, err := selfStats(p)
	if err != nil {
		w.log.Debug("Failed to collect self stats", "error", err)
	} else {
		attrs = append(attrs, "rss_bytes", rss, "cpu_percent", cpu, "status", status)
	}
	w.log.Info("Relay telemetry", attrs...)
}

// selfStats retrieves memory, CPU and OS status for the relay process.
func selfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}
	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
