package workers

import (
	"context"
	"live-hub/contract"
	"live-hub/runtime"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// HealthMonitoringWorker samples the server process and the dispatcher.
// It feeds the process gauges and warns when the backlog keeps growing
// or when the in-flight action is older than twice the action timeout.
type HealthMonitoringWorker struct {
	log              *slog.Logger
	dispatcher       contract.IDispatcher
	registry         contract.IRegistry
	metrics          *runtime.Metrics
	metricInterval   time.Duration
	backlogThreshold int
	actionTimeout    time.Duration
}

func NewHealthMonitoringWorker(
	log *slog.Logger,
	dispatcher contract.IDispatcher,
	registry contract.IRegistry,
	metrics *runtime.Metrics,
	metricInterval time.Duration,
	backlogThreshold int,
	actionTimeout time.Duration,
) *HealthMonitoringWorker {
	return &HealthMonitoringWorker{
		log:              log,
		dispatcher:       dispatcher,
		registry:         registry,
		metrics:          metrics,
		metricInterval:   metricInterval,
		backlogThreshold: backlogThreshold,
		actionTimeout:    actionTimeout,
	}
}

func (w *HealthMonitoringWorker) Run(ctx context.Context) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping health monitoring")
			return nil
		case <-ticker.C:
			w.sampleProcess(p)
			w.Check(w.dispatcher.Stats())
		}
	}
}

func (w *HealthMonitoringWorker) sampleProcess(p *process.Process) {
	cpu, err := p.CPUPercent()
	if err != nil {
		w.log.Error("Error while finding process cpu usage", "err", err)
		return
	}
	ram, err := p.MemoryPercent()
	if err != nil {
		w.log.Error("Error while finding process ram usage", "err", err)
		return
	}
	w.metrics.Process(cpu, ram)
	w.log.Debug("Process sampled", "pid", p.Pid, "cpu", cpu, "ram", ram, "sessions", w.registry.Count())
}

// Check reports what looks unhealthy in stats and returns whether anything did.
func (w *HealthMonitoringWorker) Check(stats contract.DispatcherStats) bool {
	healthy := true
	if w.backlogThreshold > 0 && stats.Backlog >= w.backlogThreshold {
		healthy = false
		w.log.Warn("Dispatcher backlog above threshold",
			"backlog", stats.Backlog, "threshold", w.backlogThreshold, "in_flight", stats.InFlightType)
	}
	// The timer should have preempted it long ago.
	if stats.State == contract.StateInFlight && w.actionTimeout > 0 && stats.InFlightAge > 2*w.actionTimeout {
		healthy = false
		w.log.Error("In-flight action outlived its timeout",
			"type", stats.InFlightType, "age", stats.InFlightAge, "timeout", w.actionTimeout)
	}
	w.metrics.Backlog(stats.Backlog)
	return !healthy
}
