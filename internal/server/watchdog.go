package server

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/core"
	"github.com/flowstate-sh/flowstate/internal/metrics"
	"github.com/flowstate-sh/flowstate/internal/store"
)

const (
	// runningDeadline is the hard backstop for running runs. It sits
	// above every runner-side action timeout so the runner stays the
	// primary timer.
	runningDeadline = 90 * time.Minute
	// salvagingDeadline bounds how long a run may sit in salvaging.
	salvagingDeadline = 30 * time.Minute

	watchdogSchedule = "@every 1m"
)

// Watchdog demotes runs stuck past their hard deadlines. It only ever
// applies conditional timeouts, so a run that finishes between the scan
// and the write is left alone.
type Watchdog struct {
	store  store.Store
	logger *zap.Logger
	cron   *cron.Cron
}

// NewWatchdog builds a watchdog on the given store.
func NewWatchdog(st store.Store, logger *zap.Logger) *Watchdog {
	w := &Watchdog{store: st, logger: logger, cron: cron.New()}
	// Schedule is a constant; AddFunc cannot fail on it.
	_, _ = w.cron.AddFunc(watchdogSchedule, w.Sweep)
	return w
}

// Start begins the periodic sweep.
func (w *Watchdog) Start() { w.cron.Start() }

// Stop halts scheduling and waits for an in-flight sweep.
func (w *Watchdog) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

// Sweep runs both passes once. Exported so tests and operators can
// trigger it directly.
func (w *Watchdog) Sweep() {
	w.sweepStatus(core.RunRunning, runningDeadline,
		"server watchdog: no runner activity for >90min")
	w.sweepStatus(core.RunSalvaging, salvagingDeadline,
		"server watchdog: salvage stalled for >30min")
}

func (w *Watchdog) sweepStatus(status core.RunStatus, deadline time.Duration, msg string) {
	stale, err := w.store.FindStale(status, time.Now().Add(-deadline))
	if err != nil {
		w.logger.Error("scan stale runs", zap.Error(err))
		return
	}
	for _, run := range stale {
		timed, err := w.store.TimeoutIfStillRunning(run.ID, msg)
		if err != nil {
			w.logger.Error("timeout run", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if timed == nil {
			// The runner finished in the window between scan and write.
			continue
		}
		metrics.WatchdogTimeoutsTotal.Inc()
		metrics.RunsFinishedTotal.WithLabelValues(string(timed.Action), string(core.RunTimedOut)).Inc()
		w.logger.Warn("run timed out by watchdog",
			zap.String("run_id", run.ID),
			zap.String("action", string(run.Action)),
			zap.String("was", string(status)),
		)
	}
}
