package flow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/data-machine/engine/job"
)

// JobLauncher creates and dispatches the job for an activated flow.
// The step machine implements this; the interface keeps the scheduling loop
// decoupled from step execution.
type JobLauncher interface {
	Launch(f *Flow) (*job.Job, error)
}

// TickerConfig contains configuration for the flow ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due flows (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: 1 * time.Second}
}

// Ticker periodically activates flows whose schedule has come due.
// Each activation creates one job and defers its first step to the task
// dispatcher; the ticker itself never executes step work.
type Ticker struct {
	store    *Store
	launcher JobLauncher
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
}

// NewTicker creates a flow ticker
func NewTicker(store *Store, launcher JobLauncher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, launcher, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, store *Store, launcher JobLauncher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:    store,
		launcher: launcher,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		logger:   log,
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Flow ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Flow ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			if err := t.Tick(tickTime); err != nil {
				t.logger.Errorw("Flow tick failed", "error", err)
			}
		}
	}
}

// Tick activates every flow due at the given instant. Exposed for tests and
// for `flows run --due`.
func (t *Ticker) Tick(now time.Time) error {
	due, err := t.store.ListDue(now)
	if err != nil {
		return err
	}

	for _, f := range due {
		// Advance the schedule before launching so a launch failure cannot
		// busy-loop the same flow every tick
		f.MarkRan(now)
		if err := t.store.UpdateFlow(f); err != nil {
			t.logger.Errorw("Failed to advance flow schedule", "flow_id", f.ID, "error", err)
			continue
		}

		j, err := t.launcher.Launch(f)
		if err != nil {
			t.logger.Errorw("Failed to launch flow", "flow_id", f.ID, "error", err)
			continue
		}
		t.logger.Infow("Flow activated",
			"flow_id", f.ID,
			"flow", f.Name,
			"job_id", j.ID,
			"schedule", f.Schedule,
		)
	}
	return nil
}
