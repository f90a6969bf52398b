package commands

import (
	"database/sql"
	"time"

	"github.com/Extra-Chill/data-machine/config"
	"github.com/Extra-Chill/data-machine/db"
	"github.com/Extra-Chill/data-machine/engine/batch"
	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/engine/promptq"
	"github.com/Extra-Chill/data-machine/engine/recovery"
	"github.com/Extra-Chill/data-machine/engine/step"
	"github.com/Extra-Chill/data-machine/engine/task"
	"github.com/Extra-Chill/data-machine/errors"
	"github.com/Extra-Chill/data-machine/flow"
	"github.com/Extra-Chill/data-machine/logger"
)

// engine bundles the fully wired core for one CLI invocation. Step handlers
// and batch chunk functions belong to host applications; the CLI wires the
// empty registries and everything the operator surface needs.
type engine struct {
	cfg        *config.Config
	db         *sql.DB
	jobs       *job.Store
	flows      *flow.Store
	prompts    *promptq.Queue
	gates      *step.GateStore
	dispatcher *task.Dispatcher
	registry   *step.Registry
	machine    *step.Machine
	batches    *batch.Manager
	chunks     *batch.Runner
	sweeper    *recovery.Sweeper
}

// openEngine loads config, opens and migrates the database, and wires the
// full engine over it.
func openEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return openEngineWithConfig(cfg)
}

func openEngineWithConfig(cfg *config.Config) (*engine, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", cfg.Database.Path)
	}

	e := &engine{
		cfg:        cfg,
		db:         database,
		jobs:       job.NewStore(database),
		flows:      flow.NewStore(database),
		prompts:    promptq.New(database),
		gates:      step.NewGateStore(database),
		dispatcher: task.NewDispatcher(database),
		registry:   step.NewRegistry(),
		chunks:     batch.NewRunner(),
	}

	gateTTL := time.Duration(cfg.Engine.GateTTLHours) * time.Hour
	e.machine = step.NewMachine(e.jobs, e.flows, e.prompts, e.gates, e.dispatcher, e.registry, gateTTL, logger.Logger)
	e.machine.RegisterTasks(e.dispatcher)

	e.batches = batch.NewManager(e.jobs, e.dispatcher, e.chunks, float64(cfg.Engine.SchedulePerSecond), logger.Logger)
	e.batches.RegisterTasks(e.dispatcher)

	timeout := time.Duration(cfg.Recovery.TimeoutHours) * time.Hour
	interval := time.Duration(cfg.Recovery.SweepIntervalMinutes) * time.Minute
	e.sweeper = recovery.NewSweeper(e.jobs, e.machine, e.dispatcher, timeout, interval, logger.Logger)
	e.sweeper.RegisterTasks(e.dispatcher)

	return e, nil
}

func (e *engine) Close() {
	if err := e.db.Close(); err != nil {
		logger.Logger.Warnw("Failed to close database", "error", err)
	}
}
