package execution

import (
	"context"

	"github.com/riverqueue/river"
)

// StaleJobSweeper is implemented by the sweeper package.
type StaleJobSweeper interface {
	Sweep(ctx context.Context) error
}

// SweepWorker runs the periodic stale-job rescue pass.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper StaleJobSweeper
}

func NewSweepWorker(s StaleJobSweeper) *SweepWorker {
	return &SweepWorker{sweeper: s}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	return w.sweeper.Sweep(ctx)
}
