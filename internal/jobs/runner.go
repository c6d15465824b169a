package jobs

import (
	"context"
	"time"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/delta"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

// StepReport describes one processed step and the graph changes it made.
type StepReport struct {
	Pack     model.Locator   `json:"pack"`
	Job      model.MemoryJob `json:"job"`
	Complete bool            `json:"complete"`
	Delta    *model.Delta    `json:"delta"`
}

// Observer receives a report after every step.
type Observer func(StepReport)

// Runner drives the jobs of one pack until none is left.
type Runner struct {
	Pipeline *Pipeline
	Pack     model.Locator
	Observer Observer
	// PollInterval makes Run wait for new jobs instead of returning when
	// the queue is empty.
	PollInterval time.Duration
}

// RunOnce steps the oldest unfinished job. It returns false when there is
// nothing to do.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	o := r.Pipeline.Opener()
	var (
		job  *model.MemoryJob
		mark time.Time
	)
	err := o.View(ctx, r.Pack, func(pk *store.Pack) error {
		jobs, err := pk.JobsToProcess(ctx, 1)
		if err != nil || len(jobs) == 0 {
			return err
		}
		job = &jobs[0]
		mark, err = pk.Watermark(ctx)
		return err
	})
	if err != nil || job == nil {
		return false, err
	}

	complete, err := r.Pipeline.ProcessStep(ctx, r.Pack, job.ID)
	if err != nil {
		return true, err
	}

	report := StepReport{Pack: r.Pack, Complete: complete}
	err = o.View(ctx, r.Pack, func(pk *store.Pack) error {
		j, err := pk.FindJobByID(ctx, job.ID)
		if err != nil {
			return err
		}
		if j != nil {
			report.Job = *j
		}
		report.Delta, err = delta.Since(ctx, pk, mark)
		return err
	})
	if err != nil {
		return true, err
	}
	if r.Observer != nil {
		r.Observer(report)
	}
	return true, nil
}

// Run steps jobs until the queue is empty and returns the number of steps
// taken. With a poll interval it keeps waiting for new jobs until ctx is
// done.
func (r *Runner) Run(ctx context.Context) (int, error) {
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		worked, err := r.RunOnce(ctx)
		if err != nil {
			return steps, err
		}
		if worked {
			steps++
			continue
		}
		if r.PollInterval <= 0 {
			return steps, nil
		}
		select {
		case <-ctx.Done():
			return steps, ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}
