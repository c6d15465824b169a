// Package jobs steps long-running memory jobs one unit of work at a time.
//
// A job carries its whole cursor in its payload, so a step can be taken by
// any process that can open the pack. Each step reads and calls out first,
// then commits its writes and the new job state in one transaction.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/completion"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/embedding"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/logging"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/metrics"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

const (
	DefaultMaxStepFailures = 3
	DefaultMaxDepth        = 3
	MaxDepthLimit          = 10
	DefaultMaxPairs        = 50
	DefaultBatchSize       = 100
	DefaultThreshold       = 0.75
)

// Options tunes a Pipeline. Zero values take the defaults above.
type Options struct {
	MaxStepFailures int
	MaxDepth        int
	MaxPairs        int
	BatchSize       int
	// Threshold is the minimum cosine similarity for a pair to be judged
	// when an Embedder is set. Nil takes DefaultThreshold; zero keeps
	// every pair.
	Threshold *float64
	ChunkSize int

	Embedder embedding.Embedder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Pipeline advances jobs stored in packs.
type Pipeline struct {
	opener *store.Opener
	cap    completion.Capability
	opts   Options
	log    *slog.Logger
	clock  func() time.Time
}

// New returns a Pipeline that opens packs through o and asks c for
// candidates.
func New(o *store.Opener, c completion.Capability, opts Options) *Pipeline {
	if opts.MaxStepFailures <= 0 {
		opts.MaxStepFailures = DefaultMaxStepFailures
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxPairs <= 0 {
		opts.MaxPairs = DefaultMaxPairs
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Threshold == nil {
		opts.Threshold = model.FloatPtr(DefaultThreshold)
	}
	if c == nil {
		c = completion.Heuristic{}
	}
	return &Pipeline{
		opener: o,
		cap:    c,
		opts:   opts,
		log:    logging.OrDefault(opts.Logger).With("component", "jobs"),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Opener returns the opener the pipeline uses.
func (p *Pipeline) Opener() *store.Opener { return p.opener }

// applyFunc performs the writes of a step inside the step transaction. It
// may record ids it creates on the job cursor.
type applyFunc func(ctx context.Context, tx *store.Tx) error

// handler plans one step. It mutates job in memory and returns the writes.
type handler func(ctx context.Context, pk *store.Pack, job *model.MemoryJob) (applyFunc, error)

func (p *Pipeline) handlerFor(t model.JobType, b *sourceBatch) (handler, error) {
	switch t {
	case model.JobExtractRecursive:
		return p.extract, nil
	case model.JobAnalyzeRelationships:
		return p.relationships, nil
	case model.JobConsolidate:
		return p.consolidate, nil
	case model.JobMerge:
		return func(ctx context.Context, pk *store.Pack, job *model.MemoryJob) (applyFunc, error) {
			return p.merge(ctx, pk, job, b)
		}, nil
	}
	return nil, model.Validation("process step", "unknown job type %q", t)
}

// Enqueue stores a new pending job in the pack at loc.
func (p *Pipeline) Enqueue(ctx context.Context, loc model.Locator, t model.JobType, payload model.JobPayload) (*model.MemoryJob, error) {
	if c := payload.Extract; c != nil {
		if c.MaxDepth < 0 {
			return nil, model.Validation("enqueue job", "maxDepth must not be negative")
		}
		if c.MaxDepth == 0 {
			c.MaxDepth = p.opts.MaxDepth
		}
	}
	if c := payload.Merge; c != nil {
		src, err := mergeSource(loc, c.Source)
		if err != nil {
			return nil, err
		}
		c.Source = src
	}
	var job *model.MemoryJob
	err := p.opener.Use(ctx, loc, func(pk *store.Pack) error {
		var err error
		job, err = pk.EnqueueJob(ctx, t, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("job enqueued", "pack", loc.String(), "job", job.ID, "type", job.Type)
	return job, nil
}

// ProcessStep advances the job by one unit of work and reports whether it
// is now terminal. Terminal jobs are left untouched and report true.
//
// Capability failures and malformed job input found while planning are
// recorded on the job rather than returned. Any other error, including a
// write that would break a graph invariant, is returned and leaves the
// stored job as it was.
func (p *Pipeline) ProcessStep(ctx context.Context, loc model.Locator, jobID string) (bool, error) {
	start := time.Now()
	var (
		complete bool
		jobType  model.JobType
		outcome  string
	)
	// A merge reads its source before the target is locked.
	pre, err := p.readSource(ctx, loc, jobID)
	if err != nil {
		return false, err
	}
	err = p.opener.Use(ctx, loc, func(pk *store.Pack) error {
		stored, err := pk.FindJobByID(ctx, jobID)
		if err != nil {
			return err
		}
		if stored == nil {
			return model.NotFound("process step", jobID)
		}
		jobType = stored.Type
		if stored.Status.Terminal() {
			complete, outcome = true, metrics.OutcomeSkipped
			return nil
		}

		job := *stored
		if job.Status == model.JobPending {
			if err := job.Start(p.clock()); err != nil {
				return err
			}
		}

		apply, err := p.plan(ctx, pk, &job, pre)
		if errors.Is(err, errCursorMoved) {
			outcome = metrics.OutcomeDeferred
			return nil
		}
		if err != nil {
			if !model.IsCapability(err) && !errors.Is(err, model.ErrValidation) {
				return err
			}
			done, err := p.recordFailure(ctx, pk, jobID, err)
			complete = done
			if done {
				outcome = metrics.OutcomeFailed
			} else {
				outcome = metrics.OutcomeDeferred
			}
			return err
		}

		// Write failures leave the stored job as it was.
		err = pk.Tx(ctx, func(tx *store.Tx) error {
			if apply != nil {
				if err := apply(ctx, tx); err != nil {
					return err
				}
			}
			return tx.UpdateJob(ctx, &job)
		})
		if err != nil {
			return err
		}

		complete = job.Status.Terminal()
		switch {
		case job.Status == model.JobCompleted:
			outcome = metrics.OutcomeCompleted
			p.log.Info("job completed", "pack", loc.String(), "job", job.ID, "type", job.Type,
				"progress", job.Progress, "total", job.TotalSteps)
		default:
			outcome = metrics.OutcomeProgressed
			p.log.Debug("job step", "pack", loc.String(), "job", job.ID, "type", job.Type,
				"progress", job.Progress, "total", job.TotalSteps)
		}
		return nil
	})
	if err != nil {
		outcome = metrics.OutcomeError
	}
	if jobType != "" {
		p.opts.Metrics.ObserveStep(string(jobType), outcome, time.Since(start))
	}
	return complete, err
}

// plan validates the payload, dispatches on the job type and resets the
// failure counter after a successful plan.
func (p *Pipeline) plan(ctx context.Context, pk *store.Pack, job *model.MemoryJob, b *sourceBatch) (applyFunc, error) {
	if err := job.Payload.Check(job.Type); err != nil {
		return nil, err
	}
	h, err := p.handlerFor(job.Type, b)
	if err != nil {
		return nil, err
	}
	apply, err := h(ctx, pk, job)
	if err != nil {
		return nil, err
	}
	job.Payload.Failures = 0
	if !job.Status.Terminal() {
		job.Error = ""
	}
	return apply, nil
}

// recordFailure reloads the job as committed and books a failed step on
// it. Validation failures end the job; capability failures end it only
// after MaxStepFailures in a row.
func (p *Pipeline) recordFailure(ctx context.Context, pk *store.Pack, jobID string, cause error) (bool, error) {
	job, err := pk.FindJobByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, model.NotFound("process step", jobID)
	}
	now := p.clock()
	if job.Status == model.JobPending {
		if err := job.Start(now); err != nil {
			return false, err
		}
	}

	msg := cause.Error()
	if model.IsCapability(cause) {
		job.Payload.Failures++
		job.Error = msg
		if job.Payload.Failures < p.opts.MaxStepFailures {
			p.log.Warn("job step deferred", "job", job.ID, "type", job.Type,
				"failures", job.Payload.Failures, "error", cause)
			return false, pk.UpdateJob(ctx, job)
		}
		msg = fmt.Sprintf("giving up after %d failed steps: %s", job.Payload.Failures, msg)
	}
	if err := job.Fail(msg, now); err != nil {
		return false, err
	}
	p.log.Warn("job failed", "job", job.ID, "type", job.Type, "error", msg)
	return true, pk.UpdateJob(ctx, job)
}
