package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const jobColumns = `id, type, status, payload, result, progress, total_steps, error,
	created_at, started_at, completed_at`

// EnqueueJob stores a new pending job. A zero payload version is taken as
// the current one.
func (h handle) EnqueueJob(ctx context.Context, typ model.JobType, payload model.JobPayload) (*model.MemoryJob, error) {
	if err := h.check("enqueue job"); err != nil {
		return nil, err
	}
	if !model.ValidJobTypes[typ] {
		return nil, model.Validation("enqueue job", "unknown job type %q", typ)
	}
	if payload.Version == 0 {
		payload.Version = model.PayloadVersion
	}
	if err := payload.Check(typ); err != nil {
		return nil, err
	}
	now := h.p.now()
	job := &model.MemoryJob{
		ID:        h.p.newID(now),
		Type:      typ,
		Status:    model.JobPending,
		Payload:   payload,
		CreatedAt: now,
	}
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, model.Validation("enqueue job", "encode payload: %v", err)
	}
	_, err = h.q.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, payload, progress, total_steps, error, created_at)
		 VALUES (?, ?, ?, ?, 0, 0, '', ?)`,
		job.ID, string(typ), string(job.Status), string(raw), formatTime(now))
	if err != nil {
		return nil, model.Storage("enqueue job", job.ID, err)
	}
	return job, nil
}

// JobsToProcess returns pending and processing jobs, oldest first.
func (h handle) JobsToProcess(ctx context.Context, limit int) ([]model.MemoryJob, error) {
	if err := h.check("jobs to process"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	return h.queryJobs(ctx, "jobs to process",
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?)
		 ORDER BY created_at, id LIMIT ?`,
		string(model.JobPending), string(model.JobProcessing), limit)
}

// ListJobs lists jobs, optionally with a single status, oldest first.
func (h handle) ListJobs(ctx context.Context, status model.JobStatus) ([]model.MemoryJob, error) {
	if err := h.check("list jobs"); err != nil {
		return nil, err
	}
	if status == "" {
		return h.queryJobs(ctx, "list jobs", `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	}
	return h.queryJobs(ctx, "list jobs",
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, id`, string(status))
}

// FindJobByID returns the job or nil when absent.
func (h handle) FindJobByID(ctx context.Context, id string) (*model.MemoryJob, error) {
	if err := h.check("find job"); err != nil {
		return nil, err
	}
	j, err := scanJob(h.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Storage("find job", id, err)
	}
	return &j, nil
}

// UpdateJob persists every mutable field of job.
func (h handle) UpdateJob(ctx context.Context, job *model.MemoryJob) error {
	if err := h.check("update job"); err != nil {
		return err
	}
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return model.Validation("update job", "encode payload: %v", err)
	}
	var result any
	if len(job.Result) > 0 {
		result = string(job.Result)
	}
	res, err := h.q.ExecContext(ctx,
		`UPDATE jobs SET status = ?, payload = ?, result = ?, progress = ?, total_steps = ?,
		        error = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(job.Status), string(raw), result, job.Progress, job.TotalSteps,
		job.Error, nullTime(job.StartedAt), nullTime(job.CompletedAt), job.ID)
	if err != nil {
		return model.Storage("update job", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("update job", job.ID)
	}
	return nil
}

// CancelJob moves a pending or processing job to cancelled.
func (h handle) CancelJob(ctx context.Context, id string) (*model.MemoryJob, error) {
	if err := h.check("cancel job"); err != nil {
		return nil, err
	}
	var job *model.MemoryJob
	err := h.atomic(ctx, func(h handle) error {
		j, err := h.FindJobByID(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return model.NotFound("cancel job", id)
		}
		if err := j.Cancel(h.p.now()); err != nil {
			return err
		}
		job = j
		return h.UpdateJob(ctx, j)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (h handle) queryJobs(ctx context.Context, op, query string, args ...any) ([]model.MemoryJob, error) {
	rows, err := h.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.Storage(op, h.p.path, err)
	}
	defer rows.Close()

	jobs := []model.MemoryJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, model.Storage(op, h.p.path, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, model.Storage(op, h.p.path, rows.Err())
}

func scanJob(row scanner) (model.MemoryJob, error) {
	var j model.MemoryJob
	var typ, status, payload, createdAt string
	var result, startedAt, completedAt sql.NullString

	err := row.Scan(&j.ID, &typ, &status, &payload, &result, &j.Progress, &j.TotalSteps,
		&j.Error, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return j, err
	}
	j.Type = model.JobType(typ)
	j.Status = model.JobStatus(status)
	// A payload that no longer decodes still lists; stepping the job fails
	// it with the decode error.
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		j.Payload = model.JobPayload{DecodeErr: err}
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = scanNullTime(startedAt)
	j.CompletedAt = scanNullTime(completedAt)
	return j, nil
}
