package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driesdejong/leadradar/internal/lead"
)

// CreateJob records a new job row.
func (s *Store) CreateJob(ctx context.Context, job lead.Job) error {
	if job.Status == "" {
		job.Status = lead.JobStatusPending
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, error, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Type, []byte(job.Payload), job.Status, job.Attempts, job.Error, job.ScheduledFor,
	)
	if err != nil {
		return translateErr(err, "insert job")
	}
	return nil
}

// UpdateJobStatus advances a job row through its lifecycle.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status lead.JobStatus, errText string, attempts int) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE jobs SET status = $2, error = $3, attempts = $4, updated_at = NOW()
		WHERE id = $1`,
		id, status, errText, attempts,
	)
	if err != nil {
		return translateErr(err, "update job status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, lead.ErrNotFound)
	}
	return nil
}

// ListRecentJobs returns the newest job rows, newest first.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]lead.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx, `
		SELECT id, type, payload, COALESCE(status, ''), attempts, COALESCE(error, ''),
			scheduled_for, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, translateErr(err, "list jobs")
	}
	defer rows.Close()

	var out []lead.Job
	for rows.Next() {
		var (
			job     lead.Job
			payload []byte
		)
		err := rows.Scan(&job.ID, &job.Type, &payload, &job.Status, &job.Attempts,
			&job.Error, &job.ScheduledFor, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Payload = payload
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// RecordAudit appends an audit row.
func (s *Store) RecordAudit(ctx context.Context, entry lead.Audit) error {
	var payload []byte
	if len(entry.Payload) > 0 {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO audit (action, entity, entity_id, payload)
		VALUES ($1, $2, $3, $4)`,
		entry.Action, entry.Entity, entry.EntityID, payload,
	)
	if err != nil {
		return translateErr(err, "insert audit")
	}
	return nil
}
