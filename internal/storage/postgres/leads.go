package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/driesdejong/leadradar/internal/lead"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const leadColumns = `id, account_id, COALESCE(confidence, 0), COALESCE(reason, ''),
	tags, stage, COALESCE(notes, ''), created_at, updated_at`

// GetLeadByAccount returns the lead for an account, or nil when the
// account has never been scored.
func (s *Store) GetLeadByAccount(ctx context.Context, accountID string) (*lead.Lead, error) {
	row := s.q.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE account_id = $1`, accountID)
	record, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr(err, "lead by account")
	}
	return &record, nil
}

// UpsertLead inserts or overwrites the lead row keyed by account_id.
func (s *Store) UpsertLead(ctx context.Context, l lead.Lead) (string, error) {
	tags, err := json.Marshal(l.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	if l.Stage == "" {
		l.Stage = lead.StageNew
	}

	query := `
		INSERT INTO leads (id, account_id, confidence, reason, tags, stage, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			reason = EXCLUDED.reason,
			tags = EXCLUDED.tags,
			stage = EXCLUDED.stage,
			notes = EXCLUDED.notes,
			updated_at = NOW()
		RETURNING id`

	var id string
	err = s.q.QueryRow(ctx, query,
		l.ID, l.AccountID, l.Confidence, l.Reason, tags, l.Stage, l.Notes,
	).Scan(&id)
	if err != nil {
		return "", translateErr(err, "upsert lead")
	}
	return id, nil
}

// GetLead loads a lead by ID.
func (s *Store) GetLead(ctx context.Context, id string) (lead.Lead, error) {
	row := s.q.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	record, err := scanLead(row)
	if err != nil {
		return lead.Lead{}, translateErr(err, fmt.Sprintf("lead %s", id))
	}
	return record, nil
}

// ListLeads returns leads joined with their account, best first.
func (s *Store) ListLeads(ctx context.Context, filter lead.LeadFilter) ([]lead.LeadView, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}

	builder := psql.
		Select("l.id", "l.account_id", "COALESCE(l.confidence, 0)", "COALESCE(l.reason, '')",
			"l.tags", "l.stage", "COALESCE(l.notes, '')", "l.created_at", "l.updated_at",
			"a.username", "COALESCE(a.source, '')").
		From("leads l").
		Join("accounts a ON a.id = l.account_id").
		Where(sq.GtOrEq{"COALESCE(l.confidence, 0)": filter.MinConfidence}).
		OrderBy("l.confidence DESC", "l.id ASC").
		Limit(uint64(size)).
		Offset(uint64((page - 1) * size))

	if filter.Source != "" {
		builder = builder.Where(sq.Eq{"a.source": filter.Source})
	}
	if filter.Stage != "" {
		builder = builder.Where(sq.Eq{"l.stage": filter.Stage})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lead listing: %w", err)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err, "list leads")
	}
	defer rows.Close()

	var out []lead.LeadView
	for rows.Next() {
		var (
			view     lead.LeadView
			tagsJSON []byte
		)
		err := rows.Scan(
			&view.ID, &view.AccountID, &view.Confidence, &view.Reason, &tagsJSON,
			&view.Stage, &view.Notes, &view.CreatedAt, &view.UpdatedAt,
			&view.Username, &view.Source,
		)
		if err != nil {
			return nil, fmt.Errorf("scan lead view: %w", err)
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &view.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags: %w", err)
			}
		}
		out = append(out, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return out, nil
}

// UpdateLeadReview applies the human-owned fields; nil leaves a field
// unchanged.
func (s *Store) UpdateLeadReview(ctx context.Context, id string, stage *lead.Stage, notes *string) error {
	builder := psql.Update("leads").Set("updated_at", sq.Expr("NOW()")).Where(sq.Eq{"id": id})
	if stage != nil {
		builder = builder.Set("stage", *stage)
	}
	if notes != nil {
		builder = builder.Set("notes", *notes)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build review update: %w", err)
	}
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return translateErr(err, "update lead review")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", id, lead.ErrNotFound)
	}
	return nil
}

func scanLead(row pgx.Row) (lead.Lead, error) {
	var (
		record   lead.Lead
		tagsJSON []byte
	)
	err := row.Scan(
		&record.ID,
		&record.AccountID,
		&record.Confidence,
		&record.Reason,
		&tagsJSON,
		&record.Stage,
		&record.Notes,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return lead.Lead{}, err
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &record.Tags); err != nil {
			return lead.Lead{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return record, nil
}
