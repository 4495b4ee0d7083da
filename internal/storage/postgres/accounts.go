package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/driesdejong/leadradar/internal/lead"
)

const accountColumns = `id, username, COALESCE(name, ''), COALESCE(category, ''),
	COALESCE(bio, ''), COALESCE(website, ''), COALESCE(profile_pic_url, ''),
	metrics, is_professional, last_post_at, COALESCE(source, ''), source_details,
	COALESCE(status, ''), created_at, updated_at`

// CreateAccount inserts a new account row. A username collision surfaces
// as lead.ErrDuplicate.
func (s *Store) CreateAccount(ctx context.Context, account lead.Account) (string, error) {
	metrics, err := marshalMap(account.Metrics)
	if err != nil {
		return "", fmt.Errorf("marshal metrics: %w", err)
	}
	details, err := marshalMap(account.SourceDetails)
	if err != nil {
		return "", fmt.Errorf("marshal source details: %w", err)
	}

	query := `
		INSERT INTO accounts (id, username, name, category, bio, website, profile_pic_url,
			metrics, is_professional, last_post_at, source, source_details, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	var id string
	err = s.q.QueryRow(ctx, query,
		account.ID,
		strings.ToLower(account.Username),
		account.Name,
		account.Category,
		account.Bio,
		account.Website,
		account.ProfilePicURL,
		metrics,
		account.IsProfessional,
		account.LastPostAt,
		account.Source,
		details,
		account.Status,
	).Scan(&id)
	if err != nil {
		return "", translateErr(err, "insert account")
	}
	return id, nil
}

// GetAccount loads an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (lead.Account, error) {
	row := s.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		return lead.Account{}, translateErr(err, fmt.Sprintf("account %s", id))
	}
	return account, nil
}

// GetAccountByUsername loads an account by its natural key.
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (lead.Account, error) {
	row := s.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, strings.ToLower(username))
	account, err := scanAccount(row)
	if err != nil {
		return lead.Account{}, translateErr(err, fmt.Sprintf("account %s", username))
	}
	return account, nil
}

// UpdateAccount overwrites the mutable profile fields. Username and
// created_at are immutable.
func (s *Store) UpdateAccount(ctx context.Context, account lead.Account) error {
	metrics, err := marshalMap(account.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	details, err := marshalMap(account.SourceDetails)
	if err != nil {
		return fmt.Errorf("marshal source details: %w", err)
	}

	query := `
		UPDATE accounts
		SET name = $2, category = $3, bio = $4, website = $5, profile_pic_url = $6,
			metrics = $7, is_professional = $8, last_post_at = $9, source = $10,
			source_details = $11, status = $12, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.q.Exec(ctx, query,
		account.ID,
		account.Name,
		account.Category,
		account.Bio,
		account.Website,
		account.ProfilePicURL,
		metrics,
		account.IsProfessional,
		account.LastPostAt,
		account.Source,
		details,
		account.Status,
	)
	if err != nil {
		return translateErr(err, "update account")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", account.ID, lead.ErrNotFound)
	}
	return nil
}

// ListAccountsByStatus returns up to limit accounts in status, oldest
// update first, so sweeps work through the stalest accounts first.
func (s *Store) ListAccountsByStatus(ctx context.Context, status lead.AccountStatus, limit int) ([]lead.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, translateErr(err, "list accounts")
	}
	defer rows.Close()

	var out []lead.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (lead.Account, error) {
	var (
		account     lead.Account
		metricsJSON []byte
		detailsJSON []byte
	)
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Name,
		&account.Category,
		&account.Bio,
		&account.Website,
		&account.ProfilePicURL,
		&metricsJSON,
		&account.IsProfessional,
		&account.LastPostAt,
		&account.Source,
		&detailsJSON,
		&account.Status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return lead.Account{}, err
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &account.Metrics); err != nil {
			return lead.Account{}, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &account.SourceDetails); err != nil {
			return lead.Account{}, fmt.Errorf("unmarshal source details: %w", err)
		}
	}
	return account, nil
}

// marshalMap keeps NULL in the column when the map is empty.
func marshalMap[M ~map[string]V, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
