package casestore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables used by PgStore if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PgStore is a PostgreSQL-backed store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// PutProfile creates or replaces a client profile.
func (s *PgStore) PutProfile(ctx context.Context, p model.Profile) error {
	answersJSON, err := json.Marshal(p.Answers.Clone())
	if err != nil {
		return fmt.Errorf("marshal intake answers: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	l := p.Legacy

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tax_profiles (
			client_id, filing_status, has_w2, w2_count, has_1099_nec,
			has_k1_income, has_rental_property, rental_property_count,
			has_self_employment, has_investments, has_foreign_income,
			has_foreign_accounts, has_kids_under_17, num_kids_under_17,
			has_mortgage, has_bank_accounts, intake_answers, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18
		)
		ON CONFLICT (client_id) DO UPDATE SET
			filing_status = EXCLUDED.filing_status,
			has_w2 = EXCLUDED.has_w2,
			w2_count = EXCLUDED.w2_count,
			has_1099_nec = EXCLUDED.has_1099_nec,
			has_k1_income = EXCLUDED.has_k1_income,
			has_rental_property = EXCLUDED.has_rental_property,
			rental_property_count = EXCLUDED.rental_property_count,
			has_self_employment = EXCLUDED.has_self_employment,
			has_investments = EXCLUDED.has_investments,
			has_foreign_income = EXCLUDED.has_foreign_income,
			has_foreign_accounts = EXCLUDED.has_foreign_accounts,
			has_kids_under_17 = EXCLUDED.has_kids_under_17,
			num_kids_under_17 = EXCLUDED.num_kids_under_17,
			has_mortgage = EXCLUDED.has_mortgage,
			has_bank_accounts = EXCLUDED.has_bank_accounts,
			intake_answers = EXCLUDED.intake_answers,
			version = tax_profiles.version + 1,
			updated_at = EXCLUDED.updated_at`,
		p.ClientID, l.FilingStatus, l.HasW2, l.W2Count, l.Has1099NEC,
		l.HasK1Income, l.HasRentalProperty, l.RentalPropertyCount,
		l.HasSelfEmployment, l.HasInvestments, l.HasForeignIncome,
		l.HasForeignAccounts, l.HasKidsUnder17, l.NumKidsUnder17,
		l.HasMortgage, l.HasBankAccounts, answersJSON, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tax profile: %w", err)
	}
	return nil
}

// PutCase creates or replaces a case.
func (s *PgStore) PutCase(ctx context.Context, c model.Case) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tax_cases (id, client_id, tax_type, tax_year, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			tax_type = EXCLUDED.tax_type,
			tax_year = EXCLUDED.tax_year,
			status = EXCLUDED.status`,
		c.ID, c.ClientID, string(c.TaxType), c.TaxYear, string(c.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert tax case: %w", err)
	}
	return nil
}

// GetCaseProfile returns a case with its client's profile. A malformed
// intake_answers document reads as an empty AnswerMap.
func (s *PgStore) GetCaseProfile(ctx context.Context, caseID string) (model.CaseProfile, error) {
	var c model.Case
	var taxType, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, client_id, tax_type, tax_year, status
		FROM tax_cases
		WHERE id = $1`,
		caseID,
	).Scan(&c.ID, &c.ClientID, &taxType, &c.TaxYear, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CaseProfile{}, model.NewCaseNotFoundError(caseID)
	}
	if err != nil {
		return model.CaseProfile{}, fmt.Errorf("query tax case: %w", err)
	}
	c.TaxType = model.TaxType(taxType)
	c.Status = model.CaseStatus(status)

	var p model.Profile
	var answersJSON []byte
	l := &p.Legacy
	err = s.pool.QueryRow(ctx, `
		SELECT client_id, filing_status, has_w2, w2_count, has_1099_nec,
		       has_k1_income, has_rental_property, rental_property_count,
		       has_self_employment, has_investments, has_foreign_income,
		       has_foreign_accounts, has_kids_under_17, num_kids_under_17,
		       has_mortgage, has_bank_accounts, intake_answers, version, updated_at
		FROM tax_profiles
		WHERE client_id = $1`,
		c.ClientID,
	).Scan(
		&p.ClientID, &l.FilingStatus, &l.HasW2, &l.W2Count, &l.Has1099NEC,
		&l.HasK1Income, &l.HasRentalProperty, &l.RentalPropertyCount,
		&l.HasSelfEmployment, &l.HasInvestments, &l.HasForeignIncome,
		&l.HasForeignAccounts, &l.HasKidsUnder17, &l.NumKidsUnder17,
		&l.HasMortgage, &l.HasBankAccounts, &answersJSON, &p.Version, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CaseProfile{}, model.NewProfileNotFoundError(c.ClientID)
	}
	if err != nil {
		return model.CaseProfile{}, fmt.Errorf("query tax profile: %w", err)
	}
	p.Answers = answers.Decode(answersJSON)

	return model.CaseProfile{Case: c, Profile: p}, nil
}

// ReplaceAnswers overwrites a client's AnswerMap.
func (s *PgStore) ReplaceAnswers(ctx context.Context, clientID string, m model.AnswerMap) error {
	answersJSON, err := json.Marshal(m.Clone())
	if err != nil {
		return fmt.Errorf("marshal intake answers: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tax_profiles SET intake_answers = $1, version = version + 1, updated_at = $2
		WHERE client_id = $3`,
		answersJSON, time.Now().UTC(), clientID,
	)
	if err != nil {
		return fmt.Errorf("update intake answers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewProfileNotFoundError(clientID)
	}
	return nil
}

// SwapAnswers overwrites a client's AnswerMap with optimistic locking.
func (s *PgStore) SwapAnswers(ctx context.Context, clientID string, version int64, m model.AnswerMap) error {
	answersJSON, err := json.Marshal(m.Clone())
	if err != nil {
		return fmt.Errorf("marshal intake answers: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tax_profiles SET
			intake_answers = $1,
			version = $2,
			updated_at = $3
		WHERE client_id = $4 AND version = $5`,
		answersJSON, version+1, time.Now().UTC(),
		clientID, version,
	)
	if err != nil {
		return fmt.Errorf("update intake answers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("tax profile %q version conflict (expected %d)", clientID, version),
		)
	}
	return nil
}

// DeleteAnswerKeys removes keys from a client's AnswerMap in one statement
// and returns those that were present. A missing profile deletes nothing.
func (s *PgStore) DeleteAnswerKeys(ctx context.Context, clientID string, keys []string) ([]string, error) {
	deleted := []string{}
	if len(keys) == 0 {
		return deleted, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH target AS (
			SELECT client_id, intake_answers AS before
			FROM tax_profiles
			WHERE client_id = $1
			FOR UPDATE
		), updated AS (
			UPDATE tax_profiles p
			SET intake_answers = p.intake_answers - $2::text[],
			    version = p.version + 1,
			    updated_at = now()
			FROM target t
			WHERE p.client_id = t.client_id AND t.before ?| $2::text[]
			RETURNING p.client_id
		)
		SELECT k
		FROM target t, unnest($2::text[]) AS k
		WHERE t.before ? k`,
		clientID, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("delete answer keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan deleted answer key: %w", err)
		}
		deleted = append(deleted, k)
	}
	return deleted, rows.Err()
}

// BulkInsertSkipDuplicates inserts items whose (case, template) pair is new.
// The batch runs in one transaction, so readers see all or none.
func (s *PgStore) BulkInsertSkipDuplicates(ctx context.Context, items []model.ChecklistItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin checklist insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO checklist_items (
				id, case_id, template_id, status, expected_count, received_count, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (case_id, template_id) DO NOTHING`,
			item.ID, item.CaseID, item.TemplateID, string(item.Status),
			int64(item.ExpectedCount), int64(item.ReceivedCount), item.CreatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range items {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("insert checklist item: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close checklist batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit checklist insert: %w", err)
	}
	return inserted, nil
}

// DeleteMissing removes all MISSING items of a case.
func (s *PgStore) DeleteMissing(ctx context.Context, caseID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM checklist_items
		WHERE case_id = $1 AND status = $2`,
		caseID, string(model.ItemStatusMissing),
	)
	if err != nil {
		return 0, fmt.Errorf("delete missing items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteMissingByTemplate removes the MISSING items of a case for the given
// templates.
func (s *PgStore) DeleteMissingByTemplate(ctx context.Context, caseID string, templateIDs []string) (int, error) {
	if len(templateIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM checklist_items
		WHERE case_id = $1 AND status = $2 AND template_id = ANY($3)`,
		caseID, string(model.ItemStatusMissing), templateIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("delete missing items by template: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListItems returns the items of a case in creation order.
func (s *PgStore) ListItems(ctx context.Context, caseID string) ([]model.ChecklistItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, template_id, status, expected_count, received_count, created_at
		FROM checklist_items
		WHERE case_id = $1
		ORDER BY created_at ASC, template_id ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checklist items: %w", err)
	}
	defer rows.Close()

	items := []model.ChecklistItem{}
	for rows.Next() {
		var item model.ChecklistItem
		var status string
		var expected, received int64
		if err := rows.Scan(
			&item.ID, &item.CaseID, &item.TemplateID, &status,
			&expected, &received, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan checklist item: %w", err)
		}
		item.Status = model.ItemStatus(status)
		item.ExpectedCount = uint32(expected)
		item.ReceivedCount = uint32(received)
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetItemStatus updates the status and received count of an item.
func (s *PgStore) SetItemStatus(ctx context.Context, caseID, templateID string, status model.ItemStatus, received uint32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checklist_items SET status = $1, received_count = $2
		WHERE case_id = $3 AND template_id = $4`,
		string(status), int64(received), caseID, templateID,
	)
	if err != nil {
		return fmt.Errorf("update checklist item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("checklist item for case %q and template %q not found", caseID, templateID),
		)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
