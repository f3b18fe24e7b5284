package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/measured-io/measured/internal/crypto"
	"github.com/measured-io/measured/internal/domain"
)

// OrganizationRepository persists organizations and their spreadsheet export
// settings. Spreadsheet credentials are encrypted at rest.
type OrganizationRepository struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

func NewOrganizationRepository(pool *pgxpool.Pool, cryptoSvc crypto.Service) *OrganizationRepository {
	return &OrganizationRepository{pool: pool, crypto: cryptoSvc}
}

const organizationColumns = `
	id, name, slug, email,
	COALESCE(spreadsheet_id, ''), COALESCE(spreadsheet_sheet_name, ''),
	spreadsheet_credentials`

func (r *OrganizationRepository) Create(ctx context.Context, o *domain.Organization) error {
	creds, err := r.encrypt(o.SpreadsheetCredentials)
	if err != nil {
		return err
	}

	start := time.Now()
	err = r.pool.QueryRow(ctx, `
		INSERT INTO organizations (name, slug, email, spreadsheet_id, spreadsheet_sheet_name, spreadsheet_credentials)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		RETURNING id
	`, o.Name, o.Slug, o.Email, o.SpreadsheetID, o.SpreadsheetSheetName, creds).Scan(&o.ID)
	observeQuery("organization_create", start, err)

	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

func (r *OrganizationRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	o, err := r.scanOrganization(row)
	observeQuery("organization_get", start, err)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return o, nil
}

// ListExportConfigured returns organizations with a complete spreadsheet export
// setup, meaning target, sheet name, and credentials are all present.
func (r *OrganizationRepository) ListExportConfigured(ctx context.Context) ([]domain.Organization, error) {
	start := time.Now()
	rows, err := r.pool.Query(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE spreadsheet_id IS NOT NULL
		  AND spreadsheet_sheet_name IS NOT NULL
		  AND spreadsheet_credentials IS NOT NULL
		ORDER BY created_at
	`)
	observeQuery("organization_list_export", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var out []domain.Organization
	for rows.Next() {
		o, err := r.scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *OrganizationRepository) UpdateSpreadsheetCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error {
	encrypted, err := r.encrypt(creds)
	if err != nil {
		return err
	}

	start := time.Now()
	tag, err := r.pool.Exec(ctx, `UPDATE organizations SET spreadsheet_credentials = $1 WHERE id = $2`, encrypted, id)
	observeQuery("organization_update_credentials", start, err)
	if err != nil {
		return fmt.Errorf("failed to update spreadsheet credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrganizationNotFound
	}
	return nil
}

func (r *OrganizationRepository) scanOrganization(row pgx.Row) (*domain.Organization, error) {
	var (
		o           domain.Organization
		credentials *string
	)
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Email, &o.SpreadsheetID, &o.SpreadsheetSheetName, &credentials)
	if err != nil {
		return nil, err
	}

	if credentials != nil {
		o.SpreadsheetCredentials, err = crypto.DecryptCredentials(r.crypto, *credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt spreadsheet credentials: %w", err)
		}
	}
	return &o, nil
}

func (r *OrganizationRepository) encrypt(creds domain.Credentials) (*string, error) {
	if creds == nil {
		return nil, nil
	}
	encrypted, err := crypto.EncryptCredentials(r.crypto, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt spreadsheet credentials: %w", err)
	}
	return &encrypted, nil
}
