/**
 * @description
 * This file implements the Repository on PostgreSQL. It is the production
 * store for users and their connected banks.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: The PostgreSQL driver and connection pool.
 * - embed: The table definitions applied by EnsureSchema.
 *
 * @notes
 * - Upserts rely on the (user_id, institution_id) unique constraint so two
 *   concurrent links of the same institution converge on one row.
 * - A re-upsert keeps the stored mask, type, logo and nickname when the new
 *   values are absent.
 */
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/swipe/banklink-service/internal/domain"
)

//go:embed schema.sql
var postgresSchema string

const bankColumns = `
	id, user_id, institution_id, institution_name, access_token, item_id,
	account_mask, account_type, logo_url, nickname, account_ids, status,
	error_message, last_sync_transaction_count, last_sync_at, created_at, updated_at`

// PostgresRepository is the PostgreSQL implementation of the Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables if they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, externalID string) (*domain.User, error) {
	query := `SELECT id, external_user_id, created_at FROM users WHERE external_user_id = $1`
	var u domain.User
	err := r.db.QueryRow(ctx, query, externalID).Scan(&u.ID, &u.UserID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// EnsureUser finds or creates the user in one statement. The no-op update
// makes RETURNING yield the existing row on conflict.
func (r *PostgresRepository) EnsureUser(ctx context.Context, externalID string) (*domain.User, error) {
	query := `
        INSERT INTO users (external_user_id)
        VALUES ($1)
        ON CONFLICT (external_user_id) DO UPDATE SET external_user_id = EXCLUDED.external_user_id
        RETURNING id, external_user_id, created_at
    `
	var u domain.User
	if err := r.db.QueryRow(ctx, query, externalID).Scan(&u.ID, &u.UserID, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return &u, nil
}

func (r *PostgresRepository) ListBanks(ctx context.Context, userID string) ([]domain.ConnectedBank, error) {
	query := `SELECT ` + bankColumns + ` FROM connected_banks WHERE user_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	banks := []domain.ConnectedBank{}
	for rows.Next() {
		b, err := scanBank(rows)
		if err != nil {
			return nil, err
		}
		banks = append(banks, *b)
	}
	return banks, rows.Err()
}

func (r *PostgresRepository) FindBank(ctx context.Context, userID, institutionID string) (*domain.ConnectedBank, error) {
	query := `SELECT ` + bankColumns + ` FROM connected_banks WHERE user_id = $1 AND institution_id = $2`
	b, err := scanBank(r.db.QueryRow(ctx, query, userID, institutionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBankNotFound
		}
		return nil, err
	}
	return b, nil
}

func (r *PostgresRepository) UpsertBank(ctx context.Context, bank *domain.ConnectedBank) (*domain.ConnectedBank, error) {
	query := `
        INSERT INTO connected_banks (
            user_id, institution_id, institution_name, access_token, item_id,
            account_mask, account_type, logo_url, nickname, account_ids, status
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'connected')
        ON CONFLICT ON CONSTRAINT connected_banks_user_institution_key DO UPDATE SET
            institution_name = EXCLUDED.institution_name,
            access_token = EXCLUDED.access_token,
            item_id = EXCLUDED.item_id,
            account_mask = COALESCE(EXCLUDED.account_mask, connected_banks.account_mask),
            account_type = COALESCE(EXCLUDED.account_type, connected_banks.account_type),
            logo_url = COALESCE(EXCLUDED.logo_url, connected_banks.logo_url),
            nickname = COALESCE(EXCLUDED.nickname, connected_banks.nickname),
            account_ids = EXCLUDED.account_ids,
            status = 'connected',
            error_message = NULL,
            updated_at = NOW()
        RETURNING ` + bankColumns

	accountIDs := bank.AccountIDs
	if accountIDs == nil {
		accountIDs = []string{}
	}
	saved, err := scanBank(r.db.QueryRow(ctx, query,
		bank.UserID,
		bank.InstitutionID,
		bank.InstitutionName,
		bank.AccessToken,
		bank.ItemID,
		bank.AccountMask,
		bank.AccountType,
		bank.LogoURL,
		bank.Nickname,
		accountIDs,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("upsert connected bank %s: %w", bank.InstitutionID, err)
	}
	return saved, nil
}

// PatchBank applies only the fields present in the patch. Each optional field
// is passed as a (set, value) pair so an explicit null clears the column.
func (r *PostgresRepository) PatchBank(ctx context.Context, userID, institutionID string, patch domain.BankPatch) (*domain.ConnectedBank, error) {
	query := `
        UPDATE connected_banks SET
            status = CASE WHEN $3::text IS NOT NULL AND $3::text <> '' THEN $3::text ELSE status END,
            last_sync_transaction_count = CASE WHEN $4::boolean THEN $5::integer ELSE last_sync_transaction_count END,
            error_message = CASE WHEN $6::boolean THEN $7::text ELSE error_message END,
            nickname = CASE WHEN $8::boolean THEN $9::text ELSE nickname END,
            last_sync_at = CASE WHEN $10::boolean THEN NOW() ELSE last_sync_at END,
            updated_at = NOW()
        WHERE user_id = $1 AND institution_id = $2
        RETURNING ` + bankColumns

	b, err := scanBank(r.db.QueryRow(ctx, query,
		userID,
		institutionID,
		patch.Status.Value,
		patch.LastSyncTransactionCount.Set,
		patch.LastSyncTransactionCount.Value,
		patch.ErrorMessage.Set,
		patch.ErrorMessage.Value,
		patch.Nickname.Set,
		patch.Nickname.Value,
		patch.MarksConnected(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBankNotFound
		}
		return nil, err
	}
	return b, nil
}

func (r *PostgresRepository) DeleteBank(ctx context.Context, userID, institutionID string) error {
	query := `DELETE FROM connected_banks WHERE user_id = $1 AND institution_id = $2`
	tag, err := r.db.Exec(ctx, query, userID, institutionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBankNotFound
	}
	return nil
}

func (r *PostgresRepository) ListAllBanks(ctx context.Context) ([]domain.ConnectedBank, error) {
	query := `
        SELECT u.external_user_id, ` + prefixed("b", bankColumns) + `
        FROM connected_banks b
        JOIN users u ON u.id = b.user_id
        ORDER BY u.external_user_id, b.created_at ASC, b.id ASC
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	banks := []domain.ConnectedBank{}
	for rows.Next() {
		var owner string
		b, err := scanBankWith(rows, &owner)
		if err != nil {
			return nil, err
		}
		b.OwnerExternalID = owner
		banks = append(banks, *b)
	}
	return banks, rows.Err()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

func scanBank(row pgx.Row) (*domain.ConnectedBank, error) {
	return scanBankWith(row)
}

func scanBankWith(row pgx.Row, leading ...any) (*domain.ConnectedBank, error) {
	var b domain.ConnectedBank
	var status string
	dest := append(leading,
		&b.ID, &b.UserID, &b.InstitutionID, &b.InstitutionName, &b.AccessToken, &b.ItemID,
		&b.AccountMask, &b.AccountType, &b.LogoURL, &b.Nickname, &b.AccountIDs, &status,
		&b.ErrorMessage, &b.LastSyncTransactionCount, &b.LastSyncAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	b.Status = domain.BankStatus(status)
	if b.AccountIDs == nil {
		b.AccountIDs = []string{}
	}
	return &b, nil
}

// prefixed qualifies every column in a comma separated list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
