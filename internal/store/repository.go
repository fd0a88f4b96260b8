/**
 * @description
 * This file defines the interface for the data access layer (repository) that
 * holds users and their connected banks. Defining it as an interface lets the
 * service run against PostgreSQL in production and SQLite locally and in tests.
 *
 * @notes
 * - GetUser never creates; EnsureUser is the explicit find-or-create.
 * - UpsertBank is atomic on (user, institution), so concurrent upserts for the
 *   same pair cannot create duplicate rows.
 */
package store

import (
	"context"
	"errors"

	"github.com/swipe/banklink-service/internal/domain"
)

var (
	// ErrUserNotFound is returned when no user exists for an external id.
	ErrUserNotFound = errors.New("user not found")
	// ErrBankNotFound is returned when a user has no bank for an institution.
	ErrBankNotFound = errors.New("bank not found")
)

// Repository defines the contract for persisting users and connected banks.
type Repository interface {
	GetUser(ctx context.Context, externalID string) (*domain.User, error)
	EnsureUser(ctx context.Context, externalID string) (*domain.User, error)

	// ListBanks returns a user's banks ordered by creation time.
	ListBanks(ctx context.Context, userID string) ([]domain.ConnectedBank, error)
	FindBank(ctx context.Context, userID, institutionID string) (*domain.ConnectedBank, error)
	// UpsertBank inserts or updates the bank for (bank.UserID, bank.InstitutionID),
	// resetting status to connected and clearing the error message.
	UpsertBank(ctx context.Context, bank *domain.ConnectedBank) (*domain.ConnectedBank, error)
	PatchBank(ctx context.Context, userID, institutionID string, patch domain.BankPatch) (*domain.ConnectedBank, error)
	DeleteBank(ctx context.Context, userID, institutionID string) error

	// ListAllBanks returns every stored bank with OwnerExternalID populated.
	ListAllBanks(ctx context.Context) ([]domain.ConnectedBank, error)

	Ping(ctx context.Context) error
	Close() error
}
