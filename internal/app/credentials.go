package app

import (
	"context"
	"fmt"

	"github.com/swipe/banklink-service/internal/domain"
	"github.com/swipe/banklink-service/internal/store"
	"github.com/swipe/banklink-service/pkg/tokenseal"
)

// CredentialStore seals access credentials on the way into the repository
// and opens them on the way out. It is the only code that sees both the
// repository and the sealer.
type CredentialStore struct {
	repo   store.Repository
	sealer tokenseal.Sealer
}

func NewCredentialStore(repo store.Repository, sealer tokenseal.Sealer) *CredentialStore {
	if sealer == nil {
		sealer = tokenseal.Noop{}
	}
	return &CredentialStore{repo: repo, sealer: sealer}
}

// Save upserts bank with its credential sealed. The returned bank carries the
// plaintext credential again so callers can use it immediately.
func (c *CredentialStore) Save(ctx context.Context, bank *domain.ConnectedBank) (*domain.ConnectedBank, error) {
	sealed, err := c.sealer.Seal(bank.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	toStore := *bank
	toStore.AccessToken = sealed

	saved, err := c.repo.UpsertBank(ctx, &toStore)
	if err != nil {
		return nil, fmt.Errorf("upsert bank: %w", err)
	}
	saved.AccessToken = bank.AccessToken
	return saved, nil
}

// AccessToken returns the plaintext credential stored on bank.
func (c *CredentialStore) AccessToken(bank *domain.ConnectedBank) (string, error) {
	token, err := c.sealer.Open(bank.AccessToken)
	if err != nil {
		return "", fmt.Errorf("open access token for institution %s: %w", bank.InstitutionID, err)
	}
	return token, nil
}
