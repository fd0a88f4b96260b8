package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/swipe/banklink-service/internal/domain"
	"github.com/swipe/banklink-service/internal/store"
)

// UpsertBankInput defines the fields accepted when a client stores a bank
// directly.
type UpsertBankInput struct {
	UserID          string
	InstitutionID   string   `json:"institutionId"`
	InstitutionName string   `json:"institutionName"`
	AccessToken     string   `json:"accessToken"`
	ItemID          string   `json:"itemId"`
	AccountMask     *string  `json:"accountMask"`
	AccountType     *string  `json:"accountType"`
	LogoURL         *string  `json:"logoUrl"`
	Nickname        *string  `json:"nickname"`
	AccountIDs      []string `json:"accountIds"`
}

// RegistryService manages a user's connected banks.
type RegistryService struct {
	repo   store.Repository
	creds  *CredentialStore
	events *EventEmitter
	logger *slog.Logger
}

func NewRegistryService(repo store.Repository, creds *CredentialStore, events *EventEmitter, logger *slog.Logger) *RegistryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryService{repo: repo, creds: creds, events: events, logger: logger}
}

// ListBanks returns the user's banks, creating the user on first sight.
func (s *RegistryService) ListBanks(ctx context.Context, userID string) ([]domain.ConnectedBank, error) {
	user, err := s.repo.EnsureUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListBanks(ctx, user.ID)
}

// UpsertBank stores a bank for the user, replacing any existing row for the
// same institution.
func (s *RegistryService) UpsertBank(ctx context.Context, input UpsertBankInput) (*domain.ConnectedBank, error) {
	if strings.TrimSpace(input.InstitutionID) == "" ||
		strings.TrimSpace(input.InstitutionName) == "" ||
		strings.TrimSpace(input.AccessToken) == "" ||
		strings.TrimSpace(input.ItemID) == "" {
		return nil, invalidInput("Missing required fields: institutionId, institutionName, accessToken, itemId")
	}

	user, err := s.repo.EnsureUser(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	accountIDs := input.AccountIDs
	if accountIDs == nil {
		accountIDs = []string{}
	}
	saved, err := s.creds.Save(ctx, &domain.ConnectedBank{
		UserID:          user.ID,
		InstitutionID:   strings.TrimSpace(input.InstitutionID),
		InstitutionName: input.InstitutionName,
		AccessToken:     input.AccessToken,
		ItemID:          input.ItemID,
		AccountMask:     input.AccountMask,
		AccountType:     input.AccountType,
		LogoURL:         input.LogoURL,
		Nickname:        input.Nickname,
		AccountIDs:      accountIDs,
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, domain.RoutingKeyBankConnected, input.UserID, saved)
	return saved, nil
}

// PatchBank applies a partial update. Unlike ListBanks it never creates the user.
func (s *RegistryService) PatchBank(ctx context.Context, userID, institutionID string, patch domain.BankPatch) (*domain.ConnectedBank, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	bank, err := s.repo.PatchBank(ctx, user.ID, institutionID, patch)
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, domain.RoutingKeyBankUpdated, userID, bank)
	return bank, nil
}

// DeleteBank removes one bank.
func (s *RegistryService) DeleteBank(ctx context.Context, userID, institutionID string) error {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	bank, err := s.repo.FindBank(ctx, user.ID, institutionID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteBank(ctx, user.ID, institutionID); err != nil {
		return err
	}

	s.logger.Info("bank disconnected", "user_id", userID, "institution_id", institutionID)
	s.events.Emit(ctx, domain.RoutingKeyBankDisconnected, userID, bank)
	return nil
}
