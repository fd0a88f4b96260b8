/**
 * @description
 * This file contains the linking workflow: issuing link tokens for the client
 * SDK and exchanging the resulting public token for a long-lived access
 * credential that is stored per (user, institution).
 *
 * @notes
 * - The access credential never leaves this package except through the
 *   CredentialStore. ExchangeResult deliberately exposes only the item id.
 * - Institution and account enrichment is best effort. A failed lookup is
 *   logged and the bank is stored with what is known.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/swipe/banklink-service/internal/domain"
	"github.com/swipe/banklink-service/internal/store"
	"github.com/swipe/banklink-service/pkg/plaidclient"
)

// Provider is the bank-data aggregation API used by the services.
type Provider interface {
	CreateLinkToken(ctx context.Context, req domain.LinkTokenCreateRequest) (*domain.LinkTokenCreateResponse, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*domain.PublicTokenExchangeResponse, error)
	GetItem(ctx context.Context, accessToken string) (*domain.ItemGetResponse, error)
	GetInstitution(ctx context.Context, institutionID string, countryCodes []string) (*domain.InstitutionGetResponse, error)
	GetAccounts(ctx context.Context, accessToken string) (*domain.AccountsGetResponse, error)
	GetTransactions(ctx context.Context, req domain.TransactionsGetRequest) (*domain.TransactionsGetResponse, error)
}

// LinkConfig holds the fixed parameters sent with every link token request.
type LinkConfig struct {
	ClientName   string
	Products     []string
	CountryCodes []string
	Language     string
	RedirectURI  string
	Webhook      string
}

// LinkInstitution is the institution reported by the client SDK on success.
type LinkInstitution struct {
	InstitutionID string `json:"institution_id"`
	Name          string `json:"name"`
}

// LinkAccount is one account reported by the client SDK on success.
type LinkAccount struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Mask    *string `json:"mask"`
	Type    *string `json:"type"`
	Subtype *string `json:"subtype"`
}

// ExchangeInput defines the input for exchanging a public token.
type ExchangeInput struct {
	PublicToken string
	UserID      string
	Institution *LinkInstitution
	Accounts    []LinkAccount
}

// ExchangeResult is what the caller may see after a successful exchange.
type ExchangeResult struct {
	ItemID        string
	InstitutionID string
}

// LinkService issues link tokens and exchanges public tokens.
type LinkService struct {
	provider Provider
	repo     store.Repository
	creds    *CredentialStore
	events   *EventEmitter
	scrubber *Scrubber
	cfg      LinkConfig
	logger   *slog.Logger
}

func NewLinkService(provider Provider, repo store.Repository, creds *CredentialStore, events *EventEmitter, scrubber *Scrubber, cfg LinkConfig, logger *slog.Logger) *LinkService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkService{
		provider: provider,
		repo:     repo,
		creds:    creds,
		events:   events,
		scrubber: scrubber,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateLinkToken asks the provider for a link token. An empty userID is
// replaced with a generated one.
func (s *LinkService) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "user-" + uuid.NewString()
	}

	resp, err := s.provider.CreateLinkToken(ctx, domain.LinkTokenCreateRequest{
		User:         domain.LinkTokenUser{ClientUserID: userID},
		ClientName:   s.cfg.ClientName,
		Products:     s.cfg.Products,
		CountryCodes: s.cfg.CountryCodes,
		Language:     s.cfg.Language,
		RedirectURI:  s.cfg.RedirectURI,
		Webhook:      s.cfg.Webhook,
	})
	if err != nil {
		return "", s.providerError("link_token_create", "Failed to create link token", err)
	}
	return resp.LinkToken, nil
}

// ExchangePublicToken converts a public token into a stored access credential.
func (s *LinkService) ExchangePublicToken(ctx context.Context, input ExchangeInput) (*ExchangeResult, error) {
	input.PublicToken = strings.TrimSpace(input.PublicToken)
	input.UserID = strings.TrimSpace(input.UserID)
	if input.PublicToken == "" || input.UserID == "" {
		return nil, invalidInput("Missing required fields: public_token, userId")
	}

	exchanged, err := s.provider.ExchangePublicToken(ctx, input.PublicToken)
	if err != nil {
		return nil, s.providerError("item_public_token_exchange", "Failed to exchange token", err, input.PublicToken)
	}
	accessToken := exchanged.AccessToken

	bank := &domain.ConnectedBank{
		AccessToken: accessToken,
		ItemID:      exchanged.ItemID,
		AccountIDs:  []string{},
	}
	s.resolveInstitution(ctx, bank, input.Institution)
	s.resolveAccounts(ctx, bank, input.Accounts)

	user, err := s.repo.EnsureUser(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	bank.UserID = user.ID

	saved, err := s.creds.Save(ctx, bank)
	if err != nil {
		return nil, err
	}

	s.logger.Info("bank connected", "user_id", input.UserID, "institution_id", saved.InstitutionID, "item_id", saved.ItemID)
	s.events.Emit(ctx, domain.RoutingKeyBankConnected, input.UserID, saved)

	return &ExchangeResult{ItemID: saved.ItemID, InstitutionID: saved.InstitutionID}, nil
}

func (s *LinkService) resolveInstitution(ctx context.Context, bank *domain.ConnectedBank, meta *LinkInstitution) {
	if meta != nil && strings.TrimSpace(meta.InstitutionID) != "" {
		bank.InstitutionID = strings.TrimSpace(meta.InstitutionID)
		bank.InstitutionName = strings.TrimSpace(meta.Name)
	} else if item, err := s.provider.GetItem(ctx, bank.AccessToken); err != nil {
		s.logger.Warn("item lookup failed", "item_id", bank.ItemID, "error", s.scrubber.errorText(err, bank.AccessToken))
	} else if item.Item.InstitutionID != nil {
		bank.InstitutionID = *item.Item.InstitutionID
	}

	if bank.InstitutionID == "" {
		bank.InstitutionID = bank.ItemID
	}

	if bank.InstitutionName == "" && bank.InstitutionID != bank.ItemID {
		inst, err := s.provider.GetInstitution(ctx, bank.InstitutionID, s.cfg.CountryCodes)
		if err != nil {
			s.logger.Warn("institution lookup failed", "institution_id", bank.InstitutionID, "error", s.scrubber.errorText(err, bank.AccessToken))
		} else {
			bank.InstitutionName = inst.Institution.Name
			bank.LogoURL = inst.Institution.Logo
		}
	}
	if bank.InstitutionName == "" {
		bank.InstitutionName = bank.InstitutionID
	}
}

func (s *LinkService) resolveAccounts(ctx context.Context, bank *domain.ConnectedBank, meta []LinkAccount) {
	if len(meta) > 0 {
		for _, a := range meta {
			if a.ID != "" {
				bank.AccountIDs = append(bank.AccountIDs, a.ID)
			}
		}
		bank.AccountMask = meta[0].Mask
		bank.AccountType = meta[0].Type
		return
	}

	resp, err := s.provider.GetAccounts(ctx, bank.AccessToken)
	if err != nil {
		s.logger.Warn("accounts lookup failed", "item_id", bank.ItemID, "error", s.scrubber.errorText(err, bank.AccessToken))
		return
	}
	for _, a := range resp.Accounts {
		bank.AccountIDs = append(bank.AccountIDs, a.AccountID)
	}
	if len(resp.Accounts) > 0 {
		first := resp.Accounts[0]
		bank.AccountMask = first.Mask
		if first.Type != "" {
			accountType := first.Type
			bank.AccountType = &accountType
		}
	}
}

// providerError wraps an upstream failure with scrubbed details.
func (s *LinkService) providerError(operation, message string, err error, secrets ...string) error {
	return newProviderError(s.scrubber, s.logger, operation, message, err, secrets...)
}

func newProviderError(scrubber *Scrubber, logger *slog.Logger, operation, message string, err error, secrets ...string) error {
	pe := &ProviderError{
		Operation: operation,
		Message:   message,
		Details:   scrubber.ProviderDetails(err, secrets...),
		Err:       err,
	}
	var apiErr *plaidclient.APIError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	logger.Error("provider call failed", "operation", operation, "status", pe.StatusCode, "error", scrubber.errorText(err, secrets...))
	return pe
}
