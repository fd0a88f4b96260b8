/**
 * @description
 * This file contains transaction sync: resolving the stored credential for a
 * user's bank and fetching a date-bounded transaction list from the provider.
 * SyncAll refreshes the sync metadata of every stored bank and backs the
 * scheduled job.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swipe/banklink-service/internal/domain"
	"github.com/swipe/banklink-service/internal/store"
	"github.com/swipe/banklink-service/pkg/plaidclient"
)

const (
	dateLayout        = "2006-01-02"
	defaultWindowDays = 30
)

// SyncObserver is notified after every provider sync attempt.
type SyncObserver func(trigger string, err error)

// TransactionsInput defines the input for fetching transactions.
type TransactionsInput struct {
	UserID        string
	InstitutionID string
	StartDate     string
	EndDate       string
}

// TransactionsResult holds the provider transactions, forwarded verbatim.
type TransactionsResult struct {
	Transactions      []json.RawMessage `json:"transactions"`
	TotalTransactions int               `json:"total_transactions"`
}

// SyncSummary reports the outcome of a SyncAll run.
type SyncSummary struct {
	Synced int
	Failed int
}

// SyncService fetches transactions for stored banks.
type SyncService struct {
	provider     Provider
	repo         store.Repository
	creds        *CredentialStore
	events       *EventEmitter
	scrubber     *Scrubber
	logger       *slog.Logger
	observe      SyncObserver
	lookbackDays int
	now          func() time.Time
}

func NewSyncService(provider Provider, repo store.Repository, creds *CredentialStore, events *EventEmitter, scrubber *Scrubber, logger *slog.Logger, lookbackDays int, observe SyncObserver) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if lookbackDays <= 0 {
		lookbackDays = defaultWindowDays
	}
	return &SyncService{
		provider:     provider,
		repo:         repo,
		creds:        creds,
		events:       events,
		scrubber:     scrubber,
		logger:       logger,
		observe:      observe,
		lookbackDays: lookbackDays,
		now:          time.Now,
	}
}

// FetchTransactions returns the transactions of one of the user's banks: the
// requested institution, or the earliest connected bank when none is given.
func (s *SyncService) FetchTransactions(ctx context.Context, input TransactionsInput) (*TransactionsResult, error) {
	input.UserID = strings.TrimSpace(input.UserID)
	if input.UserID == "" {
		return nil, invalidInput("Missing required field: userId")
	}
	startDate, endDate, err := resolveWindow(input.StartDate, input.EndDate, s.now(), defaultWindowDays)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUser(ctx, input.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrNoBanksConnected
		}
		return nil, err
	}
	banks, err := s.repo.ListBanks(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(banks) == 0 {
		return nil, ErrNoBanksConnected
	}

	bank, err := selectBank(banks, strings.TrimSpace(input.InstitutionID))
	if err != nil {
		return nil, err
	}
	accessToken, err := s.creds.AccessToken(bank)
	if err != nil {
		return nil, err
	}

	s.logger.Info("fetching transactions", "user_id", input.UserID, "institution_id", bank.InstitutionID, "start_date", startDate, "end_date", endDate)
	resp, err := s.provider.GetTransactions(ctx, domain.TransactionsGetRequest{
		AccessToken: accessToken,
		StartDate:   startDate,
		EndDate:     endDate,
	})
	s.record("request", err)
	if err != nil {
		return nil, newProviderError(s.scrubber, s.logger, "transactions_get", "Failed to fetch transactions", err, accessToken)
	}

	return &TransactionsResult{
		Transactions:      resp.Transactions,
		TotalTransactions: resp.TotalTransactions,
	}, nil
}

// SyncAll fetches the trailing window for every stored bank and records the
// outcome on the bank. It stops early only when ctx is cancelled.
func (s *SyncService) SyncAll(ctx context.Context) (SyncSummary, error) {
	var summary SyncSummary

	banks, err := s.repo.ListAllBanks(ctx)
	if err != nil {
		return summary, fmt.Errorf("list banks: %w", err)
	}
	startDate, endDate, err := resolveWindow("", "", s.now(), s.lookbackDays)
	if err != nil {
		return summary, err
	}

	for i := range banks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if s.syncOne(ctx, &banks[i], startDate, endDate) {
			summary.Synced++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func (s *SyncService) syncOne(ctx context.Context, bank *domain.ConnectedBank, startDate, endDate string) bool {
	logger := s.logger.With("user_id", bank.OwnerExternalID, "institution_id", bank.InstitutionID)

	accessToken, err := s.creds.AccessToken(bank)
	if err != nil {
		logger.Error("cannot open stored credential", "error", err)
		s.markFailed(ctx, bank, "stored credential could not be read")
		return false
	}

	resp, err := s.provider.GetTransactions(ctx, domain.TransactionsGetRequest{
		AccessToken: accessToken,
		StartDate:   startDate,
		EndDate:     endDate,
	})
	s.record("scheduled", err)
	if err != nil {
		logger.Warn("scheduled sync failed", "error", s.scrubber.errorText(err, accessToken))
		s.markFailed(ctx, bank, s.failureMessage(err, accessToken))
		return false
	}

	_, err = s.repo.PatchBank(ctx, bank.UserID, bank.InstitutionID, domain.BankPatch{
		Status:                   domain.Some(string(domain.BankStatusConnected)),
		LastSyncTransactionCount: domain.Some(resp.TotalTransactions),
		ErrorMessage:             domain.Null[string](),
	})
	if err != nil {
		logger.Error("failed to record sync result", "error", err)
		return false
	}
	logger.Info("scheduled sync succeeded", "total_transactions", resp.TotalTransactions)
	return true
}

func (s *SyncService) markFailed(ctx context.Context, bank *domain.ConnectedBank, message string) {
	updated, err := s.repo.PatchBank(ctx, bank.UserID, bank.InstitutionID, domain.BankPatch{
		Status:       domain.Some(string(domain.BankStatusError)),
		ErrorMessage: domain.Some(message),
	})
	if err != nil {
		s.logger.Error("failed to record sync failure", "institution_id", bank.InstitutionID, "error", err)
		return
	}
	s.events.Emit(ctx, domain.RoutingKeyBankSyncFailed, bank.OwnerExternalID, updated)
}

// failureMessage prefers the provider's error code and message.
func (s *SyncService) failureMessage(err error, accessToken string) string {
	if apiErr, ok := plaidclient.AsAPIError(err); ok && apiErr.ErrorCode != "" {
		msg := apiErr.ErrorCode
		if apiErr.ErrorMessage != "" {
			msg += ": " + apiErr.ErrorMessage
		}
		return s.scrubber.ScrubString(msg, accessToken)
	}
	return s.scrubber.errorText(err, accessToken)
}

func (s *SyncService) record(trigger string, err error) {
	if s.observe != nil {
		s.observe(trigger, err)
	}
}

func selectBank(banks []domain.ConnectedBank, institutionID string) (*domain.ConnectedBank, error) {
	if institutionID == "" {
		return &banks[0], nil
	}
	for i := range banks {
		if banks[i].InstitutionID == institutionID {
			return &banks[i], nil
		}
	}
	return nil, ErrBankNotFound
}

// resolveWindow validates the optional YYYY-MM-DD bounds. Missing bounds
// default to the trailing window of days ending today (UTC).
func resolveWindow(startRaw, endRaw string, now time.Time, days int) (string, string, error) {
	today := now.UTC().Truncate(24 * time.Hour)

	end := today
	if v := strings.TrimSpace(endRaw); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			return "", "", invalidInput("Invalid end_date. Expected format YYYY-MM-DD")
		}
		end = parsed
	}

	start := today.AddDate(0, 0, -days)
	if v := strings.TrimSpace(startRaw); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			return "", "", invalidInput("Invalid start_date. Expected format YYYY-MM-DD")
		}
		start = parsed
	}

	if start.After(end) {
		return "", "", invalidInput("start_date must be on or before end_date")
	}
	return start.Format(dateLayout), end.Format(dateLayout), nil
}
