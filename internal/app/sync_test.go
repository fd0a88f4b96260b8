package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/swipe/banklink-service/internal/domain"
	"github.com/swipe/banklink-service/pkg/plaidclient"
)

func seedBank(t *testing.T, env *testEnv, userID, institutionID, accessToken string) {
	t.Helper()
	_, err := env.registryService().UpsertBank(context.Background(), UpsertBankInput{
		UserID:          userID,
		InstitutionID:   institutionID,
		InstitutionName: "Bank " + institutionID,
		AccessToken:     accessToken,
		ItemID:          "item-" + institutionID,
	})
	if err != nil {
		t.Fatalf("seed bank: %v", err)
	}
}

func TestFetchTransactions_NoBanks(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.syncService()
	ctx := context.Background()

	if _, err := svc.FetchTransactions(ctx, TransactionsInput{UserID: "ghost"}); !errors.Is(err, ErrNoBanksConnected) {
		t.Fatalf("expected ErrNoBanksConnected for unknown user, got %v", err)
	}

	_, _ = env.repo.EnsureUser(ctx, "empty")
	if _, err := svc.FetchTransactions(ctx, TransactionsInput{UserID: "empty"}); !errors.Is(err, ErrNoBanksConnected) {
		t.Fatalf("expected ErrNoBanksConnected for user without banks, got %v", err)
	}
	if calls := env.provider.transactionCalls(); len(calls) != 0 {
		t.Fatalf("provider must not be called, got %d calls", len(calls))
	}
}

func TestFetchTransactions_RequiresUserID(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.syncService().FetchTransactions(context.Background(), TransactionsInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFetchTransactions_SelectsBank(t *testing.T) {
	env := newTestEnv(t, nil)
	seedBank(t, env, "u1", "ins_first", "access-first")
	seedBank(t, env, "u1", "ins_second", "access-second")
	env.provider.transactionsResp = &domain.TransactionsGetResponse{
		Transactions:      []json.RawMessage{json.RawMessage(`{"transaction_id":"t1","amount":12.5}`)},
		TotalTransactions: 1,
	}
	svc := env.syncService()
	ctx := context.Background()

	t.Run("defaults to earliest connected", func(t *testing.T) {
		res, err := svc.FetchTransactions(ctx, TransactionsInput{UserID: "u1"})
		if err != nil {
			t.Fatalf("FetchTransactions returned error: %v", err)
		}
		if res.TotalTransactions != 1 || string(res.Transactions[0]) != `{"transaction_id":"t1","amount":12.5}` {
			t.Fatalf("expected verbatim transactions, got %+v", res)
		}
		calls := env.provider.transactionCalls()
		if calls[len(calls)-1].AccessToken != "access-first" {
			t.Fatalf("expected first bank credential, got %q", calls[len(calls)-1].AccessToken)
		}
	})

	t.Run("explicit institution", func(t *testing.T) {
		if _, err := svc.FetchTransactions(ctx, TransactionsInput{UserID: "u1", InstitutionID: "ins_second"}); err != nil {
			t.Fatalf("FetchTransactions returned error: %v", err)
		}
		calls := env.provider.transactionCalls()
		if calls[len(calls)-1].AccessToken != "access-second" {
			t.Fatalf("expected second bank credential, got %q", calls[len(calls)-1].AccessToken)
		}
	})

	t.Run("unknown institution", func(t *testing.T) {
		before := len(env.provider.transactionCalls())
		if _, err := svc.FetchTransactions(ctx, TransactionsInput{UserID: "u1", InstitutionID: "ins_nope"}); !errors.Is(err, ErrBankNotFound) {
			t.Fatalf("expected ErrBankNotFound, got %v", err)
		}
		if len(env.provider.transactionCalls()) != before {
			t.Fatal("provider must not be called for an unknown institution")
		}
	})
}

func TestFetchTransactions_DefaultWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	seedBank(t, env, "u1", "ins_1", "access-1")
	svc := env.syncService()
	svc.now = func() time.Time { return time.Date(2026, 3, 15, 23, 30, 0, 0, time.UTC) }

	if _, err := svc.FetchTransactions(context.Background(), TransactionsInput{UserID: "u1"}); err != nil {
		t.Fatalf("FetchTransactions returned error: %v", err)
	}
	call := env.provider.transactionCalls()[0]
	if call.StartDate != "2026-02-13" || call.EndDate != "2026-03-15" {
		t.Fatalf("unexpected window %s..%s", call.StartDate, call.EndDate)
	}
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		start     string
		end       string
		wantStart string
		wantEnd   string
		wantErr   bool
	}{
		{name: "defaults", wantStart: "2026-02-13", wantEnd: "2026-03-15"},
		{name: "explicit", start: "2026-01-01", end: "2026-01-31", wantStart: "2026-01-01", wantEnd: "2026-01-31"},
		{name: "same day", start: "2026-01-01", end: "2026-01-01", wantStart: "2026-01-01", wantEnd: "2026-01-01"},
		{name: "bad start", start: "01/01/2026", wantErr: true},
		{name: "bad end", end: "2026-13-01", wantErr: true},
		{name: "inverted", start: "2026-02-01", end: "2026-01-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := resolveWindow(tt.start, tt.end, now, 30)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if start != tt.wantStart || end != tt.wantEnd {
				t.Fatalf("expected %s..%s, got %s..%s", tt.wantStart, tt.wantEnd, start, end)
			}
		})
	}
}

func TestFetchTransactions_ProviderErrorNeverContainsCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	seedBank(t, env, "u1", "ins_1", "access-sandbox-secret")
	env.provider.transactionsErr = &plaidclient.APIError{
		StatusCode: http.StatusBadRequest,
		ErrorCode:  "INVALID_ACCESS_TOKEN",
		Payload: map[string]any{
			"error_code":    "INVALID_ACCESS_TOKEN",
			"error_message": "access-sandbox-secret is not valid",
			"access_token":  "access-sandbox-secret",
			"nested":        []any{map[string]any{"echo": "token=access-sandbox-secret"}},
		},
	}

	_, err := env.syncService().FetchTransactions(context.Background(), TransactionsInput{UserID: "u1"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Message != "Failed to fetch transactions" {
		t.Fatalf("unexpected message %q", pe.Message)
	}
	raw, _ := json.Marshal(pe.Details)
	if strings.Contains(string(raw), "access-sandbox-secret") {
		t.Fatalf("details leaked the credential: %s", raw)
	}
	if strings.Contains(pe.Error(), "access-sandbox-secret") {
		t.Fatalf("error text leaked the credential: %s", pe.Error())
	}
}

func TestSyncAll_RecordsOutcomes(t *testing.T) {
	env := newTestEnv(t, nil)
	seedBank(t, env, "u1", "ins_ok", "access-ok")
	seedBank(t, env, "u2", "ins_bad", "access-bad")
	env.provider.transactionsResp = &domain.TransactionsGetResponse{Transactions: []json.RawMessage{}, TotalTransactions: 7}
	env.provider.transactionsByKey = map[string]error{
		"access-bad": &plaidclient.APIError{StatusCode: http.StatusBadRequest, ErrorCode: "ITEM_LOGIN_REQUIRED", ErrorMessage: "login required"},
	}

	var observed []string
	svc := NewSyncService(env.provider, env.repo, env.creds, env.events, env.scrubber, env.logger, 7, func(trigger string, err error) {
		observed = append(observed, trigger)
	})
	ctx := context.Background()

	summary, err := svc.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll returned error: %v", err)
	}
	if summary.Synced != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(observed) != 2 || observed[0] != "scheduled" {
		t.Fatalf("unexpected observations %v", observed)
	}

	u1, _ := env.repo.GetUser(ctx, "u1")
	ok, _ := env.repo.FindBank(ctx, u1.ID, "ins_ok")
	if ok.Status != domain.BankStatusConnected || ok.LastSyncAt == nil || ok.LastSyncTransactionCount == nil || *ok.LastSyncTransactionCount != 7 {
		t.Fatalf("unexpected healthy bank %+v", ok)
	}

	u2, _ := env.repo.GetUser(ctx, "u2")
	bad, _ := env.repo.FindBank(ctx, u2.ID, "ins_bad")
	if bad.Status != domain.BankStatusError || bad.ErrorMessage == nil || *bad.ErrorMessage != "ITEM_LOGIN_REQUIRED: login required" {
		t.Fatalf("unexpected failed bank %+v", bad)
	}

	var sawFailure bool
	for _, e := range env.publisher.events {
		if e.routingKey == domain.RoutingKeyBankSyncFailed {
			sawFailure = e.body.UserID == "u2" && e.body.InstitutionID == "ins_bad"
		}
	}
	if !sawFailure {
		t.Fatal("expected bank.sync_failed event for u2")
	}

	window := env.provider.transactionCalls()[0]
	start, _ := time.Parse(dateLayout, window.StartDate)
	end, _ := time.Parse(dateLayout, window.EndDate)
	if end.Sub(start) != 7*24*time.Hour {
		t.Fatalf("expected 7 day lookback, got %s..%s", window.StartDate, window.EndDate)
	}
}

func TestSyncAll_StopsOnCancelledContext(t *testing.T) {
	env := newTestEnv(t, nil)
	seedBank(t, env, "u1", "ins_1", "access-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.syncService().SyncAll(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
