package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/swipe/banklink-service/internal/domain"
	"github.com/swipe/banklink-service/internal/store"
	"github.com/swipe/banklink-service/pkg/tokenseal"
)

// providerStub embeds Provider so tests only implement the calls they use.
type providerStub struct {
	Provider

	mu                sync.Mutex
	linkReqs          []domain.LinkTokenCreateRequest
	exchangeResp      *domain.PublicTokenExchangeResponse
	exchangeErr       error
	itemResp          *domain.ItemGetResponse
	itemErr           error
	institutionResp   *domain.InstitutionGetResponse
	accountsResp      *domain.AccountsGetResponse
	accountsErr       error
	transactionsResp  *domain.TransactionsGetResponse
	transactionsErr   error
	transactionsReqs  []domain.TransactionsGetRequest
	transactionsByKey map[string]error
}

func (p *providerStub) CreateLinkToken(ctx context.Context, req domain.LinkTokenCreateRequest) (*domain.LinkTokenCreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkReqs = append(p.linkReqs, req)
	return &domain.LinkTokenCreateResponse{LinkToken: "link-sandbox-1"}, nil
}

func (p *providerStub) ExchangePublicToken(ctx context.Context, publicToken string) (*domain.PublicTokenExchangeResponse, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	if p.exchangeResp != nil {
		return p.exchangeResp, nil
	}
	return &domain.PublicTokenExchangeResponse{AccessToken: "access-sandbox-" + publicToken, ItemID: "item-" + publicToken}, nil
}

func (p *providerStub) GetItem(ctx context.Context, accessToken string) (*domain.ItemGetResponse, error) {
	if p.itemErr != nil {
		return nil, p.itemErr
	}
	if p.itemResp != nil {
		return p.itemResp, nil
	}
	return &domain.ItemGetResponse{}, nil
}

func (p *providerStub) GetInstitution(ctx context.Context, institutionID string, countryCodes []string) (*domain.InstitutionGetResponse, error) {
	if p.institutionResp != nil {
		return p.institutionResp, nil
	}
	return &domain.InstitutionGetResponse{Institution: domain.Institution{InstitutionID: institutionID, Name: "Institution " + institutionID}}, nil
}

func (p *providerStub) GetAccounts(ctx context.Context, accessToken string) (*domain.AccountsGetResponse, error) {
	if p.accountsErr != nil {
		return nil, p.accountsErr
	}
	if p.accountsResp != nil {
		return p.accountsResp, nil
	}
	return &domain.AccountsGetResponse{}, nil
}

func (p *providerStub) GetTransactions(ctx context.Context, req domain.TransactionsGetRequest) (*domain.TransactionsGetResponse, error) {
	p.mu.Lock()
	p.transactionsReqs = append(p.transactionsReqs, req)
	p.mu.Unlock()
	if err, ok := p.transactionsByKey[req.AccessToken]; ok && err != nil {
		return nil, err
	}
	if p.transactionsErr != nil {
		return nil, p.transactionsErr
	}
	if p.transactionsResp != nil {
		return p.transactionsResp, nil
	}
	return &domain.TransactionsGetResponse{Transactions: []json.RawMessage{}}, nil
}

func (p *providerStub) transactionCalls() []domain.TransactionsGetRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TransactionsGetRequest(nil), p.transactionsReqs...)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       domain.BankEvent
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	event, _ := body.(domain.BankEvent)
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: event})
	return p.err
}

func (p *publisherStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type testEnv struct {
	repo      *store.SQLiteRepository
	provider  *providerStub
	publisher *publisherStub
	creds     *CredentialStore
	events    *EventEmitter
	scrubber  *Scrubber
	logger    *slog.Logger
}

func newTestEnv(t *testing.T, sealer tokenseal.Sealer) *testEnv {
	t.Helper()
	repo, err := store.NewSQLiteRepository(store.SQLiteMemoryDSN(uuid.NewString()))
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := &publisherStub{}
	return &testEnv{
		repo:      repo,
		provider:  &providerStub{},
		publisher: publisher,
		creds:     NewCredentialStore(repo, sealer),
		events:    NewEventEmitter(publisher, "bank_events", logger, nil),
		scrubber:  NewScrubber("client-secret"),
		logger:    logger,
	}
}

func (e *testEnv) linkService() *LinkService {
	return NewLinkService(e.provider, e.repo, e.creds, e.events, e.scrubber, LinkConfig{
		ClientName:   "Swipe Finance",
		Products:     []string{"transactions"},
		CountryCodes: []string{"US"},
		Language:     "en",
	}, e.logger)
}

func (e *testEnv) registryService() *RegistryService {
	return NewRegistryService(e.repo, e.creds, e.events, e.logger)
}

func (e *testEnv) syncService() *SyncService {
	return NewSyncService(e.provider, e.repo, e.creds, e.events, e.scrubber, e.logger, 30, nil)
}

func strPtr(s string) *string { return &s }
