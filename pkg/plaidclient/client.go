/**
 * @description
 * This package adapts the official Plaid SDK to the service's provider
 * interface: link-token creation, public-token exchange, item/institution/
 * account lookups and transaction retrieval.
 *
 * Key features:
 * - Resolves the API base URL from the configured environment.
 * - Sends the client id and secret as default headers, never in URLs.
 * - Converts SDK errors into an APIError carrying the raw provider payload so
 *   callers can forward the details after scrubbing secrets.
 *
 * @dependencies
 * - github.com/plaid/plaid-go/v29/plaid: The official Plaid Go client.
 */
package plaidclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/plaid/plaid-go/v29/plaid"
	"github.com/swipe/banklink-service/internal/domain"
)

const (
	EnvSandbox     = "sandbox"
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

var baseURLs = map[string]string{
	EnvSandbox:     "https://sandbox.plaid.com",
	EnvDevelopment: "https://development.plaid.com",
	EnvProduction:  "https://production.plaid.com",
}

// BaseURLForEnv returns the API host for a Plaid environment name.
func BaseURLForEnv(env string) (string, error) {
	u, ok := baseURLs[strings.ToLower(strings.TrimSpace(env))]
	if !ok {
		return "", fmt.Errorf("unknown plaid environment %q", env)
	}
	return u, nil
}

// Observer is notified after every API call. statusCode is 0 when no response
// was received.
type Observer func(operation string, statusCode int, elapsed time.Duration)

// APIError is a non-2xx response from Plaid.
type APIError struct {
	StatusCode   int
	ErrorType    string
	ErrorCode    string
	ErrorMessage string
	RequestID    string
	// Payload is the decoded error body, or the raw body as a string when it
	// was not JSON.
	Payload any
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("plaid API error: status %d, %s/%s", e.StatusCode, e.ErrorType, e.ErrorCode)
	}
	return fmt.Sprintf("plaid API error: status %d", e.StatusCode)
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Client wraps the Plaid SDK client.
type Client struct {
	api     *plaid.APIClient
	observe Observer
}

type options struct {
	httpClient *http.Client
	observe    Observer
}

// Option customises a Client.
type Option func(*options)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithObserver registers a callback invoked after every call.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observe = o }
}

// NewClient creates a new Plaid API client.
func NewClient(baseURL, clientID, secret string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	o := options{httpClient: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(&o)
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", clientID)
	configuration.AddDefaultHeader("PLAID-SECRET", secret)
	configuration.UseEnvironment(plaid.Environment(strings.TrimSuffix(baseURL, "/")))
	configuration.HTTPClient = o.httpClient

	return &Client{api: plaid.NewAPIClient(configuration), observe: o.observe}
}

// CreateLinkToken creates a link token used to initialise the client-side linking flow.
func (c *Client) CreateLinkToken(ctx context.Context, req domain.LinkTokenCreateRequest) (*domain.LinkTokenCreateResponse, error) {
	request := plaid.NewLinkTokenCreateRequest(
		req.ClientName,
		req.Language,
		countryCodes(req.CountryCodes),
		plaid.LinkTokenCreateRequestUser{ClientUserId: req.User.ClientUserID},
	)
	products := make([]plaid.Products, 0, len(req.Products))
	for _, p := range req.Products {
		products = append(products, plaid.Products(p))
	}
	request.SetProducts(products)
	if req.RedirectURI != "" {
		request.SetRedirectUri(req.RedirectURI)
	}
	if req.Webhook != "" {
		request.SetWebhook(req.Webhook)
	}

	started := time.Now()
	resp, httpResp, err := c.api.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	if err := c.finish("link_token_create", httpResp, started, err); err != nil {
		return nil, err
	}

	out := &domain.LinkTokenCreateResponse{
		LinkToken: resp.GetLinkToken(),
		RequestID: resp.GetRequestId(),
	}
	if exp := resp.GetExpiration(); !exp.IsZero() {
		out.Expiration = exp.UTC().Format(time.RFC3339)
	}
	return out, nil
}

// ExchangePublicToken exchanges a short-lived public token for an access token.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*domain.PublicTokenExchangeResponse, error) {
	request := plaid.NewItemPublicTokenExchangeRequest(publicToken)

	started := time.Now()
	resp, httpResp, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*request).Execute()
	if err := c.finish("item_public_token_exchange", httpResp, started, err); err != nil {
		return nil, err
	}

	return &domain.PublicTokenExchangeResponse{
		AccessToken: resp.GetAccessToken(),
		ItemID:      resp.GetItemId(),
		RequestID:   resp.GetRequestId(),
	}, nil
}

// GetItem fetches the item linked to an access token.
func (c *Client) GetItem(ctx context.Context, accessToken string) (*domain.ItemGetResponse, error) {
	request := plaid.NewItemGetRequest(accessToken)

	started := time.Now()
	resp, httpResp, err := c.api.PlaidApi.ItemGet(ctx).ItemGetRequest(*request).Execute()
	if err := c.finish("item_get", httpResp, started, err); err != nil {
		return nil, err
	}

	item := resp.GetItem()
	out := &domain.ItemGetResponse{
		Item:      domain.ProviderItem{ItemID: item.GetItemId()},
		RequestID: resp.GetRequestId(),
	}
	if id := item.GetInstitutionId(); id != "" {
		out.Item.InstitutionID = &id
	}
	return out, nil
}

// GetInstitution fetches institution details by id.
func (c *Client) GetInstitution(ctx context.Context, institutionID string, codes []string) (*domain.InstitutionGetResponse, error) {
	request := plaid.NewInstitutionsGetByIdRequest(institutionID, countryCodes(codes))
	opts := plaid.InstitutionsGetByIdRequestOptions{}
	opts.SetIncludeOptionalMetadata(true)
	request.SetOptions(opts)

	started := time.Now()
	resp, httpResp, err := c.api.PlaidApi.InstitutionsGetById(ctx).InstitutionsGetByIdRequest(*request).Execute()
	if err := c.finish("institutions_get_by_id", httpResp, started, err); err != nil {
		return nil, err
	}

	inst := resp.GetInstitution()
	return &domain.InstitutionGetResponse{
		Institution: domain.Institution{
			InstitutionID: inst.GetInstitutionId(),
			Name:          inst.GetName(),
			URL:           nonEmpty(inst.GetUrl()),
			Logo:          nonEmpty(inst.GetLogo()),
		},
		RequestID: resp.GetRequestId(),
	}, nil
}

// GetAccounts lists the accounts under the item linked to an access token.
func (c *Client) GetAccounts(ctx context.Context, accessToken string) (*domain.AccountsGetResponse, error) {
	request := plaid.NewAccountsGetRequest(accessToken)

	started := time.Now()
	resp, httpResp, err := c.api.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
	if err := c.finish("accounts_get", httpResp, started, err); err != nil {
		return nil, err
	}

	accounts := resp.GetAccounts()
	out := &domain.AccountsGetResponse{
		Accounts:  make([]domain.ProviderAccount, 0, len(accounts)),
		RequestID: resp.GetRequestId(),
	}
	for _, a := range accounts {
		out.Accounts = append(out.Accounts, domain.ProviderAccount{
			AccountID: a.GetAccountId(),
			Mask:      nonEmpty(a.GetMask()),
			Name:      a.GetName(),
			Type:      string(a.GetType()),
			Subtype:   nonEmpty(string(a.GetSubtype())),
		})
	}
	return out, nil
}

// GetTransactions fetches transactions for a date range in a single call.
// Each transaction is re-encoded from the SDK model, additional properties
// included.
func (c *Client) GetTransactions(ctx context.Context, req domain.TransactionsGetRequest) (*domain.TransactionsGetResponse, error) {
	request := plaid.NewTransactionsGetRequest(req.AccessToken, req.StartDate, req.EndDate)

	started := time.Now()
	resp, httpResp, err := c.api.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*request).Execute()
	if err := c.finish("transactions_get", httpResp, started, err); err != nil {
		return nil, err
	}

	txns := resp.GetTransactions()
	out := &domain.TransactionsGetResponse{
		Transactions:      make([]json.RawMessage, 0, len(txns)),
		TotalTransactions: int(resp.GetTotalTransactions()),
		RequestID:         resp.GetRequestId(),
	}
	for _, t := range txns {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction: %w", err)
		}
		out.Transactions = append(out.Transactions, raw)
	}
	return out, nil
}

// finish reports the call and converts SDK errors into an APIError.
func (c *Client) finish(operation string, httpResp *http.Response, started time.Time, err error) error {
	status := 0
	if httpResp != nil {
		status = httpResp.StatusCode
	}
	if c.observe != nil {
		c.observe(operation, status, time.Since(started))
	}
	if err == nil {
		return nil
	}

	if body, ok := errorBody(err); ok && status != 0 {
		return decodeAPIError(status, body)
	}
	return fmt.Errorf("%s request failed: %w", operation, err)
}

// errorBody extracts the raw response body from an SDK error.
func errorBody(err error) ([]byte, bool) {
	var apiErr plaid.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Body(), true
	}
	var apiErrPtr *plaid.GenericOpenAPIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Body(), true
	}
	return nil, false
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Payload = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Payload = payload
	apiErr.ErrorType, _ = payload["error_type"].(string)
	apiErr.ErrorCode, _ = payload["error_code"].(string)
	apiErr.ErrorMessage, _ = payload["error_message"].(string)
	apiErr.RequestID, _ = payload["request_id"].(string)
	return apiErr
}

func countryCodes(codes []string) []plaid.CountryCode {
	out := make([]plaid.CountryCode, 0, len(codes))
	for _, code := range codes {
		out = append(out, plaid.CountryCode(code))
	}
	return out
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
