/**
 * @description
 * This file defines the Go structs that map to the JSON request and response
 * bodies of the bank-data aggregation provider (Plaid) endpoints we call.
 *
 * @notes
 * - Transactions are kept as raw JSON so they are forwarded to clients exactly
 *   as the provider returned them.
 */
package domain

import "encoding/json"

// --- Link token ---

// LinkTokenUser identifies the end user a link token is issued for.
type LinkTokenUser struct {
	ClientUserID string `json:"client_user_id"`
}

// LinkTokenCreateRequest is the body for /link/token/create.
type LinkTokenCreateRequest struct {
	User         LinkTokenUser `json:"user"`
	ClientName   string        `json:"client_name"`
	Products     []string      `json:"products"`
	CountryCodes []string      `json:"country_codes"`
	Language     string        `json:"language"`
	RedirectURI  string        `json:"redirect_uri,omitempty"`
	Webhook      string        `json:"webhook,omitempty"`
}

// LinkTokenCreateResponse is the response from /link/token/create.
type LinkTokenCreateResponse struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration"`
	RequestID  string `json:"request_id"`
}

// --- Public token exchange ---

// PublicTokenExchangeResponse is the response from /item/public_token/exchange.
type PublicTokenExchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

// --- Item & institution lookups ---

// ProviderItem is the provider's view of one linked institution connection.
type ProviderItem struct {
	ItemID        string  `json:"item_id"`
	InstitutionID *string `json:"institution_id"`
}

// ItemGetResponse is the response from /item/get.
type ItemGetResponse struct {
	Item      ProviderItem `json:"item"`
	RequestID string       `json:"request_id"`
}

// Institution is a financial institution known to the provider.
type Institution struct {
	InstitutionID string  `json:"institution_id"`
	Name          string  `json:"name"`
	URL           *string `json:"url"`
	Logo          *string `json:"logo"`
}

// InstitutionGetResponse is the response from /institutions/get_by_id.
type InstitutionGetResponse struct {
	Institution Institution `json:"institution"`
	RequestID   string      `json:"request_id"`
}

// ProviderAccount is one account under a linked item.
type ProviderAccount struct {
	AccountID string  `json:"account_id"`
	Mask      *string `json:"mask"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Subtype   *string `json:"subtype"`
}

// AccountsGetResponse is the response from /accounts/get.
type AccountsGetResponse struct {
	Accounts  []ProviderAccount `json:"accounts"`
	RequestID string            `json:"request_id"`
}

// --- Transactions ---

// TransactionsGetRequest is the body for /transactions/get. The access token is
// carried only on this outbound request.
type TransactionsGetRequest struct {
	AccessToken string `json:"access_token"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
}

// TransactionsGetResponse is the response from /transactions/get.
type TransactionsGetResponse struct {
	Transactions      []json.RawMessage `json:"transactions"`
	TotalTransactions int               `json:"total_transactions"`
	RequestID         string            `json:"request_id"`
}
