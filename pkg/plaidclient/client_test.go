package plaidclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/swipe/banklink-service/internal/domain"
)

func TestBaseURLForEnv(t *testing.T) {
	tests := []struct {
		env     string
		want    string
		wantErr bool
	}{
		{env: "sandbox", want: "https://sandbox.plaid.com"},
		{env: " Production ", want: "https://production.plaid.com"},
		{env: "development", want: "https://development.plaid.com"},
		{env: "staging", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			got, err := BaseURLForEnv(tt.env)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.env)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExchangePublicTokenSendsCredentialsAsHeaders(t *testing.T) {
	var gotPath, gotClientID, gotSecret string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotClientID = r.Header.Get("PLAID-CLIENT-ID")
		gotSecret = r.Header.Get("PLAID-SECRET")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-sandbox-123","item_id":"item-1","request_id":"req-1"}`))
	}))
	defer srv.Close()

	var observedOp string
	var observedStatus int
	client := NewClient(srv.URL, "client-id", "client-secret", time.Second, WithObserver(func(op string, status int, _ time.Duration) {
		observedOp = op
		observedStatus = status
	}))

	resp, err := client.ExchangePublicToken(context.Background(), "public-sandbox-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/item/public_token/exchange" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotClientID != "client-id" || gotSecret != "client-secret" {
		t.Fatalf("expected credential headers, got id=%q secret=%q", gotClientID, gotSecret)
	}
	if gotBody["public_token"] != "public-sandbox-abc" {
		t.Fatalf("expected public token in body, got %v", gotBody)
	}
	if _, ok := gotBody["secret"]; ok {
		t.Fatalf("secret must not be sent in the body")
	}
	if resp.AccessToken != "access-sandbox-123" || resp.ItemID != "item-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if observedOp != "item_public_token_exchange" || observedStatus != http.StatusOK {
		t.Fatalf("unexpected observation op=%q status=%d", observedOp, observedStatus)
	}
}

func TestGetTransactionsDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED","error_message":"the login details of this item have changed","request_id":"req-9"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "id", "secret", time.Second)
	_, err := client.GetTransactions(context.Background(), domain.TransactionsGetRequest{
		AccessToken: "access-sandbox-123",
		StartDate:   "2026-01-01",
		EndDate:     "2026-01-31",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.ErrorCode != "ITEM_LOGIN_REQUIRED" || apiErr.RequestID != "req-9" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	payload, ok := apiErr.Payload.(map[string]any)
	if !ok || payload["error_type"] != "ITEM_ERROR" {
		t.Fatalf("expected decoded payload, got %#v", apiErr.Payload)
	}
}

func TestGetTransactionsNonJSONErrorKeepsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable\n"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "id", "secret", time.Second)
	_, err := client.GetTransactions(context.Background(), domain.TransactionsGetRequest{AccessToken: "a"})
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Payload != "upstream unavailable" {
		t.Fatalf("expected raw payload, got %#v", apiErr.Payload)
	}
}

func TestCreateLinkTokenRequestShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"link_token":"link-sandbox-1","expiration":"2026-03-15T12:00:00Z","request_id":"req-2"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "client-id", "client-secret", time.Second)
	resp, err := client.CreateLinkToken(context.Background(), domain.LinkTokenCreateRequest{
		User:         domain.LinkTokenUser{ClientUserID: "u1"},
		ClientName:   "Swipe Finance",
		Products:     []string{"transactions"},
		CountryCodes: []string{"US"},
		Language:     "en",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/link/token/create" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	user, _ := gotBody["user"].(map[string]any)
	if user["client_user_id"] != "u1" || gotBody["client_name"] != "Swipe Finance" || gotBody["language"] != "en" {
		t.Fatalf("unexpected request body %v", gotBody)
	}
	if _, ok := gotBody["redirect_uri"]; ok {
		t.Fatalf("empty redirect_uri must be omitted, got %v", gotBody)
	}
	if resp.LinkToken != "link-sandbox-1" || resp.Expiration != "2026-03-15T12:00:00Z" || resp.RequestID != "req-2" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestTransportFailureIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	var observedStatus = -1
	client := NewClient(url, "id", "secret", time.Second, WithObserver(func(_ string, status int, _ time.Duration) {
		observedStatus = status
	}))
	_, err := client.ExchangePublicToken(context.Background(), "public-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := AsAPIError(err); ok {
		t.Fatalf("transport failure must not be reported as an API error: %v", err)
	}
	if observedStatus != 0 {
		t.Fatalf("expected status 0 for a failed connection, got %d", observedStatus)
	}
}
