/**
 * @description
 * This file defines the core domain models for users and their connected banks
 * as stored in our own database.
 *
 * @notes
 * - A ConnectedBank holds the long-lived provider access token. The field is
 *   excluded from JSON so it can never leak through an API response.
 * - At most one ConnectedBank exists per (user, institution) pair; the store
 *   enforces this with a unique constraint.
 */
package domain

import (
	"encoding/json"
	"time"
)

// BankStatus is the connection state of a linked institution.
type BankStatus string

const (
	BankStatusConnected BankStatus = "connected"
	BankStatusError     BankStatus = "error"
)

// User is the owner of connected banks, keyed by an opaque external id.
type User struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectedBank is one linked institution for one user.
type ConnectedBank struct {
	ID                       string     `json:"id"`
	UserID                   string     `json:"userId"`
	InstitutionID            string     `json:"institutionId"`
	InstitutionName          string     `json:"institutionName"`
	AccessToken              string     `json:"-"`
	ItemID                   string     `json:"itemId"`
	AccountMask              *string    `json:"accountMask"`
	AccountType              *string    `json:"accountType"`
	LogoURL                  *string    `json:"logoUrl"`
	Nickname                 *string    `json:"nickname"`
	AccountIDs               []string   `json:"accountIds"`
	Status                   BankStatus `json:"status"`
	ErrorMessage             *string    `json:"errorMessage"`
	LastSyncTransactionCount *int       `json:"lastSyncTransactionCount"`
	LastSyncAt               *time.Time `json:"lastSyncAt"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                time.Time  `json:"updatedAt"`

	// OwnerExternalID is filled by queries that span users (scheduled sync).
	OwnerExternalID string `json:"-"`
}

// Optional distinguishes an absent JSON field from an explicit null.
// Set is true whenever the key was present in the payload.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: &v}
}

// Null returns an Optional that is set to null.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

// UnmarshalJSON is only invoked for keys present in the payload, including null.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// BankPatch carries the partial update accepted for a connected bank.
type BankPatch struct {
	Status                   Optional[string]
	LastSyncTransactionCount Optional[int]
	ErrorMessage             Optional[string]
	Nickname                 Optional[string]
}

// MarksConnected reports whether the patch moves the bank to connected, which
// also stamps the last sync time.
func (p BankPatch) MarksConnected() bool {
	return p.Status.Value != nil && BankStatus(*p.Status.Value) == BankStatusConnected
}
