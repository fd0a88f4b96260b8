/**
 * @description
 * This file defines the events published by the service when the state of a
 * connected bank changes. They form the contract for downstream consumers on
 * the message broker.
 *
 * @notes
 * - Event payloads never carry the access token.
 */
package domain

import "time"

const (
	RoutingKeyBankConnected    = "bank.connected"
	RoutingKeyBankUpdated      = "bank.updated"
	RoutingKeyBankDisconnected = "bank.disconnected"
	RoutingKeyBankSyncFailed   = "bank.sync_failed"
)

// BankEvent describes a change to one connected bank.
type BankEvent struct {
	UserID        string     `json:"user_id"`
	InstitutionID string     `json:"institution_id"`
	ItemID        string     `json:"item_id,omitempty"`
	Status        BankStatus `json:"status,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// NewBankEvent builds an event from the current state of a bank.
func NewBankEvent(userID string, bank *ConnectedBank, at time.Time) BankEvent {
	return BankEvent{
		UserID:        userID,
		InstitutionID: bank.InstitutionID,
		ItemID:        bank.ItemID,
		Status:        bank.Status,
		ErrorMessage:  bank.ErrorMessage,
		OccurredAt:    at.UTC(),
	}
}
