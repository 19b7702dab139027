// Package domain contains persistence models for payment reconciliation.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Payment is the immutable record of a successful charge against one
// invoice. GatewayChargeID is the idempotency key: exactly one row may
// exist per gateway charge.
type Payment struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	InvoiceID       snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	GatewayChargeID string       `json:"gateway_charge_id" gorm:"type:text;not null;uniqueIndex"`
	Amount          int64        `json:"amount" gorm:"not null"`
	Currency        string       `json:"currency" gorm:"type:text;not null"`
	ReceivedAt      time.Time    `json:"received_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// EventRecord stores every webhook delivery for audit and replay
// protection, keyed by the gateway's event id.
type EventRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventID     string         `json:"event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	ChargeID    string         `json:"charge_id" gorm:"type:text;not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "payment_events" }

// Service reconciles gateway webhook deliveries against ledger state.
type Service interface {
	HandleWebhook(ctx context.Context, payload []byte, headers http.Header) error
}

var (
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrInvalidEvent          = errors.New("invalid_event")
)
