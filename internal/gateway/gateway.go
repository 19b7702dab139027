// Package gateway wraps the BrickPay payment processor API.
package gateway

import (
	"context"
	"errors"
)

// ChargeStatus is the processor-side state of a charge.
type ChargeStatus string

const (
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusFailed    ChargeStatus = "failed"
)

// ChargeIntent is the processor-side object created when an invoice is sent.
type ChargeIntent struct {
	ID          string `json:"id"`
	PaymentLink string `json:"payment_link"`
}

// Charge is the processor's authoritative record of a charge. Reconciliation
// always re-fetches it instead of trusting webhook payloads.
type Charge struct {
	ID       string            `json:"id"`
	Status   ChargeStatus      `json:"status"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

// CreateChargeIntentRequest describes the charge to open.
type CreateChargeIntentRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Gateway is the payment-processor collaborator consumed by billing.
type Gateway interface {
	CreateChargeIntent(ctx context.Context, req CreateChargeIntentRequest) (ChargeIntent, error)
	GetCharge(ctx context.Context, id string) (Charge, error)
}

var (
	ErrUnavailable      = errors.New("gateway_unavailable")
	ErrChargeNotFound   = errors.New("charge_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")
)
