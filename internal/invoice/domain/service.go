package domain

import (
	"context"
	"errors"
)

// Service drives the invoice draft/send lifecycle.
type Service interface {
	// DraftForMilestone creates the draft invoice for a billable milestone.
	// It is idempotent at the milestone level: when the milestone already
	// carries an invoice link it returns (nil, nil).
	DraftForMilestone(ctx context.Context, milestoneID string) (*Invoice, error)

	// DraftDownPayment drafts the down-payment invoice for a project from
	// its accepted quote's schedule split.
	DraftDownPayment(ctx context.Context, projectID string) (*Invoice, error)

	// Send transitions a draft invoice to PENDING: it requests a charge
	// intent from the gateway, persists the intent id and payment link,
	// and notifies the customer. Gateway failure leaves the invoice DRAFT.
	Send(ctx context.Context, id string) (Invoice, error)

	GetByID(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) ([]Invoice, error)
}

// ListInvoiceRequest filters the invoice read surface.
type ListInvoiceRequest struct {
	ProjectID *string
	Status    *InvoiceStatus
}

var (
	ErrInvalidState    = errors.New("invalid_state")
	ErrInvalidInput    = errors.New("invalid_input")
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidID       = errors.New("invalid_id")
)
