// Package pdf renders billing documents.
package pdf

import (
	"context"
	"io"

	"go.uber.org/fx"
)

// InvoiceData carries the display-ready fields for one invoice document.
// All money fields arrive pre-formatted.
type InvoiceData struct {
	InvoiceNumber string
	IssueDate     string
	Status        string

	ProjectName   string
	CustomerName  string
	CustomerEmail string

	PhaseLabel  string
	Description string
	Amount      string
	Currency    string

	PaidDate string
}

// Provider renders billing documents for download.
type Provider interface {
	GenerateInvoice(ctx context.Context, data InvoiceData) (io.Reader, error)
}

// Module provides the maroto-backed renderer.
var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)
