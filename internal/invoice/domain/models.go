// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "DRAFT"
	InvoiceStatusPending  InvoiceStatus = "PENDING"
	InvoiceStatusPaid     InvoiceStatus = "PAID"
	InvoiceStatusOverdue  InvoiceStatus = "OVERDUE"
	InvoiceStatusCanceled InvoiceStatus = "CANCELED"
)

// PaymentType identifies which phase of the contract an invoice bills.
type PaymentType string

const (
	PaymentTypeDownPayment PaymentType = "down_payment"
	PaymentTypeMilestone   PaymentType = "milestone"
	PaymentTypeFinal       PaymentType = "final"
)

// Invoice represents a billing document for one project phase. Amount is
// computed exactly once at creation and never recomputed.
type Invoice struct {
	ID              snowflake.ID      `json:"id" gorm:"primaryKey"`
	ProjectID       snowflake.ID      `json:"project_id" gorm:"not null;index"`
	MilestoneID     *snowflake.ID     `json:"milestone_id" gorm:"index"`
	QuoteID         *snowflake.ID     `json:"quote_id" gorm:"index"`
	PaymentType     PaymentType       `json:"payment_type" gorm:"type:text;not null;default:'milestone'"`
	Status          InvoiceStatus     `json:"status" gorm:"type:text;not null;default:'DRAFT'"`
	Amount          int64             `json:"amount" gorm:"not null"`
	Currency        string            `json:"currency" gorm:"type:text;not null"`
	CustomerEmail   string            `json:"customer_email" gorm:"type:text;not null"`
	GatewayIntentID string            `json:"gateway_intent_id" gorm:"type:text"`
	PaymentLink     string            `json:"payment_link" gorm:"type:text"`
	IssuedAt        *time.Time        `json:"issued_at"`
	PaidAt          *time.Time        `json:"paid_at"`
	Metadata        datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt       time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }
