// Package domain contains persistence models for projects and quotes.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// QuoteStatus represents quote lifecycle states.
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "DRAFT"
	QuoteStatusSent     QuoteStatus = "SENT"
	QuoteStatusAccepted QuoteStatus = "ACCEPTED"
)

// Project represents a construction project under contract.
type Project struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	Name            string        `json:"name" gorm:"type:text;not null"`
	CustomerName    string        `json:"customer_name" gorm:"type:text;not null"`
	CustomerEmail   string        `json:"customer_email" gorm:"type:text;not null"`
	Currency        string        `json:"currency" gorm:"type:text;not null;default:'USD'"`
	ContractedTotal int64         `json:"contracted_total" gorm:"not null;default:0"`
	Budget          int64         `json:"budget" gorm:"not null;default:0"`
	QuoteID         *snowflake.ID `json:"quote_id" gorm:"index"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Project) TableName() string { return "projects" }

// Quote supplies the contracted total and the phase split. Billing only
// ever flips its status to ACCEPTED; everything else is read-only here.
type Quote struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	ProjectID      snowflake.ID `json:"project_id" gorm:"not null;index"`
	Total          int64        `json:"total" gorm:"not null"`
	Currency       string       `json:"currency" gorm:"type:text;not null"`
	DownPaymentPct *float64     `json:"down_payment_pct"`
	MilestonePct   *float64     `json:"milestone_pct"`
	FinalPct       *float64     `json:"final_pct"`
	Status         QuoteStatus  `json:"status" gorm:"type:text;not null;default:'DRAFT'"`
	AcceptedAt     *time.Time   `json:"accepted_at"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Quote) TableName() string { return "quotes" }

var (
	ErrProjectNotFound = errors.New("project_not_found")
	ErrQuoteNotFound   = errors.New("quote_not_found")
)
