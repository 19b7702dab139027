// Package domain contains persistence models for milestones and tasks.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// MilestoneStatus represents milestone lifecycle states.
type MilestoneStatus string

const (
	MilestoneStatusPending   MilestoneStatus = "PENDING"
	MilestoneStatusCompleted MilestoneStatus = "COMPLETED"
)

// TaskStatus represents task lifecycle states.
type TaskStatus string

const (
	TaskStatusOpen TaskStatus = "OPEN"
	TaskStatusDone TaskStatus = "DONE"
)

// Milestone is a checkpoint within a project's task breakdown. A billable
// milestone acquires at most one invoice, recorded on InvoiceID.
type Milestone struct {
	ID                snowflake.ID    `json:"id" gorm:"primaryKey"`
	ProjectID         snowflake.ID    `json:"project_id" gorm:"not null;index"`
	Title             string          `json:"title" gorm:"type:text;not null"`
	PlannedAt         *time.Time      `json:"planned_at"`
	Status            MilestoneStatus `json:"status" gorm:"type:text;not null;default:'PENDING'"`
	Billable          bool            `json:"billable" gorm:"not null;default:false"`
	BillingPercentage *float64        `json:"billing_percentage"`
	InvoiceID         *snowflake.ID   `json:"invoice_id" gorm:"index"`
	CompletedAt       *time.Time      `json:"completed_at"`
	CompletedBy       string          `json:"completed_by" gorm:"type:text"`
	CreatedAt         time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Milestone) TableName() string { return "milestones" }

// Task belongs to one project and may be promoted into a billable
// milestone. MilestoneID is set once on promotion and never cleared.
type Task struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	ProjectID   snowflake.ID  `json:"project_id" gorm:"not null;index"`
	MilestoneID *snowflake.ID `json:"milestone_id" gorm:"index"`
	Title       string        `json:"title" gorm:"type:text;not null"`
	DueAt       *time.Time    `json:"due_at"`
	Billable    bool          `json:"billable" gorm:"not null;default:false"`
	Status      TaskStatus    `json:"status" gorm:"type:text;not null;default:'OPEN'"`
	CompletedAt *time.Time    `json:"completed_at"`
	CreatedAt   time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Task) TableName() string { return "tasks" }
