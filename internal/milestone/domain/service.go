package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service drives the milestone and task lifecycle.
type Service interface {
	Complete(ctx context.Context, id string, actor string) (Milestone, error)
	Bill(ctx context.Context, id string) (Milestone, error)
	Delete(ctx context.Context, id string) error
	PromoteTask(ctx context.Context, taskID string, billingPercentage *float64) (Milestone, error)
	CompleteTask(ctx context.Context, taskID string, actor string) (Task, error)
	List(ctx context.Context, projectID snowflake.ID) ([]Milestone, error)
	GetByID(ctx context.Context, id string) (Milestone, error)
}

var (
	ErrInvalidState      = errors.New("invalid_state")
	ErrMilestoneNotFound = errors.New("milestone_not_found")
	ErrTaskNotFound      = errors.New("task_not_found")
	ErrInvalidID         = errors.New("invalid_id")
)
