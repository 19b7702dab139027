package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/crestline/keystone/internal/billing/schedule"
	"github.com/crestline/keystone/internal/clock"
	invoicedomain "github.com/crestline/keystone/internal/invoice/domain"
	milestonedomain "github.com/crestline/keystone/internal/milestone/domain"
	obsmetrics "github.com/crestline/keystone/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Invoices   invoicedomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	invoices   invoicedomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) milestonedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("milestone.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		invoices:   p.Invoices,
		obsMetrics: p.ObsMetrics,
	}
}

// Complete marks a pending milestone completed. Completing a billable
// milestone that has no invoice yet also drafts its invoice, so the two
// writes appear as one state change to callers.
func (s *Service) Complete(ctx context.Context, id string, actor string) (milestonedomain.Milestone, error) {
	milestoneID, err := parseID(id)
	if err != nil {
		return milestonedomain.Milestone{}, milestonedomain.ErrInvalidID
	}

	var milestone milestonedomain.Milestone
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.loadMilestoneForUpdate(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if found == nil {
			return milestonedomain.ErrMilestoneNotFound
		}
		if found.Status != milestonedomain.MilestoneStatusPending {
			return milestonedomain.ErrInvalidState
		}

		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE milestones
			 SET status = ?, completed_at = ?, completed_by = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			milestonedomain.MilestoneStatusCompleted,
			now,
			actor,
			now,
			milestoneID,
			milestonedomain.MilestoneStatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return milestonedomain.ErrInvalidState
		}

		milestone = *found
		milestone.Status = milestonedomain.MilestoneStatusCompleted
		milestone.CompletedAt = &now
		milestone.CompletedBy = actor
		milestone.UpdatedAt = now
		return nil
	})
	if err != nil {
		return milestonedomain.Milestone{}, err
	}

	s.obsMetrics.RecordMilestoneCompleted(ctx, milestone.Billable)

	if milestone.Billable && milestone.InvoiceID == nil {
		invoice, err := s.invoices.DraftForMilestone(ctx, id)
		if err != nil {
			return milestonedomain.Milestone{}, err
		}
		if invoice != nil {
			milestone.InvoiceID = &invoice.ID
		}
	}

	s.log.Info("milestone completed",
		zap.String("milestone_id", id),
		zap.Bool("billable", milestone.Billable),
		zap.String("completed_by", actor),
	)
	return milestone, nil
}

// Bill drafts the invoice for a billable milestone that was completed
// without one. The draft call carries the exactly-once guarantee.
func (s *Service) Bill(ctx context.Context, id string) (milestonedomain.Milestone, error) {
	milestoneID, err := parseID(id)
	if err != nil {
		return milestonedomain.Milestone{}, milestonedomain.ErrInvalidID
	}

	milestone, err := s.loadMilestone(ctx, milestoneID)
	if err != nil {
		return milestonedomain.Milestone{}, err
	}
	if milestone == nil {
		return milestonedomain.Milestone{}, milestonedomain.ErrMilestoneNotFound
	}
	if !milestone.Billable ||
		milestone.Status != milestonedomain.MilestoneStatusCompleted ||
		milestone.InvoiceID != nil {
		return milestonedomain.Milestone{}, milestonedomain.ErrInvalidState
	}

	invoice, err := s.invoices.DraftForMilestone(ctx, id)
	if err != nil {
		return milestonedomain.Milestone{}, err
	}
	if invoice != nil {
		milestone.InvoiceID = &invoice.ID
	}
	return *milestone, nil
}

// Delete removes a milestone that never progressed: pending and unbilled.
func (s *Service) Delete(ctx context.Context, id string) error {
	milestoneID, err := parseID(id)
	if err != nil {
		return milestonedomain.ErrInvalidID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		milestone, err := s.loadMilestoneForUpdate(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		if milestone == nil {
			return milestonedomain.ErrMilestoneNotFound
		}
		if milestone.Status != milestonedomain.MilestoneStatusPending || milestone.InvoiceID != nil {
			return milestonedomain.ErrInvalidState
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE tasks SET milestone_id = NULL, updated_at = ? WHERE milestone_id = ?`,
			now,
			milestoneID,
		).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Exec(
			`DELETE FROM milestones WHERE id = ?`,
			milestoneID,
		).Error
	})
}

// PromoteTask turns a billable task into a milestone. The task keeps its
// milestone link forever, so promotion happens at most once.
func (s *Service) PromoteTask(ctx context.Context, taskID string, billingPercentage *float64) (milestonedomain.Milestone, error) {
	id, err := parseID(taskID)
	if err != nil {
		return milestonedomain.Milestone{}, milestonedomain.ErrInvalidID
	}

	var milestone milestonedomain.Milestone
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.loadTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return milestonedomain.ErrTaskNotFound
		}
		if !task.Billable || task.Status == milestonedomain.TaskStatusDone || task.MilestoneID != nil {
			return milestonedomain.ErrInvalidState
		}

		pct := schedule.DefaultMilestonePct
		if billingPercentage != nil && *billingPercentage > 0 {
			pct = *billingPercentage
		}

		now := s.clock.Now()
		milestone = milestonedomain.Milestone{
			ID:                s.genID.Generate(),
			ProjectID:         task.ProjectID,
			Title:             task.Title,
			PlannedAt:         task.DueAt,
			Status:            milestonedomain.MilestoneStatusPending,
			Billable:          true,
			BillingPercentage: &pct,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO milestones (
				id, project_id, title, planned_at, status, billable,
				billing_percentage, completed_by, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
			milestone.ID,
			milestone.ProjectID,
			milestone.Title,
			milestone.PlannedAt,
			milestone.Status,
			milestone.Billable,
			milestone.BillingPercentage,
			now,
			now,
		).Error; err != nil {
			return err
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE tasks
			 SET milestone_id = ?, updated_at = ?
			 WHERE id = ? AND milestone_id IS NULL`,
			milestone.ID,
			now,
			id,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return milestonedomain.ErrInvalidState
		}
		return nil
	})
	if err != nil {
		return milestonedomain.Milestone{}, err
	}

	s.log.Info("task promoted to milestone",
		zap.String("task_id", taskID),
		zap.String("milestone_id", milestone.ID.String()),
	)
	return milestone, nil
}

// CompleteTask marks a task done. A promoted task completes its linked
// milestone in the same call, which in turn drafts the invoice.
func (s *Service) CompleteTask(ctx context.Context, taskID string, actor string) (milestonedomain.Task, error) {
	id, err := parseID(taskID)
	if err != nil {
		return milestonedomain.Task{}, milestonedomain.ErrInvalidID
	}

	var task milestonedomain.Task
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.loadTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if found == nil {
			return milestonedomain.ErrTaskNotFound
		}
		if found.Status != milestonedomain.TaskStatusOpen {
			return milestonedomain.ErrInvalidState
		}

		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE tasks
			 SET status = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			milestonedomain.TaskStatusDone,
			now,
			now,
			id,
			milestonedomain.TaskStatusOpen,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return milestonedomain.ErrInvalidState
		}

		task = *found
		task.Status = milestonedomain.TaskStatusDone
		task.CompletedAt = &now
		task.UpdatedAt = now
		return nil
	})
	if err != nil {
		return milestonedomain.Task{}, err
	}

	if task.MilestoneID != nil {
		if _, err := s.Complete(ctx, task.MilestoneID.String(), actor); err != nil {
			return milestonedomain.Task{}, err
		}
	}
	return task, nil
}

func (s *Service) List(ctx context.Context, projectID snowflake.ID) ([]milestonedomain.Milestone, error) {
	var milestones []milestonedomain.Milestone
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&milestones).Error
	if err != nil {
		return nil, err
	}
	return milestones, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (milestonedomain.Milestone, error) {
	milestoneID, err := parseID(id)
	if err != nil {
		return milestonedomain.Milestone{}, milestonedomain.ErrInvalidID
	}
	milestone, err := s.loadMilestone(ctx, milestoneID)
	if err != nil {
		return milestonedomain.Milestone{}, err
	}
	if milestone == nil {
		return milestonedomain.Milestone{}, milestonedomain.ErrMilestoneNotFound
	}
	return *milestone, nil
}

func (s *Service) loadMilestone(ctx context.Context, id snowflake.ID) (*milestonedomain.Milestone, error) {
	var milestone milestonedomain.Milestone
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM milestones WHERE id = ?`,
		id,
	).Scan(&milestone).Error
	if err != nil {
		return nil, err
	}
	if milestone.ID == 0 {
		return nil, nil
	}
	return &milestone, nil
}

func (s *Service) loadMilestoneForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*milestonedomain.Milestone, error) {
	var milestone milestonedomain.Milestone
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM milestones
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&milestone).Error
	if err != nil {
		return nil, err
	}
	if milestone.ID == 0 {
		return nil, nil
	}
	return &milestone, nil
}

func (s *Service) loadTaskForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*milestonedomain.Task, error) {
	var task milestonedomain.Task
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM tasks
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
