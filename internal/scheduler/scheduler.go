// Package scheduler runs periodic billing maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/crestline/keystone/internal/clock"
	invoicedomain "github.com/crestline/keystone/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Config tunes the run loop.
type Config struct {
	RunInterval  time.Duration
	OverdueAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = time.Hour
	}
	if c.OverdueAfter <= 0 {
		c.OverdueAfter = 14 * 24 * time.Hour
	}
	return c
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config Config `optional:"true"`
}

type Scheduler struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   Config
	clock clock.Clock
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:    p.DB,
		log:   p.Log.Named("scheduler"),
		cfg:   p.Config.withDefaults(),
		clock: p.Clock,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.MarkOverdueInvoicesJob(ctx)
}

// MarkOverdueInvoicesJob flips pending invoices to OVERDUE once they sit
// unpaid past the grace period. Payment reconciliation still marks an
// overdue invoice paid, so the flip is informational and safe to repeat.
func (s *Scheduler) MarkOverdueInvoicesJob(ctx context.Context) error {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.OverdueAfter)

	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, updated_at = ?
		 WHERE status = ? AND issued_at IS NOT NULL AND issued_at < ?`,
		invoicedomain.InvoiceStatusOverdue,
		now,
		invoicedomain.InvoiceStatusPending,
		cutoff,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("marked invoices overdue",
			zap.Int64("count", result.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
