package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestline/keystone/internal/billing/money"
	"github.com/crestline/keystone/internal/billing/schedule"
	"github.com/crestline/keystone/internal/clock"
	"github.com/crestline/keystone/internal/config"
	"github.com/crestline/keystone/internal/gateway"
	invoicedomain "github.com/crestline/keystone/internal/invoice/domain"
	milestonedomain "github.com/crestline/keystone/internal/milestone/domain"
	"github.com/crestline/keystone/internal/notifier"
	obsmetrics "github.com/crestline/keystone/internal/observability/metrics"
	projectdomain "github.com/crestline/keystone/internal/project/domain"
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
	Gateway    gateway.Gateway
	Notifier   notifier.Notifier
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	gateway    gateway.Gateway
	notifier   notifier.Notifier
	cfg        config.Config
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		gateway:    p.Gateway,
		notifier:   p.Notifier,
		cfg:        p.Cfg,
		obsMetrics: p.ObsMetrics,
	}
}

// errAlreadyLinked aborts a draft transaction when another caller linked
// an invoice to the milestone first. Translated to a silent skip.
var errAlreadyLinked = errors.New("milestone_already_linked")

func (s *Service) DraftForMilestone(ctx context.Context, milestoneID string) (*invoicedomain.Invoice, error) {
	id, err := parseID(milestoneID)
	if err != nil {
		return nil, invoicedomain.ErrInvalidID
	}

	var created *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		milestone, err := s.loadMilestoneForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if milestone == nil {
			return milestonedomain.ErrMilestoneNotFound
		}
		if !milestone.Billable {
			return milestonedomain.ErrInvalidState
		}
		if milestone.InvoiceID != nil {
			return errAlreadyLinked
		}

		project, err := s.loadProject(ctx, tx, milestone.ProjectID)
		if err != nil {
			return err
		}
		if project == nil {
			return projectdomain.ErrProjectNotFound
		}

		total := project.ContractedTotal
		if total <= 0 {
			total = project.Budget
		}
		if total <= 0 {
			return invoicedomain.ErrInvalidInput
		}

		pct := schedule.DefaultMilestonePct
		if milestone.BillingPercentage != nil && *milestone.BillingPercentage > 0 {
			pct = *milestone.BillingPercentage
		}
		amount := schedule.Portion(total, pct)

		now := s.clock.Now()
		invoice := invoicedomain.Invoice{
			ID:            s.genID.Generate(),
			ProjectID:     project.ID,
			MilestoneID:   &milestone.ID,
			QuoteID:       project.QuoteID,
			PaymentType:   invoicedomain.PaymentTypeMilestone,
			Status:        invoicedomain.InvoiceStatusDraft,
			Amount:        amount,
			Currency:      project.Currency,
			CustomerEmail: project.CustomerEmail,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.insertInvoice(ctx, tx, invoice); err != nil {
			return err
		}

		linked, err := s.linkMilestoneInvoice(ctx, tx, milestone.ID, invoice.ID, now)
		if err != nil {
			return err
		}
		if !linked {
			return errAlreadyLinked
		}

		created = &invoice
		return nil
	})
	if errors.Is(err, errAlreadyLinked) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice drafted for milestone",
		zap.String("invoice_id", created.ID.String()),
		zap.String("milestone_id", milestoneID),
		zap.Int64("amount", created.Amount),
	)
	return created, nil
}

func (s *Service) DraftDownPayment(ctx context.Context, projectID string) (*invoicedomain.Invoice, error) {
	id, err := parseID(projectID)
	if err != nil {
		return nil, invoicedomain.ErrInvalidID
	}

	var created *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := s.loadProject(ctx, tx, id)
		if err != nil {
			return err
		}
		if project == nil {
			return projectdomain.ErrProjectNotFound
		}
		if project.QuoteID == nil {
			return invoicedomain.ErrInvalidInput
		}

		quote, err := s.loadQuote(ctx, tx, *project.QuoteID)
		if err != nil {
			return err
		}
		if quote == nil {
			return projectdomain.ErrQuoteNotFound
		}
		if quote.Total <= 0 {
			return invoicedomain.ErrInvalidInput
		}

		existing, err := s.findInvoiceByPaymentType(ctx, tx, project.ID, invoicedomain.PaymentTypeDownPayment)
		if err != nil {
			return err
		}
		if existing != 0 {
			return errAlreadyLinked
		}

		split := schedule.Calculate(quote.Total, schedule.Percentages{
			DownPayment: quote.DownPaymentPct,
			Milestone:   quote.MilestonePct,
			Final:       quote.FinalPct,
		})

		now := s.clock.Now()
		invoice := invoicedomain.Invoice{
			ID:            s.genID.Generate(),
			ProjectID:     project.ID,
			QuoteID:       project.QuoteID,
			PaymentType:   invoicedomain.PaymentTypeDownPayment,
			Status:        invoicedomain.InvoiceStatusDraft,
			Amount:        split.DownPayment.Amount,
			Currency:      quote.Currency,
			CustomerEmail: project.CustomerEmail,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.insertInvoice(ctx, tx, invoice); err != nil {
			return err
		}
		created = &invoice
		return nil
	})
	if errors.Is(err, errAlreadyLinked) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("down payment invoice drafted",
		zap.String("invoice_id", created.ID.String()),
		zap.String("project_id", projectID),
		zap.Int64("amount", created.Amount),
	)
	return created, nil
}

func (s *Service) Send(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error) {
	id, err := parseID(invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidID
	}

	invoice, err := s.loadInvoice(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.Status != invoicedomain.InvoiceStatusDraft {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidState
	}

	project, err := s.loadProject(ctx, s.db, invoice.ProjectID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if project == nil {
		return invoicedomain.Invoice{}, projectdomain.ErrProjectNotFound
	}

	intent, err := s.gateway.CreateChargeIntent(ctx, gateway.CreateChargeIntentRequest{
		Amount:      invoice.Amount,
		Currency:    invoice.Currency,
		Description: fmt.Sprintf("Invoice for project %s", project.Name),
		Metadata: map[string]string{
			"invoice_id":   invoice.ID.String(),
			"project_id":   invoice.ProjectID.String(),
			"payment_type": string(invoice.PaymentType),
		},
	})
	if err != nil {
		return invoicedomain.Invoice{}, fmt.Errorf("create charge intent: %w", err)
	}

	paymentLink := intent.PaymentLink
	if paymentLink == "" {
		paymentLink = strings.TrimRight(s.cfg.Gateway.PaymentLinkBase, "/") + "/" + intent.ID
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, gateway_intent_id = ?, payment_link = ?, issued_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		invoicedomain.InvoiceStatusPending,
		intent.ID,
		paymentLink,
		now,
		now,
		id,
		invoicedomain.InvoiceStatusDraft,
	)
	if result.Error != nil {
		return invoicedomain.Invoice{}, result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Warn("invoice left draft while a concurrent send won; charge intent is orphaned",
			zap.String("invoice_id", invoiceID),
			zap.String("intent_id", intent.ID),
		)
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidState
	}

	s.obsMetrics.RecordInvoiceIssued(ctx, string(invoice.PaymentType))

	invoice.Status = invoicedomain.InvoiceStatusPending
	invoice.GatewayIntentID = intent.ID
	invoice.PaymentLink = paymentLink
	invoice.IssuedAt = &now
	invoice.UpdatedAt = now

	s.sendPaymentInstructions(ctx, invoice, project)

	return *invoice, nil
}

func (s *Service) GetByID(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error) {
	id, err := parseID(invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidID
	}
	invoice, err := s.loadInvoice(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) ([]invoicedomain.Invoice, error) {
	query := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{})
	if req.ProjectID != nil {
		projectID, err := parseID(*req.ProjectID)
		if err != nil {
			return nil, invoicedomain.ErrInvalidID
		}
		query = query.Where("project_id = ?", projectID)
	}
	if req.Status != nil {
		query = query.Where("status = ?", *req.Status)
	}

	var invoices []invoicedomain.Invoice
	if err := query.Order("created_at DESC").Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) sendPaymentInstructions(ctx context.Context, invoice *invoicedomain.Invoice, project *projectdomain.Project) {
	subject, body, err := notifier.PaymentInstructions(notifier.MailData{
		CustomerName: project.CustomerName,
		ProjectName:  project.Name,
		Amount:       money.Format(invoice.Amount),
		Currency:     invoice.Currency,
		PaymentLink:  invoice.PaymentLink,
		FromName:     s.cfg.Email.FromName,
	})
	if err != nil {
		s.log.Warn("render payment instructions failed", zap.Error(err))
		return
	}
	if err := s.notifier.Send(ctx, invoice.CustomerEmail, subject, body); err != nil {
		s.log.Warn("payment instructions notification failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}
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

func (s *Service) loadProject(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*projectdomain.Project, error) {
	var project projectdomain.Project
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM projects WHERE id = ?`,
		id,
	).Scan(&project).Error
	if err != nil {
		return nil, err
	}
	if project.ID == 0 {
		return nil, nil
	}
	return &project, nil
}

func (s *Service) loadQuote(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*projectdomain.Quote, error) {
	var quote projectdomain.Quote
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM quotes WHERE id = ?`,
		id,
	).Scan(&quote).Error
	if err != nil {
		return nil, err
	}
	if quote.ID == 0 {
		return nil, nil
	}
	return &quote, nil
}

func (s *Service) loadInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE id = ?`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (s *Service) findInvoiceByPaymentType(ctx context.Context, tx *gorm.DB, projectID snowflake.ID, paymentType invoicedomain.PaymentType) (snowflake.ID, error) {
	var invoiceID snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id
		 FROM invoices
		 WHERE project_id = ? AND payment_type = ?
		 LIMIT 1`,
		projectID,
		paymentType,
	).Scan(&invoiceID).Error
	if err != nil {
		return 0, err
	}
	return invoiceID, nil
}

func (s *Service) insertInvoice(ctx context.Context, tx *gorm.DB, invoice invoicedomain.Invoice) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, project_id, milestone_id, quote_id, payment_type, status,
			amount, currency, customer_email, gateway_intent_id, payment_link,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		invoice.ID,
		invoice.ProjectID,
		invoice.MilestoneID,
		invoice.QuoteID,
		invoice.PaymentType,
		invoice.Status,
		invoice.Amount,
		invoice.Currency,
		invoice.CustomerEmail,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

// linkMilestoneInvoice records the milestone's one allowed invoice link.
// The conditional WHERE is what enforces exactly-once billing.
func (s *Service) linkMilestoneInvoice(ctx context.Context, tx *gorm.DB, milestoneID, invoiceID snowflake.ID, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE milestones
		 SET invoice_id = ?, updated_at = ?
		 WHERE id = ? AND invoice_id IS NULL`,
		invoiceID,
		now,
		milestoneID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
