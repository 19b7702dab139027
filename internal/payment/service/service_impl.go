package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestline/keystone/internal/billing/money"
	"github.com/crestline/keystone/internal/clock"
	"github.com/crestline/keystone/internal/config"
	"github.com/crestline/keystone/internal/gateway"
	invoicedomain "github.com/crestline/keystone/internal/invoice/domain"
	"github.com/crestline/keystone/internal/notifier"
	obsmetrics "github.com/crestline/keystone/internal/observability/metrics"
	paymentdomain "github.com/crestline/keystone/internal/payment/domain"
	projectdomain "github.com/crestline/keystone/internal/project/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Gateway    gateway.Gateway
	Webhook    *gateway.Webhook
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
	webhook    *gateway.Webhook
	notifier   notifier.Notifier
	cfg        config.Config
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		gateway:    p.Gateway,
		webhook:    p.Webhook,
		notifier:   p.Notifier,
		cfg:        p.Cfg,
		obsMetrics: p.ObsMetrics,
	}
}

// HandleWebhook reconciles one gateway delivery. The charge is always
// re-fetched from the API; the webhook payload is only trusted for the
// event id and charge id. Redeliveries of a processed event surface
// ErrEventAlreadyProcessed so transports can acknowledge without acting.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.webhook.Verify(payload, headers); err != nil {
		return err
	}

	event, err := s.webhook.Parse(payload)
	if err != nil {
		if errors.Is(err, gateway.ErrEventIgnored) {
			return nil
		}
		return err
	}

	s.obsMetrics.RecordPaymentEvent(ctx, event.Type)

	fresh, err := s.recordEvent(ctx, event, payload)
	if err != nil {
		return err
	}
	if !fresh {
		return paymentdomain.ErrEventAlreadyProcessed
	}

	charge, err := s.gateway.GetCharge(ctx, event.ChargeID)
	if err != nil {
		if errors.Is(err, gateway.ErrChargeNotFound) {
			s.log.Warn("webhook references unknown charge, dropping",
				zap.String("event_id", event.ID),
				zap.String("charge_id", event.ChargeID),
			)
			return s.markEventProcessed(ctx, s.db, event.ID)
		}
		// Leave the event unprocessed so the gateway retry reconciles it.
		return err
	}

	if charge.Status != gateway.ChargeStatusSucceeded {
		s.log.Info("charge not succeeded, nothing to reconcile",
			zap.String("event_id", event.ID),
			zap.String("charge_id", charge.ID),
			zap.String("charge_status", string(charge.Status)),
		)
		return s.markEventProcessed(ctx, s.db, event.ID)
	}

	invoiceID, err := parseInvoiceRef(charge.Metadata)
	if err != nil {
		s.log.Warn("charge metadata has no usable invoice reference, dropping",
			zap.String("event_id", event.ID),
			zap.String("charge_id", charge.ID),
		)
		return s.markEventProcessed(ctx, s.db, event.ID)
	}

	var (
		paid    *invoicedomain.Invoice
		project *projectdomain.Project
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			s.log.Warn("charge references unknown invoice, dropping",
				zap.String("event_id", event.ID),
				zap.String("charge_id", charge.ID),
				zap.String("invoice_id", invoiceID.String()),
			)
			return s.markEventProcessed(ctx, tx, event.ID)
		}

		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, paid_at = ?, updated_at = ?
			 WHERE id = ? AND status <> ?`,
			invoicedomain.InvoiceStatusPaid,
			now,
			now,
			invoice.ID,
			invoicedomain.InvoiceStatusPaid,
		)
		if result.Error != nil {
			return result.Error
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO payments (id, invoice_id, gateway_charge_id, amount, currency, received_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (gateway_charge_id) DO NOTHING`,
			s.genID.Generate(),
			invoice.ID,
			charge.ID,
			charge.Amount,
			charge.Currency,
			now,
		).Error; err != nil {
			return err
		}

		if result.RowsAffected > 0 {
			invoice.Status = invoicedomain.InvoiceStatusPaid
			invoice.PaidAt = &now
			paid = invoice

			project, err = s.loadProject(ctx, tx, invoice.ProjectID)
			if err != nil {
				return err
			}

			if invoice.PaymentType == invoicedomain.PaymentTypeDownPayment && invoice.QuoteID != nil {
				if err := s.acceptQuote(ctx, tx, *invoice.QuoteID, now); err != nil {
					return err
				}
			}
		}

		return s.markEventProcessed(ctx, tx, event.ID)
	})
	if err != nil {
		return err
	}

	if paid != nil {
		s.log.Info("invoice reconciled as paid",
			zap.String("event_id", event.ID),
			zap.String("charge_id", charge.ID),
			zap.String("invoice_id", paid.ID.String()),
			zap.Int64("amount", charge.Amount),
		)
		s.notifyPaid(ctx, paid, project)
	}
	return nil
}

// recordEvent stores the delivery keyed by the gateway event id. It
// reports false when the event was seen before and already processed.
// An unprocessed duplicate is a retry of a failed reconciliation, so it
// runs again.
func (s *Service) recordEvent(ctx context.Context, event *gateway.Event, payload []byte) (bool, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (id, event_id, event_type, charge_id, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		s.genID.Generate(),
		event.ID,
		event.Type,
		event.ChargeID,
		datatypes.JSON(payload),
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var record paymentdomain.EventRecord
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM payment_events WHERE event_id = ?`,
		event.ID,
	).Scan(&record).Error
	if err != nil {
		return false, err
	}
	if record.ID == 0 {
		return false, paymentdomain.ErrInvalidEvent
	}
	return record.ProcessedAt == nil, nil
}

func (s *Service) markEventProcessed(ctx context.Context, tx *gorm.DB, eventID string) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_events SET processed_at = ? WHERE event_id = ? AND processed_at IS NULL`,
		s.clock.Now(),
		eventID,
	).Error
}

func (s *Service) acceptQuote(ctx context.Context, tx *gorm.DB, quoteID snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE quotes
		 SET status = ?, accepted_at = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		projectdomain.QuoteStatusAccepted,
		now,
		now,
		quoteID,
		projectdomain.QuoteStatusAccepted,
	).Error
}

// notifyPaid sends the post-payment email. Failures are logged only;
// the reconciliation already committed and must not be retried for a
// mail error.
func (s *Service) notifyPaid(ctx context.Context, invoice *invoicedomain.Invoice, project *projectdomain.Project) {
	if project == nil {
		return
	}

	data := notifier.MailData{
		CustomerName: project.CustomerName,
		ProjectName:  project.Name,
		Amount:       money.Format(invoice.Amount),
		Currency:     invoice.Currency,
		FromName:     s.cfg.Email.FromName,
	}

	var (
		subject string
		body    string
		err     error
	)
	if invoice.PaymentType == invoicedomain.PaymentTypeDownPayment {
		subject, body, err = notifier.ProjectWelcome(data)
	} else {
		subject, body, err = notifier.PaymentConfirmation(data)
	}
	if err != nil {
		s.log.Warn("render payment notification failed", zap.Error(err))
		return
	}
	if err := s.notifier.Send(ctx, invoice.CustomerEmail, subject, body); err != nil {
		s.log.Warn("payment notification failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) loadInvoiceForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM invoices
		 WHERE id = ?
		 FOR UPDATE`,
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

func parseInvoiceRef(metadata map[string]string) (snowflake.ID, error) {
	raw := strings.TrimSpace(metadata["invoice_id"])
	if raw == "" {
		return 0, paymentdomain.ErrInvalidEvent
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, paymentdomain.ErrInvalidEvent
	}
	return id, nil
}
