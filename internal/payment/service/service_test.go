package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestline/keystone/internal/clock"
	"github.com/crestline/keystone/internal/config"
	"github.com/crestline/keystone/internal/gateway"
	invoicedomain "github.com/crestline/keystone/internal/invoice/domain"
	paymentdomain "github.com/crestline/keystone/internal/payment/domain"
	paymentservice "github.com/crestline/keystone/internal/payment/service"
	projectdomain "github.com/crestline/keystone/internal/project/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

var testDBCounter int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:paymenttest%d?mode=memory&cache=shared", atomic.AddInt64(&testDBCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	_ = db.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", stripForUpdate)
	_ = db.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", stripForUpdate)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	schemas := []string{
		`CREATE TABLE projects (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			customer_name TEXT NOT NULL,
			customer_email TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			contracted_total INTEGER NOT NULL DEFAULT 0,
			budget INTEGER NOT NULL DEFAULT 0,
			quote_id INTEGER,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE quotes (
			id INTEGER PRIMARY KEY,
			project_id INTEGER NOT NULL,
			total INTEGER NOT NULL,
			currency TEXT NOT NULL,
			down_payment_pct REAL,
			milestone_pct REAL,
			final_pct REAL,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			accepted_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE invoices (
			id INTEGER PRIMARY KEY,
			project_id INTEGER NOT NULL,
			milestone_id INTEGER,
			quote_id INTEGER,
			payment_type TEXT NOT NULL DEFAULT 'milestone',
			status TEXT NOT NULL DEFAULT 'DRAFT',
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			customer_email TEXT NOT NULL,
			gateway_intent_id TEXT NOT NULL DEFAULT '',
			payment_link TEXT NOT NULL DEFAULT '',
			issued_at DATETIME,
			paid_at DATETIME,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE payments (
			id INTEGER PRIMARY KEY,
			invoice_id INTEGER NOT NULL,
			gateway_charge_id TEXT NOT NULL UNIQUE,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			received_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payment_events (
			id INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			charge_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
	}
	for _, schema := range schemas {
		if err := db.Exec(schema).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fakeGateway struct {
	charges map[string]gateway.Charge
	getErr  error
}

func (f *fakeGateway) CreateChargeIntent(ctx context.Context, req gateway.CreateChargeIntentRequest) (gateway.ChargeIntent, error) {
	return gateway.ChargeIntent{}, gateway.ErrUnavailable
}

func (f *fakeGateway) GetCharge(ctx context.Context, id string) (gateway.Charge, error) {
	if f.getErr != nil {
		return gateway.Charge{}, f.getErr
	}
	charge, ok := f.charges[id]
	if !ok {
		return gateway.Charge{}, gateway.ErrChargeNotFound
	}
	return charge, nil
}

type sentMail struct {
	To      string
	Subject string
}

type fakeNotifier struct {
	sent []sentMail
}

func (f *fakeNotifier) Send(ctx context.Context, to, subject, htmlBody string) error {
	f.sent = append(f.sent, sentMail{To: to, Subject: subject})
	return nil
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	gateway  *fakeGateway
	notifier *fakeNotifier
	svc      paymentdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	gw := &fakeGateway{charges: map[string]gateway.Charge{}}
	mailer := &fakeNotifier{}

	svc := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fakeClock,
		Gateway:  gw,
		Webhook:  gateway.NewWebhook(webhookSecret),
		Notifier: mailer,
		Cfg: config.Config{
			Email: config.EmailConfig{FromName: "Keystone Billing"},
		},
	})

	return &fixture{db: db, node: node, clock: fakeClock, gateway: gw, notifier: mailer, svc: svc}
}

func (f *fixture) createProject(t *testing.T) projectdomain.Project {
	t.Helper()
	project := projectdomain.Project{
		ID:            f.node.Generate(),
		Name:          "Hillcrest Addition",
		CustomerName:  "Ray Okafor",
		CustomerEmail: "ray@example.com",
		Currency:      "USD",
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	if err := f.db.Create(&project).Error; err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

func (f *fixture) createInvoice(t *testing.T, project projectdomain.Project, paymentType invoicedomain.PaymentType, quoteID *snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	invoice := invoicedomain.Invoice{
		ID:            f.node.Generate(),
		ProjectID:     project.ID,
		QuoteID:       quoteID,
		PaymentType:   paymentType,
		Status:        invoicedomain.InvoiceStatusPending,
		Amount:        300_000,
		Currency:      "USD",
		CustomerEmail: project.CustomerEmail,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	if err := f.db.Create(&invoice).Error; err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return invoice
}

func (f *fixture) createQuote(t *testing.T, projectID snowflake.ID) projectdomain.Quote {
	t.Helper()
	quote := projectdomain.Quote{
		ID:        f.node.Generate(),
		ProjectID: projectID,
		Total:     1_000_000,
		Currency:  "USD",
		Status:    projectdomain.QuoteStatusSent,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}
	if err := f.db.Create(&quote).Error; err != nil {
		t.Fatalf("create quote: %v", err)
	}
	return quote
}

func (f *fixture) addCharge(chargeID string, status gateway.ChargeStatus, invoiceID string) {
	f.gateway.charges[chargeID] = gateway.Charge{
		ID:       chargeID,
		Status:   status,
		Amount:   300_000,
		Currency: "USD",
		Metadata: map[string]string{"invoice_id": invoiceID},
	}
}

func signedDelivery(t *testing.T, eventID, eventType, chargeID string) ([]byte, http.Header) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"type":%q,"charge_id":%q}`, eventID, eventType, chargeID))

	timestamp := "1770000000"
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	if _, err := mac.Write([]byte(timestamp + "." + string(payload))); err != nil {
		t.Fatalf("write hmac: %v", err)
	}

	headers := http.Header{}
	headers.Set("Brickpay-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return payload, headers
}

func TestHandleWebhookMarksInvoicePaid(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t)
	invoice := f.createInvoice(t, project, invoicedomain.PaymentTypeMilestone, nil)
	f.addCharge("ch_1", gateway.ChargeStatusSucceeded, invoice.ID.String())

	payload, headers := signedDelivery(t, "evt_1", gateway.EventTypeChargeSucceeded, "ch_1")
	if err := f.svc.HandleWebhook(context.Background(), payload, headers); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	var reloaded invoicedomain.Invoice
	if err := f.db.First(&reloaded, "id = ?", invoice.ID).Error; err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if reloaded.Status != invoicedomain.InvoiceStatusPaid {
		t.Fatalf("invoice status = %s, want PAID", reloaded.Status)
	}
	if reloaded.PaidAt == nil {
		t.Fatal("paid_at not set")
	}

	var payments int64
	if err := f.db.Model(&paymentdomain.Payment{}).Count(&payments).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if payments != 1 {
		t.Fatalf("payment rows = %d, want 1", payments)
	}

	var record paymentdomain.EventRecord
	if err := f.db.First(&record, "event_id = ?", "evt_1").Error; err != nil {
		t.Fatalf("load event record: %v", err)
	}
	if record.ProcessedAt == nil {
		t.Fatal("event not marked processed")
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
	if f.notifier.sent[0].To != "ray@example.com" {
		t.Fatalf("mail to = %q", f.notifier.sent[0].To)
	}
	if !strings.Contains(f.notifier.sent[0].Subject, "Payment received") {
		t.Fatalf("mail subject = %q", f.notifier.sent[0].Subject)
	}
}

func TestHandleWebhookDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t)
	invoice := f.createInvoice(t, project, invoicedomain.PaymentTypeMilestone, nil)
	f.addCharge("ch_1", gateway.ChargeStatusSucceeded, invoice.ID.String())

	payload, headers := signedDelivery(t, "evt_1", gateway.EventTypeChargeSucceeded, "ch_1")
	if err := f.svc.HandleWebhook(context.Background(), payload, headers); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	err := f.svc.HandleWebhook(context.Background(), payload, headers)
	if !errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
		t.Fatalf("second delivery: got %v, want ErrEventAlreadyProcessed", err)
	}

	var payments int64
	if err := f.db.Model(&paymentdomain.Payment{}).Count(&payments).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if payments != 1 {
		t.Fatalf("payment rows = %d, want 1", payments)
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
}

func TestHandleWebhookDistinctEventsSameCharge(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t)
	invoice := f.createInvoice(t, project, invoicedomain.PaymentTypeMilestone, nil)
	f.addCharge("ch_1", gateway.ChargeStatusSucceeded, invoice.ID.String())

	payload1, headers1 := signedDelivery(t, "evt_1", gateway.EventTypeChargeSucceeded, "ch_1")
	if err := f.svc.HandleWebhook(context.Background(), payload1, headers1); err != nil {
		t.Fatalf("first event: %v", err)
	}

	payload2, headers2 := signedDelivery(t, "evt_2", gateway.EventTypeChargeSucceeded, "ch_1")
	if err := f.svc.HandleWebhook(context.Background(), payload2, headers2); err != nil {
		t.Fatalf("second event: %v", err)
	}

	var payments int64
	if err := f.db.Model(&paymentdomain.Payment{}).Count(&payments).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if payments != 1 {
		t.Fatalf("payment rows = %d, want 1", payments)
	}
	// The invoice was already paid, so no second confirmation goes out.
	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
}

func TestHandleWebhookNonSucceededCharge(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t)
	invoice := f.createInvoice(t, project, invoicedomain.PaymentTypeMilestone, nil)
	f.addCharge("ch_1", gateway.ChargeStatusFailed, invoice.ID.String())

	payload, headers := signedDelivery(t, "evt_1", gateway.EventTypeChargeFailed, "ch_1")
	if err := f.svc.HandleWebhook(context.Background(), payload, headers); err != nil {
		t.Fatalf("handle failed charge: %v", err)
	}

	var reloaded invoicedomain.Invoice
	if err := f.db.First(&reloaded, "id = ?", invoice.ID).Error; err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if reloaded.Status != invoicedomain.InvoiceStatusPending {
		t.Fatalf("invoice status = %s, want PENDING", reloaded.Status)
	}

	var payments int64
	if err := f.db.Model(&paymentdomain.Payment{}).Count(&payments).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if payments != 0 {
		t.Fatalf("payment rows = %d, want 0", payments)
	}

	var record paymentdomain.EventRecord
	if err := f.db.First(&record, "event_id = ?", "evt_1").Error; err != nil {
		t.Fatalf("load event record: %v", err)
	}
	if record.ProcessedAt == nil {
		t.Fatal("event not marked processed")
	}
}

func TestHandleWebhookMissingInvoiceMetadataIsDropped(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t)
	invoice := f.createInvoice(t, project, invoicedomain.PaymentTypeMilestone, nil)
	f.gateway.charges["ch_1"] = gateway.Charge{
		ID:       "ch_1",
		Status:   gateway.ChargeStatusSucceeded,
		Amount:   300_000,
		Currency: "USD",
		Metadata: map[string]string{},
	}

	payload, headers := signedDelivery(t, "evt_1", gateway.EventTypeChargeSucceeded, "ch_1")
	if err := f.svc.HandleWebhook(context.Background(), payload, headers); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	var reloaded invoicedomain.Invoice
	if err := f.db.First(&reloaded, "id = ?", invoice.ID).Error; err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if reloaded.Status != invoicedomain.InvoiceStatusPending {
		t.Fatalf("invoice status = %s, want PENDING", reloaded.Status)
	}

	// A redelivery must not reprocess the dropped event.
	err := f.svc.HandleWebhook(context.Background(), payload, headers)
	if !errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
		t.Fatalf("redelivery: got %v, want ErrEventAlreadyProcessed", err)
	}
}

func TestHandleWebhookGatewayFailureRetries(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t)
	invoice := f.createInvoice(t, project, invoicedomain.PaymentTypeMilestone, nil)
	f.addCharge("ch_1", gateway.ChargeStatusSucceeded, invoice.ID.String())

	payload, headers := signedDelivery(t, "evt_1", gateway.EventTypeChargeSucceeded, "ch_1")

	f.gateway.getErr = fmt.Errorf("%w: timeout", gateway.ErrUnavailable)
	err := f.svc.HandleWebhook(context.Background(), payload, headers)
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("delivery with broken gateway: got %v, want ErrUnavailable", err)
	}

	// The retry after the gateway recovers reconciles the event.
	f.gateway.getErr = nil
	if err := f.svc.HandleWebhook(context.Background(), payload, headers); err != nil {
		t.Fatalf("retry delivery: %v", err)
	}

	var reloaded invoicedomain.Invoice
	if err := f.db.First(&reloaded, "id = ?", invoice.ID).Error; err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if reloaded.Status != invoicedomain.InvoiceStatusPaid {
		t.Fatalf("invoice status = %s, want PAID", reloaded.Status)
	}
}

func TestHandleWebhookDownPaymentAcceptsQuote(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t)
	quote := f.createQuote(t, project.ID)
	invoice := f.createInvoice(t, project, invoicedomain.PaymentTypeDownPayment, &quote.ID)
	f.addCharge("ch_1", gateway.ChargeStatusSucceeded, invoice.ID.String())

	payload, headers := signedDelivery(t, "evt_1", gateway.EventTypeChargeSucceeded, "ch_1")
	if err := f.svc.HandleWebhook(context.Background(), payload, headers); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	var reloaded projectdomain.Quote
	if err := f.db.First(&reloaded, "id = ?", quote.ID).Error; err != nil {
		t.Fatalf("reload quote: %v", err)
	}
	if reloaded.Status != projectdomain.QuoteStatusAccepted {
		t.Fatalf("quote status = %s, want ACCEPTED", reloaded.Status)
	}
	if reloaded.AcceptedAt == nil {
		t.Fatal("accepted_at not set")
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
	if !strings.Contains(f.notifier.sent[0].Subject, "Welcome") {
		t.Fatalf("mail subject = %q, want welcome mail", f.notifier.sent[0].Subject)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"id":"evt_1","type":"charge.succeeded","charge_id":"ch_1"}`)
	headers := http.Header{}
	headers.Set("Brickpay-Signature", "t=1770000000,v1=deadbeef")

	err := f.svc.HandleWebhook(context.Background(), payload, headers)
	if !errors.Is(err, gateway.ErrInvalidSignature) {
		t.Fatalf("bad signature: got %v, want ErrInvalidSignature", err)
	}

	var events int64
	if err := f.db.Model(&paymentdomain.EventRecord{}).Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("event rows = %d, want 0", events)
	}
}

func TestHandleWebhookIgnoresUnknownEventTypes(t *testing.T) {
	f := newFixture(t)

	payload, headers := signedDelivery(t, "evt_1", "customer.created", "")
	if err := f.svc.HandleWebhook(context.Background(), payload, headers); err != nil {
		t.Fatalf("ignored event type: %v", err)
	}

	var events int64
	if err := f.db.Model(&paymentdomain.EventRecord{}).Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("event rows = %d, want 0", events)
	}
}
