package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/crestline/keystone/internal/config"
	"github.com/crestline/keystone/internal/gateway"
	"github.com/crestline/keystone/internal/invoice"
	invoicedomain "github.com/crestline/keystone/internal/invoice/domain"
	"github.com/crestline/keystone/internal/milestone"
	milestonedomain "github.com/crestline/keystone/internal/milestone/domain"
	"github.com/crestline/keystone/internal/notifier"
	"github.com/crestline/keystone/internal/observability"
	obsmetrics "github.com/crestline/keystone/internal/observability/metrics"
	"github.com/crestline/keystone/internal/payment"
	paymentdomain "github.com/crestline/keystone/internal/payment/domain"
	"github.com/crestline/keystone/internal/project"
	projectdomain "github.com/crestline/keystone/internal/project/domain"
	"github.com/crestline/keystone/internal/providers/pdf"
	"github.com/crestline/keystone/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	observability.Module,
	gateway.Module,
	notifier.Module,
	pdf.Module,
	project.Module,
	invoice.Module,
	milestone.Module,
	payment.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func registerGin(cfg config.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(cfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	log          *zap.Logger
	milestoneSvc milestonedomain.Service
	invoiceSvc   invoicedomain.Service
	paymentSvc   paymentdomain.Service
	projects     repository.Repository[projectdomain.Project]
	pdfProvider  pdf.Provider
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	Log          *zap.Logger
	MilestoneSvc milestonedomain.Service
	InvoiceSvc   invoicedomain.Service
	PaymentSvc   paymentdomain.Service
	Projects     repository.Repository[projectdomain.Project]
	PDFProvider  pdf.Provider
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		log:          p.Log.Named("server"),
		milestoneSvc: p.MilestoneSvc,
		invoiceSvc:   p.InvoiceSvc,
		paymentSvc:   p.PaymentSvc,
		projects:     p.Projects,
		pdfProvider:  p.PDFProvider,
		obsMetrics:   p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- Milestones --------
	api.GET("/milestones", s.ListMilestones)
	api.GET("/milestones/:id", s.GetMilestoneByID)
	api.POST("/milestones/:id/complete", s.CompleteMilestone)
	api.POST("/milestones/:id/bill", s.BillMilestone)
	api.DELETE("/milestones/:id", s.DeleteMilestone)

	// -------- Tasks --------
	api.POST("/tasks/:id/promote", s.PromoteTask)
	api.POST("/tasks/:id/complete", s.CompleteTask)

	// -------- Invoices --------
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.GET("/invoices/:id/pdf", s.DownloadInvoicePDF)
	api.POST("/invoices/:id/send", s.SendInvoice)

	// -------- Projects --------
	api.POST("/projects/:id/down-payment", s.CreateDownPaymentInvoice)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payment", s.HandlePaymentWebhook)
}
