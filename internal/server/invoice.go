package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/crestline/keystone/internal/billing/money"
	invoicedomain "github.com/crestline/keystone/internal/invoice/domain"
	projectdomain "github.com/crestline/keystone/internal/project/domain"
	"github.com/crestline/keystone/internal/providers/pdf"
)

func (s *Server) ListInvoices(c *gin.Context) {
	req := invoicedomain.ListInvoiceRequest{}
	if raw := strings.TrimSpace(c.Query("project_id")); raw != "" {
		req.ProjectID = &raw
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := invoicedomain.InvoiceStatus(strings.ToUpper(raw))
		req.Status = &status
	}

	invoices, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) SendInvoice(c *gin.Context) {
	invoice, err := s.invoiceSvc.Send(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) CreateDownPaymentInvoice(c *gin.Context) {
	invoice, err := s.invoiceSvc.DraftDownPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if invoice == nil {
		c.JSON(http.StatusOK, gin.H{"status": "already_drafted"})
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

func (s *Server) DownloadInvoicePDF(c *gin.Context) {
	ctx := c.Request.Context()

	invoice, err := s.invoiceSvc.GetByID(ctx, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	project, err := s.projects.FindOne(ctx, &projectdomain.Project{ID: invoice.ProjectID})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if project == nil {
		AbortWithError(c, projectdomain.ErrProjectNotFound)
		return
	}

	data := pdf.InvoiceData{
		InvoiceNumber: invoice.ID.String(),
		Status:        string(invoice.Status),
		ProjectName:   project.Name,
		CustomerName:  project.CustomerName,
		CustomerEmail: project.CustomerEmail,
		PhaseLabel:    string(invoice.PaymentType),
		Description:   phaseDescription(invoice.PaymentType, project.Name),
		Amount:        money.Format(invoice.Amount),
		Currency:      invoice.Currency,
	}
	if invoice.IssuedAt != nil {
		data.IssueDate = invoice.IssuedAt.Format("2006-01-02")
	}
	if invoice.PaidAt != nil {
		data.PaidDate = invoice.PaidAt.Format("2006-01-02")
	}

	doc, err := s.pdfProvider.GenerateInvoice(ctx, data)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	raw, err := io.ReadAll(doc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="invoice-`+invoice.ID.String()+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", raw)
}

func phaseDescription(paymentType invoicedomain.PaymentType, projectName string) string {
	switch paymentType {
	case invoicedomain.PaymentTypeDownPayment:
		return "Down payment for " + projectName
	case invoicedomain.PaymentTypeFinal:
		return "Final payment for " + projectName
	default:
		return "Milestone payment for " + projectName
	}
}
