package notifier

import (
	"bytes"
	"fmt"
	"html/template"
)

var (
	paymentInstructionsTmpl = template.Must(template.New("payment_instructions").Parse(`
<p>Hi {{.CustomerName}},</p>
<p>An invoice of <strong>{{.Amount}} {{.Currency}}</strong> is ready for project <strong>{{.ProjectName}}</strong>.</p>
<p><a href="{{.PaymentLink}}">Pay this invoice</a></p>
<p>Thank you,<br>{{.FromName}}</p>
`))

	paymentConfirmationTmpl = template.Must(template.New("payment_confirmation").Parse(`
<p>Hi {{.CustomerName}},</p>
<p>We received your payment of <strong>{{.Amount}} {{.Currency}}</strong> for project <strong>{{.ProjectName}}</strong>.</p>
<p>Thank you,<br>{{.FromName}}</p>
`))

	projectWelcomeTmpl = template.Must(template.New("project_welcome").Parse(`
<p>Hi {{.CustomerName}},</p>
<p>Your down payment for <strong>{{.ProjectName}}</strong> is confirmed and the project is underway.</p>
<p>You can follow progress and invoices from your client portal.</p>
<p>Welcome aboard,<br>{{.FromName}}</p>
`))
)

// MailData carries the fields the transactional templates render.
type MailData struct {
	CustomerName string
	ProjectName  string
	Amount       string
	Currency     string
	PaymentLink  string
	FromName     string
}

func PaymentInstructions(data MailData) (string, string, error) {
	subject := fmt.Sprintf("Invoice for %s", data.ProjectName)
	body, err := render(paymentInstructionsTmpl, data)
	return subject, body, err
}

func PaymentConfirmation(data MailData) (string, string, error) {
	subject := fmt.Sprintf("Payment received for %s", data.ProjectName)
	body, err := render(paymentConfirmationTmpl, data)
	return subject, body, err
}

func ProjectWelcome(data MailData) (string, string, error) {
	subject := fmt.Sprintf("Welcome to %s", data.ProjectName)
	body, err := render(projectWelcomeTmpl, data)
	return subject, body, err
}

func render(tmpl *template.Template, data MailData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
