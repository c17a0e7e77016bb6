package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
)

// Template selects one of the notification variants
type Template int

const (
	// InvoiceProcessed confirms a single processed invoice. Data is InvoiceData.
	InvoiceProcessed Template = iota
	// MonthlyReport carries the consolidated monthly total. Data is ReportData.
	MonthlyReport
)

func (t Template) String() string {
	switch t {
	case InvoiceProcessed:
		return "invoice-processed"
	case MonthlyReport:
		return "monthly-report"
	default:
		return fmt.Sprintf("template(%d)", int(t))
	}
}

// InvoiceData fills the InvoiceProcessed template
type InvoiceData struct {
	Name       string
	Amount     string
	VendorName string
	Timestamp  string
}

// ReportData fills the MonthlyReport template
type ReportData struct {
	Month  string
	Amount string
}

type variant struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

var variants = map[Template]variant{
	InvoiceProcessed: {
		subject: template.Must(template.New("subject").Parse(`Invoice Processed - Amount: {{.Amount}}`)),
		text: template.Must(template.New("text").Parse(
			"Your invoice has been processed for an amount of {{.Amount}} at {{.Timestamp}}\r\n" +
				"{{if .VendorName}}Vendor: {{.VendorName}}\r\n{{end}}" +
				"\r\nThanks,\r\nBillify\r\n")),
		html: htmltemplate.Must(htmltemplate.New("html").Parse(`<p>Your invoice has been processed for an amount of <strong>{{.Amount}}</strong> at {{.Timestamp}}</p>
{{if .VendorName}}<p>Vendor: {{.VendorName}}</p>
{{end}}<p>Thanks,<br>Billify</p>`)),
	},
	MonthlyReport: {
		subject: template.Must(template.New("subject").Parse(`Expense Report - {{.Month}} - Amount: {{.Amount}}`)),
		text: template.Must(template.New("text").Parse(
			"You have an expense report for the month of {{.Month}} for {{.Amount}}\r\n" +
				"\r\nThanks,\r\nBillify\r\n")),
		html: htmltemplate.Must(htmltemplate.New("html").Parse(`<p>You have an expense report for the month of {{.Month}} for <strong>{{.Amount}}</strong></p>
<p>Thanks,<br>Billify</p>`)),
	},
}

// Compose renders the subject, plain text and HTML bodies of a notification to to
func Compose(to string, t Template, data any) (Notification, error) {
	switch t {
	case InvoiceProcessed:
		if _, ok := data.(InvoiceData); !ok {
			return Notification{}, fmt.Errorf("composing %s: expected InvoiceData, got %T", t, data)
		}
	case MonthlyReport:
		if _, ok := data.(ReportData); !ok {
			return Notification{}, fmt.Errorf("composing %s: expected ReportData, got %T", t, data)
		}
	}
	v, ok := variants[t]
	if !ok {
		return Notification{}, fmt.Errorf("composing %s: unknown template", t)
	}

	var subject, text, html bytes.Buffer
	if err := v.subject.Execute(&subject, data); err != nil {
		return Notification{}, fmt.Errorf("rendering %s subject: %w", t, err)
	}
	if err := v.text.Execute(&text, data); err != nil {
		return Notification{}, fmt.Errorf("rendering %s text: %w", t, err)
	}
	if err := v.html.Execute(&html, data); err != nil {
		return Notification{}, fmt.Errorf("rendering %s html: %w", t, err)
	}

	return Notification{
		To:      to,
		Subject: subject.String(),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
