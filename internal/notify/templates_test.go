package notify_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/billify/internal/notify"
)

var _ = Describe("Compose", func() {
	When("composing an invoice confirmation", func() {
		It("should state the amount and the time", func() {
			n, err := notify.Compose("ada@example.com", notify.InvoiceProcessed, notify.InvoiceData{
				Amount:    "42.75",
				Timestamp: "2024-03-10T09:00:00Z",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(n.To).To(Equal("ada@example.com"))
			Expect(n.Subject).To(Equal("Invoice Processed - Amount: 42.75"))
			Expect(n.Text).To(ContainSubstring("Your invoice has been processed for an amount of 42.75 at 2024-03-10T09:00:00Z"))
			Expect(n.Text).To(ContainSubstring("Thanks,\r\nBillify"))
			Expect(n.Text).NotTo(ContainSubstring("Vendor"))
			Expect(n.HTML).To(ContainSubstring("<strong>42.75</strong>"))
		})

		It("should mention the vendor when known", func() {
			n, err := notify.Compose("ada@example.com", notify.InvoiceProcessed, notify.InvoiceData{Amount: "1", VendorName: "ACME"})
			Expect(err).NotTo(HaveOccurred())
			Expect(n.Text).To(ContainSubstring("Vendor: ACME"))
		})

		It("should escape markup in the HTML body", func() {
			n, err := notify.Compose("ada@example.com", notify.InvoiceProcessed, notify.InvoiceData{Amount: "1", VendorName: "<b>evil</b>"})
			Expect(err).NotTo(HaveOccurred())
			Expect(n.HTML).NotTo(ContainSubstring("<b>evil</b>"))
			Expect(n.HTML).To(ContainSubstring("&lt;b&gt;evil&lt;/b&gt;"))
		})
	})

	When("composing a monthly report", func() {
		It("should name the month and the total", func() {
			n, err := notify.Compose("ada@example.com", notify.MonthlyReport, notify.ReportData{Month: "February", Amount: "150.50"})
			Expect(err).NotTo(HaveOccurred())
			Expect(n.Subject).To(Equal("Expense Report - February - Amount: 150.50"))
			Expect(n.Text).To(ContainSubstring("You have an expense report for the month of February for 150.50"))
		})
	})

	When("the data does not match the template", func() {
		It("returns the error", func() {
			_, err := notify.Compose("ada@example.com", notify.MonthlyReport, notify.InvoiceData{})
			Expect(err).To(MatchError(ContainSubstring("expected ReportData")))
		})
	})

	When("the template is unknown", func() {
		It("returns the error", func() {
			_, err := notify.Compose("ada@example.com", notify.Template(99), nil)
			Expect(err).To(MatchError(ContainSubstring("unknown template")))
		})
	})
})
