package intake

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"

	"github.com/zombor/billify/internal/aggregation"
	"github.com/zombor/billify/internal/billing"
	"github.com/zombor/billify/internal/database"
	"github.com/zombor/billify/internal/extraction"
	"github.com/zombor/billify/internal/notify"
	"github.com/zombor/billify/internal/queue"
	"github.com/zombor/billify/internal/scanning"
	"github.com/zombor/billify/internal/storage"
)

type stubScanner struct {
	fields []scanning.Field
	calls  int
}

func (s *stubScanner) ScanDocument(ctx context.Context, data []byte, contentType string) ([]scanning.Field, error) {
	s.calls++
	return s.fields, nil
}

func (s *stubScanner) Close() error { return nil }

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingSender) Send(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subjects := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		subjects = append(subjects, n.Subject)
	}
	return subjects
}

var verifyLink = regexp.MustCompile(`https://billify\.example\.com/verify\?email=[^&]+&token=([0-9a-f-]+)`)

// Tokens returns the verification token carried by each confirmation mail
func (r *recordingSender) Tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var tokens []string
	for _, n := range r.sent {
		if match := verifyLink.FindStringSubmatch(n.Text); match != nil {
			tokens = append(tokens, match[1])
		}
	}
	return tokens
}

var _ = Describe("Invoice pipeline", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		db         *bbolt.DB
		bills      *billing.BoltStore
		q          *queue.MemoryQueue
		sender     *recordingSender
		identities *notify.IdentityService
		gateway    *notify.Gateway
		scanner    *stubScanner
		service    *Service
		worker     *extraction.Worker
		messages   <-chan queue.Message
		submitted  = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		tmp := GinkgoT().TempDir()

		var err error
		db, err = database.OpenBolt(filepath.Join(tmp, "billify.db"))
		Expect(err).NotTo(HaveOccurred())

		bills, err = billing.NewBoltStore(db)
		Expect(err).NotTo(HaveOccurred())
		identityStore, err := notify.NewBoltIdentityStore(db)
		Expect(err).NotTo(HaveOccurred())
		docs, err := storage.NewLocalStorage(filepath.Join(tmp, "documents"))
		Expect(err).NotTo(HaveOccurred())

		q = queue.NewMemoryQueue(10)
		sender = &recordingSender{}
		identities = notify.NewIdentityService(identityStore, sender, "https://billify.example.com", time.Hour)
		gateway = notify.NewGateway(identities, sender)
		scanner = &stubScanner{fields: []scanning.Field{
			{Type: scanning.FieldTotal, Text: "$1,234.50"},
			{Type: scanning.FieldVendorName, Text: "Acme Corp"},
		}}

		service = NewServiceWithDeps(docs, q, gateway, staticID{"job-1"}, fixedTime{submitted})
		worker = extraction.NewWorker(bills, scanning.NewAnalyzer(docs, scanner, time.Minute), gateway, extraction.DefaultConfig())

		messages, err = q.Consume(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		Expect(db.Close()).To(Succeed())
	})

	submit := func() {
		_, err := service.Submit(ctx, Upload{Filename: "invoice.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")}, "Ada", "ada@example.com")
		Expect(err).NotTo(HaveOccurred())
	}

	next := func() queue.Message {
		var msg queue.Message
		Eventually(messages).Should(Receive(&msg))
		return msg
	}

	When("the submitter confirms their address before processing", func() {
		BeforeEach(func() {
			submit()
			Expect(sender.Tokens()).To(HaveLen(1))
			Expect(identities.Confirm(ctx, "ada@example.com", sender.Tokens()[0])).To(Succeed())
		})

		It("should create the bill and notify the submitter", func() {
			dispositions := worker.ProcessBatch(ctx, []queue.Message{next()})
			Expect(dispositions).To(Equal([]extraction.Disposition{extraction.Ack}))

			bill, err := bills.GetBill(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(bill.Total).To(Equal(1234.5))
			Expect(bill.VendorName).To(Equal("Acme Corp"))
			Expect(bill.Timestamp).To(Equal("2024-03-10T09:00:00Z"))

			Expect(sender.Subjects()).To(Equal([]string{
				"Verify your email address for Billify",
				"Invoice Processed - Amount: 1234.50",
			}))
			Expect(q.Acked()).To(Equal(1))
		})

		It("should report the month's total", func() {
			worker.ProcessBatch(ctx, []queue.Message{next()})

			agg := aggregation.NewAggregatorWithDeps(bills, gateway, 10, time.UTC, fixedTime{time.Date(2024, 4, 1, 11, 0, 0, 0, time.UTC)})
			summary, err := agg.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Month).To(Equal("March"))
			Expect(summary.Delivered).To(Equal(1))
			Expect(sender.Subjects()).To(ContainElement("Expense Report - March - Amount: 1234.50"))
		})

		It("should not process a redelivered job twice", func() {
			submitAgain := func() {
				job, err := billing.DecodeJob(next().Body)
				Expect(err).NotTo(HaveOccurred())
				body, err := billing.EncodeJob(job)
				Expect(err).NotTo(HaveOccurred())
				Expect(q.Publish(ctx, body)).To(Succeed())
				Expect(q.Publish(ctx, body)).To(Succeed())
			}
			submitAgain()

			worker.ProcessBatch(ctx, []queue.Message{next(), next()})

			Expect(scanner.calls).To(Equal(1))
			Expect(sender.Subjects()).To(HaveLen(2))
			Expect(q.Acked()).To(Equal(2))
		})
	})

	When("the submitter never confirms", func() {
		BeforeEach(func() {
			submit()
		})

		It("should store the bill and ask for verification again instead of mailing the invoice", func() {
			worker.ProcessBatch(ctx, []queue.Message{next()})

			Expect(bills.HasBill(ctx, "job-1")).To(BeTrue())
			Expect(sender.Subjects()).To(Equal([]string{
				"Verify your email address for Billify",
				"Verify your email address for Billify",
			}))
		})

		It("should keep the link from the upload mail valid after the worker asks again", func() {
			worker.ProcessBatch(ctx, []queue.Message{next()})

			tokens := sender.Tokens()
			Expect(tokens).To(HaveLen(2))
			Expect(tokens[1]).To(Equal(tokens[0]))
			Expect(identities.Confirm(ctx, "ada@example.com", tokens[0])).To(Succeed())
		})
	})
})
