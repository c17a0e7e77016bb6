package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/billify/internal/billing"
	"github.com/zombor/billify/internal/metrics"
	"github.com/zombor/billify/internal/notify"
	"github.com/zombor/billify/internal/queue"
	"github.com/zombor/billify/internal/scanning"
)

// Analyzer returns the fields detected in a stored document
type Analyzer interface {
	Analyze(ctx context.Context, ref string) ([]scanning.Field, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now().UTC() }

// Result says what ProcessJob did with a job
type Result int

const (
	// Processed means a bill was created
	Processed Result = iota + 1
	// Duplicate means a bill for the job already existed
	Duplicate
	// Quarantined means analysis failed and the policy withheld the bill
	Quarantined
)

func (r Result) String() string {
	switch r {
	case Processed:
		return metrics.JobProcessed
	case Duplicate:
		return metrics.JobDuplicate
	case Quarantined:
		return metrics.JobQuarantine
	default:
		return "unknown"
	}
}

// Disposition is how a delivery was settled
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead-letter"
	default:
		return "ack"
	}
}

// Config tunes the worker
type Config struct {
	Policy      FailurePolicy
	Retention   time.Duration
	BatchSize   int
	BatchWait   time.Duration
	Concurrency int
}

// DefaultConfig returns the worker defaults
func DefaultConfig() Config {
	return Config{
		Policy:      Commit,
		BatchSize:   10,
		BatchWait:   2 * time.Second,
		Concurrency: 4,
	}
}

// Worker turns queued jobs into bills and notifies their owners
type Worker struct {
	bills    billing.Store
	analyzer Analyzer
	gateway  *notify.Gateway
	cfg      Config
	clock    TimeSource
}

// NewWorker creates a Worker
func NewWorker(bills billing.Store, analyzer Analyzer, gateway *notify.Gateway, cfg Config) *Worker {
	return NewWorkerWithDeps(bills, analyzer, gateway, cfg, defaultTimeSource{})
}

// NewWorkerWithDeps creates a Worker with a custom time source (for testing)
func NewWorkerWithDeps(bills billing.Store, analyzer Analyzer, gateway *notify.Gateway, cfg Config, clock TimeSource) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		bills:    bills,
		analyzer: analyzer,
		gateway:  gateway,
		cfg:      cfg,
		clock:    clock,
	}
}

// Run consumes from source until ctx is done, processing batches on
// cfg.Concurrency loops.
func (w *Worker) Run(ctx context.Context, source queue.Source) error {
	messages, err := source.Consume(ctx)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	batches := queue.Batch(ctx, messages, w.cfg.BatchSize, w.cfg.BatchWait)

	slog.Info("Extraction worker started",
		"concurrency", w.cfg.Concurrency,
		"batchSize", w.cfg.BatchSize,
		"batchWait", w.cfg.BatchWait,
		"policy", w.cfg.Policy)

	var wg sync.WaitGroup
	for i := range w.cfg.Concurrency {
		wg.Add(1)
		go func(loop int) {
			defer wg.Done()
			for batch := range batches {
				w.ProcessBatch(ctx, batch)
			}
			slog.Debug("Batch loop stopped", "loop", loop)
		}(i)
	}
	wg.Wait()

	slog.Info("Extraction worker stopped")
	return nil
}

// ProcessBatch handles every message of a batch in order and settles each one.
// A failure on one message never stops the rest of the batch.
func (w *Worker) ProcessBatch(ctx context.Context, batch []queue.Message) []Disposition {
	run := w.gateway.NewRun()
	dispositions := make([]Disposition, 0, len(batch))

	for _, msg := range batch {
		d := w.handle(ctx, run, msg)
		if err := settle(msg, d); err != nil {
			slog.Error("Failed to settle message", "disposition", d, "error", err)
		}
		dispositions = append(dispositions, d)
	}
	return dispositions
}

func settle(msg queue.Message, d Disposition) error {
	switch d {
	case Requeue:
		return msg.Nack(true)
	case DeadLetter:
		return msg.Nack(false)
	default:
		return msg.Ack()
	}
}

func (w *Worker) handle(ctx context.Context, run *notify.Run, msg queue.Message) Disposition {
	if ctx.Err() != nil {
		return Requeue
	}

	job, err := billing.DecodeJob(msg.Body)
	if err != nil {
		slog.Warn("Skipping invalid job", "error", err)
		metrics.IncreaseJobsTotal(metrics.JobInvalid)
		return DeadLetter
	}

	result, err := w.processJob(ctx, run, job)
	if err != nil {
		if msg.Redelivered {
			slog.Error("Job failed after retry, dead-lettering", "jobID", job.ID, "error", err)
			metrics.IncreaseJobsTotal(metrics.JobFailed)
			return DeadLetter
		}
		slog.Warn("Job failed, requeueing", "jobID", job.ID, "error", err)
		metrics.IncreaseJobsTotal(metrics.JobRetried)
		return Requeue
	}

	metrics.IncreaseJobsTotal(result.String())
	if result == Quarantined {
		return DeadLetter
	}
	return Ack
}

// ProcessJob runs one job through analysis, persistence and notification
func (w *Worker) ProcessJob(ctx context.Context, job billing.Job) (Result, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}
	return w.processJob(ctx, w.gateway.NewRun(), job)
}

func (w *Worker) processJob(ctx context.Context, run *notify.Run, job billing.Job) (Result, error) {
	exists, err := w.bills.HasBill(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("checking for existing bill: %w", err)
	}
	if exists {
		slog.Info("Bill already exists, skipping job", "jobID", job.ID)
		return Duplicate, nil
	}

	fields, err := w.analyzer.Analyze(ctx, job.DocumentRef)

	var extracted Extracted
	switch outcome := newOutcome(fields, err).(type) {
	case Extracted:
		extracted = outcome
	case Failed:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if w.cfg.Policy == Quarantine {
			slog.Warn("Analysis failed, quarantining job", "jobID", job.ID, "error", outcome.Reason)
			return Quarantined, nil
		}
		slog.Warn("Analysis failed, committing zero total", "jobID", job.ID, "error", outcome.Reason)
	}

	bill := billing.NewBill(job, extracted.Total, extracted.VendorName)
	bill.ExpireAfter(w.clock.Now(), w.cfg.Retention)

	if err := w.bills.InsertBill(ctx, bill); err != nil {
		if errors.Is(err, billing.ErrBillExists) {
			slog.Info("Bill created concurrently, skipping notification", "jobID", job.ID)
			return Duplicate, nil
		}
		return 0, fmt.Errorf("persisting bill: %w", err)
	}
	metrics.IncreaseBillsCreated()
	slog.Info("Bill created", "id", bill.ID, "email", bill.Email, "total", bill.Total, "vendor", bill.VendorName)

	w.notify(ctx, run, bill)
	return Processed, nil
}

// notify failures are logged only; the bill is already committed
func (w *Worker) notify(ctx context.Context, run *notify.Run, bill *billing.Bill) {
	n, err := notify.Compose(bill.Email, notify.InvoiceProcessed, notify.InvoiceData{
		Name:       bill.Name,
		Amount:     billing.FormatAmount(decimal.NewFromFloat(bill.Total)),
		VendorName: bill.VendorName,
		Timestamp:  bill.Timestamp,
	})
	if err != nil {
		slog.Error("Failed to compose invoice notification", "id", bill.ID, "error", err)
		return
	}

	outcome, err := run.Notify(ctx, n)
	if err != nil {
		slog.Error("Failed to notify", "id", bill.ID, "email", bill.Email, "error", err)
		return
	}
	slog.Debug("Invoice notification handled", "id", bill.ID, "outcome", outcome)
}
