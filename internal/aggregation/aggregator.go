package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/billify/internal/billing"
	"github.com/zombor/billify/internal/metrics"
	"github.com/zombor/billify/internal/notify"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now() }

// Summary describes one aggregation run
type Summary struct {
	Month                 string
	Bills                 int
	Recipients            int
	Delivered             int
	VerificationRequested int
	VerificationPending   int
	Failed                int
	Totals                map[string]decimal.Decimal
}

// Aggregator sums every stored bill per email and mails each owner their total
type Aggregator struct {
	bills    billing.Store
	gateway  *notify.Gateway
	pageSize int
	location *time.Location
	clock    TimeSource
}

// NewAggregator creates an Aggregator. Report months are computed in loc.
func NewAggregator(bills billing.Store, gateway *notify.Gateway, pageSize int, loc *time.Location) *Aggregator {
	return NewAggregatorWithDeps(bills, gateway, pageSize, loc, defaultTimeSource{})
}

// NewAggregatorWithDeps creates an Aggregator with a custom time source (for testing)
func NewAggregatorWithDeps(bills billing.Store, gateway *notify.Gateway, pageSize int, loc *time.Location, clock TimeSource) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		bills:    bills,
		gateway:  gateway,
		pageSize: pageSize,
		location: loc,
		clock:    clock,
	}
}

// ReportingMonth is the calendar month before now
func ReportingMonth(now time.Time) time.Month {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, -1, 0).Month()
}

// Totals sums bill totals per normalised email over the whole store, one page at a time
func Totals(ctx context.Context, bills billing.Store, pageSize int) (map[string]decimal.Decimal, int, error) {
	totals := make(map[string]decimal.Decimal)
	count := 0
	err := billing.ForEachBill(ctx, bills, pageSize, func(b *billing.Bill) error {
		key := notify.NormalizeEmail(b.Email)
		totals[key] = totals[key].Add(decimal.NewFromFloat(b.Total))
		count++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return totals, count, nil
}

// Run aggregates and notifies. A scan failure aborts before anything is sent.
// Per-recipient failures are logged and counted but do not fail the run.
func (a *Aggregator) Run(ctx context.Context) (*Summary, error) {
	start := a.clock.Now()
	month := ReportingMonth(start.In(a.location)).String()

	totals, count, err := Totals(ctx, a.bills, a.pageSize)
	if err != nil {
		metrics.IncreaseAggregationRuns("failed")
		return nil, fmt.Errorf("aggregating bills: %w", err)
	}

	summary := &Summary{
		Month:      month,
		Bills:      count,
		Recipients: len(totals),
		Totals:     totals,
	}
	slog.Info("Aggregated bills", "month", month, "bills", count, "recipients", len(totals))

	emails := make([]string, 0, len(totals))
	for email := range totals {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	run := a.gateway.NewRun()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, email := range emails {
		wg.Add(1)
		go func(email string, total decimal.Decimal) {
			defer wg.Done()
			outcome, err := a.report(ctx, run, email, month, total)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				slog.Error("Failed to send monthly report", "email", email, "error", err)
				return
			}
			switch outcome {
			case notify.Delivered:
				summary.Delivered++
			case notify.VerificationRequested:
				summary.VerificationRequested++
			case notify.VerificationPending:
				summary.VerificationPending++
			}
		}(email, totals[email])
	}
	wg.Wait()

	metrics.IncreaseAggregationRuns("succeeded")
	slog.Info("Aggregation finished",
		"month", month,
		"delivered", summary.Delivered,
		"verificationRequested", summary.VerificationRequested,
		"failed", summary.Failed,
		"duration", time.Since(start))
	return summary, nil
}

func (a *Aggregator) report(ctx context.Context, run *notify.Run, email, month string, total decimal.Decimal) (notify.Outcome, error) {
	n, err := notify.Compose(email, notify.MonthlyReport, notify.ReportData{
		Month:  month,
		Amount: billing.FormatAmount(total),
	})
	if err != nil {
		return 0, err
	}
	return run.Notify(ctx, n)
}
