package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/billify/internal/metrics"
	"github.com/zombor/billify/internal/storage"
)

// Fetcher resolves a document reference to its contents
type Fetcher interface {
	Get(ctx context.Context, key string) (*storage.Object, error)
}

// Analyzer resolves a document reference through the document store and runs
// the configured Scanner on it
type Analyzer struct {
	docs    Fetcher
	scanner Scanner
	timeout time.Duration
}

// NewAnalyzer creates an Analyzer. A non-positive timeout means no per-document limit.
func NewAnalyzer(docs Fetcher, scanner Scanner, timeout time.Duration) *Analyzer {
	return &Analyzer{docs: docs, scanner: scanner, timeout: timeout}
}

// Analyze returns the fields detected in the document stored under ref
func (a *Analyzer) Analyze(ctx context.Context, ref string) ([]Field, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	obj, err := a.docs.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching document %s: %w", ref, err)
	}

	start := time.Now()
	fields, err := a.scanner.ScanDocument(ctx, obj.Data, obj.ContentType)
	metrics.ObserveAnalysisDuration(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("analyzing document %s: %w", ref, err)
	}

	slog.Debug("Analyzed document", "ref", ref, "fields", len(fields), "duration", time.Since(start))
	return fields, nil
}
