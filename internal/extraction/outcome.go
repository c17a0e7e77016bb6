package extraction

import (
	"fmt"
	"strings"

	"github.com/zombor/billify/internal/billing"
	"github.com/zombor/billify/internal/scanning"
)

// FailurePolicy decides what happens to a job whose document could not be analyzed
type FailurePolicy int

const (
	// Commit persists a zero-total bill so the job still completes
	Commit FailurePolicy = iota
	// Quarantine persists nothing and dead-letters the job
	Quarantine
)

func (p FailurePolicy) String() string {
	if p == Quarantine {
		return "quarantine"
	}
	return "commit"
}

// ParseFailurePolicy parses a --failure-policy value
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "commit":
		return Commit, nil
	case "quarantine":
		return Quarantine, nil
	default:
		return Commit, fmt.Errorf("unknown failure policy %q (want commit or quarantine)", s)
	}
}

// Outcome is the result of analyzing one document: Extracted or Failed
type Outcome interface {
	isOutcome()
}

// Extracted carries the mapped invoice fields
type Extracted struct {
	Total      float64
	VendorName string
}

// Failed carries the reason analysis did not produce fields
type Failed struct {
	Reason error
}

func (Extracted) isOutcome() {}
func (Failed) isOutcome()    {}

// MapFields turns detected fields into invoice values. A later field of the
// same type overwrites an earlier one. Unparseable totals become zero.
func MapFields(fields []scanning.Field) Extracted {
	var out Extracted
	for _, f := range fields {
		switch f.Type {
		case scanning.FieldTotal:
			out.Total, _ = billing.ParseAmount(f.Text)
		case scanning.FieldVendorName:
			out.VendorName = strings.TrimSpace(f.Text)
		}
	}
	return out
}

func newOutcome(fields []scanning.Field, err error) Outcome {
	if err != nil {
		return Failed{Reason: err}
	}
	return MapFields(fields)
}
