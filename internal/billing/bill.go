package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidJob is returned when a queued payload cannot be turned into a Job
	ErrInvalidJob = errors.New("invalid job")

	// ErrBillExists is returned by InsertBill when a bill with the same ID is already stored
	ErrBillExists = errors.New("bill already exists")

	// ErrBillNotFound is returned when a bill lookup misses
	ErrBillNotFound = errors.New("bill not found")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Job is a unit of queued work referencing an uploaded, not-yet-processed document
type Job struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Email       string `json:"email" validate:"required"`
	DocumentRef string `json:"documentRef" validate:"required"`
	Timestamp   string `json:"timestamp" validate:"required"`
}

// Bill is the persisted record of one processed invoice
type Bill struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Total      float64 `json:"total"`
	Timestamp  string  `json:"timestamp"`
	VendorName string  `json:"vendorName,omitempty"`
	TTL        int64   `json:"ttl,omitempty"` // Unix seconds; zero means the bill never expires
}

// Validate reports whether every field of the job is present
func (j Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	for _, f := range []struct{ name, value string }{
		{"id", j.ID},
		{"name", j.Name},
		{"email", j.Email},
		{"documentRef", j.DocumentRef},
		{"timestamp", j.Timestamp},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is blank", ErrInvalidJob, f.name)
		}
	}
	return nil
}

// DecodeJob decodes a queue payload into a validated Job
func DecodeJob(body []byte) (Job, error) {
	var job Job
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&job); err != nil {
		return Job{}, fmt.Errorf("%w: decoding payload: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// EncodeJob serializes a job into its queue payload
func EncodeJob(job Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}
	return data, nil
}

// NewBill creates a bill carrying the identity fields of the job that produced it
func NewBill(job Job, total float64, vendorName string) *Bill {
	if total < 0 {
		total = 0
	}
	return &Bill{
		ID:         job.ID,
		Name:       job.Name,
		Email:      job.Email,
		Total:      total,
		Timestamp:  job.Timestamp,
		VendorName: strings.TrimSpace(vendorName),
	}
}

// ExpireAfter sets the bill's expiry attribute relative to now. A non-positive
// retention leaves the bill without expiry.
func (b *Bill) ExpireAfter(now time.Time, retention time.Duration) {
	if retention <= 0 {
		b.TTL = 0
		return
	}
	b.TTL = now.Add(retention).Unix()
}

// Expired reports whether the bill's expiry attribute has passed
func (b *Bill) Expired(now time.Time) bool {
	return b.TTL > 0 && b.TTL <= now.Unix()
}
