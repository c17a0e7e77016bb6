package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zombor/billify/internal/billing"
	"github.com/zombor/billify/internal/notify"
	"github.com/zombor/billify/internal/queue"
	"github.com/zombor/billify/internal/storage"
)

// ErrInvalidSubmission is returned when an upload is missing its file, name or a valid email
var ErrInvalidSubmission = errors.New("invalid submission")

var validate = validator.New(validator.WithRequiredStructEnabled())

// IDGenerator generates job IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Verifier starts email verification for a submitter
type Verifier interface {
	EnsureVerification(ctx context.Context, email string) (notify.VerificationState, error)
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now() }

// Upload is a submitted document
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Receipt acknowledges an accepted submission
type Receipt struct {
	JobID string
	Name  string
	Email string
}

type submission struct {
	Name     string `validate:"required"`
	Email    string `validate:"required,email"`
	Filename string `validate:"required"`
	Size     int    `validate:"gt=0"`
}

// Service stores submitted documents and hands a job for each to the queue
type Service struct {
	docs       storage.Storage
	publisher  queue.Publisher
	verifier   Verifier
	idGen      IDGenerator
	timeSource TimeSource
}

// NewService creates a Service. verifier may be nil to skip verification on intake.
func NewService(docs storage.Storage, publisher queue.Publisher, verifier Verifier) *Service {
	return NewServiceWithDeps(docs, publisher, verifier, uuidGenerator{}, defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom ID and time sources (for testing)
func NewServiceWithDeps(docs storage.Storage, publisher queue.Publisher, verifier Verifier, idGen IDGenerator, timeSource TimeSource) *Service {
	return &Service{
		docs:       docs,
		publisher:  publisher,
		verifier:   verifier,
		idGen:      idGen,
		timeSource: timeSource,
	}
}

// Submit stores the document, then publishes a job referencing it. A publish
// failure leaves the stored document in place.
func (s *Service) Submit(ctx context.Context, upload Upload, name, email string) (*Receipt, error) {
	name = strings.TrimSpace(name)
	email = notify.NormalizeEmail(email)

	if err := validate.Struct(submission{
		Name:     name,
		Email:    email,
		Filename: strings.TrimSpace(upload.Filename),
		Size:     len(upload.Data),
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	ref, err := s.docs.Save(ctx, upload.Filename, upload.ContentType, upload.Data)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		return nil, fmt.Errorf("storing document: %w", err)
	}

	job := billing.Job{
		ID:          s.idGen.Generate(),
		Name:        name,
		Email:       email,
		DocumentRef: ref,
		Timestamp:   s.timeSource.Now().UTC().Format(time.RFC3339),
	}
	body, err := billing.EncodeJob(job)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, body); err != nil {
		return nil, fmt.Errorf("publishing job: %w", err)
	}
	slog.Info("Invoice submitted", "jobID", job.ID, "email", email, "documentRef", ref, "size", len(upload.Data))

	if s.verifier != nil {
		if state, err := s.verifier.EnsureVerification(ctx, email); err != nil {
			slog.Warn("Could not start verification", "email", email, "error", err)
		} else if !notify.Gate(state) {
			slog.Info("Verification requested for submitter", "email", email)
		}
	}

	return &Receipt{JobID: job.ID, Name: name, Email: email}, nil
}
