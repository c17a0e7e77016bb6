package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/billify/internal/metrics"
)

// Outcome is the result of a gated notification attempt
type Outcome int

const (
	// Delivered means the notification was handed to the Sender
	Delivered Outcome = iota + 1
	// VerificationRequested means the recipient was unverified and a request was issued
	VerificationRequested
	// VerificationPending means a request was already issued earlier in the same run
	VerificationPending
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case VerificationRequested:
		return "verification_requested"
	case VerificationPending:
		return "verification_pending"
	default:
		return "none"
	}
}

// Gateway delivers notifications only to verified recipients
type Gateway struct {
	identities Identities
	sender     Sender
}

// NewGateway creates a Gateway
func NewGateway(identities Identities, sender Sender) *Gateway {
	return &Gateway{identities: identities, sender: sender}
}

// NewRun starts a scope within which each unverified recipient gets at most
// one verification request. A Run is safe for concurrent use.
func (g *Gateway) NewRun() *Run {
	return &Run{gateway: g, requested: make(map[string]bool)}
}

// EnsureVerification requests verification for email unless it is already verified.
// It returns the state the address had before the call.
func (g *Gateway) EnsureVerification(ctx context.Context, email string) (VerificationState, error) {
	state, err := g.identities.Status(ctx, email)
	if err != nil {
		return Unknown, fmt.Errorf("checking verification for %s: %w", email, err)
	}
	if Gate(state) {
		return state, nil
	}
	if err := g.identities.RequestVerification(ctx, email); err != nil {
		return state, fmt.Errorf("requesting verification for %s: %w", email, err)
	}
	return state, nil
}

// Run scopes verification request dedup to one invocation
type Run struct {
	gateway *Gateway

	mu        sync.Mutex
	requested map[string]bool
}

// Notify sends n if its recipient is verified. Otherwise it requests
// verification once per run and nothing is sent.
func (r *Run) Notify(ctx context.Context, n Notification) (Outcome, error) {
	g := r.gateway
	key := NormalizeEmail(n.To)

	state, err := g.identities.Status(ctx, key)
	if err != nil {
		metrics.IncreaseNotificationsTotal("error")
		return 0, fmt.Errorf("checking verification for %s: %w", key, err)
	}

	if Gate(state) {
		if err := g.sender.Send(ctx, n); err != nil {
			metrics.IncreaseNotificationsTotal("error")
			return 0, fmt.Errorf("delivering to %s: %w", key, err)
		}
		metrics.IncreaseNotificationsTotal(Delivered.String())
		slog.Info("Notification delivered", "to", key, "subject", n.Subject)
		return Delivered, nil
	}

	r.mu.Lock()
	if r.requested[key] {
		r.mu.Unlock()
		metrics.IncreaseNotificationsTotal(VerificationPending.String())
		return VerificationPending, nil
	}
	r.requested[key] = true
	r.mu.Unlock()

	if err := g.identities.RequestVerification(ctx, key); err != nil {
		r.mu.Lock()
		delete(r.requested, key)
		r.mu.Unlock()
		metrics.IncreaseNotificationsTotal("error")
		return 0, fmt.Errorf("requesting verification for %s: %w", key, err)
	}

	metrics.IncreaseNotificationsTotal(VerificationRequested.String())
	slog.Info("Recipient not verified, verification requested", "to", key, "state", state)
	return VerificationRequested, nil
}
