package notify

import (
	"context"
	"crypto/subtle"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identities is the Email Service's verification surface
type Identities interface {
	// Status returns the verification state of email
	Status(ctx context.Context, email string) (VerificationState, error)
	// RequestVerification sends email a confirmation link and marks it Pending
	RequestVerification(ctx context.Context, email string) error
	// Confirm marks email Verified when token matches its pending request
	Confirm(ctx context.Context, email, token string) error
}

// Identity is the persisted verification record of one address
type Identity struct {
	Email       string            `json:"email"`
	State       VerificationState `json:"state"`
	Token       string            `json:"token,omitempty"`
	RequestedAt time.Time         `json:"requestedAt,omitempty"`
	VerifiedAt  time.Time         `json:"verifiedAt,omitempty"`
}

// IdentityStore persists identities
type IdentityStore interface {
	// GetIdentity returns nil and no error when email has no record
	GetIdentity(ctx context.Context, email string) (*Identity, error)
	SaveIdentity(ctx context.Context, identity *Identity) error
}

// TokenGenerator issues verification tokens
type TokenGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidTokens struct{}

func (uuidTokens) Generate() string { return uuid.NewString() }

type realTime struct{}

func (realTime) Now() time.Time { return time.Now().UTC() }

// IdentityService implements Identities on an IdentityStore. Confirmation links
// are mailed directly through the Sender since they precede verification.
type IdentityService struct {
	store     IdentityStore
	sender    Sender
	publicURL string
	tokenTTL  time.Duration
	tokens    TokenGenerator
	clock     TimeSource
}

// NewIdentityService creates an IdentityService. A non-positive tokenTTL means tokens never go stale.
func NewIdentityService(store IdentityStore, sender Sender, publicURL string, tokenTTL time.Duration) *IdentityService {
	return NewIdentityServiceWithDeps(store, sender, publicURL, tokenTTL, uuidTokens{}, realTime{})
}

// NewIdentityServiceWithDeps creates an IdentityService with custom token and time sources (for testing)
func NewIdentityServiceWithDeps(store IdentityStore, sender Sender, publicURL string, tokenTTL time.Duration, tokens TokenGenerator, clock TimeSource) *IdentityService {
	return &IdentityService{
		store:     store,
		sender:    sender,
		publicURL: strings.TrimRight(publicURL, "/"),
		tokenTTL:  tokenTTL,
		tokens:    tokens,
		clock:     clock,
	}
}

// Status returns Unknown for addresses that were never seen
func (s *IdentityService) Status(ctx context.Context, email string) (VerificationState, error) {
	identity, err := s.store.GetIdentity(ctx, NormalizeEmail(email))
	if err != nil {
		return Unknown, fmt.Errorf("getting identity: %w", err)
	}
	if identity == nil {
		return Unknown, nil
	}
	return identity.State, nil
}

// RequestVerification mails a confirmation link. A pending request whose token
// is still live is mailed again with the same token, so earlier links keep
// working. Verified addresses are left alone.
func (s *IdentityService) RequestVerification(ctx context.Context, email string) error {
	key := NormalizeEmail(email)
	if key == "" {
		return fmt.Errorf("requesting verification: empty email")
	}

	identity, err := s.store.GetIdentity(ctx, key)
	if err != nil {
		return fmt.Errorf("getting identity: %w", err)
	}
	if identity != nil && identity.State == Verified {
		return nil
	}

	if !s.live(identity) {
		identity = &Identity{
			Email:       key,
			State:       Pending,
			Token:       s.tokens.Generate(),
			RequestedAt: s.clock.Now(),
		}
		if err := s.store.SaveIdentity(ctx, identity); err != nil {
			return fmt.Errorf("saving identity: %w", err)
		}
	}

	if err := s.sender.Send(ctx, s.verificationMail(identity)); err != nil {
		return fmt.Errorf("sending verification mail: %w", err)
	}

	slog.Info("Verification requested", "email", key)
	return nil
}

// Confirm verifies email when token matches a pending, unexpired request
func (s *IdentityService) Confirm(ctx context.Context, email, token string) error {
	key := NormalizeEmail(email)
	identity, err := s.store.GetIdentity(ctx, key)
	if err != nil {
		return fmt.Errorf("getting identity: %w", err)
	}
	if identity == nil || token == "" {
		return ErrInvalidToken
	}
	if identity.State == Verified {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(identity.Token), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	if s.expired(identity) {
		return fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	identity.State = Verified
	identity.Token = ""
	identity.VerifiedAt = s.clock.Now()
	if err := s.store.SaveIdentity(ctx, identity); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}

	slog.Info("Email verified", "email", key)
	return nil
}

// live reports whether identity holds a pending token that can still be confirmed
func (s *IdentityService) live(identity *Identity) bool {
	return identity != nil && identity.State == Pending && identity.Token != "" && !s.expired(identity)
}

func (s *IdentityService) expired(identity *Identity) bool {
	return s.tokenTTL > 0 && s.clock.Now().Sub(identity.RequestedAt) > s.tokenTTL
}

func (s *IdentityService) verificationMail(identity *Identity) Notification {
	link := fmt.Sprintf("%s/verify?%s", s.publicURL, url.Values{
		"email": {identity.Email},
		"token": {identity.Token},
	}.Encode())

	return Notification{
		To:      identity.Email,
		Subject: "Verify your email address for Billify",
		Text: "Billify will email you when your invoices are processed.\r\n" +
			"Confirm this address by opening the link below:\r\n\r\n" + link + "\r\n\r\nThanks,\r\nBillify\r\n",
		HTML: fmt.Sprintf(`<p>Billify will email you when your invoices are processed.</p><p><a href="%s">Confirm this address</a></p><p>Thanks,<br>Billify</p>`,
			html.EscapeString(link)),
	}
}
