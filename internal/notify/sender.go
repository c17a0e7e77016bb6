package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxSessions caps concurrent SMTP sessions when SMTPConfig leaves it unset
const DefaultMaxSessions = 4

// Notification is a composed email
type Notification struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers composed notifications
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// NoopSender logs notifications instead of sending them.
// It is used when no SMTP host is configured.
type NoopSender struct{}

// Send logs the notification
func (NoopSender) Send(ctx context.Context, n Notification) error {
	slog.Info("Email delivery disabled, dropping message", "to", n.To, "subject", n.Subject)
	return nil
}

// SMTPConfig holds the mail server settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// MaxSessions bounds how many SMTP sessions are open at once
	MaxSessions int
}

// SMTPSender delivers notifications as multipart/alternative mail over SMTP.
// Every Send opens its own session, so concurrent callers only wait on the
// session limit.
type SMTPSender struct {
	client   *mail.Client
	from     string
	sessions *semaphore.Weighted
}

// NewSMTPSender creates an SMTPSender. Authentication is enabled when a username is set.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	return &SMTPSender{
		client:   client,
		from:     cfg.From,
		sessions: semaphore.NewWeighted(int64(cfg.MaxSessions)),
	}, nil
}

// Send builds the message and delivers it in its own SMTP session
func (s *SMTPSender) Send(ctx context.Context, n Notification) error {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("setting sender %s: %w", s.from, err)
	}
	if err := msg.To(n.To); err != nil {
		return fmt.Errorf("setting recipient %s: %w", n.To, err)
	}
	msg.Subject(n.Subject)
	msg.SetBodyString(mail.TypeTextPlain, n.Text)
	if n.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, n.HTML)
	}

	if err := s.sessions.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for an smtp session: %w", err)
	}
	defer s.sessions.Release(1)
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail to %s: %w", n.To, err)
	}
	return nil
}
