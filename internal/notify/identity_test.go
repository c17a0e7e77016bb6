package notify_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"

	"github.com/zombor/billify/internal/notify"
)

type staticTokens struct{ token string }

func (s staticTokens) Generate() string { return s.token }

type sequentialTokens struct{ issued int }

func (s *sequentialTokens) Generate() string {
	s.issued++
	return fmt.Sprintf("tok-%d", s.issued)
}

var tokenPattern = regexp.MustCompile(`token=([0-9a-zA-Z-]+)`)

func mailedToken(n notify.Notification) string {
	match := tokenPattern.FindStringSubmatch(n.Text)
	Expect(match).To(HaveLen(2))
	return match[1]
}

type fixedClock struct{ now time.Time }

func (f *fixedClock) Now() time.Time { return f.now }

var _ = Describe("IdentityService", func() {
	var (
		ctx     context.Context
		db      *bbolt.DB
		store   *notify.BoltIdentityStore
		sender  *mockSender
		clock   *fixedClock
		service *notify.IdentityService
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = bbolt.Open(filepath.Join(GinkgoT().TempDir(), "identities.db"), 0600, nil)
		Expect(err).NotTo(HaveOccurred())
		store, err = notify.NewBoltIdentityStore(db)
		Expect(err).NotTo(HaveOccurred())

		sender = &mockSender{}
		clock = &fixedClock{now: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)}
		service = notify.NewIdentityServiceWithDeps(store, sender, "https://billify.example.com/", 24*time.Hour, staticTokens{"tok-1"}, clock)
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("Status", func() {
		It("should report unknown addresses", func() {
			state, err := service.Status(ctx, "nobody@example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(notify.Unknown))
		})
	})

	Describe("RequestVerification", func() {
		var err error

		JustBeforeEach(func() {
			err = service.RequestVerification(ctx, "Ada@Example.com")
		})

		It("should mark the address pending", func() {
			Expect(err).NotTo(HaveOccurred())
			state, statusErr := service.Status(ctx, "ada@example.com")
			Expect(statusErr).NotTo(HaveOccurred())
			Expect(state).To(Equal(notify.Pending))
		})

		It("should mail a confirmation link", func() {
			Expect(sender.Sent()).To(HaveLen(1))
			mail := sender.Sent()[0]
			Expect(mail.To).To(Equal("ada@example.com"))
			Expect(mail.Text).To(ContainSubstring("https://billify.example.com/verify?email=ada%40example.com&token=tok-1"))
		})

		When("the address is already verified", func() {
			BeforeEach(func() {
				Expect(store.SaveIdentity(ctx, &notify.Identity{Email: "ada@example.com", State: notify.Verified})).To(Succeed())
			})

			It("should not send anything", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(sender.Sent()).To(BeEmpty())
			})
		})

		When("the mail cannot be sent", func() {
			BeforeEach(func() {
				sender.sendErr = errors.New("relay denied")
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("relay denied")))
			})
		})
	})

	Describe("repeated RequestVerification", func() {
		It("should mail the same uuid token so the first link still confirms", func() {
			service = notify.NewIdentityService(store, sender, "https://billify.example.com", time.Hour)

			Expect(service.RequestVerification(ctx, "ada@example.com")).To(Succeed())
			Expect(service.RequestVerification(ctx, "ADA@example.com")).To(Succeed())

			Expect(sender.Sent()).To(HaveLen(2))
			first := mailedToken(sender.Sent()[0])
			Expect(first).To(MatchRegexp(`^[0-9a-f]{8}-[0-9a-f]{4}-`))
			Expect(mailedToken(sender.Sent()[1])).To(Equal(first))

			Expect(service.Confirm(ctx, "ada@example.com", first)).To(Succeed())
			state, err := service.Status(ctx, "ada@example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(notify.Verified))
		})

		It("should issue a new token once the old one has gone stale", func() {
			tokens := &sequentialTokens{}
			service = notify.NewIdentityServiceWithDeps(store, sender, "https://billify.example.com", 24*time.Hour, tokens, clock)

			Expect(service.RequestVerification(ctx, "ada@example.com")).To(Succeed())
			clock.now = clock.now.Add(25 * time.Hour)
			Expect(service.RequestVerification(ctx, "ada@example.com")).To(Succeed())

			Expect(mailedToken(sender.Sent()[0])).To(Equal("tok-1"))
			Expect(mailedToken(sender.Sent()[1])).To(Equal("tok-2"))
			Expect(service.Confirm(ctx, "ada@example.com", "tok-1")).To(MatchError(notify.ErrInvalidToken))
			Expect(service.Confirm(ctx, "ada@example.com", "tok-2")).To(Succeed())
		})
	})

	Describe("Confirm", func() {
		BeforeEach(func() {
			Expect(service.RequestVerification(ctx, "ada@example.com")).To(Succeed())
		})

		It("should verify the address with the right token", func() {
			Expect(service.Confirm(ctx, "ada@example.com", "tok-1")).To(Succeed())
			state, err := service.Status(ctx, "ada@example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(notify.Verified))
		})

		It("should reject the wrong token", func() {
			Expect(service.Confirm(ctx, "ada@example.com", "nope")).To(MatchError(notify.ErrInvalidToken))
		})

		It("should reject unknown addresses", func() {
			Expect(service.Confirm(ctx, "eve@example.com", "tok-1")).To(MatchError(notify.ErrInvalidToken))
		})

		It("should reject stale tokens", func() {
			clock.now = clock.now.Add(25 * time.Hour)
			Expect(service.Confirm(ctx, "ada@example.com", "tok-1")).To(MatchError(notify.ErrInvalidToken))
		})
	})
})
