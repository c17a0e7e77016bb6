package notify_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/billify/internal/notify"
)

// smtpServer accepts plain SMTP sessions and holds each one at MAIL FROM
// until `hold` sessions are open or the wait runs out.
type smtpServer struct {
	listener net.Listener
	hold     int
	wait     time.Duration

	mu        sync.Mutex
	open      int
	peak      int
	delivered int
	arrived   chan struct{}
}

func newSMTPServer(hold int, wait time.Duration) *smtpServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	s := &smtpServer{listener: l, hold: hold, wait: wait, arrived: make(chan struct{})}
	go s.serve()
	return s
}

func (s *smtpServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *smtpServer) close() {
	s.listener.Close()
}

func (s *smtpServer) stats() (peak, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak, s.delivered
}

func (s *smtpServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *smtpServer) enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open++
	if s.open > s.peak {
		s.peak = s.open
	}
	if s.open == s.hold {
		close(s.arrived)
		s.arrived = make(chan struct{})
	}
}

func (s *smtpServer) leave(delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open--
	if delivered {
		s.delivered++
	}
}

func (s *smtpServer) session(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }

	reply("220 localhost ESMTP")
	entered, delivered := false, false
	defer func() {
		if entered {
			s.leave(delivered)
		}
	}()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			s.mu.Lock()
			arrived := s.arrived
			s.mu.Unlock()
			s.enter()
			entered = true
			select {
			case <-arrived:
			case <-time.After(s.wait):
			}
			reply("250 OK")
		case cmd == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			for {
				body, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(body, "\r\n") == "." {
					break
				}
			}
			delivered = true
			reply("250 OK")
		case cmd == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("250 OK")
		}
	}
}

var _ = Describe("SMTPSender", func() {
	var (
		server      *smtpServer
		maxSessions int
		sends       int
		sender      *notify.SMTPSender
		err         error
	)

	BeforeEach(func() {
		maxSessions = 3
		sends = 3
	})

	JustBeforeEach(func() {
		server = newSMTPServer(maxSessions, 250*time.Millisecond)
		DeferCleanup(server.close)

		sender, err = notify.NewSMTPSender(notify.SMTPConfig{
			Host:        "127.0.0.1",
			Port:        server.port(),
			From:        "billify@example.com",
			MaxSessions: maxSessions,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < sends; i++ {
			g.Go(func() error {
				return sender.Send(gctx, notify.Notification{
					To:      "jane@example.com",
					Subject: "Monthly bill summary",
					Text:    "Total: 15.00",
					HTML:    "<p>Total: 15.00</p>",
				})
			})
		}
		err = g.Wait()
	})

	It("delivers every message", func() {
		Expect(err).NotTo(HaveOccurred())
		_, delivered := server.stats()
		Expect(delivered).To(Equal(sends))
	})

	It("runs sessions side by side", func() {
		peak, _ := server.stats()
		Expect(peak).To(Equal(maxSessions))
	})

	Context("when limited to one session", func() {
		BeforeEach(func() {
			maxSessions = 1
		})

		It("opens them one at a time", func() {
			Expect(err).NotTo(HaveOccurred())
			peak, delivered := server.stats()
			Expect(peak).To(Equal(1))
			Expect(delivered).To(Equal(sends))
		})
	})

	Context("when the context is already done", func() {
		It("gives up before dialing", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			sendErr := sender.Send(ctx, notify.Notification{To: "jane@example.com", Subject: "s", Text: "t"})
			Expect(sendErr).To(HaveOccurred())
		})
	})
})

var _ = Describe("NewSMTPSender", func() {
	It("requires a sender address", func() {
		_, err := notify.NewSMTPSender(notify.SMTPConfig{Host: "localhost", Port: 25})
		Expect(err).To(MatchError(ContainSubstring("sender address is required")))
	})
})
