package mail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type capturedSend struct {
	user string
	from string
	to   []string
	raw  []byte
}

// relay is an in-process SMTP server that records every message it accepts.
type relay struct {
	mu      sync.Mutex
	sent    []capturedSend
	rcptErr error
}

func (r *relay) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &relaySession{relay: r}, nil
}

func (r *relay) messages() []capturedSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturedSend(nil), r.sent...)
}

type relaySession struct {
	relay *relay
	cur   capturedSend
}

func (s *relaySession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *relaySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if password != "secret" {
			return errors.New("bad credentials")
		}
		s.cur.user = username
		return nil
	}), nil
}

// AuthPlain satisfies the go-smtp v0.20 Session interface by routing the
// credentials through the same SASL PLAIN server as Auth.
func (s *relaySession) AuthPlain(username, password string) error {
	srv, err := s.Auth(sasl.Plain)
	if err != nil {
		return err
	}
	_, _, err = srv.Next([]byte("\x00" + username + "\x00" + password))
	return err
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.relay.rcptErr != nil {
		return s.relay.rcptErr
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.raw = raw
	s.relay.mu.Lock()
	s.relay.sent = append(s.relay.sent, s.cur)
	s.relay.mu.Unlock()
	return nil
}

func (s *relaySession) Reset()        { s.cur = capturedSend{user: s.cur.user} }
func (s *relaySession) Logout() error { return nil }

// startRelay serves be on a loopback port and returns the host and port.
func startRelay(t *testing.T, be *relay) (string, int) {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestSMTP(cfg Config) *SMTP {
	s := NewSMTP(cfg)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSendComposesMessage(t *testing.T) {
	be := &relay{}
	host, port := startRelay(t, be)
	s := newTestSMTP(Config{Host: host, Port: port, User: "bot@example.com", Password: "secret", From: "team@example.com"})

	err := s.Send(context.Background(), Message{To: "ada@x.com", Subject: "Thanks for your submission", Body: "Hi Ada,\n\nThanks."})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := be.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	got := sent[0]
	if got.from != "team@example.com" || len(got.to) != 1 || got.to[0] != "ada@x.com" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.user != "bot@example.com" {
		t.Fatalf("expected PLAIN auth as the configured user, got %q", got.user)
	}

	e, err := message.Read(bytes.NewReader(got.raw))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	h := gomail.Header{Header: e.Header}
	subject, err := h.Subject()
	if err != nil || subject != "Thanks for your submission" {
		t.Fatalf("unexpected subject %q err=%v", subject, err)
	}
	to, err := h.AddressList("To")
	if err != nil || len(to) != 1 || to[0].Address != "ada@x.com" {
		t.Fatalf("unexpected To header %v err=%v", to, err)
	}
	body, _ := io.ReadAll(e.Body)
	if !strings.Contains(string(body), "Hi Ada,") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestSendConfigurationError(t *testing.T) {
	s := newTestSMTP(Config{})

	err := s.Send(context.Background(), Message{To: "ada@x.com", Subject: "s", Body: "b"})
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(cerr.Missing) != 2 {
		t.Fatalf("expected host and port missing, got %v", cerr.Missing)
	}
}

func TestSendWrapsTransportFailure(t *testing.T) {
	be := &relay{rcptErr: errors.New("mailbox unavailable")}
	host, port := startRelay(t, be)
	s := newTestSMTP(Config{Host: host, Port: port})

	err := s.Send(context.Background(), Message{To: "ada@x.com", Subject: "s", Body: "b"})
	var serr *SendError
	if !errors.As(err, &serr) || serr.Recipient != "ada@x.com" {
		t.Fatalf("expected SendError, got %v", err)
	}
	if len(be.messages()) != 0 {
		t.Fatalf("a rejected recipient must not be delivered")
	}
}

func TestSendBoundedByContext(t *testing.T) {
	// A relay that accepts the connection but never greets.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	s := newTestSMTP(Config{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = s.Send(ctx, Message{To: "ada@x.com", Subject: "s", Body: "b"})
	var serr *SendError
	if !errors.As(err, &serr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected SendError on deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("send outlived its context: %s", elapsed)
	}
}

func TestFromFallback(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{From: "team@example.com", User: "bot@example.com"}, "team@example.com"},
		{Config{User: "bot@example.com"}, "bot@example.com"},
		{Config{User: "apikey"}, fallbackFrom},
		{Config{}, fallbackFrom},
	}
	for _, tt := range tests {
		if got := NewSMTP(tt.cfg).From(); got != tt.want {
			t.Fatalf("From() with %+v = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestSendRequiresFields(t *testing.T) {
	s := newTestSMTP(Config{Host: "localhost", Port: 25})
	if err := s.Send(context.Background(), Message{To: "ada@x.com"}); err == nil {
		t.Fatalf("expected missing subject/body to fail")
	}
}
