// Package mail delivers plain text notification emails over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const fallbackFrom = "no-reply@example.com"

// Message is a single plain text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// ConfigurationError means the transport is missing required setup. It is a
// deployment defect, not a transient failure.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "smtp configuration is incomplete: missing " + strings.Join(e.Missing, ", ")
}

// SendError wraps a transport level failure for one recipient.
type SendError struct {
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send email to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Config is the required properties to reach the SMTP relay.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	From        string
	ImplicitTLS bool
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SMTP sends messages through an SMTP relay. The configuration is checked on
// every send so a misconfigured relay surfaces per message instead of
// preventing startup.
type SMTP struct {
	cfg  Config
	dial dialFunc
	now  func() time.Time
}

func NewSMTP(cfg Config) *SMTP {
	var d net.Dialer
	dial := d.DialContext
	if cfg.ImplicitTLS {
		td := tls.Dialer{Config: &tls.Config{ServerName: cfg.Host}}
		dial = td.DialContext
	}
	return &SMTP{cfg: cfg, dial: dial, now: time.Now}
}

// From returns the sender address: the configured From, then the SMTP user,
// then a no-reply fallback.
func (s *SMTP) From() string {
	switch {
	case s.cfg.From != "":
		return s.cfg.From
	case strings.Contains(s.cfg.User, "@"):
		return s.cfg.User
	default:
		return fallbackFrom
	}
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if msg.To == "" || msg.Subject == "" || msg.Body == "" {
		return errors.New("to, subject and body are required")
	}
	if err := s.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &SendError{Recipient: msg.To, Err: err}
	}

	raw, err := compose(s.From(), msg, s.now())
	if err != nil {
		return &SendError{Recipient: msg.To, Err: err}
	}

	var auth sasl.Client
	if s.cfg.User != "" {
		auth = sasl.NewPlainClient("", s.cfg.User, s.cfg.Password)
	}

	if err := s.deliver(ctx, auth, msg.To, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return &SendError{Recipient: msg.To, Err: err}
	}
	return nil
}

// deliver runs one SMTP session. The connection is bounded by ctx: its
// deadline becomes the connection deadline and cancellation closes it.
func (s *SMTP) deliver(ctx context.Context, auth sasl.Client, to string, raw []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := smtp.NewClient(conn)
	defer c.Close()

	if !s.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.SendMail(s.From(), []string{to}, bytes.NewReader(raw)); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTP) validate() error {
	var missing []string
	if s.cfg.Host == "" {
		missing = append(missing, "host")
	}
	if s.cfg.Port <= 0 {
		missing = append(missing, "port")
	}
	if s.cfg.User != "" && s.cfg.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

func compose(from string, msg Message, now time.Time) ([]byte, error) {
	var h gomail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*gomail.Address{{Address: from}})
	h.SetAddressList("To", []*gomail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}
