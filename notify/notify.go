// Package notify sends the emails that follow a lead submission: an
// acknowledgement to the prospect and, when configured, an alert to the
// reviewer.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/phbpx/leads"
	"github.com/phbpx/leads/mail"
	"github.com/phbpx/leads/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidLead is returned when the lead snapshot lacks an id or email.
var ErrInvalidLead = errors.New("invalid lead snapshot")

// Mailer delivers one message.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Kind identifies the recipient of a notification.
type Kind string

const (
	KindProspect Kind = "prospect"
	KindReviewer Kind = "reviewer"
)

// Result is the outcome of one send.
type Result struct {
	Kind Kind
	To   string
	Err  error
}

// Report collects the outcome of every send of one dispatch.
type Report struct {
	LeadID  string
	Results []Result
}

// Failed returns the sends that did not succeed.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins the errors of every failed send.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", res.Kind, res.Err))
	}
	return errors.Join(errs...)
}

type outgoing struct {
	kind Kind
	msg  mail.Message
}

type Notifier struct {
	mailer   Mailer
	reviewer string
	log      *otelzap.SugaredLogger
}

// New builds a notifier. An empty reviewer disables the reviewer alert.
func New(mailer Mailer, reviewer string, log *otelzap.SugaredLogger) *Notifier {
	return &Notifier{
		mailer:   mailer,
		reviewer: reviewer,
		log:      log,
	}
}

// Dispatch sends every message for the lead concurrently. A failed send is
// logged and recorded in the report; it never stops the other send.
func (n *Notifier) Dispatch(ctx context.Context, lead leads.Lead) (Report, error) {
	if lead.ID == "" || lead.Email == "" {
		return Report{}, ErrInvalidLead
	}

	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "notify.dispatch")
	span.SetAttributes(attribute.String("lead.id", lead.ID))
	defer span.End()

	msgs := n.messages(lead)
	if n.reviewer == "" {
		n.log.Ctx(ctx).Infow("notify", "status", "no reviewer configured, skipping reviewer alert", "lead", lead.ID)
	}

	report := Report{LeadID: lead.ID, Results: make([]Result, len(msgs))}

	var g errgroup.Group
	for i, out := range msgs {
		g.Go(func() error {
			err := n.send(ctx, out.msg)
			report.Results[i] = Result{Kind: out.kind, To: out.msg.To, Err: err}
			n.record(ctx, lead.ID, out, err)
			return nil
		})
	}
	_ = g.Wait()

	if failed := report.Failed(); len(failed) > 0 {
		span.SetAttributes(attribute.Int("notify.failed", len(failed)))
		n.log.Ctx(ctx).Errorw("notify", "status", "notifications incomplete", "lead", lead.ID, "failed", len(failed), "sent", len(msgs)-len(failed))
	} else {
		n.log.Ctx(ctx).Infow("notify", "status", "notifications sent", "lead", lead.ID, "sent", len(msgs))
	}

	return report, nil
}

// send keeps a panicking mailer from taking down the sibling send.
func (n *Notifier) send(ctx context.Context, msg mail.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &mail.SendError{Recipient: msg.To, Err: fmt.Errorf("mailer panicked: %v", r)}
		}
	}()
	return n.mailer.Send(ctx, msg)
}

func (n *Notifier) record(ctx context.Context, leadID string, out outgoing, err error) {
	log := n.log.Ctx(ctx)
	var cerr *mail.ConfigurationError
	switch {
	case err == nil:
		telemetry.NotificationsSent.WithLabelValues(string(out.kind), "sent").Inc()
		log.Infow("notify", "status", "email sent", "lead", leadID, "kind", out.kind, "to", out.msg.To)
	case errors.As(err, &cerr):
		telemetry.NotificationsSent.WithLabelValues(string(out.kind), "misconfigured").Inc()
		log.Errorw("notify", "status", "email transport not configured", "lead", leadID, "kind", out.kind, "to", out.msg.To, "error", err.Error())
	default:
		telemetry.NotificationsSent.WithLabelValues(string(out.kind), "failed").Inc()
		log.Errorw("notify", "status", "email send failed", "lead", leadID, "kind", out.kind, "to", out.msg.To, "error", err.Error())
	}
}

func (n *Notifier) messages(lead leads.Lead) []outgoing {
	msgs := []outgoing{{kind: KindProspect, msg: prospectMessage(lead)}}
	if n.reviewer != "" {
		msgs = append(msgs, outgoing{kind: KindReviewer, msg: reviewerMessage(lead, n.reviewer)})
	}
	return msgs
}

func prospectMessage(lead leads.Lead) mail.Message {
	return mail.Message{
		To:      lead.Email,
		Subject: "Thanks for your submission",
		Body: fmt.Sprintf("Hi %s,\n\n"+
			"Thank you for submitting your application. We will review and get back to you.\n\n"+
			"Best regards,\nTeam", lead.FirstName),
	}
}

func reviewerMessage(lead leads.Lead, to string) mail.Message {
	resume := "N/A"
	if lead.HasResume() {
		resume = *lead.ResumeRef
	}
	return mail.Message{
		To:      to,
		Subject: fmt.Sprintf("New lead submitted: %s %s", lead.FirstName, lead.LastName),
		Body: fmt.Sprintf("A new lead has been submitted.\n\n"+
			"Name: %s %s\n"+
			"Email: %s\n"+
			"Resume path: %s\n"+
			"State: %s\n", lead.FirstName, lead.LastName, lead.Email, resume, lead.State),
	}
}
