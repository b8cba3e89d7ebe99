package mail

import (
	"bytes"
	"context"
	"log/slog"
	"text/template"
	"time"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
)

const defaultSubject = "Local certificate {{.Name}} expires in {{.Days}} days"

const defaultBody = `The locally issued certificate {{.Name}} expires on {{.Expiry}}.

Names:   {{range $i, $n := .Names}}{{if $i}}, {{end}}{{$n}}{{end}}
Serial:  {{.Serial}}

Run "serverpki pki-renew --renew-local-certs {{.Threshold}}" to issue and
distribute its successor.
`

type reminderStorage interface {
	ListCertificates(ctx context.Context, includeDisabled bool) ([]*core.Certificate, error)
	ListInstances(ctx context.Context, certID int64, states ...core.InstanceState) ([]*core.CertInstance, error)
	SetAuthorizedUntil(ctx context.Context, certID int64, until *time.Time) error
}

// Reminder mails a warning about local certificates that will expire soon.
// The time of the warning is recorded in the certificate's AuthorizedUntil
// so it goes out once; distributing a new instance clears it.
type Reminder struct {
	sa     reminderStorage
	mailer Mailer
	to     []string
	days   int
	clk    clock.Clock

	subject *template.Template
	body    *template.Template
}

type reminderData struct {
	Name      string
	Names     []string
	Serial    string
	Expiry    string
	Days      int
	Threshold int
}

// NewReminder returns a Reminder warning to about certificates with at most
// days left.
func NewReminder(sa reminderStorage, mailer Mailer, to []string, days int, clk clock.Clock) *Reminder {
	return &Reminder{
		sa:      sa,
		mailer:  mailer,
		to:      to,
		days:    days,
		clk:     clk,
		subject: template.Must(template.New("subject").Parse(defaultSubject)),
		body:    template.Must(template.New("body").Parse(defaultBody)),
	}
}

// Run sends the due reminders and returns the names of the certificates
// they were sent for. A failed mail is logged and retried on the next run.
func (r *Reminder) Run(ctx context.Context) ([]string, error) {
	certs, err := r.sa.ListCertificates(ctx, false)
	if err != nil {
		return nil, err
	}
	now := r.clk.Now()
	var sent []string
	for _, cert := range certs {
		if cert.Type != core.CertTypeLocal || cert.AuthorizedUntil != nil {
			continue
		}
		insts, err := r.sa.ListInstances(ctx, cert.ID, core.StateActive, core.StateExpiring)
		if err != nil {
			return sent, err
		}
		var first *core.CertInstance
		for _, ci := range insts {
			if first == nil || ci.NotAfter.Before(first.NotAfter) {
				first = ci
			}
		}
		if first == nil || first.RemainingDays(now) > r.days {
			continue
		}

		cctx := blog.ContextWith(ctx, blog.Cert(cert.Name))
		err = r.send(cctx, cert, first, now)
		if err != nil {
			blog.Error(cctx, "Sending expiry reminder failed", err)
			continue
		}
		stamp := now.UTC().Truncate(time.Second)
		err = r.sa.SetAuthorizedUntil(ctx, cert.ID, &stamp)
		if err != nil {
			return sent, err
		}
		sent = append(sent, cert.Name)
	}
	return sent, nil
}

func (r *Reminder) send(ctx context.Context, cert *core.Certificate, ci *core.CertInstance, now time.Time) error {
	data := reminderData{
		Name:      cert.Name,
		Names:     cert.Names(),
		Serial:    ci.Serial,
		Expiry:    ci.NotAfter.UTC().Format(time.DateTime),
		Days:      ci.RemainingDays(now),
		Threshold: r.days,
	}
	var subject, body bytes.Buffer
	err := r.subject.Execute(&subject, data)
	if err != nil {
		return err
	}
	err = r.body.Execute(&body, data)
	if err != nil {
		return err
	}
	blog.Debug(ctx, "Sending expiry reminder", slog.Int("days", data.Days))
	return r.mailer.SendMail(ctx, r.to, subject.String(), body.String())
}
