// Package mail sends the engine's notifications over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
)

type idGenerator interface {
	generate() *big.Int
}

var maxBigInt = big.NewInt(math.MaxInt64)

type realSource struct{}

func (s realSource) generate() *big.Int {
	randInt, err := rand.Int(rand.Reader, maxBigInt)
	if err != nil {
		panic(err)
	}
	return randInt
}

// Mailer sends plain text mail.
type Mailer interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
}

// SMTPMailer delivers mail through one SMTP relay.
type SMTPMailer struct {
	server      string
	port        string
	auth        smtp.Auth
	from        mail.Address
	clk         clock.Clock
	csprgSource idGenerator

	retryMaxAttempts int
	retryBase        time.Duration
	retryMax         time.Duration

	sent *prometheus.CounterVec
}

var _ Mailer = (*SMTPMailer)(nil)

// New returns a mailer for the relay at server:port. An empty username
// disables authentication.
func New(server, port, username, password string, from mail.Address, stats prometheus.Registerer, clk clock.Clock) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, server)
	}
	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_sent",
		Help: "Number of mails handed to the relay, by result",
	}, []string{"result"})
	stats.MustRegister(sent)
	return &SMTPMailer{
		server:           server,
		port:             port,
		auth:             auth,
		from:             from,
		clk:              clk,
		csprgSource:      realSource{},
		retryMaxAttempts: 3,
		retryBase:        time.Second,
		retryMax:         time.Minute,
		sent:             sent,
	}
}

func isASCII(str string) bool {
	for _, r := range str {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func (m *SMTPMailer) generateMessage(to []string, subject, body string) ([]byte, error) {
	mid := m.csprgSource.generate()
	now := m.clk.Now().UTC()
	addrs := []string{}
	for _, a := range to {
		if !isASCII(a) {
			return nil, fmt.Errorf("non-ASCII email address %q", a)
		}
		addrs = append(addrs, strconv.Quote(a))
	}
	headers := []string{
		fmt.Sprintf("To: %s", strings.Join(addrs, ", ")),
		fmt.Sprintf("From: %s", m.from.String()),
		fmt.Sprintf("Subject: %s", subject),
		fmt.Sprintf("Date: %s", now.Format(time.RFC822)),
		fmt.Sprintf("Message-Id: <%s.%s.%s>", now.Format("20060102T150405"), mid.String(), m.from.Address),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: quoted-printable",
	}
	for i := range headers {
		// strip LFs
		headers[i] = strings.ReplaceAll(headers[i], "\n", "")
	}
	bodyBuf := new(bytes.Buffer)
	mimeWriter := quotedprintable.NewWriter(bodyBuf)
	_, err := mimeWriter.Write([]byte(body))
	if err != nil {
		return nil, err
	}
	err = mimeWriter.Close()
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(
		"%s\r\n\r\n%s\r\n",
		strings.Join(headers, "\r\n"),
		bodyBuf.String(),
	)), nil
}

// SendMail sends a plain text mail to every recipient. Failures to talk to
// the relay are retried with backoff.
func (m *SMTPMailer) SendMail(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	msg, err := m.generateMessage(to, subject, body)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(m.server, m.port)
	for attempt := 1; ; attempt++ {
		err = smtp.SendMail(addr, m.auth, m.from.Address, to, msg)
		if err == nil {
			m.sent.WithLabelValues("success").Inc()
			blog.Info(ctx, "Mail sent", slog.String("subject", subject), slog.Any("to", to))
			return nil
		}
		if attempt >= m.retryMaxAttempts {
			m.sent.WithLabelValues("failure").Inc()
			return fmt.Errorf("sending mail via %s: %w", addr, err)
		}
		blog.Warn(ctx, "Sending mail failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.clk.Sleep(core.RetryBackoff(attempt, m.retryBase, m.retryMax, 2))
	}
}
