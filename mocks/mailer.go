package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/serverpki/serverpki/mail"
)

// Mailer records mails instead of sending them.
type Mailer struct {
	sync.Mutex
	Messages []MailerMessage
	// Fail makes every SendMail fail.
	Fail bool
}

var _ mail.Mailer = &Mailer{}

// MailerMessage holds the captured emails from SendMail()
type MailerMessage struct {
	To      string
	Subject string
	Body    string
}

// Clear removes any previously recorded messages
func (m *Mailer) Clear() {
	m.Lock()
	defer m.Unlock()
	m.Messages = nil
}

// SendMail is a mock
func (m *Mailer) SendMail(_ context.Context, to []string, subject, msg string) error {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return errors.New("relay unavailable")
	}
	for _, rcpt := range to {
		m.Messages = append(m.Messages, MailerMessage{
			To:      rcpt,
			Subject: subject,
			Body:    msg,
		})
	}
	return nil
}
