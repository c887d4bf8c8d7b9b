// Package mail sends confirmation links and finished reports to contacts.
package mail

import (
	"context"
	"net/url"
	"time"

	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/message"
	"github.com/bottomline/reportcache/redact"
	"github.com/bottomline/reportcache/token"
	"github.com/cockroachdb/errors"
)

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender is a mail transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders and sends report emails. It satisfies the delivery and
// verification collaborators of the generation package.
type Mailer struct {
	sender    Sender
	verifyURL *url.URL
	tokens    *token.Issuer
	logger    logger.Logger
}

// New returns a Mailer. verifyURL is the confirmation endpoint; the token is
// appended as the token query parameter.
func New(sender Sender, verifyURL string, tokens *token.Issuer, log logger.Logger) (*Mailer, error) {
	u, err := url.Parse(verifyURL)
	if err != nil || u.Host == "" {
		return nil, errors.Newf("invalid verify url %q", verifyURL)
	}
	return &Mailer{sender: sender, verifyURL: u, tokens: tokens, logger: log.WithPrefix("[mail]")}, nil
}

// VerifyLink returns the confirmation link for tok.
func (m *Mailer) VerifyLink(tok string) string {
	u := *m.verifyURL
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String()
}

// SendVerification mails the confirmation link for tok to contact.
func (m *Mailer) SendVerification(ctx context.Context, contact string, tok string) error {
	data := message.VerificationData{Link: m.VerifyLink(tok)}
	// the token was issued by this process, so decoding only fails on a
	// programming error; the email is still useful without the details
	if tc, err := m.tokens.Decode(tok); err == nil {
		data.Site = tc.Base
		data.Expires = tc.ExpiresAt.UTC().Format("2006-01-02 15:04 MST")
	} else {
		data.Expires = "in " + m.tokens.TTL().String()
	}
	email, err := message.VerificationEmail(data)
	if err != nil {
		return errors.Wrap(err, "render verification email")
	}
	if err := m.send(ctx, contact, email); err != nil {
		return errors.Wrapf(err, "send verification to %s", redact.Email(contact))
	}
	m.logger.Info("verification sent to %s", redact.Email(contact))
	return nil
}

// Deliver mails a finished report to contact.
func (m *Mailer) Deliver(ctx context.Context, contact string, output string) error {
	email, err := message.ReportEmail(message.ReportData{Output: output})
	if err != nil {
		return errors.Wrap(err, "render report email")
	}
	if err := m.send(ctx, contact, email); err != nil {
		return errors.Wrapf(err, "deliver report to %s", redact.Email(contact))
	}
	m.logger.Info("report delivered to %s", redact.Email(contact))
	return nil
}

func (m *Mailer) send(ctx context.Context, to string, e message.Email) error {
	started := time.Now()
	err := m.sender.Send(ctx, Message{To: to, Subject: e.Subject, Text: e.Text, HTML: e.HTML})
	m.logger.Debug("send %q took %s", e.Subject, time.Since(started))
	return err
}
