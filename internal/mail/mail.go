// Package mail delivers account confirmation and password reset messages.
//
// Sender is the capability the identity service depends on. NoopSender is the
// development default and reports success without doing anything; SMTPSender
// and DropSender are the real transports, picked by configuration.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender delivers an HTML message to a single recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Message is a rendered outbound email.
type Message struct {
	ID      string
	From    mail.Address
	To      mail.Address
	Subject string
	HTML    string
	Date    time.Time
}

// NewMessage validates the addresses and stamps an id and date.
func NewMessage(from, to, subject, htmlBody string) (Message, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return Message{}, fmt.Errorf("parse sender address: %w", err)
	}
	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return Message{}, fmt.Errorf("parse recipient address: %w", err)
	}
	return Message{
		ID:      uuid.NewString(),
		From:    *fromAddr,
		To:      *toAddr,
		Subject: subject,
		HTML:    htmlBody,
		Date:    time.Now().UTC(),
	}, nil
}

// Bytes renders the message in RFC 5322 form with a quoted-printable HTML body.
func (m Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	domain := "localhost"
	if at := strings.LastIndex(m.From.Address, "@"); at >= 0 {
		domain = m.From.Address[at+1:]
	}

	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	header("From", m.From.String())
	header("To", m.To.String())
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", m.Date.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", m.ID, domain))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(m.HTML)); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return buf.Bytes(), nil
}

// NoopSender accepts every message and delivers none of them.
type NoopSender struct{}

func (NoopSender) Send(context.Context, string, string, string) error {
	return nil
}

var _ Sender = NoopSender{}
