// Package notifications turns billing events into emails for project
// maintainers and the cloud governance.
package notifications

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/config"
)

// Message is one rendered notification email.
type Message struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
}

// Recipients returns every address the message is delivered to.
func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

func (m Message) render() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ","))
	if len(m.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(m.Cc, ","))
	}
	// Bcc recipients are only named in the envelope, never in a header.
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return []byte(b.String())
}

// Sender delivers rendered messages. Satisfied by *SMTPSender.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers messages through a plain SMTP server, upgrading
// the connection with STARTTLS unless disabled for test setups.
type SMTPSender struct {
	addr       string
	host       string
	username   string
	password   string
	noStartTLS bool
	logger     *zap.Logger
}

// NewSMTPSender creates a sender from the mail configuration.
func NewSMTPSender(cfg config.MailConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		addr:       net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		host:       cfg.SMTPHost,
		username:   cfg.Username,
		password:   cfg.Password,
		noStartTLS: cfg.NoStartTLS,
		logger:     logger,
	}
}

// Send delivers the message. The context bounds connection
// establishment; an SMTP session already in progress is not torn down
// on cancellation.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return fmt.Errorf("message %q has no recipients", msg.Subject)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("connecting to smtp server %s: %w", s.addr, err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", s.addr, err)
	}
	defer client.Close()

	if !s.noStartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fmt.Errorf("starttls with %s: %w", s.addr, err)
		}
	}

	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth as %q: %w", s.username, err)
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM %q: %w", msg.From, err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %q: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg.render()); err != nil {
		w.Close()
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message body: %w", err)
	}

	s.logger.Info("notification sent",
		zap.String("subject", msg.Subject),
		zap.Strings("to", msg.To),
		zap.Strings("cc", msg.Cc),
	)
	return client.Quit()
}
