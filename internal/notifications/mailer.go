package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"lineage/internal/config"
	"lineage/internal/middleware"
)

// Mailer sends one plain-text message.
type Mailer interface {
	Send(ctx context.Context, subject, body, from string, to []string) error
}

// NewMailer returns an SMTP mailer, or a LogMailer when SMTP_HOST is empty.
func NewMailer(cfg *config.Config) Mailer {
	if cfg.SMTPHost == "" {
		return LogMailer{}
	}
	return &SMTPMailer{
		Addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		Host:     cfg.SMTPHost,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
}

// SMTPMailer delivers through an SMTP relay.
type SMTPMailer struct {
	Addr     string
	Host     string
	Username string
	Password string

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (m *SMTPMailer) Send(ctx context.Context, subject, body, from string, to []string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}

	send := m.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(m.Addr, auth, from, to, buildMessage(subject, body, from, to)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", strings.Join(to, ","), err)
	}
	return nil
}

func buildMessage(subject, body, from string, to []string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// LogMailer writes messages to the structured log instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, subject, _, from string, to []string) error {
	middleware.Logger.InfoContext(ctx, "mail not sent (no SMTP_HOST)",
		slog.String("subject", subject),
		slog.String("from", from),
		slog.String("to", strings.Join(to, ",")),
	)
	return nil
}
