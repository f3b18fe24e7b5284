// Package notify delivers user and operator notifications over SMTP, with a
// log-only fallback for development.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/metrics"
	"github.com/measured-io/measured/internal/platform/config"
)

// New selects the notifier implementation from config. Without an SMTP
// address configured, notifications are written to the log instead.
func New(cfg *config.Config) domain.Notifier {
	if cfg.SMTPAddr == "" {
		return NewLogNotifier(cfg.OperatorEmail)
	}
	return NewSMTPNotifier(cfg)
}

// SMTPNotifier sends plain-text mail through a single SMTP endpoint.
type SMTPNotifier struct {
	addr          string
	from          string
	username      string
	password      string
	operatorEmail string

	// send is swappable in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(cfg *config.Config) *SMTPNotifier {
	return &SMTPNotifier{
		addr:          cfg.SMTPAddr,
		from:          cfg.SMTPFrom,
		username:      cfg.SMTPUsername,
		password:      cfg.SMTPPassword,
		operatorEmail: cfg.OperatorEmail,
		send:          smtp.SendMail,
	}
}

func (n *SMTPNotifier) NotifyUser(ctx context.Context, email, subject, body string) error {
	return n.deliver(ctx, "user", email, subject, body)
}

func (n *SMTPNotifier) NotifyOperator(ctx context.Context, subject, body string) error {
	if n.operatorEmail == "" {
		metrics.NotificationsTotal.WithLabelValues("operator", "dropped").Inc()
		slog.WarnContext(ctx, "Operator notification dropped, OPERATOR_EMAIL not configured", "subject", subject)
		return nil
	}
	return n.deliver(ctx, "operator", n.operatorEmail, subject, body)
}

func (n *SMTPNotifier) deliver(ctx context.Context, audience, to, subject, body string) error {
	var auth smtp.Auth
	if n.username != "" {
		host, _, err := net.SplitHostPort(n.addr)
		if err != nil {
			host = n.addr
		}
		auth = smtp.PlainAuth("", n.username, n.password, host)
	}

	msg := buildMessage(n.from, to, subject, body)
	if err := n.send(n.addr, auth, envelopeAddress(n.from), []string{to}, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(audience, "error").Inc()
		return fmt.Errorf("failed to send notification to %s: %w", to, err)
	}

	metrics.NotificationsTotal.WithLabelValues(audience, "success").Inc()
	slog.InfoContext(ctx, "Notification sent", "audience", audience, "to", to, "subject", subject)
	return nil
}

// buildMessage assembles an RFC 5322 plain-text message. Header values come
// from our own templates, never from provider responses, so no escaping
// beyond newline stripping is needed.
func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", sanitizeHeader(from))
	fmt.Fprintf(&b, "To: %s\r\n", sanitizeHeader(to))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

// envelopeAddress strips an RFC 5322 display name, "Name <a@b>" to "a@b".
func envelopeAddress(from string) string {
	if open := strings.LastIndex(from, "<"); open != -1 {
		if close := strings.LastIndex(from, ">"); close > open {
			return from[open+1 : close]
		}
	}
	return from
}

// LogNotifier writes notifications to the log. Used in development and as the
// fallback when SMTP is not configured.
type LogNotifier struct {
	operatorEmail string
}

func NewLogNotifier(operatorEmail string) *LogNotifier {
	return &LogNotifier{operatorEmail: operatorEmail}
}

func (n *LogNotifier) NotifyUser(ctx context.Context, email, subject, body string) error {
	metrics.NotificationsTotal.WithLabelValues("user", "logged").Inc()
	slog.InfoContext(ctx, "User notification", "to", email, "subject", subject, "body", body)
	return nil
}

func (n *LogNotifier) NotifyOperator(ctx context.Context, subject, body string) error {
	metrics.NotificationsTotal.WithLabelValues("operator", "logged").Inc()
	slog.InfoContext(ctx, "Operator notification", "to", n.operatorEmail, "subject", subject, "body", body)
	return nil
}
