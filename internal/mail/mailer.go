// Package mail composes and delivers outbound email. Delivery is always
// fire-and-forget from the caller's point of view: failures are retried,
// logged and counted, never returned to the request that triggered them.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"meshid/api/internal/config"
	"meshid/api/internal/metrics"
)

var ErrNoRecipient = errors.New("mail has no recipient")

type Message struct {
	Kind    string
	To      string
	Subject string
	HTML    string
	Text    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type SMTPMailer struct {
	cfg        config.SMTPConfig
	maxRetries int
	retryDelay time.Duration
	send       sendFunc
	log        zerolog.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, mailCfg config.MailConfig, log zerolog.Logger) *SMTPMailer {
	m := &SMTPMailer{
		cfg:        cfg,
		maxRetries: mailCfg.MaxRetries,
		retryDelay: mailCfg.RetryDelay,
		log:        log,
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 1
	}
	if m.retryDelay <= 0 {
		m.retryDelay = time.Second
	}
	m.send = smtp.SendMail
	if cfg.UseTLS {
		m.send = m.sendTLS
	}
	return m
}

// Send delivers msg, retrying transient failures up to the configured
// number of attempts with a growing delay.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}

	body, err := m.compose(msg)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(m.maxRetries-1), retry.NewFibonacci(m.retryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := m.send(addr, auth, m.cfg.From, []string{msg.To}, body); err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Str("kind", msg.Kind).Msg("smtp send failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("send %s mail after %d attempts: %w", msg.Kind, attempt, err)
	}
	return nil
}

func (m *SMTPMailer) compose(msg Message) ([]byte, error) {
	var b strings.Builder
	w := multipart.NewWriter(&b)

	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", w.Boundary())

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		if part.body == "" {
			continue
		}
		pw, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, fmt.Errorf("compose mail: %w", err)
		}
		if _, err := pw.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("compose mail: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose mail: %w", err)
	}
	return []byte(b.String()), nil
}

// sendTLS connects with implicit TLS (SMTPS).
func (m *SMTPMailer) sendTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

// LogMailer stands in when no SMTP host is configured.
type LogMailer struct {
	log zerolog.Logger
}

func NewLogMailer(log zerolog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.log.Info().Str("kind", msg.Kind).Str("to", msg.To).Str("subject", msg.Subject).Msg("smtp disabled, mail not sent")
	metrics.MailMessages.WithLabelValues("skipped").Inc()
	return nil
}

// NewMailer picks SMTP delivery when a host is configured.
func NewMailer(cfg config.SMTPConfig, mailCfg config.MailConfig, log zerolog.Logger) Mailer {
	if cfg.Host == "" {
		return NewLogMailer(log)
	}
	return NewSMTPMailer(cfg, mailCfg, log)
}
