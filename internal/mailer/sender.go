package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/htaguchi/bidwatch/internal/config"
)

// Sender delivers one plain-text message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPSender sends mail over SMTP with a bounded retry loop. Zero-value
// MaxAttempts and RetryWait fall back to 3 attempts and 1 second.
type SMTPSender struct {
	Config      config.SMTP
	MaxAttempts int
	RetryWait   time.Duration

	// Sleep is called between retry attempts. Injectable for tests.
	Sleep func(time.Duration)

	// transport performs one delivery attempt. Tests replace it to avoid a
	// live SMTP server.
	transport func(ctx context.Context, to string, msg []byte) error
}

// NewSMTPSender returns a sender with production defaults.
func NewSMTPSender(cfg config.SMTP) *SMTPSender {
	s := &SMTPSender{
		Config:      cfg,
		MaxAttempts: 3,
		RetryWait:   time.Second,
		Sleep:       time.Sleep,
	}
	s.transport = s.smtpSend
	return s
}

// Send delivers the message, retrying transient failures up to MaxAttempts.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	wait := s.RetryWait
	if wait <= 0 {
		wait = time.Second
	}
	msg := buildMessage(s.Config.From, to, subject, body)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = s.send(ctx, to, msg)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			s.sleep(wait)
		}
	}
	return fmt.Errorf("send mail to %s: %w", to, lastErr)
}

func (s *SMTPSender) send(ctx context.Context, to string, msg []byte) error {
	if s.transport != nil {
		return s.transport(ctx, to, msg)
	}
	return s.smtpSend(ctx, to, msg)
}

func (s *SMTPSender) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// buildMessage assembles an RFC 5322 message. The subject is Q-encoded so
// Japanese text survives header transport.
func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func (s *SMTPSender) smtpSend(ctx context.Context, to string, msg []byte) error {
	cfg := s.Config
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if cfg.UseSSL {
		conn = tls.Client(conn, &tls.Config{ServerName: cfg.Host})
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if !cfg.UseSSL && cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.User != "" {
		auth := smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return client.Quit()
}
