package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/go-join-verify/internal/config"
)

// ErrNotConfigured is returned when credentials or the sender address are missing.
var ErrNotConfigured = errors.New("smtp: username, password or from address not configured")

const plainFallback = "Please use an HTML-capable mail client to view your verification code."

// Mailer sends emails.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

type mailer struct {
	host     string
	port     int
	useSSL   bool
	from     string
	fromName string
	username string
	password string
	dialer   net.Dialer
}

func NewMailer(cfg *config.Config) Mailer {
	return &mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		useSSL:   cfg.SMTPUseSSL,
		from:     cfg.SMTPFrom,
		fromName: cfg.SMTPFromName,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		dialer:   net.Dialer{Timeout: 15 * time.Second},
	}
}

func (m *mailer) SendEmail(ctx context.Context, to, subject, htmlBody string) error {
	if m.username == "" || m.password == "" || m.from == "" {
		return ErrNotConfigured
	}
	msg, err := buildMessage(m.fromName, m.from, to, subject, htmlBody)
	if err != nil {
		return err
	}

	c, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// The connection honours ctx cancellation only between commands.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if !m.useSSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if err := c.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(m.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close body: %w", err)
	}
	return c.Quit()
}

func (m *mailer) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	var conn net.Conn
	var err error
	if m.useSSL {
		td := tls.Dialer{NetDialer: &m.dialer, Config: &tls.Config{ServerName: m.host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = m.dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	return c, nil
}

// buildMessage renders a multipart/alternative message with a plain-text
// fallback and the HTML body.
func buildMessage(fromName, from, to, subject, htmlBody string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ ctype, content string }{
		{"text/plain; charset=UTF-8", plainFallback},
		{"text/html; charset=UTF-8", htmlBody},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	sender := mail.Address{Name: fromName, Address: from}
	fmt.Fprintf(&msg, "From: %s\r\n", sender.String())
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
