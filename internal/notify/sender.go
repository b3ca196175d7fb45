package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/rs/zerolog"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log instead of sending them. Used
// when no SMTP host is configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Log.Info().
		Str("to", n.To).
		Str("subject", n.Subject()).
		Str("link", n.Link).
		Str("preview", n.Preview).
		Msg("notification (log only)")
	return nil
}

// SMTPSender sends multipart (text + HTML) mail over SMTP, upgrading to TLS
// when the server offers STARTTLS.
type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Send dials the server honoring ctx's deadline.
func (s *SMTPSender) Send(ctx context.Context, n Notification) error {
	msg, err := buildMessage(s.fromHeader(), n)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.Host, s.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(s.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(n.To); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}

func (s *SMTPSender) fromHeader() string {
	if s.FromName == "" {
		return s.From
	}
	return (&mail.Address{Name: s.FromName, Address: s.From}).String()
}

var htmlTmpl = template.Must(template.New("message").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>New message</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <p>Hello {{.RecipientName}},</p>
    <p>You have a new message from <strong>{{.SenderName}}</strong>{{if .ListingTitle}} about "{{.ListingTitle}}"{{end}}.</p>
    <blockquote style="border-left: 4px solid #667eea; padding: 8px 16px; font-style: italic;">{{.Preview}}</blockquote>
    <p><a href="{{.Link}}">View conversation</a></p>
    <p style="font-size: 0.8em; color: #777;">Don't want these e-mails? <a href="{{.UnsubscribeLink}}">Update your notification settings</a>.</p>
  </div>
</body>
</html>
`))

func textBody(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\r\n\r\n", n.RecipientName)
	fmt.Fprintf(&b, "You have a new message from %s", n.SenderName)
	if n.ListingTitle != "" {
		fmt.Fprintf(&b, " about %q", n.ListingTitle)
	}
	fmt.Fprintf(&b, ".\r\n\r\n\"%s\"\r\n\r\nView conversation: %s\r\n\r\n", n.Preview, n.Link)
	fmt.Fprintf(&b, "Update your notification settings: %s\r\n", n.UnsubscribeLink)
	return b.String()
}

// buildMessage renders the RFC 5322 message: headers, then a
// multipart/alternative body with text and HTML parts.
func buildMessage(from string, n Notification) ([]byte, error) {
	var html bytes.Buffer
	if err := htmlTmpl.Execute(&html, n); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct {
		ctype, content string
	}{
		{"text/plain; charset=UTF-8", textBody(n)},
		{"text/html; charset=UTF-8", html.String()},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
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
	headers := [][2]string{
		{"From", from},
		{"To", n.To},
		{"Subject", mime.QEncoding.Encode("UTF-8", n.Subject())},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
		{"List-Unsubscribe", "<" + n.UnsubscribeLink + ">"},
		{"List-Unsubscribe-Post", "List-Unsubscribe=One-Click"},
	}
	for _, h := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", h[0], h[1])
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
