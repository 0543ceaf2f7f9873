package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig configures the email notification sink. No SMTP client
// library appears anywhere in the retrieved example corpus, so this sink
// is built on the standard library's net/smtp (documented as a stdlib
// exception in DESIGN.md).
type SMTPConfig struct {
	Server     string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	Recipients []string
	From       string
}

type SMTPSink struct {
	cfg SMTPConfig
}

func NewSMTPSink(cfg SMTPConfig) *SMTPSink { return &SMTPSink{cfg: cfg} }

func (s *SMTPSink) Name() string { return "smtp" }

func (s *SMTPSink) Deliver(_ context.Context, a Alert) error {
	if len(s.cfg.Recipients) == 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)
	from := s.cfg.From
	if from == "" {
		from = s.cfg.Username
	}
	body := fmt.Sprintf("Subject: [processguard] %s %s\r\n\r\n%s\r\n", a.Severity, a.Kind, a.Message)
	msg := []byte(body)

	if s.cfg.UseTLS {
		return s.deliverTLS(addr, from, msg)
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Server)
	}
	return smtp.SendMail(addr, auth, from, s.cfg.Recipients, msg)
}

func (s *SMTPSink) deliverTLS(addr, from string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Server, MinVersion: tls.VersionTLS12})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	c, err := smtp.NewClient(conn, s.cfg.Server)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Server)); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range s.cfg.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

// WebhookSink posts the alert as JSON to an arbitrary URL with configurable
// headers.
type WebhookSink struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

func NewWebhookSink(url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{URL: url, Headers: headers, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) payload(a Alert) ([]byte, error) { return json.Marshal(a) }

func (w *WebhookSink) Deliver(ctx context.Context, a Alert) error {
	body, err := w.payload(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SlackSink is a WebhookSink specialization that wraps the alert into a
// Slack incoming-webhook {"text": "..."} payload.
type SlackSink struct {
	*WebhookSink
}

func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{WebhookSink: NewWebhookSink(webhookURL, nil)}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Deliver(ctx context.Context, a Alert) error {
	text := fmt.Sprintf("*[%s]* %s — %s", strings.ToUpper(string(a.Severity)), a.Kind, a.Message)
	if a.Process != "" {
		text += fmt.Sprintf(" (process: %s)", a.Process)
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack sink: unexpected status %d", resp.StatusCode)
	}
	return nil
}
