// Package notify sends mail to site owners.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
)

// Message is one outgoing mail
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Mailer delivers messages
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer sends plain-text mail through an SMTP relay
type SMTPMailer struct {
	cfg    config.SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

// NewSMTPMailer creates a mailer for the relay in cfg
func NewSMTPMailer(cfg config.SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: log.WithComponent("notify"),
	}, nil
}

// Send delivers msg. The context only guards against sending after
// cancellation; net/smtp itself does not take one.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("message %q has no recipients", msg.Subject)
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	if err := m.send(addr, auth, m.cfg.From, msg.To, m.build(msg)); err != nil {
		return fmt.Errorf("failed to send %q: %w", msg.Subject, err)
	}

	m.logger.Info().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("Mail sent")
	return nil
}

func (m *SMTPMailer) build(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.Bytes()
}

// LogMailer logs messages instead of sending them. It is used when no SMTP
// relay is configured.
type LogMailer struct {
	logger zerolog.Logger
}

// NewLogMailer creates a LogMailer
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: log.WithComponent("notify")}
}

// Send logs msg and never fails
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.Warn().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("No SMTP relay configured, mail not sent")
	return nil
}

// Recorder keeps messages in memory instead of sending them
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records msg, or fails with the error set by FailWith
func (r *Recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

// FailWith makes every later Send return err. Nil restores delivery.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Messages returns what was sent so far
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// UsageWarning is the data of the usage warning mail
type UsageWarning struct {
	Site          string
	DiskUsage     float64
	DatabaseUsage float64
	DaysLeft      int
}

var usageWarning = template.Must(template.New("usage-warning").Parse(
	`Your site {{.Site}} is using more than its plan allows.

Disk:     {{printf "%.0f" .DiskUsage}}% of plan
Database: {{printf "%.0f" .DatabaseUsage}}% of plan

{{if gt .DaysLeft 0}}It will be suspended in {{.DaysLeft}} day{{if ne .DaysLeft 1}}s{{end}} unless usage drops or the plan is upgraded.{{else}}It will be suspended today unless usage drops or the plan is upgraded.{{end}}
`))

// RenderUsageWarning builds the warning mail for one site
func RenderUsageWarning(to string, w UsageWarning) (Message, error) {
	var body bytes.Buffer
	if err := usageWarning.Execute(&body, w); err != nil {
		return Message{}, fmt.Errorf("failed to render usage warning: %w", err)
	}
	return Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Action required: %s exceeds its plan limits", w.Site),
		Body:    body.String(),
	}, nil
}
