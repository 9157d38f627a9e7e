// Package email provides the send_email capability.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/config"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// ActionName is the registered action name.
const ActionName = "email_send"

// Message is an outbound plain-text message.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password config.Secret
	From     string
}

// SMTPSender sends mail through an SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Send implements Sender. ctx bounds the wait, not the SMTP session.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password.Value(), s.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, msg.From, msg.To, render(msg))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func render(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// Mailer exposes a Sender as a capability.
type Mailer struct {
	sender Sender
	from   string
}

// New creates a mailer sending from the given address.
func New(sender Sender, from string) *Mailer {
	return &Mailer{sender: sender, from: from}
}

// Capability returns the send_email capability.
func (m *Mailer) Capability() capability.Capability {
	return capability.Func{
		Desc: capability.Descriptor{
			Name:        ActionName,
			Description: "Send a plain-text email.",
			Tier:        task.RiskHigh,
			Schema: capability.ObjectSchema([]string{"to", "subject", "body"}, map[string]*jsonschema.Schema{
				"to":      capability.StringList("Recipient addresses"),
				"subject": capability.String("Subject line"),
				"body":    capability.String("Message body"),
			}),
		},
		Fn: m.send,
	}
}

func (m *Mailer) send(ctx context.Context, args map[string]any) (string, error) {
	to, err := capability.StringListArg(args, "to")
	if err != nil {
		return "", err
	}
	if len(to) == 0 {
		return "", fmt.Errorf("%w: \"to\" needs at least one recipient", capability.ErrInvalidArguments)
	}
	for _, addr := range to {
		if !strings.Contains(addr, "@") || strings.ContainsAny(addr, "\r\n") {
			return "", fmt.Errorf("%w: invalid recipient %q", capability.ErrInvalidArguments, addr)
		}
	}
	subject, err := capability.StringArg(args, "subject")
	if err != nil {
		return "", err
	}
	body, err := capability.StringArg(args, "body")
	if err != nil {
		return "", err
	}

	if err := m.sender.Send(ctx, Message{From: m.from, To: to, Subject: subject, Body: body}); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return fmt.Sprintf("sent %q to %s", subject, strings.Join(to, ", ")), nil
}
