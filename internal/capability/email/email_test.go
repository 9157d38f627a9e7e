package email

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestMailer_Send(t *testing.T) {
	rec := &recordingSender{}
	c := New(rec, "orbit@example.test").Capability()
	assert.Equal(t, task.RiskHigh, c.Descriptor().Tier)

	out, err := c.Invoke(context.Background(), map[string]any{
		"to":      []any{"ops@example.test"},
		"subject": "Deploy done",
		"body":    "All green.",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "ops@example.test")
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "orbit@example.test", rec.sent[0].From)
	assert.Equal(t, "Deploy done", rec.sent[0].Subject)
}

func TestMailer_RejectsBadRecipients(t *testing.T) {
	c := New(&recordingSender{}, "orbit@example.test").Capability()

	_, err := c.Invoke(context.Background(), map[string]any{"to": []any{}, "subject": "s", "body": "b"})
	assert.ErrorIs(t, err, capability.ErrInvalidArguments)

	_, err = c.Invoke(context.Background(), map[string]any{"to": []any{"nobody"}, "subject": "s", "body": "b"})
	assert.ErrorIs(t, err, capability.ErrInvalidArguments)
}

func TestMailer_SenderError(t *testing.T) {
	c := New(&recordingSender{err: errors.New("relay down")}, "orbit@example.test").Capability()
	_, err := c.Invoke(context.Background(), map[string]any{"to": []any{"a@b.c"}, "subject": "s", "body": "b"})
	assert.ErrorContains(t, err, "relay down")
}

func TestRender_StripsHeaderInjection(t *testing.T) {
	raw := string(render(Message{From: "a@b.c", To: []string{"d@e.f"}, Subject: "hi\r\nBcc: x@y.z", Body: "line1\nline2"}))
	assert.Contains(t, raw, "Subject: hi  Bcc: x@y.z\r\n")
	assert.Contains(t, raw, "line1\r\nline2")
}

func TestNewSMTPSender(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{})
	assert.Error(t, err)

	s, err := NewSMTPSender(SMTPConfig{Host: "localhost"})
	require.NoError(t, err)
	assert.Equal(t, 587, s.cfg.Port)
}
