package notifx_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/notifx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []notifx.EmailMessage
	opts []notifx.SendOptions
	fail map[string]bool
}

func (s *recordingSender) SendEmail(_ context.Context, msg notifx.EmailMessage, opts ...notifx.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[msg.Subject] {
		return errors.New("mailbox full")
	}
	s.sent = append(s.sent, msg)
	s.opts = append(s.opts, notifx.ApplySendOptions(opts))
	return nil
}

func TestSendEmailValidates(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	client := notifx.NewClient(sender, notifx.WithDefaultFrom("jobs@example.com"))

	cases := map[string]notifx.EmailMessage{
		"no recipients": {Subject: "s", TextBody: "b"},
		"empty subject": {To: []string{"a@example.com"}, TextBody: "b"},
		"empty body":    {To: []string{"a@example.com"}, Subject: "s"},
	}
	for reason, msg := range cases {
		err := client.SendEmail(ctx, msg)
		require.Error(t, err, reason)
		assert.True(t, errx.HasCode(err, notifx.ErrInvalidMessage), reason)

		var e *errx.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, reason, e.Details["reason"])
	}
	assert.Empty(t, sender.sent)

	err := client.SendEmail(ctx, notifx.EmailMessage{To: []string{"a@example.com"}, Subject: "s", TextBody: "b"},
		notifx.WithTags(map[string]string{"queue": "default"}),
		notifx.WithTags(map[string]string{"function": "add"}),
	)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "jobs@example.com", sender.sent[0].From)
	assert.Equal(t, map[string]string{"queue": "default", "function": "add"}, sender.opts[0].Tags)
}

func TestSendWithoutProvider(t *testing.T) {
	client := notifx.NewClient(nil)
	err := client.SendEmail(context.Background(), notifx.EmailMessage{To: []string{"a@example.com"}, Subject: "s", TextBody: "b"})
	assert.True(t, errx.HasCode(err, notifx.ErrNoProvider))
}

func TestSendTemplatedEmail(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	client := notifx.NewClient(sender)

	require.NoError(t, client.RegisterTextTemplate("failed", "job {{.ID}} failed: {{.Reason}}"))
	require.NoError(t, client.RegisterTemplate("failed_html", "<p>{{.Reason}}</p>"))

	data := map[string]string{"ID": "J1", "Reason": "<boom>"}
	msg := notifx.EmailMessage{To: []string{"ops@example.com"}, Subject: "job failed"}

	require.NoError(t, client.SendTemplatedEmail(ctx, "failed", data, msg))
	require.NoError(t, client.SendTemplatedEmail(ctx, "failed_html", data, msg))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "job J1 failed: <boom>", sender.sent[0].TextBody)
	assert.Empty(t, sender.sent[0].HTMLBody)
	assert.Equal(t, "<p>&lt;boom&gt;</p>", sender.sent[1].HTMLBody)

	err := client.SendTemplatedEmail(ctx, "missing", data, msg)
	assert.True(t, errx.HasCode(err, notifx.ErrTemplateNotFound))

	err = client.RegisterTemplate("broken", "{{.Oops")
	assert.True(t, errx.HasCode(err, notifx.ErrTemplateParse))
}

func TestSendBulkEmailReportsEachMessage(t *testing.T) {
	sender := &recordingSender{fail: map[string]bool{"bounce": true}}
	client := notifx.NewClient(sender)

	results, err := client.SendBulkEmail(context.Background(), []notifx.EmailMessage{
		{To: []string{"a@example.com"}, Subject: "ok", TextBody: "b"},
		{To: []string{"b@example.com"}, TextBody: "b"},
		{To: []string{"c@example.com"}, Subject: "bounce", TextBody: "b"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.Equal(t, "a@example.com", results[0].To)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "Invalid email message")
	assert.False(t, results[2].Success)
	assert.Equal(t, "mailbox full", results[2].Error)
}
