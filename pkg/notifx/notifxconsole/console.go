package notifxconsole

import (
	"context"
	"strings"

	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/Abraxas-365/taskqueue/pkg/notifx"
)

// ConsoleProvider logs emails instead of sending them. Intended for development and testing.
type ConsoleProvider struct{}

func NewConsoleProvider() *ConsoleProvider {
	return &ConsoleProvider{}
}

// SendEmail logs the email details instead of sending it.
func (p *ConsoleProvider) SendEmail(_ context.Context, msg notifx.EmailMessage, opts ...notifx.Option) error {
	so := notifx.ApplySendOptions(opts)

	fields := logx.Fields{
		"from":    msg.From,
		"to":      strings.Join(msg.To, ", "),
		"subject": msg.Subject,
	}
	for k, v := range so.Tags {
		fields["tag."+k] = v
	}
	logx.WithFields(fields).Info("notifx/console: email sent (dev mode)")

	if msg.TextBody != "" {
		logx.Debugf("notifx/console: text body:\n%s", msg.TextBody)
	}
	if msg.HTMLBody != "" {
		logx.Debugf("notifx/console: html body:\n%s", msg.HTMLBody)
	}
	return nil
}
