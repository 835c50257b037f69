package notifxses

import (
	"context"
	"sort"
	"strings"

	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/Abraxas-365/taskqueue/pkg/notifx"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// API is the part of the SES client the provider uses.
type API interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESProvider implements notifx.EmailSender and notifx.BulkEmailSender using AWS SES.
type SESProvider struct {
	client      API
	fromAddress string
}

// NewSESProvider creates a new SES email provider; client is usually
// a *ses.Client.
func NewSESProvider(client API, fromAddress string) *SESProvider {
	return &SESProvider{
		client:      client,
		fromAddress: fromAddress,
	}
}

// SendEmail sends a single email via SES.
func (p *SESProvider) SendEmail(ctx context.Context, msg notifx.EmailMessage, opts ...notifx.Option) error {
	_, err := p.send(ctx, msg, notifx.ApplySendOptions(opts))
	return err
}

// SendBulkEmail sends each message on its own; a failed message does
// not stop the rest.
func (p *SESProvider) SendBulkEmail(ctx context.Context, msgs []notifx.EmailMessage, opts ...notifx.Option) ([]notifx.SendResult, error) {
	so := notifx.ApplySendOptions(opts)
	results := make([]notifx.SendResult, len(msgs))

	for i, msg := range msgs {
		if len(msg.To) > 0 {
			results[i].To = msg.To[0]
		}
		if err := ctx.Err(); err != nil {
			results[i].Error = err.Error()
			continue
		}

		id, err := p.send(ctx, msg, so)
		results[i].MessageID = id
		results[i].Success = err == nil
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results, nil
}

func (p *SESProvider) send(ctx context.Context, msg notifx.EmailMessage, so notifx.SendOptions) (string, error) {
	out, err := p.client.SendEmail(ctx, p.buildInput(msg, so))
	if err != nil {
		return "", sesErrors.NewWithCause(ErrSendFailed, err).
			WithDetail("to", msg.To).
			WithDetail("subject", msg.Subject)
	}

	id := aws.ToString(out.MessageId)
	logx.WithField("message_id", id).Debugf("notifx/ses: sent %q", msg.Subject)
	return id, nil
}

func (p *SESProvider) buildInput(msg notifx.EmailMessage, so notifx.SendOptions) *ses.SendEmailInput {
	from := msg.From
	if from == "" {
		from = p.fromAddress
	}

	body := &types.Body{}
	if msg.TextBody != "" {
		body.Text = utf8(msg.TextBody)
	}
	if msg.HTMLBody != "" {
		body.Html = utf8(msg.HTMLBody)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		Message: &types.Message{
			Subject: utf8(msg.Subject),
			Body:    body,
		},
		Tags: messageTags(so.Tags),
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if so.ConfigID != "" {
		input.ConfigurationSetName = aws.String(so.ConfigID)
	}
	return input
}

func utf8(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

// messageTags converts tags into SES message tags, which only allow
// ASCII letters, digits, '_' and '-'.
func messageTags(tags map[string]string) []types.MessageTag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageTag{
			Name:  aws.String(sanitizeTag(k)),
			Value: aws.String(sanitizeTag(tags[k])),
		})
	}
	return out
}

func sanitizeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
