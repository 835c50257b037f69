package notifx

import (
	"context"
)

// EmailSender sends a single email.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage, opts ...Option) error
}

// BulkEmailSender sends multiple emails in a batch.
type BulkEmailSender interface {
	SendBulkEmail(ctx context.Context, msgs []EmailMessage, opts ...Option) ([]SendResult, error)
}

// Client validates messages, renders templates, and hands the result to
// a provider.
type Client struct {
	provider    EmailSender
	templates   *TemplateRegistry
	defaultFrom string
}

// NewClient creates a new notification client.
func NewClient(provider EmailSender, opts ...ClientOption) *Client {
	c := &Client{
		provider:  provider,
		templates: NewTemplateRegistry(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendEmail sends an email through the configured provider.
func (c *Client) SendEmail(ctx context.Context, msg EmailMessage, opts ...Option) error {
	msg, err := c.prepare(msg)
	if err != nil {
		return err
	}
	return c.provider.SendEmail(ctx, msg, opts...)
}

// SendBulkEmail sends msgs, in one batch when the provider supports it.
// Invalid messages are reported in their SendResult and not sent.
func (c *Client) SendBulkEmail(ctx context.Context, msgs []EmailMessage, opts ...Option) ([]SendResult, error) {
	if c.provider == nil {
		return nil, notifxErrors.New(ErrNoProvider)
	}

	results := make([]SendResult, len(msgs))
	valid := make([]EmailMessage, 0, len(msgs))
	index := make([]int, 0, len(msgs))
	for i, m := range msgs {
		prepared, err := c.prepare(m)
		if err != nil {
			results[i] = SendResult{To: firstRecipient(m), Error: err.Error()}
			continue
		}
		valid = append(valid, prepared)
		index = append(index, i)
	}

	if bulk, ok := c.provider.(BulkEmailSender); ok && len(valid) > 0 {
		sent, err := bulk.SendBulkEmail(ctx, valid, opts...)
		if err != nil {
			return nil, err
		}
		for j, r := range sent {
			results[index[j]] = r
		}
		return results, nil
	}

	for j, m := range valid {
		r := SendResult{To: firstRecipient(m), Success: true}
		if err := c.provider.SendEmail(ctx, m, opts...); err != nil {
			r.Success = false
			r.Error = err.Error()
		}
		results[index[j]] = r
	}
	return results, nil
}

// RegisterTemplate parses and stores a named HTML template.
func (c *Client) RegisterTemplate(name, tmplString string) error {
	return c.templates.Register(name, tmplString)
}

// RegisterTextTemplate parses and stores a named plain-text template.
func (c *Client) RegisterTextTemplate(name, tmplString string) error {
	return c.templates.RegisterText(name, tmplString)
}

// SendTemplatedEmail renders a template into the body of msg and sends
// it. HTML templates fill HTMLBody and text templates fill TextBody.
func (c *Client) SendTemplatedEmail(ctx context.Context, templateName string, data any, msg EmailMessage, opts ...Option) error {
	body, isHTML, err := c.templates.render(templateName, data)
	if err != nil {
		return err
	}

	if isHTML {
		msg.HTMLBody = body
	} else {
		msg.TextBody = body
	}
	return c.SendEmail(ctx, msg, opts...)
}

func (c *Client) prepare(msg EmailMessage) (EmailMessage, error) {
	if c.provider == nil {
		return msg, notifxErrors.New(ErrNoProvider)
	}
	if msg.recipients() == 0 {
		return msg, notifxErrors.New(ErrInvalidMessage).WithDetail("reason", "no recipients")
	}
	if msg.Subject == "" {
		return msg, notifxErrors.New(ErrInvalidMessage).WithDetail("reason", "empty subject")
	}
	if msg.TextBody == "" && msg.HTMLBody == "" {
		return msg, notifxErrors.New(ErrInvalidMessage).WithDetail("reason", "empty body")
	}
	if msg.From == "" {
		msg.From = c.defaultFrom
	}
	return msg, nil
}

func firstRecipient(m EmailMessage) string {
	if len(m.To) > 0 {
		return m.To[0]
	}
	return ""
}
