package notifx

// SendOptions holds optional configuration for a send operation.
type SendOptions struct {
	Tags     map[string]string
	ConfigID string
}

// Option is a functional option for send operations.
type Option func(*SendOptions)

// WithTags adds metadata tags to the send operation. Tags accumulate
// across options.
func WithTags(tags map[string]string) Option {
	return func(o *SendOptions) {
		if o.Tags == nil {
			o.Tags = make(map[string]string, len(tags))
		}
		for k, v := range tags {
			o.Tags[k] = v
		}
	}
}

// WithConfigID sets a provider-specific configuration set identifier.
func WithConfigID(id string) Option {
	return func(o *SendOptions) {
		o.ConfigID = id
	}
}

// ApplySendOptions folds opts for providers.
func ApplySendOptions(opts []Option) SendOptions {
	var so SendOptions
	for _, o := range opts {
		o(&so)
	}
	return so
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDefaultFrom is used for messages that leave From empty.
func WithDefaultFrom(address string) ClientOption {
	return func(c *Client) {
		c.defaultFrom = address
	}
}
