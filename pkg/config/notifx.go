package config

// NotifxConfig configures the notification system used for failure alerts.
type NotifxConfig struct {
	Provider    string
	FromAddress string
	FromName    string
	AWSRegion   string

	// AlertTo receives failure alerts; empty disables them
	AlertTo []string
	// AlertsPerMinute caps alert e-mails; bursts up to the same number
	AlertsPerMinute int
}

func loadNotifxConfig() NotifxConfig {
	return NotifxConfig{
		Provider:        getEnv("NOTIFX_PROVIDER", "console"),
		FromAddress:     getEnv("NOTIFX_FROM_ADDRESS", getEnv("EMAIL_FROM_ADDRESS", "noreply@taskqueue.local")),
		FromName:        getEnv("NOTIFX_FROM_NAME", getEnv("EMAIL_FROM_NAME", "Task Queue")),
		AWSRegion:       getEnv("NOTIFX_AWS_REGION", getEnv("AWS_REGION", "us-east-1")),
		AlertTo:         getEnvStringSlice("NOTIFX_ALERT_TO", nil),
		AlertsPerMinute: getEnvInt("NOTIFX_ALERTS_PER_MINUTE", 10),
	}
}
