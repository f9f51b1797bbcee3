package config

// RelayConfig defines the SMTP relay used when a rule script redirects a
// downloaded message.
type RelayConfig struct {
	SMTPHost        string `toml:"smtp_host"`         // SMTP server address (e.g., "smtp.example.com:587")
	SMTPTLS         bool   `toml:"smtp_tls"`          // Use TLS for the SMTP connection
	SMTPTLSVerify   *bool  `toml:"smtp_tls_verify"`   // Verify TLS certificates (default: true)
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"` // Use STARTTLS instead of direct TLS
	From            string `toml:"from"`              // Envelope sender of redirected messages
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.SMTPHost != ""
}

// GetTLSVerify reports whether the relay certificate is verified
func (r *RelayConfig) GetTLSVerify() bool {
	return r.SMTPTLSVerify == nil || *r.SMTPTLSVerify
}
