package rules

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent (5xx) relay failure.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Relay sends redirected messages.
type Relay interface {
	Send(from, to string, messageBytes []byte) error
}

// SMTPRelay sends messages through an SMTP smarthost.
type SMTPRelay struct {
	SMTPHost    string
	UseTLS      bool
	TLSVerify   bool
	UseStartTLS bool
}

// NewSMTPRelay returns a relay for cfg, or nil when no smarthost is configured.
func NewSMTPRelay(cfg config.RelayConfig) *SMTPRelay {
	if !cfg.IsConfigured() {
		return nil
	}
	return &SMTPRelay{
		SMTPHost:    cfg.SMTPHost,
		UseTLS:      cfg.SMTPTLS,
		TLSVerify:   cfg.GetTLSVerify(),
		UseStartTLS: cfg.SMTPUseStartTLS,
	}
}

func (r *SMTPRelay) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}

	switch {
	case !r.UseTLS:
		return smtp.Dial(r.SMTPHost)
	case r.UseStartTLS:
		return smtp.DialStartTLS(r.SMTPHost, tlsConfig)
	default:
		return smtp.DialTLS(r.SMTPHost, tlsConfig)
	}
}

// Send delivers messageBytes to one recipient.
func (r *SMTPRelay) Send(from, to string, messageBytes []byte) (err error) {
	if r.SMTPHost == "" {
		return fmt.Errorf("SMTP relay host not configured")
	}
	defer func() {
		if err != nil {
			metrics.RelayMessages.WithLabelValues("failure").Inc()
		} else {
			metrics.RelayMessages.WithLabelValues("success").Inc()
		}
	}()

	c, err := r.dial()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(messageBytes); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted
		logger.Warn("SMTP Relay: Failed to send QUIT", "error", err)
	}
	return nil
}
