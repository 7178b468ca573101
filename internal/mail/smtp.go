package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/resilience"
)

// Transport delivers a single message.
type Transport interface {
	Send(ctx context.Context, msg Outgoing) error
}

// TLSMode selects how the SMTP connection is secured.
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "tls"
)

// SMTPConfig configures SMTPTransport.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	TLS      TLSMode
	From     Sender
	// InsecureSkipVerify disables certificate checks (local relays only).
	InsecureSkipVerify bool
}

// SMTPTransport sends mail through an SMTP relay, one connection per message.
type SMTPTransport struct {
	cfg   SMTPConfig
	retry resilience.RetryConfig
	now   func() time.Time
}

// NewSMTPTransport creates an SMTP transport. Temporary (4yz) replies and
// network errors are retried per retry.
func NewSMTPTransport(cfg SMTPConfig, retry resilience.RetryConfig) *SMTPTransport {
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	retry.ShouldRetry = isRetryable
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("smtp", "send")
	}
	return &SMTPTransport{cfg: cfg, retry: retry, now: time.Now}
}

// Send implements Transport.
func (t *SMTPTransport) Send(ctx context.Context, msg Outgoing) error {
	raw, err := Compose(t.cfg.From, msg, t.now())
	if err != nil {
		return err
	}
	return resilience.Do(ctx, t.retry, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return t.deliver(msg.To, raw)
	})
}

func (t *SMTPTransport) deliver(to string, raw []byte) error {
	c, err := t.dial()
	if err != nil {
		return eris.Wrapf(err, "smtp: dial %s", t.cfg.Addr)
	}
	defer c.Close() //nolint:errcheck

	if t.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return eris.Wrap(err, "smtp: auth")
		}
	}
	if err := c.SendMail(t.cfg.From.Address, []string{to}, bytes.NewReader(raw)); err != nil {
		return eris.Wrapf(err, "smtp: send to %s", to)
	}
	if err := c.Quit(); err != nil {
		zap.L().Debug("smtp: quit failed", zap.Error(err))
	}
	return nil
}

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: t.cfg.InsecureSkipVerify} //nolint:gosec
	switch t.cfg.TLS {
	case TLSImplicit:
		return smtp.DialTLS(t.cfg.Addr, tlsCfg)
	case TLSStartTLS:
		return smtp.DialStartTLS(t.cfg.Addr, tlsCfg)
	default:
		return smtp.Dial(t.cfg.Addr)
	}
}

func isRetryable(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return resilience.IsTransientSMTPCode(smtpErr.Code)
	}
	return resilience.IsTransient(err)
}
