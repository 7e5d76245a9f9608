package services

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

// SendEmail sends msg. CC and BCC recipients are added to the envelope; only
// CC is written to the headers.
func (s *SMTPSender) SendEmail(ctx context.Context, msg EmailMessage) (Receipt, error) {
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	default:
	}

	from := msg.From
	if from == "" {
		from = s.cfg.From
	}
	if from == "" {
		return Receipt{}, fmt.Errorf("smtp: no sender address configured")
	}

	rcpt := append([]string{msg.To}, msg.CC...)
	rcpt = append(rcpt, msg.BCC...)

	id := uuid.NewString()
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	if len(msg.CC) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", id, s.cfg.Host)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.Body)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, from, rcpt, []byte(b.String())); err != nil {
		return Receipt{}, fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return Receipt{ID: id}, nil
}

// LogEmailSender logs emails instead of sending them.
type LogEmailSender struct {
	Logger hclog.Logger
}

// SendEmail records msg in the log.
func (s LogEmailSender) SendEmail(ctx context.Context, msg EmailMessage) (Receipt, error) {
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	default:
	}
	logger := s.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	id := uuid.NewString()
	logger.Info("simulated email", "id", id, "to", msg.To, "subject", msg.Subject,
		"cc", msg.CC, "bcc", msg.BCC, "track_opens", msg.TrackOpens, "track_clicks", msg.TrackClicks)
	return Receipt{ID: id, Simulated: true}, nil
}
