package mailer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

// Dispatcher is the external mail-dispatch collaborator: it takes one
// rendered document plus its recipient set and either delivers it or fails.
// Synchronous and blocking by contract.
type Dispatcher interface {
	Send(ctx context.Context, doc Document, rcpt Recipients) error
}

// SMTPConfig configures the default Dispatcher.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type smtpDispatcher struct {
	cfg SMTPConfig
	log logx.Logger
}

// NewSMTP returns a Dispatcher backed by a plain SMTP submission.
func NewSMTP(cfg SMTPConfig, log logx.Logger) Dispatcher {
	return &smtpDispatcher{cfg: cfg, log: log}
}

func (d *smtpDispatcher) Send(ctx context.Context, doc Document, rcpt Recipients) error {
	if strings.TrimSpace(d.cfg.Host) == "" {
		return errors.New("smtp host not configured")
	}
	if len(rcpt.To) == 0 {
		return errors.New("no recipient configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port := d.cfg.Port
	if port == 0 {
		port = 25
	}
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, port)

	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}

	all := make([]string, 0, len(rcpt.To)+len(rcpt.CC))
	all = append(all, rcpt.To...)
	all = append(all, rcpt.CC...)

	msg := buildMessage(d.cfg.From, doc, rcpt)

	start := time.Now()
	err := smtp.SendMail(addr, auth, d.cfg.From, all, msg)
	if err != nil {
		return fmt.Errorf("smtp send via %s: %w", addr, err)
	}
	d.log.Debug("mail submitted",
		logx.String("host", addr),
		logx.Int("to", len(rcpt.To)),
		logx.Int("cc", len(rcpt.CC)),
		logx.Duration("took", time.Since(start)))
	return nil
}

func buildMessage(from string, doc Document, rcpt Recipients) []byte {
	var b strings.Builder
	writeHeader := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	writeHeader("From", from)
	writeHeader("To", strings.Join(rcpt.To, ", "))
	if len(rcpt.CC) > 0 {
		writeHeader("Cc", strings.Join(rcpt.CC, ", "))
	}
	writeHeader("Subject", encodeSubject(doc.Subject))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/html; charset="UTF-8"`)
	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString(doc.HTMLBody)
	return []byte(b.String())
}

// encodeSubject RFC 2047-encodes non-ASCII subjects (the default subject is
// Chinese).
func encodeSubject(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.BEncoding.Encode("UTF-8", s)
		}
	}
	return s
}
