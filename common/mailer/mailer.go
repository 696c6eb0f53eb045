// Package mailer delivers notification mail. Delivery is best effort:
// a local sendmail binary is preferred, with direct SMTP as fallback,
// and a dry-run mode that only logs.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"os"
	"os/exec"
	"strings"

	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
)

// Mailer sends HTML mail
type Mailer struct {
	cfg config.MailConfig
	log *logger.Logger
}

// New creates a mailer
func New(cfg config.MailConfig, log *logger.Logger) *Mailer {
	return &Mailer{cfg: cfg, log: log}
}

// Send delivers one HTML message to the recipients. Errors are
// returned for the caller to log; nothing retries.
func (m *Mailer) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	if m.cfg.DryRun {
		m.log.Info("email dry run", "to", strings.Join(to, ","), "subject", subject)
		return nil
	}

	msg := m.buildMessage(to, subject, htmlBody)

	if m.sendmailAvailable() {
		err := m.viaSendmail(ctx, msg)
		if err == nil {
			return nil
		}
		m.log.Warn("sendmail failed, falling back to smtp", "error", err)
	}
	return m.viaSMTP(to, msg)
}

func (m *Mailer) buildMessage(to []string, subject, htmlBody string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(htmlBody)
	return buf.Bytes()
}

func (m *Mailer) sendmailAvailable() bool {
	if m.cfg.SendmailPath == "" {
		return false
	}
	_, err := os.Stat(m.cfg.SendmailPath)
	return err == nil
}

func (m *Mailer) viaSendmail(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.cfg.SendmailPath, "-t", "-i")
	cmd.Stdin = bytes.NewReader(msg)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sendmail: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Mailer) viaSMTP(to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)

	var auth smtp.Auth
	if m.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUser, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, to, msg); err != nil {
		return fmt.Errorf("smtp send via %s: %w", addr, err)
	}
	return nil
}
