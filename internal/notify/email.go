// Package notify composes and delivers outcome notification emails via a
// dual-path SMTP sender: implicit TLS via tls.Dial for SMTPS, or
// smtp.SendMail (handles plaintext/STARTTLS negotiation) otherwise.
package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// MaxEmailDetailLength truncates the detail section of a notification
// body to keep messages readable.
const MaxEmailDetailLength = 1000

// SMTPConfig carries the delivery settings read from
// global_email.smtp_* configuration.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool // true selects implicit TLS (SMTPS); false selects smtp.SendMail
}

// Outcome describes one completed operation for the purpose of deciding
// recipients and composing the email body.
type Outcome struct {
	Operation string
	RepoName  string
	Success   bool
	Detail    string
	Occurred  time.Time
}

// RecipientConfig names the four notification lists the recipient
// decision matrix draws from.
type RecipientConfig struct {
	OnBackupSuccess     []string
	OnBackupFailure     []string
	OnOperationsSuccess []string
	OnOperationsFailure []string
}

// Recipients implements the decision matrix: backup operations consult
// the backup_* lists, every other operation consults the operations_*
// lists, selected by success/failure.
func (r RecipientConfig) Recipients(o Outcome) []string {
	if o.Operation == "backup" {
		if o.Success {
			return r.OnBackupSuccess
		}
		return r.OnBackupFailure
	}
	if o.Success {
		return r.OnOperationsSuccess
	}
	return r.OnOperationsFailure
}

// Subject composes the notification's subject line.
func Subject(o Outcome) string {
	status := "succeeded"
	if !o.Success {
		status = "failed"
	}
	return fmt.Sprintf("[npbackup] %s %s on %s", o.Operation, status, o.RepoName)
}

// Body composes a human-readable email body, truncating Detail to
// MaxEmailDetailLength.
func Body(o Outcome) string {
	detail := o.Detail
	if len(detail) > MaxEmailDetailLength {
		detail = detail[:MaxEmailDetailLength] + "... (truncated)"
	}
	status := "SUCCESS"
	if !o.Success {
		status = "FAILURE"
	}
	return fmt.Sprintf(
		"Operation: %s\nRepository: %s\nStatus: %s\nDate: %s\n\nDetail:\n%s\n",
		o.Operation, o.RepoName, status, o.Occurred.UTC().Format(time.RFC1123Z), detail,
	)
}

// Send delivers subject/body to every address in to. Called with an
// empty recipient list, Send is a no-op — SMTP delivery is optional.
func Send(cfg SMTPConfig, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}

	msg := buildMessage(cfg.From, to, subject, body)
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	if cfg.TLS {
		return sendImplicitTLS(addr, cfg, to, msg)
	}
	return sendPlain(addr, cfg, to, msg)
}

func sendPlain(addr string, cfg SMTPConfig, to []string, msg []byte) error {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, cfg.From, to, msg); err != nil {
		return fmt.Errorf("notify: smtp.SendMail: %w", err)
	}
	return nil
}

func sendImplicitTLS(addr string, cfg SMTPConfig, to []string, msg []byte) error {
	tlsCfg := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("notify: tls.Dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("notify: smtp.NewClient: %w", err)
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("notify: MAIL FROM: %w", err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("notify: RCPT TO %s: %w", r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("notify: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: close DATA: %w", err)
	}
	return client.Quit()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
