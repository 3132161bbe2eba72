package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/csims/csims/internal/shared"
)

// Mailer delivers one notification.
type Mailer interface {
	Send(ctx context.Context, n shared.Notification) error
}

// SMTPMailer sends plain-text mail through an SMTP relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

// NewSMTPMailer constructs a mailer for host:port. Credentials are optional.
func NewSMTPMailer(host string, port int, from, username, password string) *SMTPMailer {
	m := &SMTPMailer{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		from: from,
		send: smtp.SendMail,
		now:  time.Now,
	}
	if username != "" {
		m.auth = smtp.PlainAuth("", username, password, host)
	}
	return m
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, n shared.Notification) error {
	if m == nil {
		return errors.New("smtp mailer not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(n.To, "\r\n") || strings.ContainsAny(n.Subject, "\r\n") {
		return errors.New("smtp: header injection rejected")
	}
	return m.send(m.addr, m.auth, m.from, []string{n.To}, m.message(n))
}

func (m *SMTPMailer) message(n shared.Notification) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", n.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", n.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(n.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// EmailJob handles notify:email tasks.
type EmailJob struct {
	Mailer Mailer
	Logger *slog.Logger
}

// Handle processes a single notify:email task.
func (j *EmailJob) Handle(ctx context.Context, task *asynq.Task) error {
	var n shared.Notification
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		return fmt.Errorf("decode notification: %w", asynq.SkipRetry)
	}
	if n.To == "" {
		return fmt.Errorf("notification without recipient: %w", asynq.SkipRetry)
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if j.Mailer == nil {
		logger.Info("mailer disabled, dropping notification", slog.String("subject", n.Subject))
		return nil
	}
	if err := j.Mailer.Send(ctx, n); err != nil {
		logger.Warn("send notification", slog.String("subject", n.Subject), slog.Any("error", err))
		return err
	}
	logger.Info("notification sent", slog.String("subject", n.Subject))
	return nil
}
