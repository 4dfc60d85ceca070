package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net/smtp"
	"sort"
	"strings"

	"github.com/huangang/vibecoding/internal/config"
	"github.com/huangang/vibecoding/pkg/logger"
)

// EmailNotifier sends invitation notices over SMTP.
type EmailNotifier struct {
	cfg  config.EmailConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	n := &EmailNotifier{cfg: cfg}
	n.send = smtp.SendMail
	if cfg.UseTLS {
		n.send = n.sendTLS
	}
	return n
}

func (n *EmailNotifier) NotifyInvite(ctx context.Context, task *InviteTask) error {
	if !n.cfg.Enabled || n.cfg.Host == "" || task.Email == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := n.cfg.From
	if from == "" {
		from = n.cfg.Username
	}
	subject := fmt.Sprintf("[Vibecoding] You were invited to %s", task.ProjectName)
	msg := buildMessage(from, []string{task.Email}, subject, buildInviteBody(task))

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" && n.cfg.Password != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	if err := n.send(addr, auth, from, []string{task.Email}, []byte(msg)); err != nil {
		logger.Warn().Err(err).Str("email", task.Email).Msg("[Email] Failed to send invitation")
		return err
	}
	logger.Info().Str("email", task.Email).Str("project_id", task.ProjectID).Msg("[Email] Invitation sent")
	return nil
}

func buildInviteBody(task *InviteTask) string {
	var sb strings.Builder
	sb.WriteString("<html><body style=\"font-family: Arial, sans-serif;\">")
	sb.WriteString(fmt.Sprintf("<h2>You were invited to %s</h2>", html.EscapeString(task.ProjectName)))
	sb.WriteString(fmt.Sprintf("<p>Your role: <b>%s</b></p>", html.EscapeString(task.Role)))
	if task.URL != "" {
		sb.WriteString(fmt.Sprintf("<p><a href=\"%s\">Open the workspace</a></p>", html.EscapeString(task.URL)))
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func buildMessage(from string, to []string, subject, body string) string {
	headers := map[string]string{
		"From":         from,
		"To":           strings.Join(to, ","),
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/html; charset=UTF-8",
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var message strings.Builder
	for _, k := range keys {
		message.WriteString(fmt.Sprintf("%s: %s\r\n", k, headers[k]))
	}
	message.WriteString("\r\n")
	message.WriteString(body)
	return message.String()
}

func (n *EmailNotifier) sendTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: n.cfg.Host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}
