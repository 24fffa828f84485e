package email

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"time"

	"github.com/dialog/internal/config"
	"github.com/dialog/internal/digest"
	"github.com/dialog/internal/model"
)

const maxPreviewLen = 120

// DigestSender отправляет дайджест-письма о непрочитанных сообщениях по SMTP.
type DigestSender struct {
	cfg *config.SMTPConfig
}

func NewDigestSender(cfg *config.SMTPConfig) *DigestSender {
	return &DigestSender{cfg: cfg}
}

func (s *DigestSender) Send(ctx context.Context, to digest.Recipient, messages []model.Message) error {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return fmt.Errorf("email: SMTP не настроен")
	}
	from := s.cfg.FromEmail
	if from == "" {
		from = s.cfg.Username
	}
	var buf bytes.Buffer
	buf.WriteString("From: " + s.cfg.FromName + " <" + from + ">\r\n")
	buf.WriteString("To: " + to.Email + "\r\n")
	buf.WriteString("Subject: " + subject(len(messages)) + "\r\n")
	buf.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	writeBody(&buf, to, messages)
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(addr, auth, from, []string{to.Email}, buf.Bytes()) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func subject(n int) string {
	if n == 1 {
		return "У вас 1 непрочитанное сообщение"
	}
	return fmt.Sprintf("У вас %d непрочитанных сообщений", n)
}

func writeBody(buf *bytes.Buffer, to digest.Recipient, messages []model.Message) {
	name := to.DisplayName
	if name == "" {
		name = to.Email
	}
	fmt.Fprintf(buf, "Здравствуйте, %s!\n\n", name)
	fmt.Fprintf(buf, "Пока вас не было, пришли новые сообщения:\n\n")
	for _, m := range messages {
		sender := m.SenderID
		if m.Sender != nil && m.Sender.Username != "" {
			sender = m.Sender.Username
		}
		fmt.Fprintf(buf, "  %s  %s: %s\n",
			m.CreatedAt.Format("15:04"), sender, preview(m.Content))
	}
	buf.WriteString("\nЗайдите в приложение, чтобы ответить.\n")
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= maxPreviewLen {
		return content
	}
	return string(runes[:maxPreviewLen]) + "…"
}
