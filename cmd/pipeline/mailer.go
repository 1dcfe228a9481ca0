package main

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"stageflow/stages"
)

// smtpMailer sends send_email stage messages through a plain SMTP relay.
// Configured entirely from the environment; when SMTP_ADDR is unset the
// send_email kind is left without a mailer and fails with a configuration
// error, which is the documented behavior for absent credentials.
type smtpMailer struct {
	addr string
	from string
	auth smtp.Auth
}

func mailerFromEnv() stages.Mailer {
	addr := os.Getenv("SMTP_ADDR")
	from := os.Getenv("SMTP_FROM")
	if addr == "" || from == "" {
		return nil
	}
	var auth smtp.Auth
	if user := os.Getenv("SMTP_USER"); user != "" {
		host, _, _ := strings.Cut(addr, ":")
		auth = smtp.PlainAuth("", user, os.Getenv("SMTP_PASS"), host)
	}
	return &smtpMailer{addr: addr, from: from, auth: auth}
}

func (m *smtpMailer) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.from, to, subject, body)
	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
