package stages

import (
	"context"
	"fmt"

	"stageflow/vars"
)

// Mailer is the templated-message capability consumed by the send_email kind.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Notifier delivers a short message to a named channel.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// EmailExecutor wraps a Mailer.
//
// Config: to (required; also compiler-checked), subject, body.
// Returns {sent, to, subject}.
type EmailExecutor struct {
	Mailer Mailer
}

func (e *EmailExecutor) Execute(ctx context.Context, cfg map[string]any, _ vars.Env) (any, error) {
	if e.Mailer == nil {
		return nil, fmt.Errorf("%w: send_email has no mailer configured", ErrConfiguration)
	}
	to, err := requireString(cfg, "to", KindSendEmail)
	if err != nil {
		return nil, err
	}
	subject := stringValue(cfg, "subject")
	if err := e.Mailer.Send(ctx, to, subject, stringValue(cfg, "body")); err != nil {
		return nil, fmt.Errorf("send email to %s: %w", to, err)
	}
	return map[string]any{"sent": true, "to": to, "subject": subject}, nil
}

// NotifyExecutor wraps a Notifier.
//
// Config: message (required), channel (default "default").
// Returns {notified, channel}.
type NotifyExecutor struct {
	Notifier Notifier
}

func (e *NotifyExecutor) Execute(ctx context.Context, cfg map[string]any, _ vars.Env) (any, error) {
	if e.Notifier == nil {
		return nil, fmt.Errorf("%w: notify has no notifier configured", ErrConfiguration)
	}
	message, err := requireString(cfg, "message", KindNotify)
	if err != nil {
		return nil, err
	}
	channel := stringValue(cfg, "channel")
	if channel == "" {
		channel = "default"
	}
	if err := e.Notifier.Notify(ctx, channel, message); err != nil {
		return nil, fmt.Errorf("notify %s: %w", channel, err)
	}
	return map[string]any{"notified": true, "channel": channel}, nil
}
