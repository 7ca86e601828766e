package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpcarreira/condoflow/pkg/mail"
)

// ErrUnknownTemplate signals a dispatch request for a template that does not
// exist. Callers must treat it as a dispatch failure, never a silent skip.
var ErrUnknownTemplate = errors.New("notify: unknown template")

// Notification is one outbound message. Data feeds the named template.
type Notification struct {
	To       string
	Subject  string
	Template Template
	Data     map[string]any
}

// Notifier dispatches notifications and reports an explicit success or
// failure; the result feeds directly into follow-up status transitions.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MailNotifier renders templates to plain-text bodies and delivers them over
// the SMTP mailer.
type MailNotifier struct {
	mailer  mail.Mailer
	timeout time.Duration
}

// Option customises the MailNotifier.
type Option func(*MailNotifier)

// WithSendTimeout bounds every delivery attempt. The default is 15s so a slow
// SMTP peer cannot stall a whole batch run.
func WithSendTimeout(d time.Duration) Option {
	return func(n *MailNotifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// NewMailNotifier builds a Notifier over the supplied mailer.
func NewMailNotifier(mailer mail.Mailer, opts ...Option) (*MailNotifier, error) {
	if mailer == nil {
		return nil, errors.New("notify: mailer is required")
	}

	notifier := &MailNotifier{
		mailer:  mailer,
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(notifier)
	}
	return notifier, nil
}

// Send renders the notification body and delivers it. A missing recipient or
// unknown template fails before any network traffic.
func (n *MailNotifier) Send(ctx context.Context, notification Notification) error {
	to := strings.TrimSpace(notification.To)
	if to == "" {
		return errors.New("notify: recipient is required")
	}

	tmpl, ok := templates[notification.Template]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTemplate, notification.Template)
	}

	var body bytes.Buffer
	if err := tmpl.body.Execute(&body, notification.Data); err != nil {
		return fmt.Errorf("notify: render %s: %w", notification.Template, err)
	}

	subject := strings.TrimSpace(notification.Subject)
	if subject == "" {
		subject = tmpl.subject
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.mailer.Send(ctx, mail.Message{
		To:      []string{to},
		Subject: subject,
		Body:    body.String(),
	}); err != nil {
		return fmt.Errorf("notify: send %s to %s: %w", notification.Template, to, err)
	}

	return nil
}
