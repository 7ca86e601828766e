package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpcarreira/condoflow/pkg/mail"
)

type fakeMailer struct {
	sent []mail.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	if f.err != nil {
		return f.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestMailNotifierRendersTemplate(t *testing.T) {
	mailer := &fakeMailer{}
	notifier, err := NewMailNotifier(mailer)
	require.NoError(t, err)

	err = notifier.Send(context.Background(), Notification{
		To:       "supplier@example.com",
		Template: TemplateQuotationReminder,
		Data: map[string]any{
			"SupplierName": "Canalizações Silva",
			"BuildingName": "Edifício Aurora",
			"Description":  "Leak repair in garage level -1",
			"PortalURL":    "https://portal.example.com/access?code=ABC",
		},
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)

	msg := mailer.sent[0]
	require.Equal(t, []string{"supplier@example.com"}, msg.To)
	require.Equal(t, "Reminder: quotation pending", msg.Subject)
	require.Contains(t, msg.Body, "Canalizações Silva")
	require.Contains(t, msg.Body, "Edifício Aurora")
	require.Contains(t, msg.Body, "https://portal.example.com/access?code=ABC")
}

func TestMailNotifierUnknownTemplate(t *testing.T) {
	notifier, err := NewMailNotifier(&fakeMailer{})
	require.NoError(t, err)

	err = notifier.Send(context.Background(), Notification{
		To:       "supplier@example.com",
		Template: Template("payment_reminder"),
	})
	require.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestMailNotifierRequiresRecipient(t *testing.T) {
	notifier, err := NewMailNotifier(&fakeMailer{})
	require.NoError(t, err)

	err = notifier.Send(context.Background(), Notification{Template: TemplatePortalInvite})
	require.Error(t, err)
}

func TestMailNotifierPropagatesDeliveryFailure(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("smtp unreachable")}
	notifier, err := NewMailNotifier(mailer, WithSendTimeout(time.Second))
	require.NoError(t, err)

	err = notifier.Send(context.Background(), Notification{
		To:       "supplier@example.com",
		Template: TemplatePortalInvite,
		Data:     map[string]any{"SupplierName": "X", "PortalURL": "u", "ExpiresAt": "t"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "smtp unreachable")
}

func TestMailNotifierSubjectOverride(t *testing.T) {
	mailer := &fakeMailer{}
	notifier, err := NewMailNotifier(mailer)
	require.NoError(t, err)

	err = notifier.Send(context.Background(), Notification{
		To:       "supplier@example.com",
		Subject:  "Custom subject",
		Template: TemplateWorkReminder,
		Data: map[string]any{
			"SupplierName": "X", "BuildingName": "Y",
			"WorkDate": "2026-03-10", "Description": "d", "PortalURL": "u",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Custom subject", mailer.sent[0].Subject)
}

func TestEveryFollowUpTemplateExists(t *testing.T) {
	for _, name := range []Template{
		TemplatePortalInvite,
		TemplateQuotationReminder,
		TemplateDateConfirmation,
		TemplateWorkReminder,
		TemplateCompletionReminder,
	} {
		_, ok := templates[name]
		require.True(t, ok, "template %q", name)
	}
}
