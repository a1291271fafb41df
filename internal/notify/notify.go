// Package notify renders and delivers email notifications. Delivery is a
// side effect: workflows log a failed notification and carry on.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Template names.
const (
	TemplateInviteProjectNew       = "invite_project_new.html"
	TemplateInviteProjectExisting  = "invite_project_existing.html"
	TemplateInvitePlatformNew      = "invite_platform_new.html"
	TemplateInvitePlatformExisting = "invite_platform_existing.html"
	TemplateResetPassword          = "reset_password.html"
	TemplateResetUsername          = "reset_username.html"
	TemplateTestAccountSupport     = "test_account_support.html"
	TemplateTestAccountReview      = "test_account_review.html"
	TemplateTestAccountApproved    = "test_account_approved.html"
	TemplateContractRequest        = "contract_request.html"
	TemplateContractReceived       = "contract_received.html"
)

// Notification is one templated email to one recipient.
type Notification struct {
	Template  string
	Recipient string
	Subject   string
	Vars      map[string]any
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Message is a rendered email.
type Message struct {
	From     string
	To       []string
	ReplyTo  string
	Subject  string
	HTMLBody string
}

// Sender transmits rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders notifications from a registry and hands them to a Sender.
type Mailer struct {
	templates *TemplateRegistry
	sender    Sender
	from      string
	replyTo   string
}

// NewMailer creates a Mailer. from is the envelope sender, replyTo the
// support address shown to recipients.
func NewMailer(templates *TemplateRegistry, sender Sender, from, replyTo string) *Mailer {
	return &Mailer{templates: templates, sender: sender, from: from, replyTo: replyTo}
}

func (m *Mailer) Notify(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.Recipient) == "" {
		return fmt.Errorf("notification %s has no recipient", n.Template)
	}
	body, err := m.templates.Render(n.Template, n.Vars)
	if err != nil {
		return err
	}
	return m.sender.Send(ctx, Message{
		From:     m.from,
		To:       []string{n.Recipient},
		ReplyTo:  m.replyTo,
		Subject:  n.Subject,
		HTMLBody: body,
	})
}

// Async delivers in the background. Failures are logged. Wait blocks until
// every accepted notification has been attempted.
type Async struct {
	inner Notifier
	wg    sync.WaitGroup
}

func NewAsync(inner Notifier) *Async {
	return &Async{inner: inner}
}

// Notify never fails; the returned error is always nil.
func (a *Async) Notify(ctx context.Context, n Notification) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.inner.Notify(context.WithoutCancel(ctx), n); err != nil {
			log.Printf("ERROR: notify: %s to %s failed: %v", n.Template, n.Recipient, err)
		}
	}()
	return nil
}

func (a *Async) Wait() {
	a.wg.Wait()
}

// Send delivers n and logs a failure instead of returning it.
func Send(ctx context.Context, notifier Notifier, n Notification) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, n); err != nil {
		log.Printf("ERROR: notify: %s to %s failed: %v", n.Template, n.Recipient, err)
	}
}

// MaskEmail hides all but the first and last character of the local part
// and every non-dot character of the domain: "alice@ex.org" -> "a***e@**.***".
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return strings.Repeat("*", len(email))
	}

	var b strings.Builder
	runes := []rune(local)
	if len(runes) <= 2 {
		b.WriteRune(runes[0])
		b.WriteString(strings.Repeat("*", len(runes)-1))
	} else {
		b.WriteRune(runes[0])
		b.WriteString(strings.Repeat("*", len(runes)-2))
		b.WriteRune(runes[len(runes)-1])
	}
	b.WriteByte('@')
	for _, r := range domain {
		if r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}
