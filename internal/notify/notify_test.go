package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func inviteVars() map[string]any {
	return map[string]any{
		"inviter_email":  "pi@example.org",
		"inviter_name":   "pi",
		"support_email":  "support@example.org",
		"admin_email":    "admin@example.org",
		"url":            "https://portal.example.org/login",
		"user_email":     "new@example.org",
		"domain":         "example.org",
		"helpdesk_email": "help@example.org",
		"project_name":   "Project One",
		"project_code":   "proj1",
		"project_role":   "collaborator",
		"platform_role":  "Platform User",
	}
}

func TestDefaultTemplatesRender(t *testing.T) {
	reg, err := DefaultTemplates()
	require.NoError(t, err)

	for _, name := range []string{
		TemplateInviteProjectNew, TemplateInviteProjectExisting,
		TemplateInvitePlatformNew, TemplateInvitePlatformExisting,
	} {
		t.Run(name, func(t *testing.T) {
			out, err := reg.Render(name, inviteVars())
			require.NoError(t, err)
			assert.Contains(t, out, "new@example.org")
		})
	}

	out, err := reg.Render(TemplateResetPassword, map[string]any{
		"username": "ada", "reset_link": "https://x/account-assistant/reset-password?token=abc",
		"admin_email": "admin@example.org", "hours": 24,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "token=abc")
	assert.Contains(t, out, "24 hours")

	out, err = reg.Render(TemplateTestAccountSupport, map[string]any{
		"title": "A test account request denied", "status": "Denied", "name": "", "username": "ada",
		"email": "ada@example.org", "project": "sandbox", "send_date": "2026-01-02 10:00 UTC",
		"notes": "", "url": "https://portal.example.org",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Denied")
	assert.NotContains(t, out, "<p></p>", "empty notes are omitted")

	out, err = reg.Render(TemplateTestAccountApproved, map[string]any{
		"first_name": "Ada", "project_name": "Sandbox", "project_code": "sandbox", "project_role": "contributor",
		"url": "https://portal.example.org", "url_guide": "https://portal.example.org/user-guide",
		"support_email": "support@example.org",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "<b>contributor</b>")

	_, err = reg.Render(TemplateResetUsername, map[string]any{"username": "ada"})
	assert.Error(t, err, "missing keys are errors")

	_, err = reg.Render("nope.html", nil)
	assert.Error(t, err)
}

func TestMailerNotify(t *testing.T) {
	reg, err := DefaultTemplates()
	require.NoError(t, err)
	sender := &recordingSender{}
	m := NewMailer(reg, sender, "noreply@example.org", "support@example.org")

	require.NoError(t, m.Notify(context.Background(), Notification{
		Template:  TemplateInvitePlatformExisting,
		Recipient: "new@example.org",
		Subject:   "Welcome to the platform!",
		Vars:      inviteVars(),
	}))
	require.Len(t, sender.msgs, 1)
	msg := sender.msgs[0]
	assert.Equal(t, []string{"new@example.org"}, msg.To)
	assert.Equal(t, "noreply@example.org", msg.From)
	assert.Equal(t, "support@example.org", msg.ReplyTo)
	assert.Contains(t, msg.HTMLBody, "Platform User")

	err = m.Notify(context.Background(), Notification{Template: TemplateResetUsername})
	assert.Error(t, err)
}

func TestAsyncLogsFailures(t *testing.T) {
	reg := NewTemplateRegistry()
	require.NoError(t, reg.Register("t.html", "hi {{.name}}"))
	sender := &recordingSender{err: errors.New("throttled")}
	a := NewAsync(NewMailer(reg, sender, "a@x", ""))

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Notify(context.Background(), Notification{
			Template: "t.html", Recipient: "r@x", Vars: map[string]any{"name": "r"},
		}))
	}
	a.Wait()
	assert.Len(t, sender.msgs, 3)
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"alice@example.org": "a***e@*******.***",
		"ab@x.io":           "a*@*.**",
		"a@x.io":            "a@*.**",
		"not-an-email":      "************",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, MaskEmail(in))
		})
	}
}
