package invitation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/db/bunx"
	"github.com/pilotdata/authsvc/internal/db/models"
	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/fakes"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/migrations"
	"github.com/pilotdata/authsvc/internal/notify"
	"github.com/pilotdata/authsvc/internal/repository"
)

type fixture struct {
	svc      *Service
	repo     *repository.BunInvitationRepository
	identity *fakes.Identity
	dir      *fakes.Directory
	graph    *fakes.Graph
	notifier *fakes.Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, "file:"+bunx.NewToken()+"?mode=memory&cache=shared", bunx.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(ctx, db))

	f := &fixture{
		repo:     repository.NewBunInvitationRepository(db),
		identity: fakes.NewIdentity(),
		dir:      fakes.NewDirectory(),
		graph:    fakes.NewGraph(),
		notifier: fakes.NewNotifier(),
	}
	f.identity.AddUser(identity.User{
		Username: "admin", Email: "pi@example.org", FirstName: "Ada", LastName: "Admin",
	}, "secret", "platform-admin")
	f.graph.AddProject("g1", "proj1", "Project One")

	f.svc = NewService(f.repo, f.identity, f.dir, f.graph, f.notifier, Config{
		Expiry:    time.Hour,
		AdminRole: "platform-admin",
		Email: config.EmailConfig{
			Admin: "admin@example.org", Support: "support@example.org", Helpdesk: "help@example.org",
			LoginURL: "https://portal.example.org", Domain: "example.org", PlatformName: "Pilot",
		},
	}, nil)
	return f
}

func projectRequest(email string) CreateRequest {
	return CreateRequest{
		Email:        email,
		PlatformRole: PlatformMember,
		Project:      &ProjectRelationship{ProjectGlobalID: "g1", ProjectRole: "collaborator"},
		InvitedBy:    "admin",
	}
}

func (f *fixture) groupAdds(groupDN string) int {
	n := 0
	for _, c := range f.dir.Calls() {
		if c.Method == fakes.DirectoryAddToGroup && c.Arg(1) == groupDN {
			n++
		}
	}
	return n
}

func (f *fixture) invitations(t *testing.T) []models.Invitation {
	t.Helper()
	items, _, err := f.repo.List(context.Background(), repository.InvitationFilter{})
	require.NoError(t, err)
	return items
}

func assertRenders(t *testing.T, sent []notify.Notification) {
	t.Helper()
	reg, err := notify.DefaultTemplates()
	require.NoError(t, err)
	for _, n := range sent {
		_, err := reg.Render(n.Template, n.Vars)
		assert.NoError(t, err, n.Template)
	}
}

func TestCreateInvitationForDirectoryUser(t *testing.T) {
	f := newFixture(t)
	dn := f.dir.AddEntry("new@example.com", "newbie")

	res, err := f.svc.CreateInvitation(context.Background(), projectRequest("New@Example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.InDirectory)
	require.NotNil(t, res.Invitation)

	invs := f.invitations(t)
	require.Len(t, invs, 1)
	assert.Equal(t, models.InvitationStatusPending, invs[0].Status)
	assert.Equal(t, "new@example.com", invs[0].Email)
	assert.Equal(t, "g1", invs[0].ProjectID)
	assert.Equal(t, "collaborator", invs[0].ProjectRole)
	assert.Equal(t, res.Invitation.ID, invs[0].ID)

	assert.Equal(t, 1, f.groupAdds(f.dir.GroupDN("proj1")))
	assert.True(t, f.dir.IsMember(f.dir.UserGroupDN(), dn))
	assert.True(t, f.dir.IsMember(f.dir.GroupDN("proj1"), dn))

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "new@example.com", sent[0].Recipient)
	assert.Equal(t, notify.TemplateInviteProjectExisting, sent[0].Template)
	assert.Equal(t, "Welcome to the Project One project!", sent[0].Subject)
	assert.Equal(t, "Ada Admin", sent[0].Vars["inviter_name"])
	assert.Equal(t, "pi@example.org", sent[0].Vars["inviter_email"])
	assert.Equal(t, "proj1", sent[0].Vars["project_code"])
	assertRenders(t, sent)
}

func TestCreateInvitationForNewAccountCopiesAdmin(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateInvitation(context.Background(), projectRequest("new@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.False(t, res.InDirectory)

	assert.Zero(t, f.dir.Count(fakes.DirectoryAddToGroup))
	assert.Equal(t, []string{"new@example.com", "admin@example.org"}, f.notifier.Recipients())
	for _, n := range f.notifier.Sent() {
		assert.Equal(t, notify.TemplateInviteProjectNew, n.Template)
	}
	assertRenders(t, f.notifier.Sent())
}

func TestCreatePlatformInvitation(t *testing.T) {
	f := newFixture(t)
	f.dir.AddEntry("ops@example.com", "ops")

	res, err := f.svc.CreateInvitation(context.Background(), CreateRequest{
		Email: "ops@example.com", PlatformRole: PlatformAdmin, InvitedBy: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Empty(t, res.Invitation.ProjectID)

	assert.Equal(t, 1, f.groupAdds(f.dir.AdminGroupDN()))
	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.TemplateInvitePlatformExisting, sent[0].Template)
	assert.Equal(t, "Welcome to Pilot!", sent[0].Subject)
	assert.Equal(t, "Platform Administrator", sent[0].Vars["platform_role"])
	assertRenders(t, sent)
}

func TestAdminGroupSuppressesProjectGroup(t *testing.T) {
	f := newFixture(t)
	f.dir.AddEntry("boss@example.com", "boss")

	req := projectRequest("boss@example.com")
	req.PlatformRole = PlatformAdmin
	_, err := f.svc.CreateInvitation(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.groupAdds(f.dir.UserGroupDN()))
	assert.Equal(t, 1, f.groupAdds(f.dir.AdminGroupDN()))
	assert.Zero(t, f.groupAdds(f.dir.GroupDN("proj1")))
}

func TestDuplicateInvitationIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.dir.AddEntry("new@example.com", "newbie")
	ctx := context.Background()

	_, err := f.svc.CreateInvitation(ctx, projectRequest("new@example.com"))
	require.NoError(t, err)
	f.dir.ResetCalls()
	f.identity.ResetCalls()
	sentBefore := len(f.notifier.Sent())

	res, err := f.svc.CreateInvitation(ctx, projectRequest("new@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateInvitation, res.Outcome)
	assert.Nil(t, res.Invitation)

	assert.Len(t, f.invitations(t), 1)
	assert.Zero(t, f.dir.Writes())
	assert.Zero(t, f.identity.Writes())
	assert.Len(t, f.notifier.Sent(), sentBefore)

	// a platform invitation for the same address is a different invitation
	res, err = f.svc.CreateInvitation(ctx, CreateRequest{Email: "new@example.com", PlatformRole: PlatformMember, InvitedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Len(t, f.invitations(t), 2)
}

func TestCreateInvitationExistingUser(t *testing.T) {
	f := newFixture(t)
	f.identity.AddUser(identity.User{Username: "bob", Email: "bob@example.com"}, "pw")

	res, err := f.svc.CreateInvitation(context.Background(), projectRequest("bob@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUserExists, res.Outcome)
	assert.Empty(t, f.invitations(t))
	assert.Zero(t, f.dir.Count(fakes.DirectoryConnect))
	assert.Empty(t, f.notifier.Sent())
}

func TestCreateInvitationUnknownProject(t *testing.T) {
	f := newFixture(t)
	req := projectRequest("new@example.com")
	req.Project.ProjectGlobalID = "missing"

	_, err := f.svc.CreateInvitation(context.Background(), req)
	assert.True(t, errx.IsType(err, errx.TypeNotFound))
	assert.Empty(t, f.invitations(t))
}

func TestCreateInvitationValidation(t *testing.T) {
	tests := map[string]CreateRequest{
		"missing email":      {PlatformRole: PlatformMember, InvitedBy: "admin"},
		"bad platform role":  {Email: "a@b.c", PlatformRole: "owner", InvitedBy: "admin"},
		"missing inviter":    {Email: "a@b.c", PlatformRole: PlatformMember},
		"missing project id": {Email: "a@b.c", PlatformRole: PlatformMember, InvitedBy: "admin", Project: &ProjectRelationship{ProjectRole: "admin"}},
		"bad project role":   {Email: "a@b.c", PlatformRole: PlatformMember, InvitedBy: "admin", Project: &ProjectRelationship{ProjectGlobalID: "g1", ProjectRole: "owner"}},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateInvitation(context.Background(), req)
			assert.True(t, errx.IsType(err, errx.TypeValidation), "got %v", err)
		})
	}
}

func TestCreateInvitationDirectoryDisabled(t *testing.T) {
	f := newFixture(t)
	f.dir.SetEnabled(false)
	f.dir.AddEntry("new@example.com", "newbie")

	res, err := f.svc.CreateInvitation(context.Background(), projectRequest("new@example.com"))
	require.NoError(t, err)
	assert.False(t, res.InDirectory)
	assert.Zero(t, f.dir.Count(fakes.DirectoryConnect))
	assert.Len(t, f.notifier.Sent(), 2)
}

func TestCreateInvitationDirectoryFailure(t *testing.T) {
	f := newFixture(t)
	f.dir.AddEntry("new@example.com", "newbie")
	f.dir.FailOn(fakes.DirectoryAddToGroup, errors.New("ldap: busy"))

	_, err := f.svc.CreateInvitation(context.Background(), projectRequest("new@example.com"))
	require.Error(t, err)
	assert.Equal(t, errx.TypeExternal, errx.TypeOf(err))
	assert.Empty(t, f.invitations(t))
	assert.Equal(t, 1, f.dir.Count(fakes.DirectoryClose))
}

func TestNotificationFailureDoesNotFailInvitation(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = errors.New("ses throttled")

	res, err := f.svc.CreateInvitation(context.Background(), projectRequest("new@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Len(t, f.notifier.Sent(), 2)
}

func TestCheckUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.identity.AddUser(identity.User{Username: "carol", Email: "carol@example.com"}, "pw", "proj1-collaborator", "proj2-admin")
	f.identity.AddUser(identity.User{
		Username: "dave", Email: "dave@example.com",
		Attributes: map[string]string{identity.AttrStatus: identity.StatusActive},
	}, "pw", "platform-admin")

	t.Run("identity user with project role", func(t *testing.T) {
		check, err := f.svc.CheckUser(ctx, "Carol@example.com", "proj1")
		require.NoError(t, err)
		assert.Equal(t, "carol", check.Name)
		assert.Equal(t, identity.StatusPending, check.Status)
		assert.Equal(t, PlatformMember, check.Role)
		assert.Equal(t, Relationship{ProjectCode: "proj1", ProjectRole: "collaborator", ProjectGlobalID: "g1"}, check.Relationship)
	})

	t.Run("platform admin without project", func(t *testing.T) {
		check, err := f.svc.CheckUser(ctx, "dave@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, PlatformAdmin, check.Role)
		assert.Equal(t, identity.StatusActive, check.Status)
		assert.Equal(t, Relationship{}, check.Relationship)
	})

	t.Run("no role in project", func(t *testing.T) {
		check, err := f.svc.CheckUser(ctx, "dave@example.com", "proj1")
		require.NoError(t, err)
		assert.Empty(t, check.Relationship.ProjectRole)
	})

	t.Run("pending invitation", func(t *testing.T) {
		_, err := f.svc.CreateInvitation(ctx, projectRequest("erin@example.com"))
		require.NoError(t, err)

		check, err := f.svc.CheckUser(ctx, "erin@example.com", "proj1")
		require.NoError(t, err)
		assert.Equal(t, StatusInvited, check.Status)
		assert.Equal(t, PlatformMember, check.Role)
		assert.Equal(t, Relationship{ProjectCode: "proj1", ProjectRole: "collaborator", ProjectGlobalID: "g1"}, check.Relationship)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := f.svc.CheckUser(ctx, "nobody@example.com", "")
		assert.True(t, errx.IsType(err, errx.TypeNotFound))
	})
}

func TestListInvitations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, e := range []string{"a@example.com", "b@example.com", "c@other.org"} {
		_, err := f.svc.CreateInvitation(ctx, projectRequest(e))
		require.NoError(t, err)
	}

	res, err := f.svc.ListInvitations(ctx, ListQuery{PageSize: 2, OrderBy: "email", OrderType: "desc"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.NumOfPages)
	require.Len(t, res.Invitations, 2)
	assert.Equal(t, "c@other.org", res.Invitations[0].Email)

	res, err = f.svc.ListInvitations(ctx, ListQuery{Filters: Filters{Email: "example"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.NumOfPages)

	_, err = f.svc.ListInvitations(ctx, ListQuery{OrderType: "sideways"})
	assert.True(t, errx.IsType(err, errx.TypeValidation))
}

func TestUpdateStatusAndGetByCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateInvitation(ctx, projectRequest("new@example.com"))
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateStatus(ctx, res.Invitation.ID, models.InvitationStatusComplete))

	inv, err := f.svc.GetByCode(ctx, res.Invitation.InvitationCode)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationStatusComplete, inv.Status)

	assert.True(t, errx.IsType(f.svc.UpdateStatus(ctx, res.Invitation.ID, "revoked"), errx.TypeValidation))
	assert.True(t, errx.IsType(f.svc.UpdateStatus(ctx, bunx.NewUUIDv7(), models.InvitationStatusComplete), errx.TypeNotFound))
	_, err = f.svc.GetByCode(ctx, "nope")
	assert.True(t, errx.IsType(err, errx.TypeNotFound))
}
