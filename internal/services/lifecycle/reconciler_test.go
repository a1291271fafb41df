package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/fakes"
	"github.com/pilotdata/authsvc/internal/graph"
	"github.com/pilotdata/authsvc/internal/identity"
)

const aliceEmail = "alice@example.com"

type member struct {
	code, role, status string
}

type fixture struct {
	identity *fakes.Identity
	dir      *fakes.Directory
	graph    *fakes.Graph
	rec      *Reconciler

	userID   string
	kcID     string
	dn       string
	projects map[string]string
}

func newFixture(t *testing.T, status string, members ...member) *fixture {
	t.Helper()
	f := &fixture{
		identity: fakes.NewIdentity(),
		dir:      fakes.NewDirectory(),
		graph:    fakes.NewGraph(),
		projects: map[string]string{},
	}
	f.rec = NewReconciler(f.identity, f.dir, f.graph, nil)

	f.userID = f.graph.AddUser("geid-alice", aliceEmail, status)
	f.dn = f.dir.AddEntry(aliceEmail, "alice")
	if status == identity.StatusActive {
		f.dir.SetMember(f.dir.UserGroupDN(), f.dn)
	}

	var roles []string
	for _, m := range members {
		pid := f.graph.AddProject("geid-"+m.code, m.code, "Project "+m.code)
		f.projects[m.code] = pid
		f.graph.Relate(f.userID, pid, m.role, m.status)
		f.identity.AddRealmRoles(identity.RoleName(m.code, m.role))
		if m.status == RelationActive {
			roles = append(roles, identity.RoleName(m.code, m.role))
			f.dir.SetMember(f.dir.GroupDN(m.code), f.dn)
		}
	}
	f.kcID = f.identity.AddUser(identity.User{
		Username:   "alice",
		Email:      aliceEmail,
		Enabled:    true,
		Attributes: map[string]string{identity.AttrStatus: status},
	}, "secret", roles...)
	return f
}

func (f *fixture) relationStatus(code string) string {
	r := f.graph.Relation(f.userID, f.projects[code])
	if r == nil {
		return ""
	}
	return r.Status()
}

func (f *fixture) writes() int {
	return f.identity.Writes() + f.dir.Writes() + f.graph.Writes()
}

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		status string
		want   []Transition
	}{
		{identity.StatusActive, []Transition{TransitionDisable, TransitionRestore}},
		{identity.StatusDisabled, []Transition{TransitionEnable}},
		{identity.StatusPending, []Transition{}},
		{"", []Transition{}},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, AllowedTransitions(tt.status))
		})
	}
}

func TestParseTransition(t *testing.T) {
	tr, err := ParseTransition(" Restore ")
	require.NoError(t, err)
	assert.Equal(t, TransitionRestore, tr)

	_, err = ParseTransition("delete")
	require.Error(t, err)
	assert.Equal(t, errx.TypeValidation, errx.TypeOf(err))
}

func TestApplyRequiresUserKey(t *testing.T) {
	f := newFixture(t, identity.StatusActive)
	_, err := f.rec.Apply(context.Background(), Request{Transition: TransitionDisable})
	require.Error(t, err)
	assert.Equal(t, errx.TypeValidation, errx.TypeOf(err))
}

func TestApplyUnknownUser(t *testing.T) {
	f := newFixture(t, identity.StatusActive)
	_, err := f.rec.Disable(context.Background(), "nobody@example.com")
	require.Error(t, err)
	assert.Equal(t, errx.TypeNotFound, errx.TypeOf(err))
	assert.Zero(t, f.writes())
}

func TestDisableAlreadyDisabledIsRejectedWithoutWrites(t *testing.T) {
	f := newFixture(t, identity.StatusDisabled, member{"proj1", "collaborator", RelationDisable})

	_, err := f.rec.Disable(context.Background(), aliceEmail)
	require.Error(t, err)

	e := errx.From(err)
	assert.Equal(t, errx.TypeConflict, e.Type)
	assert.Equal(t, "invalid_transition", e.Code)
	assert.Equal(t, identity.StatusDisabled, e.Details["status"])
	assert.Equal(t, []Transition{TransitionEnable}, e.Details["allowed"])

	assert.Zero(t, f.writes())
	assert.Zero(t, f.dir.Count(fakes.DirectoryConnect))
}

func TestRejectedTransitions(t *testing.T) {
	tests := []struct {
		status string
		tr     Transition
	}{
		{identity.StatusActive, TransitionEnable},
		{identity.StatusDisabled, TransitionRestore},
		{identity.StatusPending, TransitionDisable},
	}
	for _, tt := range tests {
		t.Run(tt.status+"/"+string(tt.tr), func(t *testing.T) {
			f := newFixture(t, tt.status, member{"proj1", "admin", RelationHibernate})
			_, err := f.rec.Apply(context.Background(), Request{Transition: tt.tr, Email: aliceEmail})
			assert.True(t, errx.IsType(err, errx.TypeConflict))
			assert.Zero(t, f.writes())
		})
	}
}

func TestDisable(t *testing.T) {
	f := newFixture(t, identity.StatusActive,
		member{"proj1", "collaborator", RelationActive},
		member{"proj2", "admin", RelationHibernate},
	)

	res, err := f.rec.Disable(context.Background(), aliceEmail)
	require.NoError(t, err)

	assert.Equal(t, identity.StatusDisabled, res.User.Status())
	require.Len(t, res.Memberships, 2)
	assert.Equal(t, Membership{
		ProjectID:      f.projects["proj1"],
		ProjectCode:    "proj1",
		Role:           "collaborator",
		RelationStatus: RelationDisable,
		IdentityRole:   "proj1-collaborator",
	}, res.Memberships[0])

	assert.False(t, f.dir.IsMember(f.dir.GroupDN("proj1"), f.dn))
	assert.False(t, f.dir.IsMember(f.dir.UserGroupDN(), f.dn))
	assert.False(t, f.identity.HasRole(f.kcID, "proj1-collaborator"))
	assert.Equal(t, identity.StatusDisabled, f.identity.User(f.kcID).Attribute(identity.AttrStatus))
	assert.Equal(t, identity.StatusDisabled, f.graph.Node(f.userID).Status())
	assert.Equal(t, RelationDisable, f.relationStatus("proj1"))
	assert.Equal(t, RelationDisable, f.relationStatus("proj2"))

	// only the active project loses its group
	assert.Equal(t, 2, f.dir.Count(fakes.DirectoryRemoveFromGroup))
	assert.Equal(t, 1, f.identity.Count(fakes.IdentityRemoveRoles))
	assert.Equal(t, 1, f.dir.Count(fakes.DirectoryClose))
}

func TestDisableRevokesBeforeBookkeeping(t *testing.T) {
	failure := errors.New("backend down")
	tests := []struct {
		name           string
		inject         func(f *fixture)
		identityStatus string
	}{
		{
			name:           "identity status update fails",
			inject:         func(f *fixture) { f.identity.FailOn(fakes.IdentityUpdateAttributes, failure) },
			identityStatus: identity.StatusActive,
		},
		{
			name:           "graph user update fails",
			inject:         func(f *fixture) { f.graph.FailOn(fakes.GraphUpdateNode, failure) },
			identityStatus: identity.StatusDisabled,
		},
		{
			name:           "graph relation update fails",
			inject:         func(f *fixture) { f.graph.FailOn(fakes.GraphUpdateRelation, failure) },
			identityStatus: identity.StatusDisabled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, identity.StatusActive, member{"proj1", "collaborator", RelationActive})
			tt.inject(f)

			_, err := f.rec.Disable(context.Background(), aliceEmail)
			require.Error(t, err)
			assert.ErrorIs(t, err, failure)

			assert.False(t, f.dir.IsMember(f.dir.GroupDN("proj1"), f.dn), "directory access must already be revoked")
			assert.False(t, f.dir.IsMember(f.dir.UserGroupDN(), f.dn))
			assert.False(t, f.identity.HasRole(f.kcID, "proj1-collaborator"))
			assert.Equal(t, RelationActive, f.relationStatus("proj1"), "graph still reports the old state")
			assert.Equal(t, tt.identityStatus, f.identity.User(f.kcID).Attribute(identity.AttrStatus))
		})
	}
}

func TestDisablePerProjectFailureReportsCommitted(t *testing.T) {
	f := newFixture(t, identity.StatusActive,
		member{"proj1", "collaborator", RelationActive},
		member{"proj2", "admin", RelationActive},
		member{"proj3", "contributor", RelationActive},
	)
	failure := errors.New("insufficient access rights")
	proj2DN := f.dir.GroupDN("proj2")
	f.dir.FailWhen(func(c fakes.Call) error {
		if c.Method == fakes.DirectoryRemoveFromGroup && c.Arg(1) == proj2DN {
			return failure
		}
		return nil
	})

	_, err := f.rec.Disable(context.Background(), aliceEmail)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)

	e := errx.From(err)
	assert.Equal(t, errx.TypeInternal, e.Type)
	assert.Equal(t, "reconciliation_incomplete", e.Code)
	assert.Equal(t, "proj2", e.Details["project"])
	assert.Equal(t, []string{"proj1"}, e.Details["committed"])
	assert.Equal(t, StepRemoveGroup, e.Details["step"])

	// proj1 stays revoked, proj3 was never touched
	assert.False(t, f.dir.IsMember(f.dir.GroupDN("proj1"), f.dn))
	assert.False(t, f.identity.HasRole(f.kcID, "proj1-collaborator"))
	assert.True(t, f.dir.IsMember(f.dir.GroupDN("proj3"), f.dn))
	assert.True(t, f.identity.HasRole(f.kcID, "proj3-contributor"))
	assert.True(t, f.dir.IsMember(f.dir.UserGroupDN(), f.dn))
	assert.Zero(t, f.graph.Writes())
	assert.Equal(t, 1, f.dir.Count(fakes.DirectoryClose))
}

func TestDisableRelationFailureReportsRevokedAndMarked(t *testing.T) {
	f := newFixture(t, identity.StatusActive,
		member{"proj1", "collaborator", RelationActive},
		member{"proj2", "admin", RelationActive},
	)
	failure := errors.New("graph unavailable")
	proj2 := f.projects["proj2"]
	f.graph.FailWhen(func(c fakes.Call) error {
		if c.Method == fakes.GraphUpdateRelation && c.Arg(1) == proj2 {
			return failure
		}
		return nil
	})

	_, err := f.rec.Disable(context.Background(), aliceEmail)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)

	e := errx.From(err)
	require.NotNil(t, e)
	assert.Equal(t, "reconciliation_incomplete", e.Code)
	assert.Equal(t, "proj2", e.Details["project"])
	assert.Equal(t, StepUpdateRelation, e.Details["step"])
	assert.Equal(t, []string{"proj1", "proj2"}, e.Details["committed"], "access to both projects is already revoked")
	assert.Equal(t, []string{"proj1"}, e.Details["marked"])

	assert.False(t, f.dir.IsMember(f.dir.GroupDN("proj2"), f.dn))
	assert.False(t, f.identity.HasRole(f.kcID, "proj2-admin"))
	assert.Equal(t, RelationDisable, f.relationStatus("proj1"))
	assert.Equal(t, RelationActive, f.relationStatus("proj2"))
}

func TestDisableWithoutDirectory(t *testing.T) {
	f := newFixture(t, identity.StatusActive, member{"proj1", "collaborator", RelationActive})
	f.dir.SetEnabled(false)

	_, err := f.rec.Disable(context.Background(), aliceEmail)
	require.NoError(t, err)

	assert.Zero(t, f.dir.Count(fakes.DirectoryConnect))
	assert.False(t, f.identity.HasRole(f.kcID, "proj1-collaborator"))
	assert.Equal(t, RelationDisable, f.relationStatus("proj1"))
}

func TestEnable(t *testing.T) {
	f := newFixture(t, identity.StatusDisabled,
		member{"proj1", "collaborator", RelationDisable},
		member{"proj2", "admin", RelationDisable},
	)

	res, err := f.rec.Enable(context.Background(), aliceEmail)
	require.NoError(t, err)

	assert.Equal(t, identity.StatusActive, res.User.Status())
	assert.True(t, f.dir.IsMember(f.dir.UserGroupDN(), f.dn))
	assert.False(t, f.dir.IsMember(f.dir.GroupDN("proj1"), f.dn), "enable does not grant project access")
	assert.Equal(t, identity.StatusActive, f.identity.User(f.kcID).Attribute(identity.AttrStatus))
	assert.Equal(t, RelationHibernate, f.relationStatus("proj1"))
	assert.Equal(t, RelationHibernate, f.relationStatus("proj2"))
	for _, m := range res.Memberships {
		assert.Equal(t, RelationHibernate, m.RelationStatus)
	}
}

func TestRestoreByGlobalID(t *testing.T) {
	f := newFixture(t, identity.StatusActive, member{"proj1", "admin", RelationHibernate})

	res, err := f.rec.Apply(context.Background(), Request{Transition: TransitionRestore, GlobalID: "geid-alice"})
	require.NoError(t, err)
	require.Len(t, res.Memberships, 1)
	assert.Equal(t, "proj1-admin", res.Memberships[0].IdentityRole)
	assert.Equal(t, RelationActive, f.relationStatus("proj1"))
	assert.True(t, f.identity.HasRole(f.kcID, "proj1-admin"))
	assert.True(t, f.dir.IsMember(f.dir.GroupDN("proj1"), f.dn))
	// identity status already active
	assert.Zero(t, f.identity.Count(fakes.IdentityUpdateAttributes))
}

func TestRestoreIsScopedToProject(t *testing.T) {
	f := newFixture(t, identity.StatusActive,
		member{"proj1", "collaborator", RelationHibernate},
		member{"proj2", "admin", RelationHibernate},
		member{"proj3", "contributor", RelationDisable},
	)

	res, err := f.rec.Restore(context.Background(), aliceEmail, "proj1")
	require.NoError(t, err)
	require.Len(t, res.Memberships, 1)
	assert.Equal(t, "proj1", res.Memberships[0].ProjectCode)

	assert.Equal(t, RelationActive, f.relationStatus("proj1"))
	assert.Equal(t, RelationHibernate, f.relationStatus("proj2"))
	assert.Equal(t, RelationDisable, f.relationStatus("proj3"))

	for _, c := range f.graph.Calls() {
		if c.Method == fakes.GraphUpdateRelation {
			assert.Equal(t, f.projects["proj1"], c.Arg(1))
		}
	}
	assert.False(t, f.dir.IsMember(f.dir.GroupDN("proj2"), f.dn))
	assert.False(t, f.identity.HasRole(f.kcID, "proj2-admin"))
}

func TestRestoreUnknownProject(t *testing.T) {
	f := newFixture(t, identity.StatusActive, member{"proj1", "collaborator", RelationHibernate})
	_, err := f.rec.Restore(context.Background(), aliceEmail, "nope")
	assert.True(t, errx.IsType(err, errx.TypeNotFound))
	assert.Zero(t, f.writes())
}

func TestRestoreSkipsActiveRelations(t *testing.T) {
	f := newFixture(t, identity.StatusActive, member{"proj1", "collaborator", RelationActive})
	res, err := f.rec.Restore(context.Background(), aliceEmail, "")
	require.NoError(t, err)
	assert.Empty(t, res.Memberships)
	assert.Zero(t, f.writes())
	assert.Zero(t, f.dir.Count(fakes.DirectoryConnect))
}

func TestRestoreSetsIdentityStatusWhenNotActive(t *testing.T) {
	f := newFixture(t, identity.StatusActive, member{"proj1", "collaborator", RelationHibernate})
	_, err := f.identity.UpdateAttributes(context.Background(), f.kcID, map[string]string{identity.AttrStatus: identity.StatusPending})
	require.NoError(t, err)
	f.identity.ResetCalls()

	_, err = f.rec.Restore(context.Background(), aliceEmail, "proj1")
	require.NoError(t, err)
	assert.Equal(t, identity.StatusActive, f.identity.User(f.kcID).Attribute(identity.AttrStatus))
}

func TestRestorePerProjectFailure(t *testing.T) {
	f := newFixture(t, identity.StatusActive,
		member{"proj1", "collaborator", RelationHibernate},
		member{"proj2", "admin", RelationHibernate},
	)
	f.identity.FailWhen(func(c fakes.Call) error {
		if c.Method == fakes.IdentityAssignRole && c.Arg(1) == "proj2-admin" {
			return errx.NotFound("role", "proj2-admin")
		}
		return nil
	})

	_, err := f.rec.Restore(context.Background(), aliceEmail, "")
	e := errx.From(err)
	require.NotNil(t, e)
	assert.Equal(t, "reconciliation_incomplete", e.Code)
	assert.Equal(t, "proj2", e.Details["project"])
	assert.Equal(t, []string{"proj1"}, e.Details["committed"])
	assert.Equal(t, StepAssignRole, e.Details["step"])

	// grants happen before the mirror is updated
	assert.True(t, f.dir.IsMember(f.dir.GroupDN("proj1"), f.dn))
	assert.Equal(t, RelationHibernate, f.relationStatus("proj1"))
}

func TestDisableEnableRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, identity.StatusActive, member{"proj1", "collaborator", RelationActive})
	ctx := context.Background()
	groupDN := f.dir.GroupDN("proj1")
	require.True(t, f.dir.IsMember(groupDN, f.dn))

	_, err := f.rec.Disable(ctx, aliceEmail)
	require.NoError(t, err)
	assert.False(t, f.dir.IsMember(groupDN, f.dn))

	// restore is only permitted from active
	_, err = f.rec.Restore(ctx, aliceEmail, "proj1")
	require.True(t, errx.IsType(err, errx.TypeConflict))

	_, err = f.rec.Enable(ctx, aliceEmail)
	require.NoError(t, err)

	res, err := f.rec.Restore(ctx, aliceEmail, "proj1")
	require.NoError(t, err)
	require.Len(t, res.Memberships, 1)

	assert.Equal(t, RelationActive, f.relationStatus("proj1"))
	assert.True(t, f.dir.IsMember(groupDN, f.dn))
	assert.True(t, f.dir.IsMember(f.dir.UserGroupDN(), f.dn))
	assert.True(t, f.identity.HasRole(f.kcID, "proj1-collaborator"))
	assert.Equal(t, identity.StatusActive, f.graph.Node(f.userID).Status())
	assert.Equal(t, graph.LabelUser, f.graph.Node(f.userID).Labels[0])
}
