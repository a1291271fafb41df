package directory

import (
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/errx"
)

func TestNaming_GroupDN(t *testing.T) {
	n := NewLDAP(config.LDAPConfig{
		Enabled:     true,
		GroupPrefix: "vre",
		OU:          "VRE",
		DC1:         "example",
		DC2:         "org",
		UserGroup:   "users",
		AdminGroup:  "admins",
	})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"project", n.GroupDN("proj1"), "cn=vre-proj1,ou=Gruppen,ou=VRE,dc=example,dc=org"},
		{"users", n.UserGroupDN(), "cn=vre-users,ou=Gruppen,ou=VRE,dc=example,dc=org"},
		{"admins", n.AdminGroupDN(), "cn=vre-admins,ou=Gruppen,ou=VRE,dc=example,dc=org"},
		{"base", n.BaseDN(), "dc=example,dc=org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
	assert.True(t, n.Enabled())
}

func TestConnect_Disabled(t *testing.T) {
	_, err := NewLDAP(config.LDAPConfig{}).Connect(t.Context())
	require.Error(t, err)
	assert.Equal(t, "directory_disabled", errx.From(err).Code)
}

func TestClassifyModifyError(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name     string
		err      error
		wantNil  bool
		wantType errx.Type
	}{
		{"nil", nil, true, ""},
		{"already member", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, cause), true, ""},
		{"value exists", ldap.NewError(ldap.LDAPResultAttributeOrValueExists, cause), true, ""},
		{"not a member", ldap.NewError(ldap.LDAPResultNoSuchAttribute, cause), true, ""},
		{"ad not a member", ldap.NewError(ldap.LDAPResultUnwillingToPerform, cause), true, ""},
		{"missing group", ldap.NewError(ldap.LDAPResultNoSuchObject, cause), false, errx.TypeNotFound},
		{"other", ldap.NewError(ldap.LDAPResultBusy, cause), false, errx.TypeExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyModifyError("add_to_group", "cn=vre-proj1", tt.err)
			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errx.TypeOf(err))
		})
	}
}

func TestEntry(t *testing.T) {
	e := toEntry(&ldap.Entry{
		DN: "CN=Ada,OU=People,DC=example,DC=org",
		Attributes: []*ldap.EntryAttribute{
			{Name: "mail", Values: []string{"ada@example.org"}},
			{Name: "sAMAccountName", Values: []string{"ada"}},
			{Name: "memberOf", Values: []string{"cn=vre-proj1,ou=Gruppen,ou=VRE,dc=example,dc=org"}},
		},
	})
	assert.Equal(t, "ada@example.org", e.Email())
	assert.Equal(t, "ada", e.Username())
	assert.True(t, e.IsMemberOf("CN=vre-proj1,OU=Gruppen,OU=VRE,DC=example,DC=org"))
	assert.False(t, e.IsMemberOf("cn=vre-proj2,ou=Gruppen,ou=VRE,dc=example,dc=org"))

	var nilEntry *Entry
	assert.Empty(t, nilEntry.First("mail"))
}
