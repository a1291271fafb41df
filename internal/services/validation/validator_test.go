package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotdata/authsvc/internal/errx"
)

func TestValidate(t *testing.T) {
	v, err := NewSchemaValidator(16)
	require.NoError(t, err)

	tests := []struct {
		name    string
		schema  string
		body    string
		wantErr bool
		path    string
	}{
		{"login ok", SchemaLogin, `{"username":"alice","password":"x"}`, false, ""},
		{"login missing password", SchemaLogin, `{"username":"alice"}`, true, "$"},
		{"operation ok", SchemaAccountOperation, `{"operation":"restore","email":"a@example.com","project_code":"p1"}`, false, ""},
		{"operation by global id", SchemaAccountOperation, `{"operation":"disable","global_id":"g-1"}`, false, ""},
		{"operation unknown", SchemaAccountOperation, `{"operation":"delete","email":"a@example.com"}`, true, "$.operation"},
		{"operation without user", SchemaAccountOperation, `{"operation":"enable"}`, true, "$"},
		{"invitation ok", SchemaInvitationCreate, `{"email":"n@example.com","platform_role":"member","invited_by":"admin","relationship":{"project_geid":"g1","project_role":"collaborator"}}`, false, ""},
		{"invitation bad role", SchemaInvitationCreate, `{"email":"n@example.com","platform_role":"member","invited_by":"admin","relationship":{"project_geid":"g1","project_role":"owner"}}`, true, "$.relationship.project_role"},
		{"invitation bad email", SchemaInvitationCreate, `{"email":"not-an-email","platform_role":"member","invited_by":"admin"}`, true, "$.email"},
		{"list unknown filter", SchemaInvitationList, `{"filters":{"colour":"red"}}`, true, "$.filters"},
		{"attributes ok", SchemaAttributes, `{"announcement_proj1":"3"}`, false, ""},
		{"attributes status", SchemaAttributes, `{"status":"active"}`, true, "$"},
		{"test account ok", SchemaTestAccount, `{"username":"alice","email":"a@example.com"}`, false, ""},
		{"test account without username", SchemaTestAccount, `{"email":"a@example.com"}`, true, "$"},
		{"contract bad email", SchemaContractRequest, `{"email":"nope","first_name":"A","last_name":"B"}`, true, "$.email"},
		{"group code pattern", SchemaGroupOperation, `{"operation":"add","user_email":"a@example.com","group_code":"a b"}`, true, "$.group_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, []byte(tt.body))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			e := errx.From(err)
			assert.Equal(t, errx.TypeValidation, e.Type)
			assert.Equal(t, tt.path, e.Details["path"])
		})
	}
}

func TestValidateMalformedJSON(t *testing.T) {
	v, err := NewSchemaValidator(4)
	require.NoError(t, err)
	err = v.Validate(SchemaLogin, []byte(`{"username":`))
	assert.True(t, errx.IsType(err, errx.TypeValidation))
}

func TestValidateUnknownSchema(t *testing.T) {
	v, err := NewSchemaValidator(4)
	require.NoError(t, err)
	err = v.Validate("nope", []byte(`{}`))
	assert.True(t, errx.IsType(err, errx.TypeInternal))
}

func TestEverySchemaCompiles(t *testing.T) {
	for _, name := range []string{
		SchemaLogin, SchemaRefresh, SchemaAccountOperation, SchemaGroupOperation,
		SchemaInvitationCreate, SchemaInvitationList, SchemaProjectRole,
		SchemaPolicyRule, SchemaPasswordReset, SchemaAttributes,
		SchemaTestAccount, SchemaContractRequest,
	} {
		_, err := compileSchema(name)
		assert.NoError(t, err, name)
	}
}
