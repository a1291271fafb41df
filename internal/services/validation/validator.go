// Package validation checks request bodies against the embedded JSON
// schemas before they are decoded into service requests.
package validation

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pilotdata/authsvc/internal/errx"
)

// Schema names.
const (
	SchemaLogin            = "login"
	SchemaRefresh          = "refresh"
	SchemaAccountOperation = "account_operation"
	SchemaGroupOperation   = "group_operation"
	SchemaInvitationCreate = "invitation_create"
	SchemaInvitationList   = "invitation_list"
	SchemaProjectRole      = "project_role"
	SchemaPolicyRule       = "policy_rule"
	SchemaPasswordReset    = "password_reset"
	SchemaAttributes       = "attributes"
	SchemaTestAccount      = "test_account"
	SchemaContractRequest  = "contract_request"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const maxMessage = 200

// SchemaValidator validates JSON documents against named schemas. Compiled
// schemas are kept in an LRU cache.
type SchemaValidator struct {
	schemaCache *lru.Cache[string, *jsonschema.Schema]
}

// NewSchemaValidator creates a validator caching up to cacheSize compiled schemas.
func NewSchemaValidator(cacheSize int) (*SchemaValidator, error) {
	cache, err := lru.New[string, *jsonschema.Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &SchemaValidator{schemaCache: cache}, nil
}

// Validate checks body against the named schema. A violation is an errx
// VALIDATION error whose "path" detail locates the offending value.
func (v *SchemaValidator) Validate(name string, body []byte) error {
	schema, err := v.schema(name)
	if err != nil {
		return errx.Internal(err, fmt.Sprintf("schema %s unavailable", name))
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errx.Validation("request body is not valid JSON")
	}

	if err := schema.Validate(doc); err != nil {
		path, msg := describe(err)
		return errx.Validation(fmt.Sprintf("validation failed at '%s': %s", path, msg)).
			WithDetail("path", path).
			WithDetail("schema", name)
	}
	return nil
}

func (v *SchemaValidator) schema(name string) (*jsonschema.Schema, error) {
	if s, ok := v.schemaCache.Get(name); ok {
		return s, nil
	}
	s, err := compileSchema(name)
	if err != nil {
		return nil, err
	}
	v.schemaCache.Add(name, s)
	return s, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", name, err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	compiler.AssertFormat()

	url := name + ".json"
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// describe turns a validation error into a JSON path ("$.relationship.project_role")
// and a truncated message.
func describe(err error) (string, string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "$", err.Error()
	}
	// the most specific cause carries the useful location
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	path := "$"
	var parts []string
	for _, p := range ve.InstanceLocation {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		path = "$." + strings.Join(parts, ".")
	}

	msg := ve.Error()
	if len(msg) > maxMessage {
		msg = msg[:maxMessage] + "... (truncated)"
	}
	return path, msg
}
