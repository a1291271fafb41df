// Package graph is the contract for the graph database that mirrors users,
// projects and memberships for display and reconciliation bookkeeping.
package graph

import (
	"context"
	"fmt"
	"regexp"
)

// Node labels.
const (
	LabelUser    = "User"
	LabelProject = "Container"
)

// Property keys.
const (
	PropGlobalID = "global_entity_id"
	PropEmail    = "email"
	PropUsername = "username"
	PropStatus   = "status"
	PropCode     = "code"
	PropName     = "name"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier rejects labels, relation types and property keys that
// cannot be safely interpolated into a query.
func ValidateIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s %q", kind, name)
	}
	return nil
}

// Node is a graph vertex. ID is the database element id.
type Node struct {
	ID     string         `json:"id"`
	Labels []string       `json:"labels"`
	Props  map[string]any `json:"properties"`
}

// String returns a property as a string, or "" when absent.
func (n Node) String(key string) string {
	if v, ok := n.Props[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func (n Node) GlobalID() string { return n.String(PropGlobalID) }
func (n Node) Email() string    { return n.String(PropEmail) }
func (n Node) Status() string   { return n.String(PropStatus) }
func (n Node) Code() string     { return n.String(PropCode) }

// Relation is a directed edge. Label is the relationship type, which for
// memberships is the project role.
type Relation struct {
	StartID string         `json:"start_id"`
	EndID   string         `json:"end_id"`
	Label   string         `json:"label"`
	Props   map[string]any `json:"properties"`
}

// Status returns the relation status property.
func (r Relation) Status() string {
	if s, ok := r.Props[PropStatus].(string); ok {
		return s
	}
	return ""
}

// LinkedProject pairs a project with the user's membership relation to it.
type LinkedProject struct {
	Project  Node     `json:"project"`
	Relation Relation `json:"relation"`
}

// Service is the graph database. Missing entities in the Get* lookups are
// errx NOT_FOUND; remote failures are errx EXTERNAL for backend "graph".
type Service interface {
	CreateNode(ctx context.Context, label string, props map[string]any) (*Node, error)
	// QueryNodes returns nodes whose properties equal every filter entry.
	QueryNodes(ctx context.Context, label string, filter map[string]any) ([]Node, error)
	// UpdateNode merges props into the node.
	UpdateNode(ctx context.Context, label, id string, props map[string]any) (*Node, error)

	CreateRelation(ctx context.Context, startID, endID, label string, props map[string]any) (*Relation, error)
	// QueryRelation returns nil, nil when the nodes are not related.
	QueryRelation(ctx context.Context, startID, endID string) (*Relation, error)
	// UpdateRelation retypes the relation to label and merges props.
	UpdateRelation(ctx context.Context, startID, endID, label string, props map[string]any) (*Relation, error)

	GetUserLinkedProjects(ctx context.Context, userID string) ([]LinkedProject, error)
	GetUserByEmail(ctx context.Context, email string) (*Node, error)
	GetUserByGlobalID(ctx context.Context, globalID string) (*Node, error)
	GetProjectByGlobalID(ctx context.Context, globalID string) (*Node, error)
	GetProjectByCode(ctx context.Context, code string) (*Node, error)
}
