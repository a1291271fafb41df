package fakes

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/graph"
)

// Graph method names.
const (
	GraphCreateNode            = "CreateNode"
	GraphQueryNodes            = "QueryNodes"
	GraphUpdateNode            = "UpdateNode"
	GraphCreateRelation        = "CreateRelation"
	GraphQueryRelation         = "QueryRelation"
	GraphUpdateRelation        = "UpdateRelation"
	GraphGetUserLinkedProjects = "GetUserLinkedProjects"
	GraphGetUserByEmail        = "GetUserByEmail"
	GraphGetUserByGlobalID     = "GetUserByGlobalID"
	GraphGetProjectByGlobalID  = "GetProjectByGlobalID"
	GraphGetProjectByCode      = "GetProjectByCode"
)

type relKey struct{ start, end string }

// Graph is an in-memory graph.Service.
type Graph struct {
	*recorder

	mu    sync.Mutex
	seq   int
	nodes map[string]*graph.Node
	rels  map[relKey]*graph.Relation
}

var _ graph.Service = (*Graph)(nil)

func NewGraph() *Graph {
	return &Graph{
		recorder: newRecorder(GraphCreateNode, GraphUpdateNode, GraphCreateRelation, GraphUpdateRelation),
		nodes:    map[string]*graph.Node{},
		rels:     map[relKey]*graph.Relation{},
	}
}

// AddUser seeds a User node and returns its id.
func (f *Graph) AddUser(globalID, email, status string) string {
	return f.seed(graph.LabelUser, map[string]any{
		graph.PropGlobalID: globalID,
		graph.PropEmail:    email,
		graph.PropUsername: email,
		graph.PropStatus:   status,
	})
}

// AddProject seeds a Container node and returns its id.
func (f *Graph) AddProject(globalID, code, name string) string {
	return f.seed(graph.LabelProject, map[string]any{
		graph.PropGlobalID: globalID,
		graph.PropCode:     code,
		graph.PropName:     name,
	})
}

// Relate seeds a membership relation.
func (f *Graph) Relate(userID, projectID, role, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rels[relKey{userID, projectID}] = &graph.Relation{
		StartID: userID, EndID: projectID, Label: role,
		Props: map[string]any{graph.PropStatus: status},
	}
}

// Node returns a copy of node id, or nil.
func (f *Graph) Node(id string) *graph.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		return cloneNode(n)
	}
	return nil
}

// Relation returns a copy of the relation between two nodes, or nil.
func (f *Graph) Relation(startID, endID string) *graph.Relation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rels[relKey{startID, endID}]; ok {
		return cloneRel(r)
	}
	return nil
}

func (f *Graph) seed(label string, props map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("4:fake:%d", f.seq)
	f.nodes[id] = &graph.Node{ID: id, Labels: []string{label}, Props: maps.Clone(props)}
	return id
}

func (f *Graph) CreateNode(_ context.Context, label string, props map[string]any) (*graph.Node, error) {
	if err := f.record(GraphCreateNode, label); err != nil {
		return nil, err
	}
	if err := graph.ValidateIdentifier("label", label); err != nil {
		return nil, errx.Validation(err.Error())
	}
	return f.Node(f.seed(label, props)), nil
}

func (f *Graph) QueryNodes(_ context.Context, label string, filter map[string]any) ([]graph.Node, error) {
	if err := f.record(GraphQueryNodes, label, fmt.Sprint(filter)); err != nil {
		return nil, err
	}
	return f.query(label, filter), nil
}

func (f *Graph) UpdateNode(_ context.Context, label, id string, props map[string]any) (*graph.Node, error) {
	if err := f.record(GraphUpdateNode, label, id, fmt.Sprint(props)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok || !hasLabel(n, label) {
		return nil, errx.NotFound(label, id)
	}
	maps.Copy(n.Props, props)
	return cloneNode(n), nil
}

func (f *Graph) CreateRelation(_ context.Context, startID, endID, label string, props map[string]any) (*graph.Relation, error) {
	if err := f.record(GraphCreateRelation, startID, endID, label, fmt.Sprint(props)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[startID] == nil || f.nodes[endID] == nil {
		return nil, errx.NotFound("node", startID+" -> "+endID)
	}
	r := &graph.Relation{StartID: startID, EndID: endID, Label: label, Props: maps.Clone(props)}
	if r.Props == nil {
		r.Props = map[string]any{}
	}
	f.rels[relKey{startID, endID}] = r
	return cloneRel(r), nil
}

func (f *Graph) QueryRelation(_ context.Context, startID, endID string) (*graph.Relation, error) {
	if err := f.record(GraphQueryRelation, startID, endID); err != nil {
		return nil, err
	}
	return f.Relation(startID, endID), nil
}

func (f *Graph) UpdateRelation(_ context.Context, startID, endID, label string, props map[string]any) (*graph.Relation, error) {
	if err := f.record(GraphUpdateRelation, startID, endID, label, fmt.Sprint(props)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rels[relKey{startID, endID}]
	if !ok {
		return nil, errx.NotFound("relation", startID+" -> "+endID)
	}
	r.Label = label
	maps.Copy(r.Props, props)
	return cloneRel(r), nil
}

func (f *Graph) GetUserLinkedProjects(_ context.Context, userID string) ([]graph.LinkedProject, error) {
	if err := f.record(GraphGetUserLinkedProjects, userID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graph.LinkedProject
	for k, r := range f.rels {
		if k.start != userID {
			continue
		}
		p := f.nodes[k.end]
		if p == nil || !hasLabel(p, graph.LabelProject) {
			continue
		}
		out = append(out, graph.LinkedProject{Project: *cloneNode(p), Relation: *cloneRel(r)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project.Code() < out[j].Project.Code() })
	return out, nil
}

func (f *Graph) GetUserByEmail(_ context.Context, email string) (*graph.Node, error) {
	return f.first(GraphGetUserByEmail, graph.LabelUser, graph.PropEmail, email, "user")
}

func (f *Graph) GetUserByGlobalID(_ context.Context, globalID string) (*graph.Node, error) {
	return f.first(GraphGetUserByGlobalID, graph.LabelUser, graph.PropGlobalID, globalID, "user")
}

func (f *Graph) GetProjectByGlobalID(_ context.Context, globalID string) (*graph.Node, error) {
	return f.first(GraphGetProjectByGlobalID, graph.LabelProject, graph.PropGlobalID, globalID, "project")
}

func (f *Graph) GetProjectByCode(_ context.Context, code string) (*graph.Node, error) {
	return f.first(GraphGetProjectByCode, graph.LabelProject, graph.PropCode, code, "project")
}

func (f *Graph) first(method, label, key, value, entity string) (*graph.Node, error) {
	if err := f.record(method, value); err != nil {
		return nil, err
	}
	nodes := f.query(label, map[string]any{key: value})
	if len(nodes) == 0 {
		return nil, errx.NotFound(entity, value)
	}
	return &nodes[0], nil
}

func (f *Graph) query(label string, filter map[string]any) []graph.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graph.Node
	for _, n := range f.nodes {
		if !hasLabel(n, label) {
			continue
		}
		match := true
		for k, v := range filter {
			if fmt.Sprint(n.Props[k]) != fmt.Sprint(v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, *cloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasLabel(n *graph.Node, label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func cloneNode(n *graph.Node) *graph.Node {
	c := *n
	c.Labels = append([]string(nil), n.Labels...)
	c.Props = maps.Clone(n.Props)
	return &c
}

func cloneRel(r *graph.Relation) *graph.Relation {
	c := *r
	c.Props = maps.Clone(r.Props)
	return &c
}
