package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/errx"
)

// Neo4j implements Service with the official driver. The driver pools
// connections and is safe for concurrent use.
type Neo4j struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ Service = (*Neo4j)(nil)

// NewNeo4j creates a driver and verifies connectivity.
func NewNeo4j(ctx context.Context, cfg config.Neo4jConfig) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Neo4j{driver: driver, database: cfg.Database}, nil
}

// Close releases the driver.
func (g *Neo4j) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Neo4j) run(ctx context.Context, op, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, g.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(g.database),
	)
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, op, err)
	}
	return res, nil
}

func (g *Neo4j) CreateNode(ctx context.Context, label string, props map[string]any) (*Node, error) {
	if err := ValidateIdentifier("label", label); err != nil {
		return nil, errx.Validation(err.Error())
	}
	if err := validateProps(props); err != nil {
		return nil, errx.Validation(err.Error())
	}
	res, err := g.run(ctx, "create_node",
		fmt.Sprintf("CREATE (n:%s) SET n = $props RETURN n", label),
		map[string]any{"props": props})
	if err != nil {
		return nil, err
	}
	nodes, err := nodesFrom(res, "n")
	if err != nil || len(nodes) == 0 {
		return nil, errx.Upstream(errx.BackendGraph, "create_node", fmt.Errorf("no node returned: %v", err))
	}
	return &nodes[0], nil
}

func (g *Neo4j) QueryNodes(ctx context.Context, label string, filter map[string]any) ([]Node, error) {
	cypher, params, err := matchNodes(label, filter)
	if err != nil {
		return nil, errx.Validation(err.Error())
	}
	res, err := g.run(ctx, "query_nodes", cypher, params)
	if err != nil {
		return nil, err
	}
	nodes, err := nodesFrom(res, "n")
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "query_nodes", err)
	}
	return nodes, nil
}

func (g *Neo4j) UpdateNode(ctx context.Context, label, id string, props map[string]any) (*Node, error) {
	if err := ValidateIdentifier("label", label); err != nil {
		return nil, errx.Validation(err.Error())
	}
	if err := validateProps(props); err != nil {
		return nil, errx.Validation(err.Error())
	}
	res, err := g.run(ctx, "update_node",
		fmt.Sprintf("MATCH (n:%s) WHERE elementId(n) = $id SET n += $props RETURN n", label),
		map[string]any{"id": id, "props": props})
	if err != nil {
		return nil, err
	}
	nodes, err := nodesFrom(res, "n")
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "update_node", err)
	}
	if len(nodes) == 0 {
		return nil, errx.NotFound(label, id)
	}
	return &nodes[0], nil
}

func (g *Neo4j) CreateRelation(ctx context.Context, startID, endID, label string, props map[string]any) (*Relation, error) {
	if err := ValidateIdentifier("relation", label); err != nil {
		return nil, errx.Validation(err.Error())
	}
	if err := validateProps(props); err != nil {
		return nil, errx.Validation(err.Error())
	}
	if props == nil {
		props = map[string]any{}
	}
	res, err := g.run(ctx, "create_relation",
		fmt.Sprintf("MATCH (a), (b) WHERE elementId(a) = $start AND elementId(b) = $end "+
			"CREATE (a)-[r:%s]->(b) SET r = $props RETURN r", label),
		map[string]any{"start": startID, "end": endID, "props": props})
	if err != nil {
		return nil, err
	}
	rels, err := relationsFrom(res, "r")
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "create_relation", err)
	}
	if len(rels) == 0 {
		return nil, errx.NotFound("node", startID+" -> "+endID)
	}
	return &rels[0], nil
}

func (g *Neo4j) QueryRelation(ctx context.Context, startID, endID string) (*Relation, error) {
	res, err := g.run(ctx, "query_relation",
		"MATCH (a)-[r]->(b) WHERE elementId(a) = $start AND elementId(b) = $end RETURN r LIMIT 1",
		map[string]any{"start": startID, "end": endID})
	if err != nil {
		return nil, err
	}
	rels, err := relationsFrom(res, "r")
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "query_relation", err)
	}
	if len(rels) == 0 {
		return nil, nil
	}
	return &rels[0], nil
}

// UpdateRelation replaces the relation with one of type label carrying the
// old properties merged with props. Cypher cannot retype in place.
func (g *Neo4j) UpdateRelation(ctx context.Context, startID, endID, label string, props map[string]any) (*Relation, error) {
	if err := ValidateIdentifier("relation", label); err != nil {
		return nil, errx.Validation(err.Error())
	}
	if err := validateProps(props); err != nil {
		return nil, errx.Validation(err.Error())
	}
	if props == nil {
		props = map[string]any{}
	}
	res, err := g.run(ctx, "update_relation",
		fmt.Sprintf("MATCH (a)-[old]->(b) WHERE elementId(a) = $start AND elementId(b) = $end "+
			"WITH a, b, old, properties(old) AS kept DELETE old "+
			"CREATE (a)-[r:%s]->(b) SET r = kept, r += $props RETURN r", label),
		map[string]any{"start": startID, "end": endID, "props": props})
	if err != nil {
		return nil, err
	}
	rels, err := relationsFrom(res, "r")
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "update_relation", err)
	}
	if len(rels) == 0 {
		return nil, errx.NotFound("relation", startID+" -> "+endID)
	}
	return &rels[0], nil
}

func (g *Neo4j) GetUserLinkedProjects(ctx context.Context, userID string) ([]LinkedProject, error) {
	res, err := g.run(ctx, "get_user_linked_projects",
		fmt.Sprintf("MATCH (u:%s)-[r]->(p:%s) WHERE elementId(u) = $id RETURN p, r ORDER BY p.code", LabelUser, LabelProject),
		map[string]any{"id": userID})
	if err != nil {
		return nil, err
	}
	out := make([]LinkedProject, 0, len(res.Records))
	for _, rec := range res.Records {
		p, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "p")
		if err != nil {
			return nil, errx.Upstream(errx.BackendGraph, "get_user_linked_projects", err)
		}
		r, _, err := neo4j.GetRecordValue[neo4j.Relationship](rec, "r")
		if err != nil {
			return nil, errx.Upstream(errx.BackendGraph, "get_user_linked_projects", err)
		}
		out = append(out, LinkedProject{Project: toNode(p), Relation: toRelation(r)})
	}
	return out, nil
}

func (g *Neo4j) GetUserByEmail(ctx context.Context, email string) (*Node, error) {
	return g.first(ctx, LabelUser, PropEmail, email, "user")
}

func (g *Neo4j) GetUserByGlobalID(ctx context.Context, globalID string) (*Node, error) {
	return g.first(ctx, LabelUser, PropGlobalID, globalID, "user")
}

func (g *Neo4j) GetProjectByGlobalID(ctx context.Context, globalID string) (*Node, error) {
	return g.first(ctx, LabelProject, PropGlobalID, globalID, "project")
}

func (g *Neo4j) GetProjectByCode(ctx context.Context, code string) (*Node, error) {
	return g.first(ctx, LabelProject, PropCode, code, "project")
}

func (g *Neo4j) first(ctx context.Context, label, key, value, entity string) (*Node, error) {
	nodes, err := g.QueryNodes(ctx, label, map[string]any{key: value})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errx.NotFound(entity, value)
	}
	return &nodes[0], nil
}

func nodesFrom(res *neo4j.EagerResult, key string) ([]Node, error) {
	out := make([]Node, 0, len(res.Records))
	for _, rec := range res.Records {
		n, _, err := neo4j.GetRecordValue[neo4j.Node](rec, key)
		if err != nil {
			return nil, err
		}
		out = append(out, toNode(n))
	}
	return out, nil
}

func relationsFrom(res *neo4j.EagerResult, key string) ([]Relation, error) {
	out := make([]Relation, 0, len(res.Records))
	for _, rec := range res.Records {
		r, _, err := neo4j.GetRecordValue[neo4j.Relationship](rec, key)
		if err != nil {
			return nil, err
		}
		out = append(out, toRelation(r))
	}
	return out, nil
}

func toNode(n neo4j.Node) Node {
	return Node{ID: n.ElementId, Labels: n.Labels, Props: n.Props}
}

func toRelation(r neo4j.Relationship) Relation {
	return Relation{StartID: r.StartElementId, EndID: r.EndElementId, Label: r.Type, Props: r.Props}
}
