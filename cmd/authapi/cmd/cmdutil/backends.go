package cmdutil

import (
	"context"
	"fmt"
	"log"

	"github.com/uptrace/bun"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/db/bunx"
	"github.com/pilotdata/authsvc/internal/directory"
	"github.com/pilotdata/authsvc/internal/graph"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/migrations"
	"github.com/pilotdata/authsvc/internal/policy"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

// BackendOptions controls which backends NewBackends connects.
type BackendOptions struct {
	// AutoMigrate applies pending migrations after connecting.
	AutoMigrate bool
	// SkipExternal connects only the database and policy engine.
	SkipExternal bool
	Metrics      telemetry.Recorder
}

// Backends bundles the connected stores so commands can share one setup path.
type Backends struct {
	DB        *bun.DB
	Policy    *policy.Engine
	Identity  identity.Service
	Directory directory.Service
	Graph     graph.Service

	neo4j *graph.Neo4j
}

// NewBackends opens the database, builds the policy engine and, unless
// SkipExternal is set, the identity, directory and graph clients.
func NewBackends(ctx context.Context, cfg *config.Config, opts BackendOptions) (*Backends, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, bunx.Options{MaxOpenConns: cfg.MaxDBConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	b := &Backends{DB: db}

	if opts.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			b.Close(ctx)
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	b.Policy, err = policy.NewEngine(db, opts.Metrics)
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if opts.SkipExternal {
		return b, nil
	}

	if err := cfg.Keycloak.Validate(); err != nil {
		b.Close(ctx)
		return nil, err
	}
	kc, err := identity.NewKeycloak(cfg.Keycloak)
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("failed to create identity client: %w", err)
	}
	b.Identity = kc

	b.Directory = directory.NewLDAP(cfg.LDAP)
	if !cfg.LDAP.Enabled {
		log.Printf("WARNING: directory integration disabled, group steps will be skipped")
	}

	b.neo4j, err = graph.NewNeo4j(ctx, cfg.Neo4j)
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("failed to connect to graph database: %w", err)
	}
	b.Graph = b.neo4j
	return b, nil
}

// Close releases the graph driver and the database connection.
func (b *Backends) Close(ctx context.Context) {
	if b == nil {
		return
	}
	if b.neo4j != nil {
		if err := b.neo4j.Close(ctx); err != nil {
			log.Printf("WARNING: close graph driver: %v", err)
		}
	}
	if b.DB != nil {
		if err := bunx.Close(b.DB); err != nil {
			log.Printf("WARNING: close database: %v", err)
		}
	}
}
