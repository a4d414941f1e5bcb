package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/C4ne/merge2users/internal/dbexec"
	"github.com/C4ne/merge2users/internal/introspection"
)

// HandlerContext is what a core table handler receives.
type HandlerContext struct {
	Exec    dbexec.QueryExecutor
	Table   introspection.Table
	Planner *Planner
	Run     *RunContext
}

// Handler plans the operations for one core table. It returns
// ErrNotApplicable to leave the table to the generic tier.
type Handler func(ctx context.Context, hc HandlerContext) (*TablePlan, error)

type registration struct {
	handler Handler
	// deferred handlers execute after the generic tier.
	deferred bool
	// columns are the fixed reference columns of a RegisterColumns handler.
	columns []string
}

// Registry maps core table names to their handlers.
type Registry struct {
	handlers map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register sets the handler for table, replacing any earlier one.
func (r *Registry) Register(table string, h Handler) {
	r.handlers[table] = registration{handler: h}
}

// RegisterColumns registers an OverrideHandler for columns.
func (r *Registry) RegisterColumns(table string, columns ...string) {
	r.handlers[table] = registration{handler: OverrideHandler(columns...), columns: append([]string(nil), columns...)}
}

// RegisterDeferred sets a handler whose operations execute after every other
// table has been merged.
func (r *Registry) RegisterDeferred(table string, h Handler) {
	r.handlers[table] = registration{handler: h, deferred: true}
}

// Tables returns the registered table names in sorted order.
func (r *Registry) Tables() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(table string) (registration, bool) {
	reg, ok := r.handlers[table]
	return reg, ok
}

// Validate checks that every registered table exists in tables.
func (r *Registry) Validate(tables []string) error {
	known := make(map[string]struct{}, len(tables))
	for _, name := range tables {
		known[name] = struct{}{}
	}
	var errs []error
	for _, name := range r.Tables() {
		if _, ok := known[name]; !ok {
			errs = append(errs, &SchemaError{Table: name, Err: errors.New("core handler registered for a table that does not exist")})
		}
	}
	return errors.Join(errs...)
}

// OverrideHandler merges a table through the generic pipeline with a fixed
// set of reference columns.
func OverrideHandler(columns ...string) Handler {
	columns = append([]string(nil), columns...)
	return func(ctx context.Context, hc HandlerContext) (*TablePlan, error) {
		return hc.Planner.PlanTable(ctx, hc.Exec, hc.Table, columns, hc.Run.BaseID, hc.Run.MergeID)
	}
}

// EntityHandler merges references held by the entity table itself and, when
// deleteMergeEntity is set, removes the merge entity's row.
func EntityHandler(deleteMergeEntity bool) Handler {
	return func(ctx context.Context, hc HandlerContext) (*TablePlan, error) {
		entity := hc.Planner.Entity()
		if !hc.Table.HasColumn(entity.Column) {
			return nil, &SchemaError{Table: hc.Table.Name, Err: fmt.Errorf("identity column %s does not exist", entity.Column)}
		}

		plan, err := hc.Planner.PlanTable(ctx, hc.Exec, hc.Table, nil, hc.Run.BaseID, hc.Run.MergeID)
		if err != nil {
			return nil, err
		}
		if !deleteMergeEntity {
			return plan, nil
		}

		dialect := hc.Planner.Dialect()
		query, args, err := sq.Delete(dialect.QuoteIdentifier(hc.Table.Name)).
			Where(sq.Eq{dialect.QuoteIdentifier(entity.Column): hc.Run.MergeID}).
			PlaceholderFormat(dialect.Placeholder()).
			ToSql()
		if err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, Operation{Kind: OpDelete, Table: hc.Table.Name, SQL: query, Args: args})
		return plan, nil
	}
}

// profiles are named sets of core tables with known reference columns.
var profiles = map[string]map[string][]string{
	"moodle": {
		"user_enrolments":              {"userid", "modifierid"},
		"message_conversation_members": {"userid"},
		"role_assignments":             {"userid"},
		"favourite":                    {"userid"},
	},
}

// Profile returns the core tables of a named profile. The empty name is an
// empty profile.
func Profile(name string) (map[string][]string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	tables, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	out := make(map[string][]string, len(tables))
	for table, cols := range tables {
		out[table] = append([]string(nil), cols...)
	}
	return out, nil
}

// ProfileNames lists the built-in profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryConfig selects the built-in core handlers.
type RegistryConfig struct {
	Entity            Entity
	DeleteMergeEntity bool
	Profile           string
	// CoreTables maps table names to fixed reference columns and wins over the profile.
	CoreTables map[string][]string
}

// BuildRegistry registers the entity handler, the profile tables and the
// configured core tables.
func BuildRegistry(cfg RegistryConfig) (*Registry, error) {
	registry := NewRegistry()

	tables, err := Profile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	for table, cols := range tables {
		registry.RegisterColumns(table, cols...)
	}
	for table, cols := range cfg.CoreTables {
		if len(cols) == 0 {
			return nil, fmt.Errorf("core table %s needs at least one reference column", table)
		}
		registry.RegisterColumns(table, cols...)
	}

	if cfg.Entity.Table != "" {
		registry.RegisterDeferred(cfg.Entity.Table, EntityHandler(cfg.DeleteMergeEntity))
	}
	return registry, nil
}
