package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/observability"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	ClientWins Strategy = "client_wins" // local changes override server
	ServerWins Strategy = "server_wins" // server changes override local
	LatestWins Strategy = "latest_wins" // most recent change wins
	Merge      Strategy = "merge"       // combine changes field by field
	Manual     Strategy = "manual"      // defer to user review
)

// DefaultStrategy is used when no override matches.
const DefaultStrategy = LatestWins

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case ClientWins, ServerWins, LatestWins, Merge, Manual:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Conflict is a detected field-level divergence between a local and
// server version of the same record. Ephemeral: consumed immediately by
// Resolve, never persisted.
type Conflict struct {
	EntityType      entity.Type
	EntityID        string
	Local           entity.Record
	Server          entity.Record
	LocalTimestamp  time.Time
	ServerTimestamp time.Time
	Fields          map[string]struct{}
}

// Description summarizes the conflict for logs and manual review.
func (c *Conflict) Description() string {
	return fmt.Sprintf("%s %s: %d conflicting fields", c.EntityType, c.EntityID, len(c.Fields))
}

// sortedFields returns the conflicting field names in sorted order so
// multi-field strategy lookup is deterministic.
func (c *Conflict) sortedFields() []string {
	fields := make([]string, 0, len(c.Fields))
	for f := range c.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Result carries the resolved record plus an audit trail of what was
// merged and what was discarded.
type Result struct {
	Resolved     entity.Record
	Strategy     Strategy
	MergedFields map[string]struct{}
	Discarded    entity.Record
}

// ManualReviewSink receives conflicts that require user adjudication.
// Persistence of pending reviews is the sink's concern.
type ManualReviewSink interface {
	Submit(conflict *Conflict)
}

// Resolver is a pure decision component: no I/O beyond the manual sink.
type Resolver struct {
	mu               sync.RWMutex
	defaultStrategy  Strategy
	entityStrategies map[entity.Type]Strategy
	fieldStrategies  map[string]Strategy
	manualSink       ManualReviewSink
	logger           *observability.Logger
}

// NewResolver creates a resolver with the given default strategy.
func NewResolver(defaultStrategy Strategy, logger *observability.Logger) *Resolver {
	if defaultStrategy == "" {
		defaultStrategy = DefaultStrategy
	}
	return &Resolver{
		defaultStrategy:  defaultStrategy,
		entityStrategies: make(map[entity.Type]Strategy),
		fieldStrategies:  make(map[string]Strategy),
		logger:           logger.WithComponent("conflict"),
	}
}

// SetEntityStrategy overrides the strategy for one entity type.
func (r *Resolver) SetEntityStrategy(t entity.Type, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entityStrategies[t] = s
}

// SetFieldStrategy overrides the strategy for one field name.
func (r *Resolver) SetFieldStrategy(field string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fieldStrategies[field] = s
}

// SetManualSink installs the destination for manual-review conflicts.
func (r *Resolver) SetManualSink(sink ManualReviewSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualSink = sink
}

// ConfigureDefaultRules installs the workforce-domain defaults: recorded
// time stays local, org structure follows the server, employee records
// merge.
func (r *Resolver) ConfigureDefaultRules() {
	r.SetEntityStrategy(entity.WorkEntry, ClientWins)
	r.SetEntityStrategy(entity.Project, ServerWins)
	r.SetEntityStrategy(entity.Task, ServerWins)
	r.SetEntityStrategy(entity.LeaveRequest, LatestWins)
	r.SetEntityStrategy(entity.Employee, Merge)

	r.SetFieldStrategy("status", ServerWins)
	r.SetFieldStrategy("notes", ClientWins)
	r.SetFieldStrategy("updatedAt", LatestWins)
}

// Detect compares local and server versions of a record and returns a
// Conflict when any non-metadata field differs, nil otherwise.
func (r *Resolver) Detect(entityType entity.Type, entityID string, local, server entity.Record, localTS, serverTS time.Time) *Conflict {
	fields := findConflictingFields(local, server)
	if len(fields) == 0 {
		return nil
	}

	return &Conflict{
		EntityType:      entityType,
		EntityID:        entityID,
		Local:           local,
		Server:          server,
		LocalTimestamp:  localTS,
		ServerTimestamp: serverTS,
		Fields:          fields,
	}
}

// Resolve applies the effective strategy to a conflict.
func (r *Resolver) Resolve(conflict *Conflict) Result {
	strategy := r.strategyFor(conflict)

	r.logger.Debug("resolving conflict",
		zap.String("entity_type", string(conflict.EntityType)),
		zap.String("entity_id", conflict.EntityID),
		zap.String("strategy", string(strategy)),
		zap.Int("fields", len(conflict.Fields)))

	switch strategy {
	case ClientWins:
		return r.resolveClientWins(conflict)
	case ServerWins:
		return r.resolveServerWins(conflict)
	case Merge:
		return r.resolveMerge(conflict)
	case Manual:
		return r.resolveManual(conflict)
	default:
		return r.resolveLatestWins(conflict)
	}
}

// strategyFor picks the effective strategy. Entity-level overrides take
// precedence over field-level ones; field overrides are consulted in
// sorted field order so the outcome does not depend on map iteration.
func (r *Resolver) strategyFor(conflict *Conflict) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.entityStrategies[conflict.EntityType]; ok {
		return s
	}

	for _, field := range conflict.sortedFields() {
		if s, ok := r.fieldStrategies[field]; ok {
			return s
		}
	}

	return r.defaultStrategy
}

func (r *Resolver) resolveClientWins(conflict *Conflict) Result {
	return Result{
		Resolved:     conflict.Local,
		Strategy:     ClientWins,
		MergedFields: map[string]struct{}{},
		Discarded:    conflictingValues(conflict.Server, conflict.Fields),
	}
}

func (r *Resolver) resolveServerWins(conflict *Conflict) Result {
	return Result{
		Resolved:     conflict.Server,
		Strategy:     ServerWins,
		MergedFields: map[string]struct{}{},
		Discarded:    conflictingValues(conflict.Local, conflict.Fields),
	}
}

func (r *Resolver) resolveLatestWins(conflict *Conflict) Result {
	useLocal := conflict.LocalTimestamp.After(conflict.ServerTimestamp)

	resolved := conflict.Server
	discarded := conflictingValues(conflict.Local, conflict.Fields)
	if useLocal {
		resolved = conflict.Local
		discarded = conflictingValues(conflict.Server, conflict.Fields)
	}

	return Result{
		Resolved:     resolved,
		Strategy:     LatestWins,
		MergedFields: map[string]struct{}{},
		Discarded:    discarded,
	}
}

// resolveMerge starts from the server record, adopts every clean local
// field, then settles each conflicting field individually: field-level
// strategy first, else latest-wins on the overall timestamps.
func (r *Resolver) resolveMerge(conflict *Conflict) Result {
	r.mu.RLock()
	fieldStrategies := make(map[string]Strategy, len(r.fieldStrategies))
	for k, v := range r.fieldStrategies {
		fieldStrategies[k] = v
	}
	r.mu.RUnlock()

	merged := conflict.Server.Clone()
	mergedFields := make(map[string]struct{})
	discarded := make(entity.Record)

	localNewer := conflict.LocalTimestamp.After(conflict.ServerTimestamp)

	for key, localValue := range conflict.Local {
		if _, conflicting := conflict.Fields[key]; !conflicting {
			merged[key] = localValue
			mergedFields[key] = struct{}{}
			continue
		}

		if fieldStrategy, ok := fieldStrategies[key]; ok {
			switch fieldStrategy {
			case ClientWins:
				merged[key] = localValue
				discarded[key] = conflict.Server[key]
			case LatestWins:
				if localNewer {
					merged[key] = localValue
					discarded[key] = conflict.Server[key]
				} else {
					discarded[key] = localValue
				}
			default:
				// ServerWins and anything else keeps the server value.
				discarded[key] = localValue
			}
		} else if localNewer {
			merged[key] = localValue
			mergedFields[key] = struct{}{}
			discarded[key] = conflict.Server[key]
		} else {
			discarded[key] = localValue
		}
	}

	return Result{
		Resolved:     merged,
		Strategy:     Merge,
		MergedFields: mergedFields,
		Discarded:    discarded,
	}
}

// resolveManual surfaces the conflict for user review and falls back to
// server-wins as the immediate safe default.
func (r *Resolver) resolveManual(conflict *Conflict) Result {
	r.mu.RLock()
	sink := r.manualSink
	r.mu.RUnlock()

	if sink != nil {
		sink.Submit(conflict)
	}

	r.logger.Warn("manual resolution required, defaulting to server",
		zap.String("conflict", conflict.Description()))

	result := r.resolveServerWins(conflict)
	result.Strategy = Manual
	return result
}

// conflictingValues extracts the values a record holds for the fields in
// the conflict set.
func conflictingValues(record entity.Record, fields map[string]struct{}) entity.Record {
	out := make(entity.Record, len(fields))
	for key, value := range record {
		if _, ok := fields[key]; ok {
			out[key] = value
		}
	}
	return out
}
