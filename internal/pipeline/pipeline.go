// Package pipeline implements Component F from spec.md §4.F: the Mutation
// Pipeline. It wraps every write the engine accepts (create, update,
// replace, delete and their batch/filter-scoped forms) in a single
// transaction, computes before/after images, and — only after a
// successful commit — appends changelog entries and invokes the Event
// Router, in that order, followed by lifecycle hooks.
//
// This generalizes OwlDB's contents.PutDocument/DeleteDocument shape
// ("mutate the document store, then call NotifySubscribers") into an
// explicit three-stage sequence with a real changelog and event router in
// between, instead of notifying subscribers directly from the write path.
package pipeline

import (
	"context"
	"fmt"

	"github.com/owldb-live/resourcedb/internal/changelog"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/events"
	"github.com/owldb-live/resourcedb/internal/value"
)

// Hooks is one composable set of lifecycle callbacks. OnBefore* may
// transform the payload or abort the operation by returning an error;
// OnAfter* are side-effect-only and run once the mutation has already
// committed and been routed. Several Hooks values form a chain: before*
// transforms flow left-to-right through Pipeline.Hooks.
type Hooks struct {
	OnBeforeCreate func(ctx context.Context, resource string, rec value.Record) (value.Record, error)
	OnBeforeUpdate func(ctx context.Context, resource, id string, partial value.Record) (value.Record, error)
	OnBeforeDelete func(ctx context.Context, resource, id string) error

	OnAfterCreate func(ctx context.Context, resource string, rec value.Record)
	OnAfterUpdate func(ctx context.Context, resource string, pair db.Pair)
	OnAfterDelete func(ctx context.Context, resource string, before value.Record)
}

// Pipeline is the Mutation Pipeline. Router may be nil (writes still
// commit and append to the changelog, but no subscriber ever hears about
// them) — useful for offline migrations; Changelog may also be nil for
// the same reason, though a production wiring always sets both.
type Pipeline struct {
	DB        db.DB
	Changelog *changelog.Changelog
	Router    *events.Router
	Hooks     []Hooks
}

func New(database db.DB, cl *changelog.Changelog, router *events.Router, hooks ...Hooks) *Pipeline {
	return &Pipeline{DB: database, Changelog: cl, Router: router, Hooks: hooks}
}

// Create inserts one row.
func (p *Pipeline) Create(ctx context.Context, resource string, rec value.Record) (value.Record, error) {
	rec, err := p.runBeforeCreate(ctx, resource, rec)
	if err != nil {
		return nil, err
	}

	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	inserted, err := tx.Insert(ctx, resource, rec)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: commit create: %w", err)
	}

	pair := db.Pair{ID: inserted["id"].AsString(), After: inserted}
	if err := p.notify(ctx, resource, []db.Pair{pair}, changelog.KindCreate); err != nil {
		return inserted, err
	}
	p.runAfterCreate(ctx, resource, inserted)
	return inserted, nil
}

// Update merges partial into the existing row.
func (p *Pipeline) Update(ctx context.Context, resource, id string, partial value.Record) (db.Pair, bool, error) {
	partial, err := p.runBeforeUpdate(ctx, resource, id, partial)
	if err != nil {
		return db.Pair{}, false, err
	}

	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return db.Pair{}, false, fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	pair, ok, err := tx.Update(ctx, resource, id, partial)
	if err != nil {
		tx.Rollback(ctx)
		return db.Pair{}, false, err
	}
	if !ok {
		tx.Rollback(ctx)
		return db.Pair{}, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return db.Pair{}, false, fmt.Errorf("pipeline: commit update: %w", err)
	}

	if err := p.notify(ctx, resource, []db.Pair{pair}, changelog.KindUpdate); err != nil {
		return pair, true, err
	}
	p.runAfterUpdate(ctx, resource, pair)
	return pair, true, nil
}

// Replace overwrites the row entirely, field-for-field, preserving only
// its id. It shares update's changelog/event kind: the wire distinguishes
// PUT from PATCH, but the committed mutation kind is the same.
func (p *Pipeline) Replace(ctx context.Context, resource, id string, full value.Record) (db.Pair, bool, error) {
	full, err := p.runBeforeUpdate(ctx, resource, id, full)
	if err != nil {
		return db.Pair{}, false, err
	}

	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return db.Pair{}, false, fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	pair, ok, err := tx.Replace(ctx, resource, id, full)
	if err != nil {
		tx.Rollback(ctx)
		return db.Pair{}, false, err
	}
	if !ok {
		tx.Rollback(ctx)
		return db.Pair{}, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return db.Pair{}, false, fmt.Errorf("pipeline: commit replace: %w", err)
	}

	if err := p.notify(ctx, resource, []db.Pair{pair}, changelog.KindUpdate); err != nil {
		return pair, true, err
	}
	p.runAfterUpdate(ctx, resource, pair)
	return pair, true, nil
}

// Delete removes one row by id.
func (p *Pipeline) Delete(ctx context.Context, resource, id string) (value.Record, bool, error) {
	if err := p.runBeforeDelete(ctx, resource, id); err != nil {
		return nil, false, err
	}

	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	before, ok, err := tx.Delete(ctx, resource, id)
	if err != nil {
		tx.Rollback(ctx)
		return nil, false, err
	}
	if !ok {
		tx.Rollback(ctx)
		return nil, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("pipeline: commit delete: %w", err)
	}

	pair := db.Pair{ID: id, Before: before}
	if err := p.notify(ctx, resource, []db.Pair{pair}, changelog.KindDelete); err != nil {
		return before, true, err
	}
	p.runAfterDelete(ctx, resource, before)
	return before, true, nil
}

// BatchCreate inserts every record in one transaction. A single rejected
// row (schema violation, duplicate id) rolls back the entire batch —
// there is no partial-success mode.
func (p *Pipeline) BatchCreate(ctx context.Context, resource string, recs []value.Record) ([]value.Record, error) {
	transformed := make([]value.Record, 0, len(recs))
	for _, rec := range recs {
		rec, err := p.runBeforeCreate(ctx, resource, rec)
		if err != nil {
			return nil, err
		}
		transformed = append(transformed, rec)
	}

	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	inserted := make([]value.Record, 0, len(transformed))
	for _, rec := range transformed {
		ins, err := tx.Insert(ctx, resource, rec)
		if err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		inserted = append(inserted, ins)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: commit batch create: %w", err)
	}

	pairs := make([]db.Pair, len(inserted))
	for i, rec := range inserted {
		pairs[i] = db.Pair{ID: rec["id"].AsString(), After: rec}
	}
	if err := p.notify(ctx, resource, pairs, changelog.KindCreate); err != nil {
		return inserted, err
	}
	for _, rec := range inserted {
		p.runAfterCreate(ctx, resource, rec)
	}
	return inserted, nil
}

// BatchUpdate merges partial into every row matching pred. The affected
// set is exactly the rows matching pred at read-time, inside the same
// transaction as the writes (§4.F step 2) — a row a concurrent writer
// moves into scope after that read is not retroactively included.
func (p *Pipeline) BatchUpdate(ctx context.Context, resource string, pred db.Predicate, partial value.Record) ([]db.Pair, error) {
	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	matching, err := tx.Select(ctx, resource, pred, nil, 0)
	if err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("pipeline: read rows before batch update: %w", err)
	}

	pairs := make([]db.Pair, 0, len(matching))
	for _, before := range matching {
		id := before["id"].AsString()
		rowPartial, err := p.runBeforeUpdate(ctx, resource, id, partial)
		if err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		pair, ok, err := tx.Update(ctx, resource, id, rowPartial)
		if err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		if ok {
			pairs = append(pairs, pair)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: commit batch update: %w", err)
	}

	if err := p.notify(ctx, resource, pairs, changelog.KindUpdate); err != nil {
		return pairs, err
	}
	for _, pair := range pairs {
		p.runAfterUpdate(ctx, resource, pair)
	}
	return pairs, nil
}

// BatchDelete removes every row matching pred, read inside the same
// transaction as the deletes.
func (p *Pipeline) BatchDelete(ctx context.Context, resource string, pred db.Predicate) ([]value.Record, error) {
	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	matching, err := tx.Select(ctx, resource, pred, nil, 0)
	if err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("pipeline: read rows before batch delete: %w", err)
	}

	befores := make([]value.Record, 0, len(matching))
	pairs := make([]db.Pair, 0, len(matching))
	for _, before := range matching {
		id := before["id"].AsString()
		if err := p.runBeforeDelete(ctx, resource, id); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		deleted, ok, err := tx.Delete(ctx, resource, id)
		if err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		if ok {
			befores = append(befores, deleted)
			pairs = append(pairs, db.Pair{ID: id, Before: deleted})
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: commit batch delete: %w", err)
	}

	if err := p.notify(ctx, resource, pairs, changelog.KindDelete); err != nil {
		return befores, err
	}
	for _, before := range befores {
		p.runAfterDelete(ctx, resource, before)
	}
	return befores, nil
}

// InvalidateRaw implements the raw-SQL catch from §4.F: a caller issued
// SQL the pipeline detects as a mutation but cannot read affected rows
// for. It appends the wildcard sentinel changelog entry and invalidates
// every subscription watching resource, trading fine-grained events for
// safety.
func (p *Pipeline) InvalidateRaw(ctx context.Context, resource string) error {
	if p.Changelog != nil {
		if _, err := p.Changelog.Append(ctx, changelog.Partial{
			Resource: resource,
			Kind:     changelog.KindUpdate,
			ObjectID: changelog.WildcardObjectID,
		}); err != nil {
			return fmt.Errorf("pipeline: append raw-sql sentinel: %w", err)
		}
	}
	if p.Router == nil {
		return nil
	}
	if err := p.Router.InvalidateAll(ctx, resource, "raw SQL mutation"); err != nil {
		return fmt.Errorf("pipeline: invalidate after raw sql: %w", err)
	}
	return nil
}

// notify appends one changelog entry per pair, then routes all of them
// through the Event Router in a single call — changelog append happens-
// before event routing, never the reverse (§5 "A mutation's changelog
// append happens-before any event derived from it").
func (p *Pipeline) notify(ctx context.Context, resource string, pairs []db.Pair, kind changelog.Kind) error {
	if p.Changelog != nil {
		for _, pair := range pairs {
			if _, err := p.Changelog.Append(ctx, changelog.Partial{
				Resource: resource,
				Kind:     kind,
				ObjectID: pair.ID,
				Before:   pair.Before,
				After:    pair.After,
			}); err != nil {
				return fmt.Errorf("pipeline: append changelog: %w", err)
			}
		}
	}
	if p.Router == nil || len(pairs) == 0 {
		return nil
	}
	eventPairs := make([]events.Pair, len(pairs))
	for i, pair := range pairs {
		eventPairs[i] = events.Pair{ID: pair.ID, Before: pair.Before, After: pair.After}
	}
	if err := p.Router.Route(ctx, resource, eventPairs); err != nil {
		return fmt.Errorf("pipeline: route events: %w", err)
	}
	return nil
}

func (p *Pipeline) runBeforeCreate(ctx context.Context, resource string, rec value.Record) (value.Record, error) {
	for _, h := range p.Hooks {
		if h.OnBeforeCreate == nil {
			continue
		}
		var err error
		rec, err = h.OnBeforeCreate(ctx, resource, rec)
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (p *Pipeline) runBeforeUpdate(ctx context.Context, resource, id string, partial value.Record) (value.Record, error) {
	for _, h := range p.Hooks {
		if h.OnBeforeUpdate == nil {
			continue
		}
		var err error
		partial, err = h.OnBeforeUpdate(ctx, resource, id, partial)
		if err != nil {
			return nil, err
		}
	}
	return partial, nil
}

func (p *Pipeline) runBeforeDelete(ctx context.Context, resource, id string) error {
	for _, h := range p.Hooks {
		if h.OnBeforeDelete == nil {
			continue
		}
		if err := h.OnBeforeDelete(ctx, resource, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runAfterCreate(ctx context.Context, resource string, rec value.Record) {
	for _, h := range p.Hooks {
		if h.OnAfterCreate != nil {
			h.OnAfterCreate(ctx, resource, rec)
		}
	}
}

func (p *Pipeline) runAfterUpdate(ctx context.Context, resource string, pair db.Pair) {
	for _, h := range p.Hooks {
		if h.OnAfterUpdate != nil {
			h.OnAfterUpdate(ctx, resource, pair)
		}
	}
}

func (p *Pipeline) runAfterDelete(ctx context.Context, resource string, before value.Record) {
	for _, h := range p.Hooks {
		if h.OnAfterDelete != nil {
			h.OnAfterDelete(ctx, resource, before)
		}
	}
}
