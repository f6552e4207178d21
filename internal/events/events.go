// Package events implements Component E from spec.md §4.E: the Event
// Router, the correctness centre of the system. Given a committed
// mutation's (before, after) pairs, it decides exactly which of
// added/changed/removed/no-event to emit per subscription, based on
// stored `relevantIds` membership (never by re-evaluating `before`), and
// delivers the result locally or over pub/sub.
//
// Delivery generalizes the "try local subscriber channel, else skip"
// shape OwlDB's sse.Notify already has, adding the pub/sub fallback branch
// via internal/kv so a mutation committed on one process reaches
// subscribers owned by another.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/registry"
	"github.com/owldb-live/resourcedb/internal/value"
)

// Type is the closed SSE event taxonomy from §6.
type Type string

const (
	TypeConnected  Type = "connected"
	TypeExisting   Type = "existing"
	TypeAdded      Type = "added"
	TypeChanged    Type = "changed"
	TypeRemoved    Type = "removed"
	TypeInvalidate Type = "invalidate"
)

// Event is the wire shape from §6: `{ id, subscriptionId, seq, timestamp,
// type, ... }`.
type Event struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscriptionId"`
	HandlerID      string         `json:"handlerId"`
	Seq            int64          `json:"seq"`
	Timestamp      time.Time      `json:"timestamp"`
	Type           Type           `json:"type"`
	Object         map[string]any `json:"object,omitempty"`
	ObjectID       string         `json:"objectId,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Pair is one row's before/after image from a committed mutation; either
// may be nil for a pure create or delete.
type Pair struct {
	ID     string
	Before value.Record
	After  value.Record
}

// LocalDeliverer attempts to hand an event to a locally-owned SSE
// connection. Deliver returns true if the handler was local and the
// event was accepted; false means the router must fall back to pub/sub.
type LocalDeliverer interface {
	Deliver(ctx context.Context, handlerID string, ev Event) bool
}

// Publisher is the minimal pub/sub capability the router needs to hand an
// event to other processes (internal/kv.Store satisfies this directly).
type Publisher interface {
	Publish(ctx context.Context, channel, msg string) error
}

const defaultChannel = "resourcedb:events"

// Router is the Event Router. now is overridable for tests.
type Router struct {
	Registry  *registry.Registry
	Cache     *filter.Cache
	Local     LocalDeliverer
	Publisher Publisher
	Channel   string
	Now       func() time.Time
}

func (r *Router) channel() string {
	if r.Channel != "" {
		return r.Channel
	}
	return defaultChannel
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Route implements §4.E steps 1-5 for every subscription currently
// watching resource, across every (before, after) pair from one committed
// mutation.
func (r *Router) Route(ctx context.Context, resource string, pairs []Pair) error {
	subs, err := r.Registry.SubscriptionsForResource(ctx, resource)
	if err != nil {
		return fmt.Errorf("events: list subscriptions: %w", err)
	}

	now := r.now()
	for _, sub := range subs {
		if !sub.ExpiresAt.IsZero() && now.After(sub.ExpiresAt) {
			if err := r.emit(ctx, sub, Event{Type: TypeInvalidate, Reason: "auth expired"}); err != nil {
				return err
			}
			continue
		}

		combined, err := r.combinedFilter(sub)
		if err != nil {
			// an unparsable stored filter can never match; invalidate so the
			// client re-establishes the subscription instead of going silent.
			if emitErr := r.emit(ctx, sub, Event{Type: TypeInvalidate, Reason: "filter invalid"}); emitErr != nil {
				return emitErr
			}
			continue
		}

		for _, pair := range pairs {
			if err := r.routePair(ctx, sub, combined, pair); err != nil {
				return err
			}
		}
	}
	return nil
}

// RouteToSubscription runs §4.E steps 1-5 for a single subscription only,
// against every pair from one replay window. Used by the Resumable Stream
// Manager (§4.H) when replaying missed changelog entries to a reconnecting
// client: those mutations already went through Route for every subscription
// that was live at the time, so replaying them again must not re-fan-out to
// every other current subscriber on the resource, only to the one resuming.
func (r *Router) RouteToSubscription(ctx context.Context, sub registry.Subscription, pairs []Pair) error {
	now := r.now()
	if !sub.ExpiresAt.IsZero() && now.After(sub.ExpiresAt) {
		return r.emit(ctx, sub, Event{Type: TypeInvalidate, Reason: "auth expired"})
	}

	combined, err := r.combinedFilter(sub)
	if err != nil {
		return r.emit(ctx, sub, Event{Type: TypeInvalidate, Reason: "filter invalid"})
	}

	for _, pair := range pairs {
		if err := r.routePair(ctx, sub, combined, pair); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) combinedFilter(sub registry.Subscription) (*filter.Node, error) {
	userFilter, err := r.Cache.Get(sub.Resource, sub.Filter, nil)
	if err != nil {
		return nil, err
	}
	if sub.ScopeFilter == "" {
		return userFilter, nil
	}
	scopeFilter, err := r.Cache.Get(sub.Resource, sub.ScopeFilter, nil)
	if err != nil {
		return nil, err
	}
	return filter.And(userFilter, scopeFilter), nil
}

func (r *Router) routePair(ctx context.Context, sub registry.Subscription, combined *filter.Node, pair Pair) error {
	wasRelevant, err := r.Registry.IsRelevant(ctx, sub.ID, pair.ID)
	if err != nil {
		return fmt.Errorf("events: check relevantIds: %w", err)
	}
	isRelevant := pair.After != nil && filter.Evaluate(combined, pair.After)

	switch {
	case !wasRelevant && isRelevant:
		if err := r.Registry.AddRelevant(ctx, sub.ID, pair.ID); err != nil {
			return fmt.Errorf("events: add relevantIds: %w", err)
		}
		return r.emit(ctx, sub, Event{Type: TypeAdded, ObjectID: pair.ID, Object: pair.After.ToJSON()})

	case wasRelevant && isRelevant:
		return r.emit(ctx, sub, Event{Type: TypeChanged, ObjectID: pair.ID, Object: pair.After.ToJSON()})

	case wasRelevant && !isRelevant:
		if err := r.Registry.RemoveRelevant(ctx, sub.ID, pair.ID); err != nil {
			return fmt.Errorf("events: remove relevantIds: %w", err)
		}
		return r.emit(ctx, sub, Event{Type: TypeRemoved, ObjectID: pair.ID})

	default:
		return nil // ¬was ∧ ¬is: no event
	}
}

// InvalidateAll emits an invalidate event with reason to every subscription
// currently watching resource. Used by the Mutation Pipeline's raw-SQL
// catch (§4.F): a mutation the pipeline could not read rows for forces
// every affected subscriber to re-establish rather than silently drift.
func (r *Router) InvalidateAll(ctx context.Context, resource, reason string) error {
	subs, err := r.Registry.SubscriptionsForResource(ctx, resource)
	if err != nil {
		return fmt.Errorf("events: list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := r.emit(ctx, sub, Event{Type: TypeInvalidate, Reason: reason}); err != nil {
			return err
		}
	}
	return nil
}

// emit assigns a per-subscription seq, a UUID, and a timestamp, then
// delivers: try the local handler first, else publish for other
// processes to pick up (§4.E step 5).
func (r *Router) emit(ctx context.Context, sub registry.Subscription, ev Event) error {
	seq, err := r.Registry.NextEventSeq(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("events: assign event seq: %w", err)
	}
	ev.ID = uuid.NewString()
	ev.SubscriptionID = sub.ID
	ev.HandlerID = sub.HandlerID
	ev.Seq = seq
	ev.Timestamp = r.now()

	if r.Local != nil && r.Local.Deliver(ctx, sub.HandlerID, ev) {
		return nil
	}
	if r.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	if err := r.Publisher.Publish(ctx, r.channel(), string(payload)); err != nil {
		return fmt.Errorf("events: publish event: %w", err)
	}
	return nil
}
