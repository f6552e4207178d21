// Package registry implements Component D from spec.md §4.D: the
// Subscription Registry. A subscription record maps a `subscriptionId` to
// its resource, filter, owning handler, and lifecycle metadata; its
// `relevantIds` set is a KV set that internal/stream seeds when a stream
// opens and the Event Router (internal/events) updates on every routed
// mutation. Storing both in internal/kv (rather than in-process
// maps) is what lets any process in a multi-process deployment enumerate
// subscriptions — the same requirement OwlDB's single-process
// `sse.SubscriberHandler` never had to solve, generalized here to a
// KV-backed map-of-sets.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/owldb-live/resourcedb/internal/kv"
)

// Subscription is the logical record behind one open live-query stream.
type Subscription struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	Filter      string    `json:"filter"`
	ScopeFilter string    `json:"scopeFilter"`
	ScopeUser   string    `json:"scopeUser"`
	HandlerID   string    `json:"handlerId"`
	LastSeq     int64     `json:"lastSeq"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

const (
	keyRecords       = "registry:subscriptions"
	keyResourceIndex = "registry:byresource:"
	keyRelevantIDs   = "registry:relevant:"
	keyEventSeq      = "registry:eventseq:"
)

func resourceIndexKey(resource string) string { return keyResourceIndex + resource }
func relevantKey(subID string) string         { return keyRelevantIDs + subID }
func eventSeqKey(subID string) string         { return keyEventSeq + subID }

// Registry is a KV-backed subscription registry.
type Registry struct {
	store kv.Store
}

func New(store kv.Store) *Registry {
	return &Registry{store: store}
}

// Create persists a new subscription record and indexes it by resource.
// Per §4.D's lifecycle rule, callers must set LastSeq to the changelog's
// currentSeq before calling Create.
func (r *Registry) Create(ctx context.Context, sub Subscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("registry: marshal subscription: %w", err)
	}
	if err := r.store.HSet(ctx, keyRecords, sub.ID, string(payload)); err != nil {
		return fmt.Errorf("registry: store subscription: %w", err)
	}
	if err := r.store.SAdd(ctx, resourceIndexKey(sub.Resource), sub.ID); err != nil {
		return fmt.Errorf("registry: index subscription: %w", err)
	}
	return nil
}

// Get looks up a subscription record by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Subscription, bool, error) {
	raw, ok, err := r.store.HGet(ctx, keyRecords, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, false, fmt.Errorf("registry: decode subscription %s: %w", id, err)
	}
	return &sub, true, nil
}

// Save overwrites an existing subscription record (used to persist a
// moved LastSeq after a batch of events is delivered).
func (r *Registry) Save(ctx context.Context, sub Subscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("registry: marshal subscription: %w", err)
	}
	return r.store.HSet(ctx, keyRecords, sub.ID, string(payload))
}

// Delete removes a subscription record, its resource index entry, and its
// relevantIds set — per §4.D, "Closing a stream deletes the subscription
// and its relevantIds set."
func (r *Registry) Delete(ctx context.Context, id string) error {
	sub, ok, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.HDel(ctx, keyRecords, id); err != nil {
		return fmt.Errorf("registry: delete subscription: %w", err)
	}
	if ok {
		if err := r.store.SRem(ctx, resourceIndexKey(sub.Resource), id); err != nil {
			return fmt.Errorf("registry: deindex subscription: %w", err)
		}
	}
	if err := r.store.Del(ctx, relevantKey(id)); err != nil {
		return fmt.Errorf("registry: clear relevantIds: %w", err)
	}
	if err := r.store.Del(ctx, eventSeqKey(id)); err != nil {
		return fmt.Errorf("registry: clear event seq: %w", err)
	}
	return nil
}

// SubscriptionsForResource returns every subscription currently watching
// a resource, the index the Event Router scans per mutation.
func (r *Registry) SubscriptionsForResource(ctx context.Context, resource string) ([]Subscription, error) {
	ids, err := r.store.SMembers(ctx, resourceIndexKey(resource))
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(ids))
	for _, id := range ids {
		sub, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // deleted concurrently
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// AddRelevant adds an object ID to a subscription's relevantIds set. The
// Event Router calls it on an added transition; internal/stream calls it
// to seed the set when a stream opens.
func (r *Registry) AddRelevant(ctx context.Context, subID, objectID string) error {
	return r.store.SAdd(ctx, relevantKey(subID), objectID)
}

// RemoveRelevant removes an object ID from a subscription's relevantIds set.
func (r *Registry) RemoveRelevant(ctx context.Context, subID, objectID string) error {
	return r.store.SRem(ctx, relevantKey(subID), objectID)
}

// IsRelevant reports whether an object ID is in a subscription's
// relevantIds set — the ground truth `wasRelevant` check from §4.E, which
// deliberately uses stored membership rather than re-evaluating `before`.
func (r *Registry) IsRelevant(ctx context.Context, subID, objectID string) (bool, error) {
	return r.store.SIsMember(ctx, relevantKey(subID), objectID)
}

// RelevantIDs lists every object ID currently considered in-scope for a
// subscription.
func (r *Registry) RelevantIDs(ctx context.Context, subID string) ([]string, error) {
	return r.store.SMembers(ctx, relevantKey(subID))
}

// NextEventSeq assigns the next per-subscription monotonic sequence
// number, independent of the changelog's global seq (§4.E point 4: "a
// per-subscription monotonic sequence... independent of the global seq").
func (r *Registry) NextEventSeq(ctx context.Context, subID string) (int64, error) {
	return r.store.Incr(ctx, eventSeqKey(subID))
}
