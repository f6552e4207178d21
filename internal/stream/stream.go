// Package stream implements Component H from spec.md §4.H: the Resumable
// Stream Manager. It is a direct generalization of OwlDB's
// sse.SubscriberHandler/SSEHandler — same "register a subscriber, stream
// events to it until the connection's context is done, tear down on
// disconnect" shape — retargeted from a raw channel of pre-formatted SSE
// frames onto internal/registry subscriptions and internal/events.Event
// values, with resume-from-seq, skipExisting and knownIds seeding added
// on top (spec.md §4.H, none of which OwlDB's version needed since it had
// no changelog to resume from).
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owldb-live/resourcedb/internal/changelog"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/events"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/registry"
)

// Writer is the minimal capability a transport needs to give a
// connection: frame an event, frame a heartbeat comment, and report how
// much is currently queued so the manager can detect backpressure.
// httpapi implements this over http.ResponseWriter/http.Flusher, the same
// role OwlDB's unexported writeFlusher interface plays for sse.SSEHandler.
type Writer interface {
	WriteEvent(ev events.Event) error
	WriteComment(text string) error
	QueuedBytes() int
}

// ErrTooManySubscriptions is returned by Connect when the caller's user or
// IP is already at its concurrent-subscription cap (§4.H "Caps per-user
// and per-IP limit concurrent subscriptions").
var ErrTooManySubscriptions = errors.New("stream: subscription cap exceeded")

// ConnectOptions configures one incoming SSE connection.
type ConnectOptions struct {
	Resource    string
	Filter      string
	ScopeFilter string
	ScopeUser   string
	HandlerID   string // if empty, a fresh one is generated

	ResumeFrom   int64 // from Last-Event-ID or resumeFrom query; 0 means absent
	SkipExisting bool
	KnownIDs     []string

	ExpiresAt time.Time
	ActorUser string
	RemoteIP  string
}

type connection struct {
	subscriptionID string
	handlerID      string
	writer         Writer
	user           string
	ip             string
}

// Manager is the Resumable Stream Manager. It also implements
// events.LocalDeliverer, so a *Manager can be wired straight into
// events.Router.Local.
type Manager struct {
	Registry  *registry.Registry
	Changelog *changelog.Changelog
	Router    *events.Router
	DB        db.DB
	Cache     *filter.Cache

	HeartbeatInterval time.Duration
	MaxQueueBytes     int
	MaxPerUser        int
	MaxPerIP          int
	Now               func() time.Time

	mu     sync.Mutex
	conns  map[string]*connection
	byUser map[string]int
	byIP   map[string]int
}

func NewManager(reg *registry.Registry, cl *changelog.Changelog, router *events.Router, database db.DB, cache *filter.Cache) *Manager {
	return &Manager{
		Registry:  reg,
		Changelog: cl,
		Router:    router,
		DB:        database,
		Cache:     cache,
		conns:     make(map[string]*connection),
		byUser:    make(map[string]int),
		byIP:      make(map[string]int),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Manager) heartbeatInterval() time.Duration {
	if m.HeartbeatInterval > 0 {
		return m.HeartbeatInterval
	}
	return 20 * time.Second
}

var _ events.LocalDeliverer = (*Manager)(nil)

// Connect implements the connect algorithm from §4.H steps 1-4: emit
// connected, then exactly one of resume/seed-only/seed-with-existing
// depending on opts. Returns the new subscription's id.
func (m *Manager) Connect(ctx context.Context, w Writer, opts ConnectOptions) (string, error) {
	if err := m.checkCaps(opts.ActorUser, opts.RemoteIP); err != nil {
		return "", err
	}

	currentSeq, err := m.Changelog.CurrentSeq(ctx)
	if err != nil {
		return "", fmt.Errorf("stream: read current seq: %w", err)
	}

	handlerID := opts.HandlerID
	if handlerID == "" {
		handlerID = uuid.NewString()
	}
	sub := registry.Subscription{
		ID:          uuid.NewString(),
		Resource:    opts.Resource,
		Filter:      opts.Filter,
		ScopeFilter: opts.ScopeFilter,
		ScopeUser:   opts.ScopeUser,
		HandlerID:   handlerID,
		LastSeq:     currentSeq,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   m.now(),
	}
	if err := m.Registry.Create(ctx, sub); err != nil {
		return "", fmt.Errorf("stream: create subscription: %w", err)
	}
	m.register(handlerID, sub.ID, w, opts.ActorUser, opts.RemoteIP)

	if err := w.WriteEvent(events.Event{
		Type: events.TypeConnected, SubscriptionID: sub.ID, HandlerID: handlerID,
		Seq: currentSeq, Timestamp: m.now(),
	}); err != nil {
		return sub.ID, err
	}

	switch {
	case opts.ResumeFrom > 0:
		return sub.ID, m.resume(ctx, sub, opts, w)
	case opts.SkipExisting:
		return sub.ID, m.seedRelevantIDs(ctx, sub, opts)
	default:
		return sub.ID, m.seedExisting(ctx, sub, opts, w)
	}
}

func (m *Manager) resume(ctx context.Context, sub registry.Subscription, opts ConnectOptions, w Writer) error {
	needsInvalidation, err := m.Changelog.NeedsInvalidation(ctx, opts.ResumeFrom)
	if err != nil {
		return fmt.Errorf("stream: check retention floor: %w", err)
	}
	if needsInvalidation {
		return w.WriteEvent(events.Event{
			Type: events.TypeInvalidate, SubscriptionID: sub.ID, HandlerID: sub.HandlerID,
			Reason: "sequence gap", Timestamp: m.now(),
		})
	}

	if err := m.seedRelevantIDs(ctx, sub, opts); err != nil {
		return err
	}
	entries, err := m.Changelog.RangeForResource(ctx, opts.Resource, opts.ResumeFrom)
	if err != nil {
		return fmt.Errorf("stream: replay changelog: %w", err)
	}
	pairs := make([]events.Pair, len(entries))
	for i, e := range entries {
		pairs[i] = events.Pair{ID: e.ObjectID, Before: e.BeforeRecord(), After: e.AfterRecord()}
	}
	if err := m.Router.RouteToSubscription(ctx, sub, pairs); err != nil {
		return fmt.Errorf("stream: route replayed entries: %w", err)
	}
	return nil
}

// seedRelevantIDs populates relevantIds from the client-supplied knownIds
// if present, else by querying the DB for the currently-matching set
// (§4.H steps 2-3, the "else query the DB" fallback named twice).
func (m *Manager) seedRelevantIDs(ctx context.Context, sub registry.Subscription, opts ConnectOptions) error {
	if len(opts.KnownIDs) > 0 {
		for _, id := range opts.KnownIDs {
			if err := m.Registry.AddRelevant(ctx, sub.ID, id); err != nil {
				return fmt.Errorf("stream: seed relevantIds from knownIds: %w", err)
			}
		}
		return nil
	}

	node, err := m.combinedFilter(sub)
	if err != nil {
		return err
	}
	tx, err := m.DB.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("stream: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	rows, err := tx.Select(ctx, opts.Resource, db.Predicate{Node: node}, nil, 0)
	if err != nil {
		return fmt.Errorf("stream: query matching rows: %w", err)
	}
	for _, row := range rows {
		if err := m.Registry.AddRelevant(ctx, sub.ID, row["id"].AsString()); err != nil {
			return fmt.Errorf("stream: seed relevantIds from query: %w", err)
		}
	}
	return nil
}

// seedExisting runs the full matching query and emits one existing event
// per row, populating relevantIds as it goes (§4.H step 4).
func (m *Manager) seedExisting(ctx context.Context, sub registry.Subscription, opts ConnectOptions, w Writer) error {
	node, err := m.combinedFilter(sub)
	if err != nil {
		return err
	}
	tx, err := m.DB.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("stream: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	rows, err := tx.Select(ctx, opts.Resource, db.Predicate{Node: node}, nil, 0)
	if err != nil {
		return fmt.Errorf("stream: query matching rows: %w", err)
	}

	for _, row := range rows {
		id := row["id"].AsString()
		if err := m.Registry.AddRelevant(ctx, sub.ID, id); err != nil {
			return fmt.Errorf("stream: seed relevantIds: %w", err)
		}
		if err := w.WriteEvent(events.Event{
			Type: events.TypeExisting, SubscriptionID: sub.ID, HandlerID: sub.HandlerID,
			ObjectID: id, Object: row.ToJSON(), Timestamp: m.now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) combinedFilter(sub registry.Subscription) (*filter.Node, error) {
	userFilter, err := m.Cache.Get(sub.Resource, sub.Filter, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: parse filter: %w", err)
	}
	if sub.ScopeFilter == "" {
		return userFilter, nil
	}
	scopeFilter, err := m.Cache.Get(sub.Resource, sub.ScopeFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: parse scope filter: %w", err)
	}
	return filter.And(userFilter, scopeFilter), nil
}

// Heartbeat writes one keep-alive comment; callers drive this on a ticker
// at HeartbeatInterval (default 20s, per §4.H).
func (m *Manager) Heartbeat(w Writer) error {
	return w.WriteComment("heartbeat")
}

// Disconnect tears down a connection: unregisters it, deletes the
// subscription record and its relevantIds set (cascaded by
// registry.Delete), and releases its per-user/per-IP cap slot. Matches
// §4's cancellation rule: "closing the SSE connection triggers
// subscription teardown."
func (m *Manager) Disconnect(ctx context.Context, handlerID string) error {
	conn := m.unregister(handlerID)
	if conn == nil {
		return nil
	}
	return m.Registry.Delete(ctx, conn.subscriptionID)
}

// Deliver implements events.LocalDeliverer: hand ev to the connection
// registered under handlerID, if this process owns it. Backpressure (the
// connection's queued bytes exceed MaxQueueBytes) and a write failure both
// detach the connection and invalidate it rather than block the router.
func (m *Manager) Deliver(ctx context.Context, handlerID string, ev events.Event) bool {
	m.mu.Lock()
	conn, ok := m.conns[handlerID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if m.MaxQueueBytes > 0 && conn.writer.QueuedBytes() > m.MaxQueueBytes {
		m.detach(ctx, conn, "backpressure")
		return true
	}
	if err := conn.writer.WriteEvent(ev); err != nil {
		m.detach(ctx, conn, "write failed")
	}
	return true
}

func (m *Manager) checkCaps(user, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxPerUser > 0 && user != "" && m.byUser[user] >= m.MaxPerUser {
		return ErrTooManySubscriptions
	}
	if m.MaxPerIP > 0 && ip != "" && m.byIP[ip] >= m.MaxPerIP {
		return ErrTooManySubscriptions
	}
	return nil
}

func (m *Manager) register(handlerID, subID string, w Writer, user, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[handlerID] = &connection{subscriptionID: subID, handlerID: handlerID, writer: w, user: user, ip: ip}
	if user != "" {
		m.byUser[user]++
	}
	if ip != "" {
		m.byIP[ip]++
	}
}

func (m *Manager) unregister(handlerID string) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[handlerID]
	if !ok {
		return nil
	}
	delete(m.conns, handlerID)
	if conn.user != "" {
		m.byUser[conn.user]--
	}
	if conn.ip != "" {
		m.byIP[conn.ip]--
	}
	return conn
}

func (m *Manager) detach(ctx context.Context, conn *connection, reason string) {
	m.mu.Lock()
	if cur, ok := m.conns[conn.handlerID]; ok && cur == conn {
		delete(m.conns, conn.handlerID)
		if conn.user != "" {
			m.byUser[conn.user]--
		}
		if conn.ip != "" {
			m.byIP[conn.ip]--
		}
	}
	m.mu.Unlock()

	conn.writer.WriteEvent(events.Event{
		Type: events.TypeInvalidate, SubscriptionID: conn.subscriptionID, HandlerID: conn.handlerID,
		Reason: reason, Timestamp: m.now(),
	})
	m.Registry.Delete(ctx, conn.subscriptionID)
}
