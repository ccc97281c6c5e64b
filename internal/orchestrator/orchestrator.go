// Package orchestrator drives one device's sync lifecycle: announcing
// itself to the swarm, answering and issuing sync requests, queuing
// local changes made while offline, and flushing them the moment
// connectivity returns. It is the single owner of the transport.Node
// it's built with - nothing else may read its event channel - mirroring
// the teacher's single-owner peer event loop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/Ru1vly/nexus-core/internal/crdt"
	"github.com/Ru1vly/nexus-core/internal/hlc"
	"github.com/Ru1vly/nexus-core/internal/logging"
	"github.com/Ru1vly/nexus-core/internal/model"
	"github.com/Ru1vly/nexus-core/internal/store"
	"github.com/Ru1vly/nexus-core/internal/transport"
)

// Status is a point-in-time snapshot of the orchestrator's view of the
// world, handed to an optional StatusObserver on every transition.
type Status struct {
	Online         bool
	ConnectedPeers int
	PendingChanges int
	LastSyncTime   time.Time
}

// StatusObserver is notified on every state transition the event loop
// makes. Implementations must not block.
type StatusObserver interface {
	OnStatusChanged(Status)
}

// noopObserver discards every status update.
type noopObserver struct{}

func (noopObserver) OnStatusChanged(Status) {}

// Orchestrator owns the full sync lifecycle for one device: the
// transport node, the durable store, the clock, and the CRDT engine
// that folds remote entries in. It is not safe to share across
// goroutines except via its own public methods.
type Orchestrator struct {
	node     *transport.Node
	store    *store.Store
	clock    *hlc.Clock
	engine   *crdt.Engine
	log      logging.Logger
	userID   uuid.UUID
	deviceID uuid.UUID

	observer StatusObserver

	mu             sync.Mutex
	online         bool
	pending        []pendingChange
	lastSyncTime   time.Time
	knownPeers     map[string]time.Time

	cancel context.CancelFunc
}

type pendingChange struct {
	entry model.OplogEntry
}

// New builds an Orchestrator for one device. The returned value does
// not start its event loop until Run is called.
func New(node *transport.Node, s *store.Store, clock *hlc.Clock, engine *crdt.Engine, userID, deviceID uuid.UUID, log logging.Logger, observer StatusObserver) *Orchestrator {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Orchestrator{
		node:       node,
		store:      s,
		clock:      clock,
		engine:     engine,
		log:        log,
		userID:     userID,
		deviceID:   deviceID,
		observer:   observer,
		knownPeers: make(map[string]time.Time),
	}
}

// Run drives the orchestrator's event loop until ctx is cancelled. It
// announces presence once at startup and then steps the transport's
// event stream one event at a time - the single-owner discipline the
// whole component is built around.
func (o *Orchestrator) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	if err := o.AnnouncePresence(loopCtx); err != nil {
		o.log.Warnf("orchestrator: initial announce failed: %v", err)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return nil
		case ev, ok := <-o.node.Events():
			if !ok {
				return nil
			}
			o.ProcessEvent(loopCtx, ev)
		case <-ticker.C:
			o.SyncPendingChanges(loopCtx)
		}
	}
}

// Stop cancels the running event loop, if any.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ProcessEvent handles a single transport event, per the state table:
// connection established flips this device online, retries the
// pending-change flush and triggers a sync request; peer discovery and
// expiry only update the known-peer set; connection closed, once the
// last peer drops, flips it back offline; SyncData and RequestSync
// messages are folded into the store or answered respectively.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.EventConnectionEstablished:
		o.setOnline(true)
		// setOnline flushes only on an offline-to-online transition; a
		// queue kept while online with no peers is retried here.
		o.SyncPendingChanges(ctx)
		if err := o.RequestSync(ctx, e.Peer.String()); err != nil {
			o.log.Warnf("orchestrator: request sync to %s: %v", e.Peer, err)
		}
	case transport.EventConnectionClosed:
		if len(o.node.ConnectedPeers()) == 0 {
			o.setOnline(false)
		}
	case transport.EventPeersDiscovered:
		o.mu.Lock()
		for _, p := range e.Peers {
			o.knownPeers[p.ID.String()] = time.Now()
		}
		o.mu.Unlock()
	case transport.EventPeersExpired:
		o.mu.Lock()
		for _, p := range e.Peers {
			delete(o.knownPeers, p.ID.String())
		}
		o.mu.Unlock()
	case transport.EventMessage:
		o.handleMessage(ctx, e)
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, e transport.EventMessage) {
	switch e.Msg.Kind {
	case transport.KindRequestSync:
		since := hlc.Timestamp(e.Msg.SinceTimestamp)
		entries, err := o.store.EntriesSince(ctx, since)
		if err != nil {
			o.log.Errorf("orchestrator: entries since for %s: %v", e.From, err)
			return
		}
		if err := o.SendSyncData(ctx, entries); err != nil {
			o.log.Warnf("orchestrator: send sync data to %s: %v", e.From, err)
		}
	case transport.KindSyncData:
		if err := o.engine.Merge(ctx, e.Msg.Entries); err != nil {
			// StorageFailure merging remote entries is fatal to this
			// batch but not to the orchestrator: log and keep running.
			o.log.Errorf("orchestrator: merge from %s: %v", e.From, err)
			return
		}
		o.mu.Lock()
		o.lastSyncTime = time.Now()
		o.mu.Unlock()
		o.notify()
	case transport.KindAnnounce:
		if err := o.upsertPeerFromAnnounce(ctx, e.From, e.Msg); err != nil {
			o.log.Warnf("orchestrator: upsert peer from announce by %s: %v", e.From, err)
		}
	case transport.KindPing, transport.KindPong:
		// Liveness hooks reserved for RTT tracking; no state change yet.
	}
}

// upsertPeerFromAnnounce records or refreshes the peer row for the
// device that published an Announce: first contact creates a fresh
// peer_id, subsequent ones reuse it and just refresh the address and
// last-sync time, per the peer-record lifecycle in spec.md §3.
func (o *Orchestrator) upsertPeerFromAnnounce(ctx context.Context, from libp2ppeer.ID, msg transport.Message) error {
	userID, err := uuid.Parse(msg.UserID)
	if err != nil {
		return fmt.Errorf("announce: bad user_id %q: %w", msg.UserID, err)
	}
	deviceID, err := uuid.Parse(msg.DeviceID)
	if err != nil {
		return fmt.Errorf("announce: bad device_id %q: %w", msg.DeviceID, err)
	}

	now := time.Now()
	return o.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, found, err := tx.GetPeerByDevice(deviceID)
		if err != nil {
			return err
		}
		peerID := uuid.New()
		if found {
			peerID = existing.PeerID
		}
		return tx.UpsertPeer(model.Peer{
			PeerID:       peerID,
			UserID:       userID,
			DeviceID:     deviceID,
			LastAddress:  from.String(),
			LastSyncTime: &now,
		})
	})
}

// AnnouncePresence publishes this device's identity on the topic.
func (o *Orchestrator) AnnouncePresence(ctx context.Context) error {
	return o.node.Publish(ctx, transport.Message{
		Kind:     transport.KindAnnounce,
		UserID:   o.userID.String(),
		DeviceID: o.deviceID.String(),
		PeerID:   o.node.PeerID().String(),
	})
}

// RequestSync asks peerHint (unused beyond logging - pub/sub fan-out
// means the request reaches every subscriber, not just one peer) for
// every entry since this device's last known sync point.
func (o *Orchestrator) RequestSync(ctx context.Context, peerHint string) error {
	o.mu.Lock()
	since := o.lastSyncTime
	o.mu.Unlock()

	var threshold hlc.Timestamp
	if !since.IsZero() {
		threshold = hlc.Pack(since.UnixMilli(), 0)
	}

	return o.node.Publish(ctx, transport.Message{
		Kind:           transport.KindRequestSync,
		UserID:         o.userID.String(),
		SinceTimestamp: int64(threshold),
	})
}

// SendSyncData publishes entries, splitting into multiple messages if
// the batch would otherwise exceed the transport's max payload.
func (o *Orchestrator) SendSyncData(ctx context.Context, entries []model.OplogEntry) error {
	batches, err := transport.SplitSyncData(o.userID.String(), entries, transport.DefaultMaxMessageSize)
	if err != nil {
		return fmt.Errorf("orchestrator: split sync data: %w", err)
	}
	for _, b := range batches {
		if err := o.node.Publish(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// SetOnline is exposed for tests and for callers that want to force a
// reconnect/backoff decision outside the normal event stream.
func (o *Orchestrator) SetOnline(online bool) {
	o.setOnline(online)
}

func (o *Orchestrator) setOnline(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	o.mu.Unlock()
	if changed {
		o.notify()
		if online {
			o.flushPendingLocked(context.Background())
		}
	}
}

// AddPendingChange queues a locally-made oplog entry for
// redistribution. If the device is currently online a flush is
// attempted immediately (see SyncPendingChanges for when it sends).
func (o *Orchestrator) AddPendingChange(ctx context.Context, entry model.OplogEntry) {
	o.mu.Lock()
	o.pending = append(o.pending, pendingChange{entry: entry})
	online := o.online
	o.mu.Unlock()
	o.notify()
	if online {
		o.SyncPendingChanges(ctx)
	}
}

// SyncPendingChanges publishes every queued local change as one (or
// more, if oversize) SyncData batch and clears the queue, but only if
// the roster has at least one connected peer: a gossipsub publish with
// no mesh peers would otherwise drop the entries on the floor instead
// of actually delivering them. With an empty roster the queue is left
// intact for the next ConnectionEstablished event or timer tick to
// retry, per spec.md §4.E's pending-change flush policy.
func (o *Orchestrator) SyncPendingChanges(ctx context.Context) {
	if len(o.node.ConnectedPeers()) == 0 {
		return
	}

	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return
	}
	entries := make([]model.OplogEntry, len(o.pending))
	for i, p := range o.pending {
		entries[i] = p.entry
	}
	o.mu.Unlock()

	if err := o.SendSyncData(ctx, entries); err != nil {
		o.log.Warnf("orchestrator: flushing pending changes failed, will retry: %v", err)
		return
	}

	o.mu.Lock()
	o.pending = o.pending[:0]
	o.lastSyncTime = time.Now()
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) flushPendingLocked(ctx context.Context) {
	o.SyncPendingChanges(ctx)
}

// Status returns a snapshot of the orchestrator's current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Online:         o.online,
		ConnectedPeers: len(o.node.ConnectedPeers()),
		PendingChanges: len(o.pending),
		LastSyncTime:   o.lastSyncTime,
	}
}

func (o *Orchestrator) notify() {
	o.observer.OnStatusChanged(o.Status())
}
