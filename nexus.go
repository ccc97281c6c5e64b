// Package nexus is the one exported control surface of the sync
// engine: it composes identity, durable storage, the hybrid logical
// clock, the CRDT merge engine, the P2P transport/orchestrator, and
// device pairing behind a small set of operations a CLI or UI
// collaborator drives the whole system through.
package nexus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Ru1vly/nexus-core/internal/crdt"
	"github.com/Ru1vly/nexus-core/internal/hlc"
	"github.com/Ru1vly/nexus-core/internal/identity"
	"github.com/Ru1vly/nexus-core/internal/logging"
	"github.com/Ru1vly/nexus-core/internal/model"
	"github.com/Ru1vly/nexus-core/internal/orchestrator"
	"github.com/Ru1vly/nexus-core/internal/pairing"
	"github.com/Ru1vly/nexus-core/internal/store"
	"github.com/Ru1vly/nexus-core/internal/transport"
)

// Config configures a Node's storage location, network identity, and
// transport limits. Parsing it from a file or flags is the CLI
// collaborator's job, not this package's.
type Config struct {
	// StorePath is the SQLite file backing this device. Use ":memory:"
	// for ephemeral/test nodes.
	StorePath string
	// UserID identifies the user this device belongs to. Generate a
	// fresh one with uuid.New() when creating the first device for a
	// new user; pairing propagates it to subsequent devices.
	UserID uuid.UUID
	// DeviceID identifies this device's row in the devices table.
	DeviceID uuid.UUID
	// DeviceType and DeviceName describe this device for display and
	// for the device row committed on pairing.
	DeviceType string
	DeviceName string

	Transport transport.Config
	Debug     bool
}

// Node is one device's full runtime: its identity, its store, and the
// orchestrator/pairing components built on top. All exported methods
// are safe to call from any goroutine.
type Node struct {
	cfg      Config
	identity *identity.KeyPair
	store    *store.Store
	clock    *hlc.Clock
	engine   *crdt.Engine
	log      logging.Logger

	node *transport.Node
	orch *orchestrator.Orchestrator
	auth *pairing.Authorizer
	req  *pairing.Requester
}

// Open constructs a Node: it generates a fresh identity for this
// device (no persisted key is loaded, so every Open yields a new peer
// id), opens its durable store, and builds the CRDT engine and
// pairing roles on top. The transport and orchestrator are not
// started until Start is called.
func Open(cfg Config) (*Node, error) {
	var log logging.Logger
	if cfg.Debug {
		log = logging.NewDebug()
	} else {
		log = logging.NewDefault()
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, newError(KindStorage, "open", fmt.Errorf("generate identity: %w", err))
	}

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, newError(KindStorage, "open", err)
	}

	clock := hlc.New()
	engine := crdt.New(s, clock, cfg.DeviceID, log)

	return &Node{
		cfg:      cfg,
		identity: id,
		store:    s,
		clock:    clock,
		engine:   engine,
		log:      log,
		auth:     pairing.NewAuthorizer(id, engine, cfg.UserID, log),
		req:      pairing.NewRequester(id),
	}, nil
}

// Start builds the P2P transport and orchestrator and launches the
// orchestrator's event loop in the background, returning once the
// transport host is listening. Start may only be called once per
// Node.
func (n *Node) Start(ctx context.Context) error {
	node, err := transport.New(ctx, n.identity, n.cfg.Transport, n.log)
	if err != nil {
		return newError(KindNetworkTransient, "start", err)
	}
	n.node = node
	n.orch = orchestrator.New(node, n.store, n.clock, n.engine, n.cfg.UserID, n.cfg.DeviceID, n.log, nil)

	go func() {
		if err := n.orch.Run(ctx); err != nil {
			n.log.Errorf("nexus: orchestrator loop exited: %v", err)
		}
	}()
	return nil
}

// Stop halts the orchestrator's event loop and closes the transport
// node. The durable store is left open; call Close to release it too.
func (n *Node) Stop() {
	if n.orch != nil {
		n.orch.Stop()
	}
}

// Close stops the node (if running) and releases its durable store.
func (n *Node) Close() error {
	n.Stop()
	return n.store.Close()
}

// PeerID returns this node's transport identity, valid only after
// Start succeeds.
func (n *Node) PeerID() string {
	if n.node == nil {
		return ""
	}
	return n.node.PeerID().String()
}

// Apply performs a local mutation of a domain table and queues it for
// redistribution to every other paired device.
func (n *Node) Apply(ctx context.Context, table string, opType model.OpType, payload any) error {
	entry, err := n.engine.LocalApply(ctx, table, opType, payload)
	if err != nil {
		kind := KindStorage
		var unsupportedType *json.UnsupportedTypeError
		var unsupportedValue *json.UnsupportedValueError
		var marshaler *json.MarshalerError
		switch {
		case errors.Is(err, crdt.ErrMissingPrimaryKey):
			kind = KindValidation
		case errors.As(err, &unsupportedType), errors.As(err, &unsupportedValue), errors.As(err, &marshaler):
			kind = KindSerialization
		}
		return newError(kind, "apply", err)
	}
	if n.orch != nil {
		n.orch.AddPendingChange(ctx, entry)
	}
	return nil
}

// SetOnline flips the orchestrator's connectivity state, driving the
// pending-change flush policy described in the concurrency model.
func (n *Node) SetOnline(online bool) {
	if n.orch != nil {
		n.orch.SetOnline(online)
	}
}

// ForceSync is equivalent to request_sync(last_sync_time): it asks
// every reachable peer for anything this device is missing.
func (n *Node) ForceSync(ctx context.Context) error {
	if n.orch == nil {
		return newError(KindValidation, "force_sync", fmt.Errorf("node not started"))
	}
	if err := n.orch.RequestSync(ctx, ""); err != nil {
		return newError(KindNetworkTransient, "force_sync", err)
	}
	return nil
}

// Status returns the orchestrator's current connectivity snapshot.
func (n *Node) Status() orchestrator.Status {
	if n.orch == nil {
		return orchestrator.Status{}
	}
	return n.orch.Status()
}

// ListPeers enumerates every peer this device has synced with at
// least once.
func (n *Node) ListPeers(ctx context.Context) ([]model.Peer, error) {
	peers, err := n.store.ListPeers(ctx)
	if err != nil {
		return nil, newError(KindStorage, "list_peers", err)
	}
	return peers, nil
}

// ListDevices returns the rows of the devices table belonging to this
// node's user. Devices committed by AuthorizePairing, or merged in from
// other devices, are kept as records of the "devices" domain table in
// the oplog-backed record store and are not returned here.
func (n *Node) ListDevices(ctx context.Context) ([]model.Device, error) {
	devices, err := n.store.ListDevices(ctx, n.cfg.UserID)
	if err != nil {
		return nil, newError(KindStorage, "list_devices", err)
	}
	return devices, nil
}

// IssuePairingChallenge generates a QR-renderable pairing envelope
// this device can display for a new device to scan. dialAddress
// should be one of this device's reachable multiaddresses.
func (n *Node) IssuePairingChallenge(dialAddress string) (string, error) {
	_, envelope, err := n.auth.Issue(n.PeerID(), dialAddress)
	if err != nil {
		return "", newError(KindPairing, "issue_pairing_challenge", err)
	}
	return envelope, nil
}

// ScanPairingChallenge is the new-device side: it verifies a scanned
// envelope against the authorizer's known public key and builds this
// device's signed response, ready to be dialed back to the
// authorizer's address.
func (n *Node) ScanPairingChallenge(envelope string, authorizerPublicKey []byte) (pairing.Response, pairing.ScanResult, error) {
	scan, err := pairing.Scan(envelope, authorizerPublicKey)
	if err != nil {
		return pairing.Response{}, pairing.ScanResult{}, newError(KindPairing, "scan_pairing_challenge", err)
	}
	resp := n.req.Respond(scan, n.cfg.DeviceID, n.cfg.DeviceType, n.cfg.DeviceName)
	return resp, scan, nil
}

// AuthorizePairing is the authorizer side's receipt handler: it
// verifies resp against the session named by its challenge id and, on
// success, commits the new device row through the oplog.
func (n *Node) AuthorizePairing(ctx context.Context, resp pairing.Response) (model.Device, error) {
	device, err := n.auth.Authorize(ctx, resp)
	if err != nil {
		return model.Device{}, newError(KindPairing, "authorize_pairing", err)
	}
	return device, nil
}
