// Package pairing implements the QR-mediated device-onboarding
// handshake: an already-paired Authorizer issues a signed challenge,
// a New Device scans it, proves its long-term key over the session's
// nonce, and dials back a response that the Authorizer verifies and
// commits through the ordinary oplog path.
package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/Ru1vly/nexus-core/internal/crdt"
	"github.com/Ru1vly/nexus-core/internal/identity"
	"github.com/Ru1vly/nexus-core/internal/logging"
	"github.com/Ru1vly/nexus-core/internal/model"
)

// SessionTTL is how long an issued challenge remains answerable.
const SessionTTL = 5 * time.Minute

const envelopeFieldCount = 7

// ErrUnknownChallenge is returned when a response names a challenge_id
// the authorizer never issued, or that has already been swept.
var ErrUnknownChallenge = fmt.Errorf("pairing: unknown challenge")

// ErrChallengeExpired is returned when a response arrives after the
// session's expiry.
var ErrChallengeExpired = fmt.Errorf("pairing: challenge expired")

// ErrInvalidSignature is returned when either the envelope's
// authorizer signature or the response's nonce signature fails to
// verify.
var ErrInvalidSignature = fmt.Errorf("pairing: invalid signature")

// ErrMalformedEnvelope is returned when a scanned QR string does not
// parse into the expected field layout.
var ErrMalformedEnvelope = fmt.Errorf("pairing: malformed envelope")

// Response is the New Device's answer to a scanned challenge.
type Response struct {
	ChallengeID        uuid.UUID
	DeviceID           uuid.UUID
	DeviceType         string
	DeviceName         string
	NewDevicePublicKey ed25519.PublicKey
	NonceSignature     []byte
}

// Authorizer issues pairing sessions and authorizes responses against
// them. It holds every outstanding session in memory; sessions are
// swept lazily whenever one is looked up.
type Authorizer struct {
	identity *identity.KeyPair
	engine   *crdt.Engine
	userID   uuid.UUID
	log      logging.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*model.PairingSession
}

// NewAuthorizer builds an Authorizer for the given user, signing
// issued challenges with id's long-term key and committing authorized
// devices through engine.
func NewAuthorizer(id *identity.KeyPair, engine *crdt.Engine, userID uuid.UUID, log logging.Logger) *Authorizer {
	return &Authorizer{
		identity: id,
		engine:   engine,
		userID:   userID,
		log:      log,
		sessions: make(map[uuid.UUID]*model.PairingSession),
	}
}

// Issue generates a fresh pairing session bound to dialAddress (this
// authorizer's own multiaddress), persists it in memory, and returns
// both the session and its QR-renderable envelope string.
func (a *Authorizer) Issue(authorizerPeerID, dialAddress string) (model.PairingSession, string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return model.PairingSession{}, "", fmt.Errorf("pairing: generate nonce: %w", err)
	}

	session := model.PairingSession{
		ChallengeID:       uuid.New(),
		AuthorizerPeerID:  authorizerPeerID,
		AuthorizerAddress: dialAddress,
		UserID:            a.userID,
		Nonce:             nonce,
		Expiry:            time.Now().Add(SessionTTL),
	}

	envelope := encodeEnvelope(session, a.identity)

	a.mu.Lock()
	a.sessions[session.ChallengeID] = &session
	a.mu.Unlock()

	return session, envelope, nil
}

// Authorize looks up the session named by resp.ChallengeID, verifies
// resp's proof, and - on success - commits a new device row through
// the oplog and destroys the session. The session is destroyed on
// both success and definitive failure (expired, invalid signature);
// an unknown-challenge lookup has nothing to destroy.
func (a *Authorizer) Authorize(ctx context.Context, resp Response) (model.Device, error) {
	a.mu.Lock()
	session, ok := a.sessions[resp.ChallengeID]
	if ok {
		delete(a.sessions, resp.ChallengeID)
	}
	a.sweepLocked()
	a.mu.Unlock()

	if !ok {
		return model.Device{}, ErrUnknownChallenge
	}
	if session.Expired(time.Now()) {
		return model.Device{}, ErrChallengeExpired
	}
	if len(resp.NewDevicePublicKey) != ed25519.PublicKeySize {
		return model.Device{}, ErrInvalidSignature
	}
	if !identity.Verify(resp.NewDevicePublicKey, session.Nonce[:], resp.NonceSignature) {
		return model.Device{}, ErrInvalidSignature
	}

	device := model.Device{
		DeviceID:   resp.DeviceID,
		UserID:     session.UserID,
		DeviceType: resp.DeviceType,
		Name:       resp.DeviceName,
	}

	// The oplog keys every record by a top-level "id" field; Device's
	// own JSON carries only device_id, so the key is added alongside it.
	payload := struct {
		ID string `json:"id"`
		model.Device
	}{ID: device.DeviceID.String(), Device: device}

	if _, err := a.engine.LocalApply(ctx, "devices", model.OpInsert, payload); err != nil {
		return model.Device{}, fmt.Errorf("pairing: committing authorized device: %w", err)
	}

	a.log.Infof("pairing: authorized device %s (%s)", device.DeviceID, device.Name)
	return device, nil
}

// sweepLocked drops every session past its expiry. Callers must hold
// a.mu.
func (a *Authorizer) sweepLocked() {
	now := time.Now()
	for id, s := range a.sessions {
		if s.Expired(now) {
			delete(a.sessions, id)
		}
	}
}

// Requester is the new, unpaired device's side of the handshake: it
// scans an envelope and builds a signed Response.
type Requester struct {
	identity *identity.KeyPair
}

// NewRequester builds a Requester that signs its response with id's
// long-term key.
func NewRequester(id *identity.KeyPair) *Requester {
	return &Requester{identity: id}
}

// ScanResult is a verified, decoded QR envelope.
type ScanResult struct {
	ChallengeID       uuid.UUID
	AuthorizerPeerID  string
	AuthorizerAddress string
	UserID            uuid.UUID
	Nonce             [32]byte
	Expiry            time.Time
}

// Scan decodes envelope, verifies the authorizer's signature over its
// signed fields against authorizerPublicKey, and returns the parsed
// session. authorizerPublicKey must be obtained out-of-band from the
// transport layer's peer identity (the envelope itself only carries the
// peer id string, not the key). Scan does not check that
// authorizerPublicKey belongs to the peer id embedded in the envelope.
func Scan(envelope string, authorizerPublicKey ed25519.PublicKey) (ScanResult, error) {
	fields := strings.Split(envelope, "|")
	if len(fields) != envelopeFieldCount {
		return ScanResult{}, ErrMalformedEnvelope
	}

	challengeID, err := uuid.Parse(fields[0])
	if err != nil {
		return ScanResult{}, fmt.Errorf("%w: challenge_id: %v", ErrMalformedEnvelope, err)
	}
	userID, err := uuid.Parse(fields[3])
	if err != nil {
		return ScanResult{}, fmt.Errorf("%w: user_id: %v", ErrMalformedEnvelope, err)
	}
	nonceBytes, err := base64.RawURLEncoding.DecodeString(fields[2])
	if err != nil || len(nonceBytes) != 32 {
		return ScanResult{}, fmt.Errorf("%w: nonce", ErrMalformedEnvelope)
	}
	expiryUnix, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return ScanResult{}, fmt.Errorf("%w: expiry: %v", ErrMalformedEnvelope, err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(fields[5])
	if err != nil {
		return ScanResult{}, fmt.Errorf("%w: signature", ErrMalformedEnvelope)
	}

	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	signed := signedFields(fields[0], fields[1], fields[2], fields[3], fields[4])
	if !identity.Verify(authorizerPublicKey, signed, signature) {
		return ScanResult{}, ErrInvalidSignature
	}

	return ScanResult{
		ChallengeID:       challengeID,
		AuthorizerPeerID:  fields[1],
		AuthorizerAddress: fields[6],
		UserID:            userID,
		Nonce:             nonce,
		Expiry:            time.Unix(expiryUnix, 0),
	}, nil
}

// Respond builds this device's signed Response to a scanned session.
func (r *Requester) Respond(scan ScanResult, deviceID uuid.UUID, deviceType, deviceName string) Response {
	return Response{
		ChallengeID:        scan.ChallengeID,
		DeviceID:           deviceID,
		DeviceType:         deviceType,
		DeviceName:         deviceName,
		NewDevicePublicKey: r.identity.Public,
		NonceSignature:     r.identity.Sign(scan.Nonce[:]),
	}
}

// encodeEnvelope serializes session as a pipe-delimited string and
// signs its fields with signer's long-term key.
func encodeEnvelope(session model.PairingSession, signer *identity.KeyPair) string {
	challengeID := session.ChallengeID.String()
	nonce := base64.RawURLEncoding.EncodeToString(session.Nonce[:])
	userID := session.UserID.String()
	expiry := strconv.FormatInt(session.Expiry.Unix(), 10)

	signed := signedFields(challengeID, session.AuthorizerPeerID, nonce, userID, expiry)
	signature := signer.Sign(signed)

	return strings.Join([]string{
		challengeID,
		session.AuthorizerPeerID,
		nonce,
		userID,
		expiry,
		base64.RawURLEncoding.EncodeToString(signature),
		session.AuthorizerAddress,
	}, "|")
}

// signedFields joins the envelope fields that are covered by the
// authorizer's signature, in a fixed order excluding the signature and
// dial address (the latter can legitimately change between issuance
// and scan on a multi-homed authorizer, so it is carried but not
// signed over).
func signedFields(challengeID, authorizerPeerID, nonce, userID, expiry string) []byte {
	return []byte(strings.Join([]string{challengeID, authorizerPeerID, nonce, userID, expiry}, "|"))
}

// RenderQR renders envelope as a PNG-encoded QR code at the given
// pixel size, suitable for display to the new device's camera.
func RenderQR(envelope string, size int) ([]byte, error) {
	png, err := qrcode.Encode(envelope, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("pairing: render qr: %w", err)
	}
	return png, nil
}
