// Package identity owns the device's long-term Ed25519 keypair and the
// peer identifier derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// KeyPair is a device's long-term signing identity: an Ed25519 keypair
// plus the libp2p peer id derived from its public key, which doubles
// as the network identity and the signer of every pub/sub publication.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey

	// p2pPriv/p2pPub are the same key material wrapped for libp2p's
	// crypto.PrivKey/PubKey interfaces, used to configure the host and
	// the pub/sub signer.
	p2pPriv libp2pcrypto.PrivKey
	p2pPub  libp2pcrypto.PubKey

	PeerID peer.ID
}

// Generate creates a fresh long-term keypair and derives its peer id.
func Generate() (*KeyPair, error) {
	p2pPriv, p2pPub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate ed25519 key: %w", err)
	}

	rawPriv, err := p2pPriv.Raw()
	if err != nil {
		return nil, fmt.Errorf("identity: extract raw private key: %w", err)
	}
	rawPub, err := p2pPub.Raw()
	if err != nil {
		return nil, fmt.Errorf("identity: extract raw public key: %w", err)
	}

	id, err := peer.IDFromPublicKey(p2pPub)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}

	return &KeyPair{
		Private: ed25519.PrivateKey(rawPriv),
		Public:  ed25519.PublicKey(rawPub),
		p2pPriv: p2pPriv,
		p2pPub:  p2pPub,
		PeerID:  id,
	}, nil
}

// FromPrivateKey rebuilds a KeyPair from a previously persisted
// Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	p2pPriv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal private key: %w", err)
	}
	p2pPub := p2pPriv.GetPublic()
	id, err := peer.IDFromPublicKey(p2pPub)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}

	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: unexpected public key type %T", priv.Public())
	}

	return &KeyPair{
		Private: priv,
		Public:  pub,
		p2pPriv: p2pPriv,
		p2pPub:  p2pPub,
		PeerID:  id,
	}, nil
}

// Libp2pPrivateKey exposes the wrapped private key for configuring a
// libp2p host (libp2p.Identity).
func (k *KeyPair) Libp2pPrivateKey() libp2pcrypto.PrivKey {
	return k.p2pPriv
}

// Sign signs arbitrary bytes with this device's long-term key,
// e.g. a pairing challenge's nonce or a QR envelope.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify checks a signature produced by Sign against the given
// public key.
func Verify(public ed25519.PublicKey, message, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, message, signature)
}
