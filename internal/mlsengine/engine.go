package mlsengine

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
)

// Engine holds one client's long-term identity: an Ed25519 signing keypair
// and the X25519 init keypair published in its KeyPackage. A client creates
// exactly one Engine at startup and uses it to join or create any number of
// groups.
type Engine struct {
	identity string
	sigPub   ed25519.PublicKey
	sigPriv  ed25519.PrivateKey
	initPub  [x25519KeySize]byte
	initPriv [x25519KeySize]byte
}

// NewEngine generates a fresh identity for the given display identity
// string (the value other members will see in group rosters).
func NewEngine(identity string) (*Engine, error) {
	sigPub, sigPriv, err := generateSigningKeypair()
	if err != nil {
		return nil, err
	}
	initPub, initPriv, err := generateHPKEKeypair()
	if err != nil {
		return nil, err
	}
	return &Engine{
		identity: identity,
		sigPub:   sigPub,
		sigPriv:  sigPriv,
		initPub:  initPub,
		initPriv: initPriv,
	}, nil
}

// Identity returns the engine's display identity.
func (e *Engine) Identity() string { return e.identity }

// KeyPackage issues a signed KeyPackage for publication to the Group
// Ledger, advertising this engine's current init key so others can invite
// it into a group.
func (e *Engine) KeyPackage() (*KeyPackage, error) {
	kp := &KeyPackage{Identity: e.identity}
	copy(kp.SigPub[:], e.sigPub)
	kp.InitPub = e.initPub
	kp.Signature = sign(e.sigPriv, kp.signedContent())
	return kp, nil
}

// ExportIdentity returns the raw key material backing this engine, for the
// keystore package to persist across restarts.
func (e *Engine) ExportIdentity() (sigPub, sigPriv, initPub, initPriv []byte) {
	initPubCopy := e.initPub
	initPrivCopy := e.initPriv
	return append([]byte(nil), e.sigPub...), append([]byte(nil), e.sigPriv...), initPubCopy[:], initPrivCopy[:]
}

// LoadEngine reconstructs an Engine from previously-exported key material.
func LoadEngine(identity string, sigPub, sigPriv, initPub, initPriv []byte) (*Engine, error) {
	if len(sigPub) != ed25519.PublicKeySize || len(sigPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mlsengine: load engine: malformed ed25519 key material")
	}
	if len(initPub) != x25519KeySize || len(initPriv) != x25519KeySize {
		return nil, fmt.Errorf("mlsengine: load engine: malformed x25519 key material")
	}
	e := &Engine{
		identity: identity,
		sigPub:   ed25519.PublicKey(sigPub),
		sigPriv:  ed25519.PrivateKey(sigPriv),
	}
	copy(e.initPub[:], initPub)
	copy(e.initPriv[:], initPriv)
	return e, nil
}

// randomGroupID generates a fresh random group identifier.
func randomGroupID() ([]byte, error) {
	id := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		return nil, fmt.Errorf("mlsengine: group id: %w", err)
	}
	return id, nil
}

// SaveState serializes a Group's current epoch state for persistence by
// the caller (the keystore package owns where the bytes end up).
func (g *Group) SaveState() ([]byte, error) {
	return g.state.Marshal(), nil
}

// LoadState reconstructs a Group from previously-saved state, binding it to
// the given engine (which must be one of the group's members).
func (e *Engine) LoadState(data []byte) (*Group, error) {
	state, err := unmarshalGroupState(data)
	if err != nil {
		return nil, err
	}
	g := &Group{engine: e, state: state}
	if _, err := g.selfMember(); err != nil {
		return nil, fmt.Errorf("mlsengine: load state: %w", err)
	}
	return g, nil
}
