package mlsengine

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/skychat/skychatd/internal/models"
)

// MemberRef identifies the target of a removal; see models.MemberRef for
// the exact semantics (identity or explicit leaf index, exactly one set).
type MemberRef = models.MemberRef

// Group is one client's view of a single MLS-like group: its current
// member roster, epoch counter, and epoch secret. Every group-key-changing
// operation (add, remove, external join) derives a brand new epoch secret
// by HKDF-chaining off the previous one, so a member who misses a commit
// cannot derive any later epoch's keys.
type Group struct {
	engine *Engine
	state  *groupState
}

// Invite is the pair of messages AddMember produces: a Welcome addressed to
// the joining member, and a Fanned broadcast for existing members to apply
// the same commit.
type Invite struct {
	Welcome     []byte // ECIES-encrypted to the joiner's InitPub
	RatchetTree []byte // always nil: the post-commit member list travels inside the Welcome
	Fanned      []byte // AES-GCM under the pre-commit epoch secret, for existing members
}

// frame types distinguish the three kinds of ciphertext a member might
// receive through ProcessMessage.
const (
	frameApplication uint8 = 1
	frameCommit      uint8 = 2
	frameExternalJoin uint8 = 3
)

// CreateGroup starts a brand-new single-member group owned by engine.
func (e *Engine) CreateGroup() (*Group, error) {
	gid, err := randomGroupID()
	if err != nil {
		return nil, err
	}
	secret, err := hkdfExpand(gid, nil, []byte("mls-init-epoch"), 32)
	if err != nil {
		return nil, err
	}
	self := member{Identity: e.identity, SigPub: toFixed(e.sigPub), InitPub: e.initPub, LeafIndex: 0}
	return &Group{
		engine: e,
		state: &groupState{
			GroupID:     gid,
			Epoch:       0,
			EpochSecret: secret,
			Members:     []member{self},
			NextLeaf:    1,
		},
	}, nil
}

func toFixed(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// GroupID returns the group's identifier.
func (g *Group) GroupID() []byte { return g.state.GroupID }

// Epoch returns the group's current epoch number.
func (g *Group) Epoch() uint64 { return g.state.Epoch }

// MemberCount returns the number of members currently in the group.
func (g *Group) MemberCount() int { return len(g.state.Members) }

// Members returns the identities of the group's current members.
func (g *Group) Members() []string {
	out := make([]string, len(g.state.Members))
	for i, m := range g.state.Members {
		out[i] = m.Identity
	}
	return out
}

func (g *Group) selfMember() (*member, error) {
	for i := range g.state.Members {
		if g.state.Members[i].Identity == g.engine.identity {
			return &g.state.Members[i], nil
		}
	}
	return nil, ErrNotMember
}

func (g *Group) findMember(identity string) (*member, int) {
	for i := range g.state.Members {
		if g.state.Members[i].Identity == identity {
			return &g.state.Members[i], i
		}
	}
	return nil, -1
}

// deriveNextEpochSecret computes the new epoch secret for a commit labeled
// by kind (e.g. "add"/"remove") and the identity it targets. Existing
// members who learn the plaintext (label, identity) pair from a Fanned
// commit replay this derivation and land on the same secret without it
// being transmitted to them; a joiner instead receives the resulting
// secret inside its ECIES-encrypted Welcome.
func (g *Group) deriveNextEpochSecret(kind, identity string) ([]byte, error) {
	info := append([]byte(kind+":"+identity+":"), encodeUint64(g.state.Epoch+1)...)
	return hkdfExpand(g.state.EpochSecret, g.state.GroupID, info, 32)
}

func encodeUint64(v uint64) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint64(v)
	return b.BytesOrPanic()
}

// commitPayload is the plaintext carried inside a Fanned commit broadcast:
// enough for every existing member to reconstruct the new member list and
// independently derive the new epoch secret. A Welcome carries a separate
// structure (see marshalWelcome).
type commitPayload struct {
	Kind     string
	Target   string
	Members  []member
	NextLeaf uint32
}

func marshalCommitPayload(c commitPayload) []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaqueVec(b, []byte(c.Kind))
	writeOpaqueVec(b, []byte(c.Target))
	writeVector(b, c.Members, marshalMember)
	b.AddUint32(c.NextLeaf)
	return b.BytesOrPanic()
}

func unmarshalCommitPayload(data []byte) (commitPayload, error) {
	s := cryptobyte.String(data)
	var c commitPayload
	var kind, target []byte
	if !readOpaqueVec(&s, &kind) || !readOpaqueVec(&s, &target) {
		return c, fmt.Errorf("mlsengine: commit payload malformed")
	}
	members, ok := readVector(&s, unmarshalMember)
	if !ok {
		return c, fmt.Errorf("mlsengine: commit payload members malformed")
	}
	var nextLeaf uint32
	if !s.ReadUint32(&nextLeaf) {
		return c, fmt.Errorf("mlsengine: commit payload next leaf malformed")
	}
	c.Kind = string(kind)
	c.Target = string(target)
	c.Members = members
	c.NextLeaf = nextLeaf
	return c, nil
}

// AddMember admits a new member, identified by their self-signed
// KeyPackage, into the group. It produces an Invite: a Welcome for the new
// member and a Fanned commit for the existing members to apply.
func (g *Group) AddMember(kp *KeyPackage) (*Invite, error) {
	if err := kp.Verify(); err != nil {
		return nil, err
	}
	if m, _ := g.findMember(kp.Identity); m != nil {
		return nil, ErrAlreadyMember
	}

	newMember := member{
		Identity:  kp.Identity,
		SigPub:    kp.SigPub,
		InitPub:   kp.InitPub,
		LeafIndex: g.state.NextLeaf,
	}
	newMembers := append(append([]member{}, g.state.Members...), newMember)
	payload := commitPayload{
		Kind:     "add",
		Target:   kp.Identity,
		Members:  newMembers,
		NextLeaf: g.state.NextLeaf + 1,
	}
	newSecret, err := g.deriveNextEpochSecret("add", kp.Identity)
	if err != nil {
		return nil, err
	}

	payloadBytes := marshalCommitPayload(payload)
	aad := append([]byte{frameCommit}, g.state.GroupID...)

	fanned, err := aesGCMEncrypt(deriveFrameKey(g.state.EpochSecret), payloadBytes, aad)
	if err != nil {
		return nil, err
	}
	fanned = append([]byte{frameCommit}, fanned...)

	welcomeContent := marshalWelcome(g.state.GroupID, g.state.Epoch+1, newSecret, newMembers, payload.NextLeaf)
	welcome, err := eciesEncrypt(kp.InitPub, welcomeContent, []byte("mls-welcome"))
	if err != nil {
		return nil, err
	}

	// Apply locally.
	g.state.Members = newMembers
	g.state.NextLeaf = payload.NextLeaf
	g.state.Epoch++
	g.state.EpochSecret = newSecret

	return &Invite{Welcome: welcome, RatchetTree: nil, Fanned: fanned}, nil
}

// deriveFrameKey derives the symmetric key used to seal a Fanned/Commit
// broadcast under a given epoch secret.
func deriveFrameKey(epochSecret []byte) []byte {
	k, err := hkdfExpand(epochSecret, nil, []byte("mls-frame-key"), aesKeySize)
	if err != nil {
		// hkdfExpand only fails if the reader is exhausted, which cannot
		// happen for a fixed, small output size; a panic here would
		// indicate a ciphersuite-level bug, not a runtime condition.
		panic(err)
	}
	return k
}

func marshalWelcome(groupID []byte, epoch uint64, secret []byte, members []member, nextLeaf uint32) []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaqueVec(b, groupID)
	b.AddUint64(epoch)
	writeOpaqueVec(b, secret)
	writeVector(b, members, marshalMember)
	b.AddUint32(nextLeaf)
	return b.BytesOrPanic()
}

type welcomeContent struct {
	GroupID  []byte
	Epoch    uint64
	Secret   []byte
	Members  []member
	NextLeaf uint32
}

func unmarshalWelcome(data []byte) (*welcomeContent, error) {
	s := cryptobyte.String(data)
	w := &welcomeContent{}
	if !readOpaqueVec(&s, &w.GroupID) {
		return nil, ErrWelcomeInvalid
	}
	if !s.ReadUint64(&w.Epoch) {
		return nil, ErrWelcomeInvalid
	}
	if !readOpaqueVec(&s, &w.Secret) {
		return nil, ErrWelcomeInvalid
	}
	members, ok := readVector(&s, unmarshalMember)
	if !ok {
		return nil, ErrWelcomeInvalid
	}
	w.Members = members
	if !s.ReadUint32(&w.NextLeaf) {
		return nil, ErrWelcomeInvalid
	}
	return w, nil
}

// ProcessInvite decrypts a Welcome addressed to engine and returns the
// resulting Group, joined at the epoch the Welcome describes.
func (e *Engine) ProcessInvite(welcome []byte) (*Group, error) {
	plain, err := eciesDecrypt(e.initPriv, welcome, []byte("mls-welcome"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWelcomeInvalid, err)
	}
	w, err := unmarshalWelcome(plain)
	if err != nil {
		return nil, err
	}
	g := &Group{
		engine: e,
		state: &groupState{
			GroupID:     w.GroupID,
			Epoch:       w.Epoch,
			EpochSecret: w.Secret,
			Members:     w.Members,
			NextLeaf:    w.NextLeaf,
		},
	}
	if _, err := g.selfMember(); err != nil {
		return nil, fmt.Errorf("%w: own identity absent from welcome roster", ErrWelcomeInvalid)
	}
	return g, nil
}

// ProcessedOutcome describes the result of ProcessMessage: exactly one of
// its fields is populated depending on the ciphertext's framing.
type ProcessedOutcome struct {
	ApplicationMessage  []byte
	ExternalJoinProposal *KeyPackage
	StagedCommit         bool
}

// ProcessMessage decrypts a ciphertext received from the Group Ledger. It
// dispatches on the ciphertext's leading frame byte — application message,
// commit broadcast, or external-join proposal — since members receive all
// three over the same log.
func (g *Group) ProcessMessage(ciphertext []byte) (*ProcessedOutcome, error) {
	if len(ciphertext) < 1 {
		return nil, ErrNotForMe
	}
	frame, body := ciphertext[0], ciphertext[1:]
	aad := append([]byte{frame}, g.state.GroupID...)

	switch frame {
	case frameCommit:
		plain, err := aesGCMDecrypt(deriveFrameKey(g.state.EpochSecret), body, aad)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEpochAdvanceFailed, err)
		}
		payload, err := unmarshalCommitPayload(plain)
		if err != nil {
			return nil, err
		}
		if payload.Kind == "remove" && payload.Target == g.engine.identity {
			return nil, ErrRemovedFromGroup
		}
		newSecret, err := g.deriveNextEpochSecret(payload.Kind, payload.Target)
		if err != nil {
			return nil, err
		}
		g.state.Members = payload.Members
		g.state.NextLeaf = payload.NextLeaf
		g.state.Epoch++
		g.state.EpochSecret = newSecret
		return &ProcessedOutcome{StagedCommit: true}, nil

	case frameExternalJoin:
		kp, err := UnmarshalKeyPackage(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownProposal, err)
		}
		if err := kp.Verify(); err != nil {
			return nil, err
		}
		return &ProcessedOutcome{ExternalJoinProposal: kp}, nil

	case frameApplication:
		plain, err := aesGCMDecrypt(deriveFrameKey(g.state.EpochSecret), body, aad)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
		return &ProcessedOutcome{ApplicationMessage: plain}, nil

	default:
		return nil, ErrNotForMe
	}
}

// CreateMessage encrypts an application message under the group's current
// epoch secret.
func (g *Group) CreateMessage(plaintext []byte) ([]byte, error) {
	aad := append([]byte{frameApplication}, g.state.GroupID...)
	sealed, err := aesGCMEncrypt(deriveFrameKey(g.state.EpochSecret), plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append([]byte{frameApplication}, sealed...), nil
}

// RemoveMember evicts a member from the group, identified either by
// identity or leaf index (whichever the caller has on hand), and returns a
// Fanned broadcast for the remaining members to apply. There is no Welcome
// for a removal.
func (g *Group) RemoveMember(ref MemberRef) ([]byte, error) {
	if ref.IsZero() {
		return nil, ErrNotMember
	}
	var target *member
	if ref.Identity != "" {
		target, _ = g.findMember(ref.Identity)
	} else if ref.LeafIndex != nil {
		for i := range g.state.Members {
			if int(g.state.Members[i].LeafIndex) == *ref.LeafIndex {
				target = &g.state.Members[i]
				break
			}
		}
	}
	if target == nil {
		return nil, ErrNotMember
	}

	remaining := make([]member, 0, len(g.state.Members)-1)
	for _, m := range g.state.Members {
		if m.Identity != target.Identity {
			remaining = append(remaining, m)
		}
	}

	newSecret, err := g.deriveNextEpochSecret("remove", target.Identity)
	if err != nil {
		return nil, err
	}
	payload := commitPayload{
		Kind:     "remove",
		Target:   target.Identity,
		Members:  remaining,
		NextLeaf: g.state.NextLeaf,
	}
	payloadBytes := marshalCommitPayload(payload)
	aad := append([]byte{frameCommit}, g.state.GroupID...)
	fanned, err := aesGCMEncrypt(deriveFrameKey(g.state.EpochSecret), payloadBytes, aad)
	if err != nil {
		return nil, err
	}

	g.state.Members = remaining
	g.state.Epoch++
	g.state.EpochSecret = newSecret

	return append([]byte{frameCommit}, fanned...), nil
}

// RequestExternalJoin produces a proposal message, broadcast through the
// normal group log, by which engine asks to join a group it is not yet a
// member of. Any current member can finalize it with
// AddMemberFromProposal.
func (e *Engine) RequestExternalJoin() ([]byte, error) {
	kp, err := e.KeyPackage()
	if err != nil {
		return nil, err
	}
	return append([]byte{frameExternalJoin}, kp.Marshal()...), nil
}

// AddMemberFromProposal finalizes an external-join proposal produced by
// RequestExternalJoin, admitting the proposing identity the same way
// AddMember would.
func (g *Group) AddMemberFromProposal(proposal *KeyPackage) (*Invite, error) {
	return g.AddMember(proposal)
}

// memberSigPub is used by tests to confirm a member's recorded signing key
// matches the identity that signed a given piece of content.
func memberSigPub(m member) ed25519.PublicKey { return ed25519.PublicKey(m.SigPub[:]) }
