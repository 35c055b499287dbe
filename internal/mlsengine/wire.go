package mlsengine

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// writeOpaqueVec appends a variable-length byte string prefixed with its
// length as a uint16, the wire shape used throughout for identities,
// signatures and ciphertexts whose size isn't fixed by the ciphersuite.
func writeOpaqueVec(b *cryptobyte.Builder, data []byte) {
	b.AddUint16(uint16(len(data)))
	b.AddBytes(data)
}

// readOpaqueVec reads back a value written by writeOpaqueVec.
func readOpaqueVec(s *cryptobyte.String, out *[]byte) bool {
	var n uint16
	if !s.ReadUint16(&n) {
		return false
	}
	buf := make([]byte, n)
	if !s.ReadBytes(&buf, int(n)) {
		return false
	}
	*out = buf
	return true
}

// writeFixed appends data verbatim, for fields whose length is fixed by the
// ciphersuite (32-byte X25519/Ed25519 keys) and so need no length prefix.
func writeFixed(b *cryptobyte.Builder, data []byte) {
	b.AddBytes(data)
}

func readFixed(s *cryptobyte.String, size int) ([]byte, bool) {
	buf := make([]byte, size)
	if !s.ReadBytes(&buf, size) {
		return nil, false
	}
	return buf, true
}

// writeVector appends a uint16-length-prefixed sequence of sub-messages,
// each written by marshal.
func writeVector[T any](b *cryptobyte.Builder, items []T, marshal func(*cryptobyte.Builder, T)) {
	b.AddUint16(uint16(len(items)))
	for _, it := range items {
		marshal(b, it)
	}
}

// readVector reads back a sequence written by writeVector.
func readVector[T any](s *cryptobyte.String, unmarshal func(*cryptobyte.String) (T, bool)) ([]T, bool) {
	var n uint16
	if !s.ReadUint16(&n) {
		return nil, false
	}
	items := make([]T, 0, n)
	for i := 0; i < int(n); i++ {
		v, ok := unmarshal(s)
		if !ok {
			return nil, false
		}
		items = append(items, v)
	}
	return items, true
}

// KeyPackage is a member's published join material: a signing identity and
// an HPKE-like init key, bound together by a self-signature. A client
// publishes one KeyPackage to the Group Ledger so others can invite it into
// groups without any prior interaction.
type KeyPackage struct {
	Identity   string
	SigPub     [32]byte // Ed25519 verification key
	InitPub    [32]byte // X25519 public key used to encrypt Welcomes to this member
	Signature  []byte   // Ed25519 signature over (Identity || SigPub || InitPub)
}

// signedContent returns the exact byte string the KeyPackage's signature
// covers.
func (kp *KeyPackage) signedContent() []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaqueVec(b, []byte(kp.Identity))
	writeFixed(b, kp.SigPub[:])
	writeFixed(b, kp.InitPub[:])
	return b.BytesOrPanic()
}

// Verify checks the KeyPackage's self-signature.
func (kp *KeyPackage) Verify() error {
	if !verify(kp.SigPub[:], kp.signedContent(), kp.Signature) {
		return ErrKeyPackageInvalid
	}
	return nil
}

// Marshal encodes the KeyPackage to its wire form.
func (kp *KeyPackage) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaqueVec(b, []byte(kp.Identity))
	writeFixed(b, kp.SigPub[:])
	writeFixed(b, kp.InitPub[:])
	writeOpaqueVec(b, kp.Signature)
	return b.BytesOrPanic()
}

// UnmarshalKeyPackage decodes a KeyPackage from its wire form.
func UnmarshalKeyPackage(data []byte) (*KeyPackage, error) {
	s := cryptobyte.String(data)
	var identity []byte
	if !readOpaqueVec(&s, &identity) {
		return nil, fmt.Errorf("mlsengine: key package: bad identity")
	}
	sigPub, ok := readFixed(&s, 32)
	if !ok {
		return nil, fmt.Errorf("mlsengine: key package: bad sig pub")
	}
	initPub, ok := readFixed(&s, 32)
	if !ok {
		return nil, fmt.Errorf("mlsengine: key package: bad init pub")
	}
	var sig []byte
	if !readOpaqueVec(&s, &sig) {
		return nil, fmt.Errorf("mlsengine: key package: bad signature")
	}
	kp := &KeyPackage{Identity: string(identity), Signature: sig}
	copy(kp.SigPub[:], sigPub)
	copy(kp.InitPub[:], initPub)
	return kp, nil
}

// member is a group's view of one participant: their identity, both public
// keys, and their leaf position in the (flattened) member list.
type member struct {
	Identity  string
	SigPub    [32]byte
	InitPub   [32]byte
	LeafIndex uint32
}

func marshalMember(b *cryptobyte.Builder, m member) {
	writeOpaqueVec(b, []byte(m.Identity))
	writeFixed(b, m.SigPub[:])
	writeFixed(b, m.InitPub[:])
	b.AddUint32(m.LeafIndex)
}

func unmarshalMember(s *cryptobyte.String) (member, bool) {
	var m member
	var identity []byte
	if !readOpaqueVec(s, &identity) {
		return m, false
	}
	sigPub, ok := readFixed(s, 32)
	if !ok {
		return m, false
	}
	initPub, ok := readFixed(s, 32)
	if !ok {
		return m, false
	}
	var leaf uint32
	if !s.ReadUint32(&leaf) {
		return m, false
	}
	m.Identity = string(identity)
	copy(m.SigPub[:], sigPub)
	copy(m.InitPub[:], initPub)
	m.LeafIndex = leaf
	return m, true
}

// groupState is the full serializable state of a group epoch, persisted by
// SaveState/LoadState and embedded in every Welcome.
type groupState struct {
	GroupID     []byte
	Epoch       uint64
	EpochSecret []byte
	Members     []member
	NextLeaf    uint32
}

func (g *groupState) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaqueVec(b, g.GroupID)
	b.AddUint64(g.Epoch)
	writeOpaqueVec(b, g.EpochSecret)
	writeVector(b, g.Members, marshalMember)
	b.AddUint32(g.NextLeaf)
	return b.BytesOrPanic()
}

func unmarshalGroupState(data []byte) (*groupState, error) {
	s := cryptobyte.String(data)
	g := &groupState{}
	if !readOpaqueVec(&s, &g.GroupID) {
		return nil, fmt.Errorf("mlsengine: group state: bad group id")
	}
	if !s.ReadUint64(&g.Epoch) {
		return nil, fmt.Errorf("mlsengine: group state: bad epoch")
	}
	if !readOpaqueVec(&s, &g.EpochSecret) {
		return nil, fmt.Errorf("mlsengine: group state: bad epoch secret")
	}
	members, ok := readVector(&s, unmarshalMember)
	if !ok {
		return nil, fmt.Errorf("mlsengine: group state: bad members")
	}
	g.Members = members
	if !s.ReadUint32(&g.NextLeaf) {
		return nil, fmt.Errorf("mlsengine: group state: bad next leaf")
	}
	return g, nil
}
