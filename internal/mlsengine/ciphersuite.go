// Package mlsengine implements the Cryptographic Engine: per-client identity
// management and the MLS-like group-key-agreement operations described by
// the SkyChat protocol. It does not implement RFC 9420 in full — like the
// self-contained construction it is grounded on, it builds MLS-shaped
// semantics (epochs, commits, welcomes, external joins) directly out of
// Ed25519, X25519, HKDF-SHA256 and AES-128-GCM rather than a generic
// cipher-suite negotiation layer.
package mlsengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// CiphersuiteName identifies the single, fixed ciphersuite SkyChat speaks:
// MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519. There is no negotiation;
// every engine and every wire message assumes this suite.
const CiphersuiteName = "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"

const (
	x25519KeySize = 32
	aesKeySize    = 16 // AES-128
	ivSize        = 12
	tagSize       = 16
	eciesOverhead = x25519KeySize + ivSize + tagSize
)

// generateSigningKeypair creates a fresh Ed25519 identity keypair.
func generateSigningKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("mlsengine: ed25519 keygen: %w", err)
	}
	return pub, priv, nil
}

// generateHPKEKeypair creates a fresh X25519 keypair used for HPKE-like
// (ECIES) encryption of Welcome messages to a specific member.
func generateHPKEKeypair() (pub, priv [x25519KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return pub, priv, fmt.Errorf("mlsengine: x25519 keygen: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("mlsengine: x25519 basepoint mult: %w", err)
	}
	copy(pub[:], p)
	return pub, priv, nil
}

// sign produces an Ed25519 signature over data.
func sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// verify checks an Ed25519 signature over data.
func verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// hkdfExpand derives size bytes from secret using HKDF-SHA256 with the given
// salt and info, mirroring the per-epoch and per-message key derivation the
// protocol performs at every commit.
func hkdfExpand(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("mlsengine: hkdf expand: %w", err)
	}
	return out, nil
}

// aesGCMEncrypt seals plaintext under key (must be aesKeySize bytes),
// returning a random nonce prepended to the ciphertext+tag.
func aesGCMEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: gcm init: %w", err)
	}
	nonce := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("mlsengine: nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// aesGCMDecrypt opens a nonce||ciphertext||tag blob produced by
// aesGCMEncrypt.
func aesGCMDecrypt(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < ivSize+tagSize {
		return nil, fmt.Errorf("mlsengine: sealed blob too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: gcm init: %w", err)
	}
	nonce, ct := sealed[:ivSize], sealed[ivSize:]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return pt, nil
}

// eciesEncrypt encrypts plaintext to recipientPub using an ephemeral X25519
// keypair: ECDH -> HKDF-SHA256("mls-ecies") -> AES-128-GCM. The output is
// ephemeralPub(32) || nonce(12) || ciphertext+tag, the same shape germtb's
// Welcome encryption uses.
func eciesEncrypt(recipientPub [x25519KeySize]byte, plaintext, aad []byte) ([]byte, error) {
	ephPub, ephPriv, err := generateHPKEKeypair()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("mlsengine: ecdh: %w", err)
	}
	key, err := hkdfExpand(shared, nil, []byte("mls-ecies"), aesKeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := aesGCMEncrypt(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, x25519KeySize+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, sealed...)
	return out, nil
}

// eciesDecrypt reverses eciesEncrypt using the recipient's static X25519
// private key.
func eciesDecrypt(recipientPriv [x25519KeySize]byte, blob, aad []byte) ([]byte, error) {
	if len(blob) < x25519KeySize+eciesOverhead {
		return nil, fmt.Errorf("mlsengine: ecies blob too short")
	}
	ephPub := blob[:x25519KeySize]
	sealed := blob[x25519KeySize:]
	shared, err := curve25519.X25519(recipientPriv[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: ecdh: %w", err)
	}
	key, err := hkdfExpand(shared, nil, []byte("mls-ecies"), aesKeySize)
	if err != nil {
		return nil, err
	}
	return aesGCMDecrypt(key, sealed, aad)
}
