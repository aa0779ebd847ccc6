// Package sigcrypto supplies the asymmetric key material the stores
// persist: X25519 agreement keys, ed25519 identity signatures, and
// Kyber1024 KEM key pairs. The stores never look inside this material;
// they receive a Provider at construction and treat every key as opaque
// bytes.
package sigcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"golang.org/x/crypto/curve25519"
)

// ECKeyPair is an X25519 key pair used for classical pre-keys.
type ECKeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// KEMKeyPair is a Kyber1024 key pair used for post-quantum pre-keys,
// held in packed form.
type KEMKeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// IdentityKeyPair is the long-term ed25519 identity used to sign
// pre-keys so peers can authenticate a fetched bundle.
type IdentityKeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Provider generates and signs key material. Stores take a Provider at
// construction; tests substitute deterministic implementations.
type Provider interface {
	GenerateECKeyPair() (*ECKeyPair, error)
	GenerateKEMKeyPair() (*KEMKeyPair, error)
	Sign(identity *IdentityKeyPair, message []byte) ([]byte, error)
	Verify(publicKey ed25519.PublicKey, message, signature []byte) bool
}

// Default returns the production Provider.
func Default() Provider { return defaultProvider{} }

type defaultProvider struct{}

func (defaultProvider) GenerateECKeyPair() (*ECKeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("sigcrypto: read random: %w", err)
	}
	clamp(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("sigcrypto: derive public key: %w", err)
	}
	return &ECKeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

func (defaultProvider) GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pub, priv, err := kyber1024.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("sigcrypto: generate kem key: %w", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("sigcrypto: marshal kem private key: %w", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("sigcrypto: marshal kem public key: %w", err)
	}
	return &KEMKeyPair{PrivateKey: privBytes, PublicKey: pubBytes}, nil
}

func (defaultProvider) Sign(identity *IdentityKeyPair, message []byte) ([]byte, error) {
	if len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sigcrypto: bad identity private key length %d", len(identity.PrivateKey))
	}
	return ed25519.Sign(identity.PrivateKey, message), nil
}

func (defaultProvider) Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// GenerateIdentityKeyPair creates a fresh long-term identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sigcrypto: generate identity key: %w", err)
	}
	return &IdentityKeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// clamp applies the RFC 7748 scalar clamping.
func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
