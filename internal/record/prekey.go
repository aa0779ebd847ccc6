// Package record defines the persisted value types: pre-key records,
// session records, and sender-key metadata. Serialization is CBOR and
// is owned by this module; stores treat the resulting bytes as opaque
// row payloads.
package record

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PreKeyRecord is a one-time EC pre-key. Created once, consumed by a
// single incoming handshake, then removed.
type PreKeyRecord struct {
	ID          uint32
	PublicKey   []byte
	PrivateKey  []byte
	GeneratedAt uint64 // unix millis

	// ReplacedAt is carried on the store row, not in the serialized
	// record. Populated on load; nil means eligible for use.
	ReplacedAt *uint64 `cbor:"-"`
}

// SignedPreKeyRecord is a medium-term EC pre-key carrying the identity
// key's signature over its public key bytes.
type SignedPreKeyRecord struct {
	ID          uint32
	PublicKey   []byte
	PrivateKey  []byte
	Signature   []byte
	GeneratedAt uint64

	ReplacedAt *uint64 `cbor:"-"`
}

// KyberPreKeyRecord is a post-quantum KEM pre-key. One-time and
// last-resort records share one id space; IsLastResort disambiguates.
type KyberPreKeyRecord struct {
	ID           uint32
	PublicKey    []byte
	PrivateKey   []byte
	Signature    []byte
	GeneratedAt  uint64
	IsLastResort bool

	ReplacedAt *uint64 `cbor:"-"`
}

func (r *PreKeyRecord) Serialize() ([]byte, error) {
	return cbor.Marshal(r)
}

func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	var r PreKeyRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("record: decode pre-key record: %w", err)
	}
	return &r, nil
}

func (r *SignedPreKeyRecord) Serialize() ([]byte, error) {
	return cbor.Marshal(r)
}

func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	var r SignedPreKeyRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("record: decode signed pre-key record: %w", err)
	}
	return &r, nil
}

func (r *KyberPreKeyRecord) Serialize() ([]byte, error) {
	return cbor.Marshal(r)
}

func DeserializeKyberPreKeyRecord(data []byte) (*KyberPreKeyRecord, error) {
	var r KyberPreKeyRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("record: decode kyber pre-key record: %w", err)
	}
	return &r, nil
}
