package store

import (
	"fmt"
	"strings"
)

// RecordKind names a pre-key record family in errors and counters.
type RecordKind string

const (
	KindOneTimePreKey RecordKind = "one-time pre-key"
	KindSignedPreKey  RecordKind = "signed pre-key"
	KindKyberPreKey   RecordKind = "kyber pre-key"
)

// NoKeyWithIDError reports a lookup of an absent key id. The decrypt
// pipeline treats this as a hard decryption failure; maintenance
// callers may treat it as an expected miss.
type NoKeyWithIDError struct {
	Kind RecordKind
	ID   uint32
}

func (e *NoKeyWithIDError) Error() string {
	return fmt.Sprintf("store: no %s with id %d", e.Kind, e.ID)
}

// ReplayError reports a second use of the same KEM ciphertext against
// the same Kyber pre-key: the (signed pre-key id, base key) tuple was
// already recorded for that key. Never swallowed.
type ReplayError struct {
	KyberID        uint32
	SignedPreKeyID uint32
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("store: kyber pre-key %d already used with signed pre-key %d and this base key", e.KyberID, e.SignedPreKeyID)
}

// isUniqueViolation checks for a SQLite uniqueness constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
