package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/echomesh/protostore/internal/sigcrypto"
)

// ProtocolStore bundles every store for one identity namespace. The two
// namespaces of a device get independent ProtocolStores over the same
// database; the Devices directory is namespace-free and shared.
type ProtocolStore struct {
	PreKeys       *PreKeyStore
	SignedPreKeys *SignedPreKeyStore
	KyberPreKeys  *KyberPreKeyStore
	Sessions      *SessionStore
	SenderKeys    *SenderKeyStore

	ns Namespace
}

func NewProtocolStore(ns Namespace, localRecipient int64, localDevice uint32, crypto sigcrypto.Provider, devices *Devices, logger *slog.Logger, now func() time.Time) *ProtocolStore {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	sessions := NewSessionStore(ns, logger)
	directory := NewSessionDirectory(devices, sessions)
	return &ProtocolStore{
		PreKeys:       NewPreKeyStore(ns, crypto, now),
		SignedPreKeys: NewSignedPreKeyStore(ns, crypto, now),
		KyberPreKeys:  NewKyberPreKeyStore(ns, crypto, now),
		Sessions:      sessions,
		SenderKeys:    NewSenderKeyStore(ns, localRecipient, localDevice, directory, logger, now),
		ns:            ns,
	}
}

// Namespace returns the identity namespace this store serves.
func (p *ProtocolStore) Namespace() Namespace { return p.ns }

// RemoveAll deletes every row of the namespace: keys, use history,
// counters, rotation state, sessions, and sender keys. Used when the
// identity is discarded, for example after re-registration.
func (p *ProtocolStore) RemoveAll(tx DBTX) error {
	for _, table := range []string{
		"pre_key",
		"signed_pre_key",
		"kyber_pre_key",
		"kyber_pre_key_use",
		"session",
		"key_counter",
		"rotation_state",
	} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE namespace = ?", p.ns); err != nil {
			return fmt.Errorf("store: clear %s: %w", table, err)
		}
	}
	return p.SenderKeys.ResetAll(tx)
}
