package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/echomesh/protostore/internal/config"
	"github.com/echomesh/protostore/internal/keyid"
	"github.com/echomesh/protostore/internal/record"
	"github.com/echomesh/protostore/internal/sigcrypto"
)

const (
	counterSignedEC   = "ec_signed"
	rotationSignedEC  = "ec_signed"
	signedPreKeyFloor = 3
)

// SignedPreKeyStore persists signed EC pre-keys for one namespace.
// Unlike one-time pre-keys these occupy a single rotation slot: one
// record is current, previous ones linger until culled.
type SignedPreKeyStore struct {
	ns     Namespace
	crypto sigcrypto.Provider
	now    func() time.Time
}

func NewSignedPreKeyStore(ns Namespace, crypto sigcrypto.Provider, now func() time.Time) *SignedPreKeyStore {
	return &SignedPreKeyStore{ns: ns, crypto: crypto, now: now}
}

// Generate creates exactly one record signed by the identity key. Not
// persisted; see PreKeyStore.Generate for the split rationale.
func (s *SignedPreKeyStore) Generate(tx DBTX, identity *sigcrypto.IdentityKeyPair) (*record.SignedPreKeyRecord, error) {
	ids, err := nextKeyIDs(tx, s.ns, counterSignedEC, 1, keyid.Range)
	if err != nil {
		return nil, err
	}
	kp, err := s.crypto.GenerateECKeyPair()
	if err != nil {
		return nil, fmt.Errorf("store: generate signed pre-key: %w", err)
	}
	sig, err := s.crypto.Sign(identity, kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("store: sign signed pre-key: %w", err)
	}
	return &record.SignedPreKeyRecord{
		ID:          ids[0],
		PublicKey:   kp.PublicKey,
		PrivateKey:  kp.PrivateKey,
		Signature:   sig,
		GeneratedAt: uint64(s.now().UnixMilli()),
	}, nil
}

// StoreRecord upserts one record.
func (s *SignedPreKeyStore) StoreRecord(tx DBTX, r *record.SignedPreKeyRecord) error {
	data, err := r.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize signed pre-key %d: %w", r.ID, err)
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO signed_pre_key (namespace, id, record, generated_at, replaced_at) VALUES (?, ?, ?, ?, NULL)",
		s.ns, r.ID, data, r.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("store: store signed pre-key %d: %w", r.ID, err)
	}
	return nil
}

// Load returns the record with the given id, or *NoKeyWithIDError.
func (s *SignedPreKeyStore) Load(tx DBTX, id uint32) (*record.SignedPreKeyRecord, error) {
	var data []byte
	var replacedAt sql.NullInt64
	err := tx.QueryRow(
		"SELECT record, replaced_at FROM signed_pre_key WHERE namespace = ? AND id = ?", s.ns, id,
	).Scan(&data, &replacedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NoKeyWithIDError{Kind: KindSignedPreKey, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: load signed pre-key: %w", err)
	}

	r, err := record.DeserializeSignedPreKeyRecord(data)
	if err != nil {
		return nil, fmt.Errorf("store: signed pre-key %d: %w", id, err)
	}
	if replacedAt.Valid {
		v := uint64(replacedAt.Int64)
		r.ReplacedAt = &v
	}
	return r, nil
}

// Current returns the newest non-replaced record, or nil when none
// exists (fresh install or all slots marked replaced).
func (s *SignedPreKeyStore) Current(tx DBTX) (*record.SignedPreKeyRecord, error) {
	var id uint32
	err := tx.QueryRow(
		"SELECT id FROM signed_pre_key WHERE namespace = ? AND replaced_at IS NULL ORDER BY generated_at DESC, id DESC LIMIT 1",
		s.ns,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: current signed pre-key: %w", err)
	}
	return s.Load(tx, id)
}

// SetReplacedAtToNowIfNil marks every record not in except as replaced.
// Called after the record in except uploads successfully.
func (s *SignedPreKeyStore) SetReplacedAtToNowIfNil(tx DBTX, except []uint32) error {
	return setReplacedAtToNowIfNil(tx, "signed_pre_key", s.ns, uint64(s.now().UnixMilli()), except, nil)
}

// Cull deletes replaced records past the grace window but always keeps
// the newest signedPreKeyFloor records, so a burst of failed rotations
// can never leave the namespace without a usable signed pre-key.
func (s *SignedPreKeyStore) Cull(tx DBTX, ret config.Retention) (int64, error) {
	cutoff := s.now().Add(-ret.MaxUnacknowledgedSessionAge - ret.PreKeyGracePeriod).UnixMilli()
	res, err := tx.Exec(
		`DELETE FROM signed_pre_key
		 WHERE namespace = ? AND replaced_at IS NOT NULL AND replaced_at < ?
		   AND id NOT IN (
			SELECT id FROM signed_pre_key WHERE namespace = ?
			ORDER BY generated_at DESC, id DESC LIMIT ?
		 )`,
		s.ns, cutoff, s.ns, signedPreKeyFloor,
	)
	if err != nil {
		return 0, fmt.Errorf("store: cull signed pre-keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored records, replaced or not.
func (s *SignedPreKeyStore) Count(tx DBTX) (int, error) {
	var n int
	err := tx.QueryRow("SELECT COUNT(*) FROM signed_pre_key WHERE namespace = ?", s.ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count signed pre-keys: %w", err)
	}
	return n, nil
}

// SetLastSuccessfulRotationDate records a completed rotation for the
// external scheduler.
func (s *SignedPreKeyStore) SetLastSuccessfulRotationDate(tx DBTX, t time.Time) error {
	return setRotationDate(tx, s.ns, rotationSignedEC, t.UnixMilli())
}

// LastSuccessfulRotationDate returns the recorded rotation time; ok is
// false when no rotation has ever succeeded.
func (s *SignedPreKeyStore) LastSuccessfulRotationDate(tx DBTX) (t time.Time, ok bool, err error) {
	millis, ok, err := rotationDate(tx, s.ns, rotationSignedEC)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return time.UnixMilli(millis), true, nil
}
