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
	counterKyber            = "kyber"
	rotationKyberLastResort = "kyber_last_resort"
)

// KyberPreKeyStore persists post-quantum pre-keys for one namespace.
// One-time and last-resort records share one id space and one table,
// disambiguated by is_last_resort.
type KyberPreKeyStore struct {
	ns     Namespace
	crypto sigcrypto.Provider
	now    func() time.Time
}

func NewKyberPreKeyStore(ns Namespace, crypto sigcrypto.Provider, now func() time.Time) *KyberPreKeyStore {
	return &KyberPreKeyStore{ns: ns, crypto: crypto, now: now}
}

// GenerateBatch creates count one-time records signed by the identity
// key, advancing the shared Kyber id counter. Not persisted.
func (s *KyberPreKeyStore) GenerateBatch(tx DBTX, identity *sigcrypto.IdentityKeyPair, count int) ([]*record.KyberPreKeyRecord, error) {
	return s.generate(tx, identity, count, false)
}

// GenerateLastResort creates exactly one last-resort record.
func (s *KyberPreKeyStore) GenerateLastResort(tx DBTX, identity *sigcrypto.IdentityKeyPair) (*record.KyberPreKeyRecord, error) {
	records, err := s.generate(tx, identity, 1, true)
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

func (s *KyberPreKeyStore) generate(tx DBTX, identity *sigcrypto.IdentityKeyPair, count int, lastResort bool) ([]*record.KyberPreKeyRecord, error) {
	ids, err := nextKeyIDs(tx, s.ns, counterKyber, count, keyid.Range)
	if err != nil {
		return nil, err
	}

	now := uint64(s.now().UnixMilli())
	records := make([]*record.KyberPreKeyRecord, 0, count)
	for _, id := range ids {
		kp, err := s.crypto.GenerateKEMKeyPair()
		if err != nil {
			return nil, fmt.Errorf("store: generate kyber pre-key %d: %w", id, err)
		}
		sig, err := s.crypto.Sign(identity, kp.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("store: sign kyber pre-key %d: %w", id, err)
		}
		records = append(records, &record.KyberPreKeyRecord{
			ID:           id,
			PublicKey:    kp.PublicKey,
			PrivateKey:   kp.PrivateKey,
			Signature:    sig,
			GeneratedAt:  now,
			IsLastResort: lastResort,
		})
	}
	return records, nil
}

// StoreRecords upserts the given records.
func (s *KyberPreKeyStore) StoreRecords(tx DBTX, records []*record.KyberPreKeyRecord) error {
	for _, r := range records {
		data, err := r.Serialize()
		if err != nil {
			return fmt.Errorf("store: serialize kyber pre-key %d: %w", r.ID, err)
		}
		_, err = tx.Exec(
			"INSERT OR REPLACE INTO kyber_pre_key (namespace, id, record, generated_at, replaced_at, is_last_resort) VALUES (?, ?, ?, ?, NULL, ?)",
			s.ns, r.ID, data, r.GeneratedAt, r.IsLastResort,
		)
		if err != nil {
			return fmt.Errorf("store: store kyber pre-key %d: %w", r.ID, err)
		}
	}
	return nil
}

// Load returns the record with the given id, or *NoKeyWithIDError.
func (s *KyberPreKeyStore) Load(tx DBTX, id uint32) (*record.KyberPreKeyRecord, error) {
	var data []byte
	var replacedAt sql.NullInt64
	err := tx.QueryRow(
		"SELECT record, replaced_at FROM kyber_pre_key WHERE namespace = ? AND id = ?", s.ns, id,
	).Scan(&data, &replacedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NoKeyWithIDError{Kind: KindKyberPreKey, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: load kyber pre-key: %w", err)
	}

	r, err := record.DeserializeKyberPreKeyRecord(data)
	if err != nil {
		return nil, fmt.Errorf("store: kyber pre-key %d: %w", id, err)
	}
	if replacedAt.Valid {
		v := uint64(replacedAt.Int64)
		r.ReplacedAt = &v
	}
	return r, nil
}

// CurrentLastResort returns the newest non-replaced last-resort record,
// or nil when none exists.
func (s *KyberPreKeyStore) CurrentLastResort(tx DBTX) (*record.KyberPreKeyRecord, error) {
	var id uint32
	err := tx.QueryRow(
		"SELECT id FROM kyber_pre_key WHERE namespace = ? AND is_last_resort AND replaced_at IS NULL ORDER BY generated_at DESC, id DESC LIMIT 1",
		s.ns,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: current last-resort kyber pre-key: %w", err)
	}
	return s.Load(tx, id)
}

// MarkUsed records that the key decrypted an incoming handshake
// identified by the peer's signed pre-key id and base key. One-time
// keys are removed; last-resort keys stay, because peers may
// independently pick the same bundle before the next rotation. A second
// identical (signedPreKeyID, baseKey) use of the same key is a replayed
// KEM ciphertext and returns *ReplayError.
func (s *KyberPreKeyStore) MarkUsed(tx DBTX, id, signedPreKeyID uint32, baseKey []byte) error {
	var lastResort bool
	err := tx.QueryRow(
		"SELECT is_last_resort FROM kyber_pre_key WHERE namespace = ? AND id = ?", s.ns, id,
	).Scan(&lastResort)
	if errors.Is(err, sql.ErrNoRows) {
		return &NoKeyWithIDError{Kind: KindKyberPreKey, ID: id}
	}
	if err != nil {
		return fmt.Errorf("store: mark kyber pre-key used: %w", err)
	}

	_, err = tx.Exec(
		"INSERT INTO kyber_pre_key_use (namespace, kyber_id, signed_pre_key_id, base_key, used_at) VALUES (?, ?, ?, ?, ?)",
		s.ns, id, signedPreKeyID, baseKey, s.now().UnixMilli(),
	)
	if isUniqueViolation(err) {
		return &ReplayError{KyberID: id, SignedPreKeyID: signedPreKeyID}
	}
	if err != nil {
		return fmt.Errorf("store: record kyber pre-key use: %w", err)
	}

	if !lastResort {
		if _, err := tx.Exec("DELETE FROM kyber_pre_key WHERE namespace = ? AND id = ?", s.ns, id); err != nil {
			return fmt.Errorf("store: remove used kyber pre-key: %w", err)
		}
	}
	return nil
}

// Remove deletes one record and its use history.
func (s *KyberPreKeyStore) Remove(tx DBTX, id uint32) error {
	if _, err := tx.Exec("DELETE FROM kyber_pre_key WHERE namespace = ? AND id = ?", s.ns, id); err != nil {
		return fmt.Errorf("store: remove kyber pre-key: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM kyber_pre_key_use WHERE namespace = ? AND kyber_id = ?", s.ns, id); err != nil {
		return fmt.Errorf("store: remove kyber pre-key uses: %w", err)
	}
	return nil
}

// SetReplacedAtToNowIfNil marks records of the given subtype not in
// except as replaced. The two subtypes rotate independently even though
// they share the table.
func (s *KyberPreKeyStore) SetReplacedAtToNowIfNil(tx DBTX, lastResort bool, except []uint32) error {
	return setReplacedAtToNowIfNil(tx, "kyber_pre_key", s.ns, uint64(s.now().UnixMilli()), except, func() (string, []any) {
		return "is_last_resort = ?", []any{lastResort}
	})
}

// Cull deletes replaced one-time records past the unacknowledged-session
// window plus grace, and replaced last-resort records past the
// message-queue retention window — except the newest last-resort record,
// which is kept unconditionally as the decryption fallback of last
// resort.
func (s *KyberPreKeyStore) Cull(tx DBTX, ret config.Retention) (int64, error) {
	oneTimeCutoff := s.now().Add(-ret.MaxUnacknowledgedSessionAge - ret.PreKeyGracePeriod).UnixMilli()
	res, err := tx.Exec(
		"DELETE FROM kyber_pre_key WHERE namespace = ? AND NOT is_last_resort AND replaced_at IS NOT NULL AND replaced_at < ?",
		s.ns, oneTimeCutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: cull one-time kyber pre-keys: %w", err)
	}
	culled, _ := res.RowsAffected()

	lastResortCutoff := s.now().Add(-ret.MessageQueueRetention - ret.PreKeyGracePeriod).UnixMilli()
	res, err = tx.Exec(
		`DELETE FROM kyber_pre_key
		 WHERE namespace = ? AND is_last_resort AND replaced_at IS NOT NULL AND replaced_at < ?
		   AND id != (
			SELECT id FROM kyber_pre_key WHERE namespace = ? AND is_last_resort
			ORDER BY generated_at DESC, id DESC LIMIT 1
		 )`,
		s.ns, lastResortCutoff, s.ns,
	)
	if err != nil {
		return culled, fmt.Errorf("store: cull last-resort kyber pre-keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return culled + n, nil
}

// Count returns the number of non-replaced records of the subtype.
func (s *KyberPreKeyStore) Count(tx DBTX, lastResort bool) (int, error) {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM kyber_pre_key WHERE namespace = ? AND is_last_resort = ? AND replaced_at IS NULL",
		s.ns, lastResort,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count kyber pre-keys: %w", err)
	}
	return n, nil
}

// SetLastSuccessfulRotationDate records a completed last-resort
// rotation.
func (s *KyberPreKeyStore) SetLastSuccessfulRotationDate(tx DBTX, t time.Time) error {
	return setRotationDate(tx, s.ns, rotationKyberLastResort, t.UnixMilli())
}

// LastSuccessfulRotationDate returns the recorded rotation time; ok is
// false when no rotation has ever succeeded.
func (s *KyberPreKeyStore) LastSuccessfulRotationDate(tx DBTX) (t time.Time, ok bool, err error) {
	millis, ok, err := rotationDate(tx, s.ns, rotationKyberLastResort)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return time.UnixMilli(millis), true, nil
}
