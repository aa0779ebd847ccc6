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

const counterOneTimeEC = "ec_one_time"

// PreKeyStore persists one-time EC pre-keys for one namespace.
type PreKeyStore struct {
	ns     Namespace
	crypto sigcrypto.Provider
	now    func() time.Time
}

func NewPreKeyStore(ns Namespace, crypto sigcrypto.Provider, now func() time.Time) *PreKeyStore {
	return &PreKeyStore{ns: ns, crypto: crypto, now: now}
}

// Generate creates count fresh records with contiguous ids and advances
// the id counter. It does not persist the records: generation and
// storage are separate so a failed upload can be retried with fresh
// keys without leaving unused rows behind. Run inside the same
// transaction as the eventual StoreRecords.
func (s *PreKeyStore) Generate(tx DBTX, count int) ([]*record.PreKeyRecord, error) {
	ids, err := nextKeyIDs(tx, s.ns, counterOneTimeEC, count, keyid.Range)
	if err != nil {
		return nil, err
	}

	now := uint64(s.now().UnixMilli())
	records := make([]*record.PreKeyRecord, 0, count)
	for _, id := range ids {
		kp, err := s.crypto.GenerateECKeyPair()
		if err != nil {
			return nil, fmt.Errorf("store: generate pre-key %d: %w", id, err)
		}
		records = append(records, &record.PreKeyRecord{
			ID:          id,
			PublicKey:   kp.PublicKey,
			PrivateKey:  kp.PrivateKey,
			GeneratedAt: now,
		})
	}
	return records, nil
}

// StoreRecords upserts the given records.
func (s *PreKeyStore) StoreRecords(tx DBTX, records []*record.PreKeyRecord) error {
	for _, r := range records {
		data, err := r.Serialize()
		if err != nil {
			return fmt.Errorf("store: serialize pre-key %d: %w", r.ID, err)
		}
		_, err = tx.Exec(
			"INSERT OR REPLACE INTO pre_key (namespace, id, record, generated_at, replaced_at) VALUES (?, ?, ?, ?, NULL)",
			s.ns, r.ID, data, r.GeneratedAt,
		)
		if err != nil {
			return fmt.Errorf("store: store pre-key %d: %w", r.ID, err)
		}
	}
	return nil
}

// Load returns the record with the given id, or *NoKeyWithIDError.
func (s *PreKeyStore) Load(tx DBTX, id uint32) (*record.PreKeyRecord, error) {
	var data []byte
	var replacedAt sql.NullInt64
	err := tx.QueryRow(
		"SELECT record, replaced_at FROM pre_key WHERE namespace = ? AND id = ?", s.ns, id,
	).Scan(&data, &replacedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NoKeyWithIDError{Kind: KindOneTimePreKey, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: load pre-key: %w", err)
	}

	r, err := record.DeserializePreKeyRecord(data)
	if err != nil {
		return nil, fmt.Errorf("store: pre-key %d: %w", id, err)
	}
	if replacedAt.Valid {
		v := uint64(replacedAt.Int64)
		r.ReplacedAt = &v
	}
	return r, nil
}

// Remove deletes one record, typically right after its single use.
func (s *PreKeyStore) Remove(tx DBTX, id uint32) error {
	_, err := tx.Exec("DELETE FROM pre_key WHERE namespace = ? AND id = ?", s.ns, id)
	if err != nil {
		return fmt.Errorf("store: remove pre-key: %w", err)
	}
	return nil
}

// SetReplacedAtToNowIfNil starts the deprecation countdown for every
// record not in except whose replaced_at is still unset. Called after a
// fresh batch uploads successfully; idempotent.
func (s *PreKeyStore) SetReplacedAtToNowIfNil(tx DBTX, except []uint32) error {
	return setReplacedAtToNowIfNil(tx, "pre_key", s.ns, uint64(s.now().UnixMilli()), except, nil)
}

// Cull deletes records replaced longer ago than the unacknowledged
// session window plus the grace period. Re-entrant.
func (s *PreKeyStore) Cull(tx DBTX, ret config.Retention) (int64, error) {
	cutoff := s.now().Add(-ret.MaxUnacknowledgedSessionAge - ret.PreKeyGracePeriod).UnixMilli()
	res, err := tx.Exec(
		"DELETE FROM pre_key WHERE namespace = ? AND replaced_at IS NOT NULL AND replaced_at < ?",
		s.ns, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: cull pre-keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored records still eligible for use.
func (s *PreKeyStore) Count(tx DBTX) (int, error) {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM pre_key WHERE namespace = ? AND replaced_at IS NULL", s.ns,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pre-keys: %w", err)
	}
	return n, nil
}

// setReplacedAtToNowIfNil is shared by the three pre-key tables. extra
// narrows the update with an additional predicate (used by the Kyber
// table to separate one-time from last-resort slots).
func setReplacedAtToNowIfNil(tx DBTX, table string, ns Namespace, nowMillis uint64, except []uint32, extra func() (string, []any)) error {
	query := "UPDATE " + table + " SET replaced_at = ? WHERE namespace = ? AND replaced_at IS NULL"
	args := []any{nowMillis, ns}
	if extra != nil {
		cond, condArgs := extra()
		query += " AND " + cond
		args = append(args, condArgs...)
	}
	for _, id := range except {
		query += " AND id != ?"
		args = append(args, id)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("store: mark %s replaced: %w", table, err)
	}
	return nil
}
