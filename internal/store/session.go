package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/echomesh/protostore/internal/record"
)

// SessionStore persists one Double-Ratchet session per
// (namespace, recipient, device).
type SessionStore struct {
	ns     Namespace
	logger *slog.Logger
}

func NewSessionStore(ns Namespace, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{ns: ns, logger: logger}
}

// Load returns the session for the given recipient device.
// Returns nil, nil if no session exists.
func (s *SessionStore) Load(tx DBTX, recipientID int64, deviceID uint32) (*record.SessionRecord, error) {
	var data []byte
	err := tx.QueryRow(
		"SELECT record FROM session WHERE namespace = ? AND recipient_id = ? AND device_id = ?",
		s.ns, recipientID, deviceID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return record.DeserializeSessionRecord(data)
}

// Store upserts the session for the given recipient device.
func (s *SessionStore) Store(tx DBTX, recipientID int64, deviceID uint32, r *record.SessionRecord) error {
	data, err := r.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize session: %w", err)
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO session (namespace, recipient_id, device_id, record) VALUES (?, ?, ?, ?)",
		s.ns, recipientID, deviceID, data,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// ArchiveAll ends the current ratchet chain of every session for the
// recipient (or just one device when deviceID is non-nil), keeping
// archived chains so in-flight messages stay decryptable. Rows whose
// bytes no longer decode are logged and left untouched: deleting them
// would destroy history that may still be needed.
func (s *SessionStore) ArchiveAll(tx DBTX, recipientID int64, deviceID *uint32) error {
	query := "SELECT device_id, record FROM session WHERE namespace = ? AND recipient_id = ?"
	args := []any{s.ns, recipientID}
	if deviceID != nil {
		query += " AND device_id = ?"
		args = append(args, *deviceID)
	}

	rows, err := tx.Query(query, args...)
	if err != nil {
		return fmt.Errorf("store: query sessions to archive: %w", err)
	}
	type row struct {
		device uint32
		data   []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.device, &r.data); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan session: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate sessions: %w", err)
	}

	for _, r := range pending {
		rec, err := record.DeserializeSessionRecord(r.data)
		if err != nil {
			s.logger.Error("session record undecodable, leaving row in place",
				"namespace", s.ns.String(), "recipient", recipientID, "device", r.device, "err", err)
			continue
		}
		rec.Archive()
		data, err := rec.Serialize()
		if err != nil {
			return fmt.Errorf("store: reserialize session: %w", err)
		}
		_, err = tx.Exec(
			"UPDATE session SET record = ? WHERE namespace = ? AND recipient_id = ? AND device_id = ?",
			data, s.ns, recipientID, r.device,
		)
		if err != nil {
			return fmt.Errorf("store: update archived session: %w", err)
		}
	}
	return nil
}

// DeleteAll hard-deletes every session row for the recipient. Used when
// the recipient is permanently unreachable and archiving has no
// remaining forward-secrecy benefit.
func (s *SessionStore) DeleteAll(tx DBTX, recipientID int64) error {
	_, err := tx.Exec(
		"DELETE FROM session WHERE namespace = ? AND recipient_id = ?", s.ns, recipientID,
	)
	if err != nil {
		return fmt.Errorf("store: delete sessions: %w", err)
	}
	return nil
}

// MergeRecipient folds from's sessions into into after the two are
// discovered to be the same logical peer. If into already has any
// session rows those win and from's rows are dropped wholesale;
// otherwise from's rows are re-pointed at into. Session bytes are never
// interleaved — a partial merge of ratchet state is cryptographically
// unsound.
func (s *SessionStore) MergeRecipient(tx DBTX, fromID, intoID int64) error {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM session WHERE namespace = ? AND recipient_id = ?", s.ns, intoID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("store: merge recipient: %w", err)
	}

	if n > 0 {
		return s.DeleteAll(tx, fromID)
	}
	_, err = tx.Exec(
		"UPDATE session SET recipient_id = ? WHERE namespace = ? AND recipient_id = ?",
		intoID, s.ns, fromID,
	)
	if err != nil {
		return fmt.Errorf("store: reassign sessions: %w", err)
	}
	return nil
}

// LoadAllForRecipient returns the recipient's sessions as an explicit
// device-to-bytes map, the export/backup shape.
func (s *SessionStore) LoadAllForRecipient(tx DBTX, recipientID int64) (record.DeviceSessionMap, error) {
	rows, err := tx.Query(
		"SELECT device_id, record FROM session WHERE namespace = ? AND recipient_id = ?",
		s.ns, recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load sessions: %w", err)
	}
	defer rows.Close()

	m := make(record.DeviceSessionMap)
	for rows.Next() {
		var device uint32
		var data []byte
		if err := rows.Scan(&device, &data); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		m[device] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return m, nil
}
