package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/echomesh/protostore/internal/record"
)

// SenderKeyStore persists the local device's outgoing sender keys per
// conversation and tracks which recipient devices already hold the
// current key, so each group send distributes the key exactly to the
// devices that miss it.
type SenderKeyStore struct {
	ns             Namespace
	localRecipient int64
	localDevice    uint32
	directory      DeviceDirectory
	logger         *slog.Logger
	now            func() time.Time
}

func NewSenderKeyStore(ns Namespace, localRecipient int64, localDevice uint32, directory DeviceDirectory, logger *slog.Logger, now func() time.Time) *SenderKeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SenderKeyStore{
		ns:             ns,
		localRecipient: localRecipient,
		localDevice:    localDevice,
		directory:      directory,
		logger:         logger,
		now:            now,
	}
}

// DistributionID returns the distribution id tagging sender-key
// messages for the thread, minting and persisting a random one on first
// use. The id survives key resets; only a full store reset discards it.
func (s *SenderKeyStore) DistributionID(tx DBTX, threadID string) (uuid.UUID, error) {
	if id, ok, err := s.lookupDistributionID(tx, threadID); err != nil || ok {
		return id, err
	}
	id := uuid.New()
	_, err := tx.Exec(
		"INSERT INTO sender_key_distribution (namespace, thread_id, distribution_id) VALUES (?, ?, ?)",
		s.ns, threadID, id[:],
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: persist distribution id: %w", err)
	}
	return id, nil
}

func (s *SenderKeyStore) lookupDistributionID(tx DBTX, threadID string) (uuid.UUID, bool, error) {
	var raw []byte
	err := tx.QueryRow(
		"SELECT distribution_id FROM sender_key_distribution WHERE namespace = ? AND thread_id = ?",
		s.ns, threadID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("store: load distribution id: %w", err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("store: stored distribution id: %w", err)
	}
	return id, true, nil
}

// LoadSenderKey returns the serialized sender-key record for the given
// owner and distribution id, or nil if absent. This is the
// protocol-facing read used by the group cipher.
func (s *SenderKeyStore) LoadSenderKey(tx DBTX, ownerRecipient int64, ownerDevice uint32, distributionID uuid.UUID) ([]byte, error) {
	m, err := s.loadMetadata(tx, ownerRecipient, ownerDevice, distributionID)
	if err != nil || m == nil {
		return nil, err
	}
	return m.Record, nil
}

// StoreSenderKey upserts a sender-key record. Metadata (creation time,
// delivery records) is created on first store and preserved on update.
func (s *SenderKeyStore) StoreSenderKey(tx DBTX, ownerRecipient int64, ownerDevice uint32, distributionID uuid.UUID, keyRecord []byte) error {
	m, err := s.loadMetadata(tx, ownerRecipient, ownerDevice, distributionID)
	if err != nil {
		return err
	}
	if m == nil {
		m = &record.SenderKeyMetadata{
			DistributionID: distributionID,
			OwnerRecipient: ownerRecipient,
			OwnerDeviceID:  ownerDevice,
			CreatedAt:      uint64(s.now().UnixMilli()),
			ForEncrypting:  ownerRecipient == s.localRecipient && ownerDevice == s.localDevice,
			SentKeyInfo:    make(map[int64]record.SKDMSendInfo),
		}
	}
	m.Record = keyRecord
	return s.saveMetadata(tx, m)
}

// RecipientsNeedingDistribution filters candidates down to those whose
// current device set is not fully covered by the recorded deliveries of
// the thread's current key. Errors resolving one recipient's devices
// include that recipient conservatively rather than failing the send.
func (s *SenderKeyStore) RecipientsNeedingDistribution(tx DBTX, threadID string, candidates []int64) ([]int64, error) {
	distributionID, ok, err := s.lookupDistributionID(tx, threadID)
	if err != nil {
		return nil, err
	}
	var m *record.SenderKeyMetadata
	if ok {
		m, err = s.loadMetadata(tx, s.localRecipient, s.localDevice, distributionID)
		if err != nil {
			return nil, err
		}
	}
	if m == nil {
		// No key yet: everyone needs a distribution message.
		return slices.Clone(candidates), nil
	}

	var needing []int64
	for _, candidate := range candidates {
		info, recorded := m.SentKeyInfo[candidate]
		if !recorded {
			needing = append(needing, candidate)
			continue
		}
		current, err := s.directory.CurrentDevices(tx, candidate)
		if err != nil {
			// Probably a cleared session; re-send rather than risk a
			// device missing the key.
			s.logger.Warn("cannot resolve current devices, assuming distribution needed",
				"namespace", s.ns.String(), "recipient", candidate, "err", err)
			needing = append(needing, candidate)
			continue
		}
		if !info.Recipient.ContainsEveryDevice(record.KeyRecipient{Devices: current}) {
			needing = append(needing, candidate)
		}
	}
	return needing, nil
}

// RecordDistributed merges the delivered device sets into the thread
// key's delivery records after a successful send. Devices are only ever
// added; a recipient drops out of the needing set once every current
// device is covered.
func (s *SenderKeyStore) RecordDistributed(tx DBTX, threadID string, timestamp uint64, sent map[int64][]record.KeyRecipientDevice) error {
	m, err := s.currentKeyMetadata(tx, threadID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("store: no sender key metadata for thread %q", threadID)
	}
	for recipient, devices := range sent {
		m.RecordSent(recipient, timestamp, devices)
	}
	return s.saveMetadata(tx, m)
}

// ResetDeliveryRecord drops one recipient's satisfied set, forcing a
// fresh distribution on the next send. No-op when the thread has no key
// metadata.
func (s *SenderKeyStore) ResetDeliveryRecord(tx DBTX, threadID string, recipientID int64) error {
	m, err := s.currentKeyMetadata(tx, threadID)
	if err != nil {
		return err
	}
	if m == nil {
		s.logger.Info("no sender key metadata to reset", "namespace", s.ns.String(), "thread", threadID)
		return nil
	}
	m.ResetDeliveryRecord(recipientID)
	return s.saveMetadata(tx, m)
}

// ExpireIfStale deletes the thread's key metadata when the key may no
// longer be used: self-originated and older than maxAge, or delivered
// to someone who has since left the thread. Narrowing the satisfied set
// instead would keep encrypting to a removed member's key.
func (s *SenderKeyStore) ExpireIfStale(tx DBTX, threadID string, currentMembers []int64, maxAge time.Duration) error {
	distributionID, ok, err := s.lookupDistributionID(tx, threadID)
	if err != nil || !ok {
		return err
	}
	m, err := s.loadMetadata(tx, s.localRecipient, s.localDevice, distributionID)
	if err != nil || m == nil {
		return err
	}

	stale := !m.IsValid(uint64(maxAge.Milliseconds()), uint64(s.now().UnixMilli()))
	if !stale {
		for _, recipient := range m.CurrentRecipients() {
			if !slices.Contains(currentMembers, recipient) {
				stale = true
				break
			}
		}
	}
	if !stale {
		return nil
	}
	s.logger.Info("expiring sender key",
		"namespace", s.ns.String(), "thread", threadID, "distribution_id", distributionID.String())
	return s.deleteMetadata(tx, s.localRecipient, s.localDevice, distributionID)
}

// ResetForThread deletes the local sender key for one thread. The
// distribution id mapping stays; the next send mints a fresh key under
// the same id.
func (s *SenderKeyStore) ResetForThread(tx DBTX, threadID string) error {
	distributionID, ok, err := s.lookupDistributionID(tx, threadID)
	if err != nil || !ok {
		return err
	}
	return s.deleteMetadata(tx, s.localRecipient, s.localDevice, distributionID)
}

// ResetAll wipes every sender key and distribution id in the namespace.
func (s *SenderKeyStore) ResetAll(tx DBTX) error {
	if _, err := tx.Exec("DELETE FROM sender_key WHERE namespace = ?", s.ns); err != nil {
		return fmt.Errorf("store: reset sender keys: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM sender_key_distribution WHERE namespace = ?", s.ns); err != nil {
		return fmt.Errorf("store: reset distribution ids: %w", err)
	}
	return nil
}

// currentKeyMetadata resolves the thread's distribution id and loads
// the local device's key metadata under it, nil when either is absent.
func (s *SenderKeyStore) currentKeyMetadata(tx DBTX, threadID string) (*record.SenderKeyMetadata, error) {
	distributionID, ok, err := s.lookupDistributionID(tx, threadID)
	if err != nil || !ok {
		return nil, err
	}
	return s.loadMetadata(tx, s.localRecipient, s.localDevice, distributionID)
}

// loadMetadata returns nil, nil when absent. Undecodable metadata is
// logged and treated as absent; the next store overwrites it.
func (s *SenderKeyStore) loadMetadata(tx DBTX, ownerRecipient int64, ownerDevice uint32, distributionID uuid.UUID) (*record.SenderKeyMetadata, error) {
	var data []byte
	err := tx.QueryRow(
		"SELECT metadata FROM sender_key WHERE namespace = ? AND owner_recipient = ? AND owner_device = ? AND distribution_id = ?",
		s.ns, ownerRecipient, ownerDevice, distributionID[:],
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load sender key metadata: %w", err)
	}

	m, err := record.DeserializeSenderKeyMetadata(data)
	if err != nil {
		s.logger.Error("sender key metadata undecodable, treating as absent",
			"namespace", s.ns.String(), "distribution_id", distributionID.String(), "err", err)
		return nil, nil
	}
	return m, nil
}

func (s *SenderKeyStore) saveMetadata(tx DBTX, m *record.SenderKeyMetadata) error {
	data, err := m.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize sender key metadata: %w", err)
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO sender_key (namespace, owner_recipient, owner_device, distribution_id, metadata) VALUES (?, ?, ?, ?, ?)",
		s.ns, m.OwnerRecipient, m.OwnerDeviceID, m.DistributionID[:], data,
	)
	if err != nil {
		return fmt.Errorf("store: store sender key metadata: %w", err)
	}
	return nil
}

func (s *SenderKeyStore) deleteMetadata(tx DBTX, ownerRecipient int64, ownerDevice uint32, distributionID uuid.UUID) error {
	_, err := tx.Exec(
		"DELETE FROM sender_key WHERE namespace = ? AND owner_recipient = ? AND owner_device = ? AND distribution_id = ?",
		s.ns, ownerRecipient, ownerDevice, distributionID[:],
	)
	if err != nil {
		return fmt.Errorf("store: delete sender key metadata: %w", err)
	}
	return nil
}
