package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/echomesh/protostore/internal/record"
)

// ErrUnknownRecipient is returned when a recipient has no known
// devices. Sender-key delivery diffing treats it conservatively: the
// recipient is assumed to need a fresh distribution.
var ErrUnknownRecipient = errors.New("store: recipient has no known devices")

// DeviceDirectory resolves a recipient's current device set together
// with each device's registration id. The registration id is nil when
// no established session exists for that device yet.
type DeviceDirectory interface {
	CurrentDevices(tx DBTX, recipientID int64) ([]record.KeyRecipientDevice, error)
}

// Devices manages the cached device-id list per recipient. The list is
// fed from the outside (directory sync, delivery receipts); this module
// only reads it for sender-key diffing.
type Devices struct {
	now func() time.Time
}

func NewDevices(now func() time.Time) *Devices {
	return &Devices{now: now}
}

// List returns known device IDs for a recipient, ordered by device id.
// Returns an empty slice if no devices are cached.
func (d *Devices) List(tx DBTX, recipientID int64) ([]uint32, error) {
	rows, err := tx.Query(
		"SELECT device_id FROM recipient_device WHERE recipient_id = ? ORDER BY device_id", recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []uint32
	for rows.Next() {
		var deviceID uint32
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, deviceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// Set replaces the device list for a recipient. Run in a transaction.
func (d *Devices) Set(tx DBTX, recipientID int64, deviceIDs []uint32) error {
	if _, err := tx.Exec("DELETE FROM recipient_device WHERE recipient_id = ?", recipientID); err != nil {
		return fmt.Errorf("store: delete devices: %w", err)
	}
	now := d.now().Unix()
	for _, deviceID := range deviceIDs {
		_, err := tx.Exec(
			"INSERT INTO recipient_device (recipient_id, device_id, last_seen) VALUES (?, ?, ?)",
			recipientID, deviceID, now,
		)
		if err != nil {
			return fmt.Errorf("store: insert device %d: %w", deviceID, err)
		}
	}
	return nil
}

// Add adds a device to a recipient's list. Idempotent.
func (d *Devices) Add(tx DBTX, recipientID int64, deviceID uint32) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO recipient_device (recipient_id, device_id, last_seen) VALUES (?, ?, ?)",
		recipientID, deviceID, d.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: add device: %w", err)
	}
	return nil
}

// Remove removes a device from a recipient's list. Idempotent.
func (d *Devices) Remove(tx DBTX, recipientID int64, deviceID uint32) error {
	_, err := tx.Exec(
		"DELETE FROM recipient_device WHERE recipient_id = ? AND device_id = ?", recipientID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: remove device: %w", err)
	}
	return nil
}

// sessionDirectory is the default DeviceDirectory: device ids come from
// the recipient_device table, registration ids from each device's
// session. Device ids can be reused, so the (deviceId, registrationId)
// pair is what detects a reregistered device.
type sessionDirectory struct {
	devices  *Devices
	sessions *SessionStore
}

// NewSessionDirectory builds the default directory over the cached
// device list and the namespace's session store.
func NewSessionDirectory(devices *Devices, sessions *SessionStore) DeviceDirectory {
	return &sessionDirectory{devices: devices, sessions: sessions}
}

func (d *sessionDirectory) CurrentDevices(tx DBTX, recipientID int64) ([]record.KeyRecipientDevice, error) {
	ids, err := d.devices.List(tx, recipientID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrUnknownRecipient
	}

	out := make([]record.KeyRecipientDevice, 0, len(ids))
	for _, deviceID := range ids {
		dev := record.KeyRecipientDevice{DeviceID: deviceID}
		sess, err := d.sessions.Load(tx, recipientID, deviceID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			if reg, ok := sess.RemoteRegistrationID(); ok {
				r := reg
				dev.RegistrationID = &r
			}
		}
		out = append(out, dev)
	}
	return out, nil
}
