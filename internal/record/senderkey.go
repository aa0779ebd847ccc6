package record

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Sender-key metadata has gone through three stored shapes:
//
//	v1: recipient -> set of device ids
//	v2: recipient -> KeyRecipient (adds registration ids)
//	v3: recipient -> SKDMSendInfo (adds the send timestamp)
//
// Decoding upgrades older shapes once, at read time; v3 is the only
// shape ever written.
const senderKeyMetadataVersion = 3

// KeyRecipientDevice identifies one device of a recipient as it was
// known when the sender key was delivered to it. A nil RegistrationID
// means no session existed at record time; such a device never counts
// as satisfied, so the recipient is re-sent the key once a session
// exists.
type KeyRecipientDevice struct {
	DeviceID       uint32
	RegistrationID *uint32
}

func (d KeyRecipientDevice) matches(other KeyRecipientDevice) bool {
	if d.RegistrationID == nil || other.RegistrationID == nil {
		return false
	}
	return d.DeviceID == other.DeviceID && *d.RegistrationID == *other.RegistrationID
}

// KeyRecipient is the set of devices of one recipient known to hold the
// sender key.
type KeyRecipient struct {
	Devices []KeyRecipientDevice
}

// ContainsEveryDevice reports whether every device in other is already
// present here. Any new device or changed registration id in other
// makes this false, which forces a fresh distribution to the recipient.
func (k KeyRecipient) ContainsEveryDevice(other KeyRecipient) bool {
	for _, dev := range other.Devices {
		found := false
		for _, have := range k.Devices {
			if have.matches(dev) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// merge adds devices from other that are not already recorded. Entries
// are never removed: a device going offline and returning must not
// spuriously require redistribution.
func (k KeyRecipient) merge(other KeyRecipient) KeyRecipient {
	out := KeyRecipient{Devices: append([]KeyRecipientDevice(nil), k.Devices...)}
	for _, dev := range other.Devices {
		present := false
		for _, have := range out.Devices {
			if have.matches(dev) {
				present = true
				break
			}
		}
		if !present {
			out.Devices = append(out.Devices, dev)
		}
	}
	return out
}

// SKDMSendInfo records one successful sender-key distribution to a
// recipient: when it was sent and to which devices.
type SKDMSendInfo struct {
	Timestamp uint64 // unix millis of the SKDM send
	Recipient KeyRecipient
}

// SenderKeyMetadata is the bookkeeping for one sender key: the
// serialized ratchet state, its provenance, and which recipient devices
// already hold it.
type SenderKeyMetadata struct {
	DistributionID uuid.UUID
	OwnerRecipient int64
	OwnerDeviceID  uint32
	Record         []byte
	CreatedAt      uint64 // unix millis
	ForEncrypting  bool
	SentKeyInfo    map[int64]SKDMSendInfo
}

// IsValid reports whether the key may still be used for encrypting.
// Keys received from others are always valid; self-originated keys
// expire after maxAge millis.
func (m *SenderKeyMetadata) IsValid(maxAgeMillis, nowMillis uint64) bool {
	if !m.ForEncrypting {
		return true
	}
	return nowMillis-m.CreatedAt < maxAgeMillis
}

// RecordSent merges the delivered devices into the recipient's
// satisfied set and stamps the send time.
func (m *SenderKeyMetadata) RecordSent(recipient int64, timestamp uint64, devices []KeyRecipientDevice) {
	if m.SentKeyInfo == nil {
		m.SentKeyInfo = make(map[int64]SKDMSendInfo)
	}
	info := m.SentKeyInfo[recipient]
	info.Timestamp = timestamp
	info.Recipient = info.Recipient.merge(KeyRecipient{Devices: devices})
	m.SentKeyInfo[recipient] = info
}

// ResetDeliveryRecord forgets one recipient's satisfied set.
func (m *SenderKeyMetadata) ResetDeliveryRecord(recipient int64) {
	delete(m.SentKeyInfo, recipient)
}

// CurrentRecipients lists every recipient with a recorded delivery.
func (m *SenderKeyMetadata) CurrentRecipients() []int64 {
	out := make([]int64, 0, len(m.SentKeyInfo))
	for r := range m.SentKeyInfo {
		out = append(out, r)
	}
	return out
}

// metadataEnvelope is the on-disk shape across all schema versions.
// Exactly one of the per-version delivery maps is meaningful.
type metadataEnvelope struct {
	Version        int
	DistributionID []byte
	OwnerRecipient int64
	OwnerDeviceID  uint32
	Record         []byte
	CreatedAt      uint64
	ForEncrypting  bool

	SentKeyInfo   map[int64]SKDMSendInfo `cbor:",omitempty"` // v3
	KeyRecipients map[int64]KeyRecipient `cbor:",omitempty"` // v2
	DeviceIDs     map[int64][]uint32     `cbor:",omitempty"` // v1
}

func (m *SenderKeyMetadata) Serialize() ([]byte, error) {
	env := metadataEnvelope{
		Version:        senderKeyMetadataVersion,
		DistributionID: m.DistributionID[:],
		OwnerRecipient: m.OwnerRecipient,
		OwnerDeviceID:  m.OwnerDeviceID,
		Record:         m.Record,
		CreatedAt:      m.CreatedAt,
		ForEncrypting:  m.ForEncrypting,
		SentKeyInfo:    m.SentKeyInfo,
	}
	return cbor.Marshal(&env)
}

// DeserializeSenderKeyMetadata decodes any historical shape, upgrading
// it to the current one.
func DeserializeSenderKeyMetadata(data []byte) (*SenderKeyMetadata, error) {
	var env metadataEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("record: decode sender-key metadata: %w", err)
	}
	if len(env.Record) == 0 {
		return nil, fmt.Errorf("record: sender-key metadata has no key record")
	}
	distID, err := uuid.FromBytes(env.DistributionID)
	if err != nil {
		return nil, fmt.Errorf("record: sender-key metadata distribution id: %w", err)
	}

	m := &SenderKeyMetadata{
		DistributionID: distID,
		OwnerRecipient: env.OwnerRecipient,
		OwnerDeviceID:  env.OwnerDeviceID,
		Record:         env.Record,
		CreatedAt:      env.CreatedAt,
		ForEncrypting:  env.ForEncrypting,
	}

	switch env.Version {
	case senderKeyMetadataVersion:
		m.SentKeyInfo = env.SentKeyInfo
	case 2:
		// v2 lacked send timestamps.
		m.SentKeyInfo = make(map[int64]SKDMSendInfo, len(env.KeyRecipients))
		for recipient, kr := range env.KeyRecipients {
			m.SentKeyInfo[recipient] = SKDMSendInfo{Recipient: kr}
		}
	case 1:
		// v1 stored bare device-id sets with no registration ids, which
		// can never satisfy a delivery check. Dropping them only costs a
		// redundant SKDM to recipients that already hold the key.
		m.SentKeyInfo = make(map[int64]SKDMSendInfo)
	default:
		return nil, fmt.Errorf("record: sender-key metadata version %d unknown", env.Version)
	}
	if m.SentKeyInfo == nil {
		m.SentKeyInfo = make(map[int64]SKDMSendInfo)
	}
	return m, nil
}
