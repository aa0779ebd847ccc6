package record

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// maxArchivedStates bounds how many ended ratchet chains a session
// retains for decrypting already-in-flight, out-of-order messages.
const maxArchivedStates = 40

// SessionState is one Double-Ratchet chain. The ratchet bytes are
// produced and consumed by the encrypt/decrypt pipeline; this module
// never interprets them.
type SessionState struct {
	RemoteRegistrationID uint32
	Ratchet              []byte
	CreatedAt            uint64 // unix millis
}

// SessionRecord is the persisted session for one (recipient, device):
// the live chain plus archived chains kept for out-of-order decryption.
type SessionRecord struct {
	Current  *SessionState
	Archived []*SessionState
}

// NewSessionRecord starts a record with a fresh current chain.
func NewSessionRecord(state *SessionState) *SessionRecord {
	return &SessionRecord{Current: state}
}

// Archive ends the current chain, moving it to the head of the archived
// list. Historical chains stay usable for decryption; the next encrypt
// must establish a fresh chain. Idempotent when no chain is live.
func (r *SessionRecord) Archive() {
	if r.Current == nil {
		return
	}
	r.Archived = append([]*SessionState{r.Current}, r.Archived...)
	if len(r.Archived) > maxArchivedStates {
		r.Archived = r.Archived[:maxArchivedStates]
	}
	r.Current = nil
}

// RemoteRegistrationID reports the peer device's registration id from
// the live chain. ok is false for archived-only records, which callers
// must treat as "registration id unknown".
func (r *SessionRecord) RemoteRegistrationID() (id uint32, ok bool) {
	if r.Current == nil {
		return 0, false
	}
	return r.Current.RemoteRegistrationID, true
}

func (r *SessionRecord) Serialize() ([]byte, error) {
	return cbor.Marshal(r)
}

func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	var r SessionRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("record: decode session record: %w", err)
	}
	return &r, nil
}

// DeviceSessionMap maps a device id to that device's serialized session
// record. It is the explicit export/backup shape for one recipient's
// sessions.
type DeviceSessionMap map[uint32][]byte

func (m DeviceSessionMap) Serialize() ([]byte, error) {
	return cbor.Marshal(m)
}

func DeserializeDeviceSessionMap(data []byte) (DeviceSessionMap, error) {
	var m DeviceSessionMap
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("record: decode device session map: %w", err)
	}
	return m, nil
}
