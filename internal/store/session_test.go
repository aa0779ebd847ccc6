package store

import (
	"bytes"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/echomesh/protostore/internal/record"
)

func newSession(registrationID uint32, ratchet string) *record.SessionRecord {
	return record.NewSessionRecord(&record.SessionState{
		RemoteRegistrationID: registrationID,
		Ratchet:              []byte(ratchet),
		CreatedAt:            1,
	})
}

func testSessionStore(t *testing.T) (*Store, *SessionStore) {
	t.Helper()
	st := tempStore(t)
	return st, NewSessionStore(NamespaceACI, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSessionLoadMissIsNilNil(t *testing.T) {
	st, ss := testSessionStore(t)
	r, err := ss.Load(st.Handle(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Errorf("load of absent session = %+v, want nil", r)
	}
}

func TestSessionStoreLoadRoundTrip(t *testing.T) {
	st, ss := testSessionStore(t)

	if err := ss.Store(st.Handle(), 1, 2, newSession(42, "ratchet")); err != nil {
		t.Fatal(err)
	}
	got, err := ss.Load(st.Handle(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Current == nil {
		t.Fatal("stored session came back empty")
	}
	if id, ok := got.RemoteRegistrationID(); !ok || id != 42 {
		t.Errorf("registration id = %d, %v", id, ok)
	}
	if !bytes.Equal(got.Current.Ratchet, []byte("ratchet")) {
		t.Error("ratchet bytes changed across round trip")
	}
}

func TestSessionArchiveAll(t *testing.T) {
	st, ss := testSessionStore(t)

	for device := uint32(1); device <= 3; device++ {
		if err := ss.Store(st.Handle(), 1, device, newSession(device, "r")); err != nil {
			t.Fatal(err)
		}
	}

	// Archive one device only.
	device := uint32(2)
	err := st.WriteTx(func(tx *sql.Tx) error {
		return ss.ArchiveAll(tx, 1, &device)
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := ss.Load(st.Handle(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Current != nil {
		t.Error("device 2 still has a live chain after targeted archive")
	}
	if len(got.Archived) != 1 {
		t.Errorf("device 2 has %d archived chains, want 1", len(got.Archived))
	}
	got, err = ss.Load(st.Handle(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Current == nil {
		t.Error("device 1 archived by a device-2-only call")
	}

	// Archive the whole recipient; already-archived rows stay stable.
	err = st.WriteTx(func(tx *sql.Tx) error {
		return ss.ArchiveAll(tx, 1, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	for device := uint32(1); device <= 3; device++ {
		got, err := ss.Load(st.Handle(), 1, device)
		if err != nil {
			t.Fatal(err)
		}
		if got.Current != nil {
			t.Errorf("device %d still live after recipient-wide archive", device)
		}
		if len(got.Archived) != 1 {
			t.Errorf("device %d has %d archived chains, want 1", device, len(got.Archived))
		}
	}
}

func TestSessionArchiveLeavesUndecodableRows(t *testing.T) {
	st, ss := testSessionStore(t)

	if err := ss.Store(st.Handle(), 1, 1, newSession(1, "good")); err != nil {
		t.Fatal(err)
	}
	garbage := []byte{0xff, 0x00, 0xba, 0xad}
	_, err := st.Handle().Exec(
		"INSERT INTO session (namespace, recipient_id, device_id, record) VALUES (?, ?, ?, ?)",
		NamespaceACI, 1, 2, garbage,
	)
	if err != nil {
		t.Fatal(err)
	}

	err = st.WriteTx(func(tx *sql.Tx) error {
		return ss.ArchiveAll(tx, 1, nil)
	})
	if err != nil {
		t.Fatal(err)
	}

	// The good row archived, the bad row's bytes are untouched.
	good, err := ss.Load(st.Handle(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if good.Current != nil {
		t.Error("decodable session not archived")
	}
	var raw []byte
	err = st.Handle().QueryRow(
		"SELECT record FROM session WHERE namespace = ? AND recipient_id = ? AND device_id = ?",
		NamespaceACI, 1, 2,
	).Scan(&raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, garbage) {
		t.Error("undecodable row rewritten")
	}
}

func TestSessionDeleteAll(t *testing.T) {
	st, ss := testSessionStore(t)

	for device := uint32(1); device <= 2; device++ {
		if err := ss.Store(st.Handle(), 1, device, newSession(device, "r")); err != nil {
			t.Fatal(err)
		}
	}
	if err := ss.Store(st.Handle(), 2, 1, newSession(9, "other")); err != nil {
		t.Fatal(err)
	}

	if err := ss.DeleteAll(st.Handle(), 1); err != nil {
		t.Fatal(err)
	}
	got, err := ss.Load(st.Handle(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("recipient 1 session survived DeleteAll")
	}
	got, err = ss.Load(st.Handle(), 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("recipient 2 session deleted by recipient 1's DeleteAll")
	}
}

func TestSessionMergeRecipient(t *testing.T) {
	t.Run("into has sessions, from's are dropped", func(t *testing.T) {
		st, ss := testSessionStore(t)
		if err := ss.Store(st.Handle(), 10, 1, newSession(1, "from")); err != nil {
			t.Fatal(err)
		}
		if err := ss.Store(st.Handle(), 20, 1, newSession(2, "into")); err != nil {
			t.Fatal(err)
		}

		err := st.WriteTx(func(tx *sql.Tx) error {
			return ss.MergeRecipient(tx, 10, 20)
		})
		if err != nil {
			t.Fatal(err)
		}

		got, err := ss.Load(st.Handle(), 20, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.Current.Ratchet, []byte("into")) {
			t.Error("merge replaced into's session bytes")
		}
		if got, _ := ss.Load(st.Handle(), 10, 1); got != nil {
			t.Error("from's session survived merge")
		}
	})

	t.Run("into empty, from's are re-pointed", func(t *testing.T) {
		st, ss := testSessionStore(t)
		if err := ss.Store(st.Handle(), 10, 1, newSession(1, "from")); err != nil {
			t.Fatal(err)
		}

		err := st.WriteTx(func(tx *sql.Tx) error {
			return ss.MergeRecipient(tx, 10, 20)
		})
		if err != nil {
			t.Fatal(err)
		}

		got, err := ss.Load(st.Handle(), 20, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || !bytes.Equal(got.Current.Ratchet, []byte("from")) {
			t.Error("from's session not re-pointed at into")
		}
		if got, _ := ss.Load(st.Handle(), 10, 1); got != nil {
			t.Error("from still has sessions after re-point")
		}
	})
}

func TestSessionLoadAllForRecipient(t *testing.T) {
	st, ss := testSessionStore(t)

	for device := uint32(1); device <= 3; device++ {
		if err := ss.Store(st.Handle(), 1, device, newSession(device, "r")); err != nil {
			t.Fatal(err)
		}
	}
	m, err := ss.LoadAllForRecipient(st.Handle(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 3 {
		t.Fatalf("map has %d entries, want 3", len(m))
	}
	for device := uint32(1); device <= 3; device++ {
		if _, ok := m[device]; !ok {
			t.Errorf("device %d missing from map", device)
		}
	}
}
