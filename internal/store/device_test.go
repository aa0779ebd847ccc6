package store

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/echomesh/protostore/internal/record"
)

func TestDevicesSetListAddRemove(t *testing.T) {
	st := tempStore(t)
	d := NewDevices(newFakeClock().Now)

	devices, err := d.List(st.Handle(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 0 {
		t.Fatalf("unknown recipient has devices: %v", devices)
	}

	if err := d.Set(st.Handle(), 1, []uint32{3, 1, 2}); err != nil {
		t.Fatal(err)
	}
	devices, err = d.List(st.Handle(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(devices, []uint32{1, 2, 3}) {
		t.Errorf("devices = %v, want [1 2 3]", devices)
	}

	if err := d.Add(st.Handle(), 1, 4); err != nil {
		t.Fatal(err)
	}
	if err := d.Add(st.Handle(), 1, 4); err != nil {
		t.Fatalf("re-adding a device: %v", err)
	}
	if err := d.Remove(st.Handle(), 1, 2); err != nil {
		t.Fatal(err)
	}
	devices, err = d.List(st.Handle(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(devices, []uint32{1, 3, 4}) {
		t.Errorf("devices = %v, want [1 3 4]", devices)
	}

	// Set replaces wholesale.
	if err := d.Set(st.Handle(), 1, []uint32{7}); err != nil {
		t.Fatal(err)
	}
	devices, err = d.List(st.Handle(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(devices, []uint32{7}) {
		t.Errorf("devices = %v, want [7]", devices)
	}
}

func TestSessionDirectoryResolvesRegistrationIDs(t *testing.T) {
	st := tempStore(t)
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	devices := NewDevices(clock.Now)
	sessions := NewSessionStore(NamespaceACI, logger)
	dir := NewSessionDirectory(devices, sessions)

	if _, err := dir.CurrentDevices(st.Handle(), 1); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("err = %v, want ErrUnknownRecipient", err)
	}

	if err := devices.Set(st.Handle(), 1, []uint32{1, 2}); err != nil {
		t.Fatal(err)
	}
	// Device 1 has a live session, device 2 has none.
	err := sessions.Store(st.Handle(), 1, 1, record.NewSessionRecord(&record.SessionState{
		RemoteRegistrationID: 555,
		Ratchet:              []byte("r"),
	}))
	if err != nil {
		t.Fatal(err)
	}

	got, err := dir.CurrentDevices(st.Handle(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d devices, want 2", len(got))
	}
	if got[0].DeviceID != 1 || got[0].RegistrationID == nil || *got[0].RegistrationID != 555 {
		t.Errorf("device 1 = %+v", got[0])
	}
	if got[1].DeviceID != 2 || got[1].RegistrationID != nil {
		t.Errorf("device 2 = %+v, want nil registration id", got[1])
	}
}

func TestSessionDirectoryArchivedSessionHasNoRegistrationID(t *testing.T) {
	st := tempStore(t)
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	devices := NewDevices(clock.Now)
	sessions := NewSessionStore(NamespaceACI, logger)
	dir := NewSessionDirectory(devices, sessions)

	if err := devices.Set(st.Handle(), 1, []uint32{1}); err != nil {
		t.Fatal(err)
	}
	rec := record.NewSessionRecord(&record.SessionState{RemoteRegistrationID: 555, Ratchet: []byte("r")})
	rec.Archive()
	if err := sessions.Store(st.Handle(), 1, 1, rec); err != nil {
		t.Fatal(err)
	}

	got, err := dir.CurrentDevices(st.Handle(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].RegistrationID != nil {
		t.Error("archived-only session yielded a registration id")
	}
}
