package protostore

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testKeyring(t *testing.T, opts ...Option) (*Keyring, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock.Now),
	}, opts...)
	k, err := Open(filepath.Join(t.TempDir(), "keys.db"), 100, 1, opts...)
	if err != nil {
		t.Fatalf("open keyring: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k, clock
}

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMaintainStocksEmptyKeyring(t *testing.T) {
	k, _ := testKeyring(t)

	reports, err := k.Maintain()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want one per namespace", len(reports))
	}

	for _, ns := range []Namespace{NamespaceACI, NamespacePNI} {
		counts, err := k.Counts(ns)
		if err != nil {
			t.Fatal(err)
		}
		if counts.OneTimeEC != 100 {
			t.Errorf("%s: one-time EC count = %d, want 100", ns, counts.OneTimeEC)
		}
		if counts.OneTimeKyber != 100 {
			t.Errorf("%s: one-time kyber count = %d, want 100", ns, counts.OneTimeKyber)
		}
		if counts.SignedEC != 1 {
			t.Errorf("%s: signed count = %d, want 1", ns, counts.SignedEC)
		}
		if counts.LastResortKyber != 1 {
			t.Errorf("%s: last-resort count = %d, want 1", ns, counts.LastResortKyber)
		}
	}
}

func TestMaintainIsIdleWhenStocked(t *testing.T) {
	k, clock := testKeyring(t)
	if _, err := k.Maintain(); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Hour)
	reports, err := k.Maintain()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reports {
		if r.GeneratedOneTimeEC != 0 || r.GeneratedOneTimeKyber != 0 {
			t.Errorf("%s: refilled a stocked pool: %+v", r.Namespace, r)
		}
		if r.RotatedSignedEC || r.RotatedLastResort {
			t.Errorf("%s: rotated inside the interval: %+v", r.Namespace, r)
		}
	}
}

func TestMaintainRotatesAfterInterval(t *testing.T) {
	k, clock := testKeyring(t)
	if _, err := k.Maintain(); err != nil {
		t.Fatal(err)
	}
	before, err := k.ACI().SignedPreKeys.Current(k.Handle())
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(k.Retention().RotationInterval + time.Minute)
	reports, err := k.Maintain()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reports {
		if !r.RotatedSignedEC || !r.RotatedLastResort {
			t.Errorf("%s: rotation not performed: %+v", r.Namespace, r)
		}
	}

	after, err := k.ACI().SignedPreKeys.Current(k.Handle())
	if err != nil {
		t.Fatal(err)
	}
	if after == nil || after.ID == before.ID {
		t.Errorf("current signed pre-key did not advance: before %d, after %+v", before.ID, after)
	}
	old, err := k.ACI().SignedPreKeys.Load(k.Handle(), before.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.ReplacedAt == nil {
		t.Error("rotation left the previous signed pre-key unreplaced")
	}
}

func TestMaintainCullsExpiredKeys(t *testing.T) {
	k, clock := testKeyring(t)
	if _, err := k.Maintain(); err != nil {
		t.Fatal(err)
	}

	// Drain the EC pool below the minimum; the next pass refills with a
	// full batch and marks the 5 leftovers replaced.
	h := k.Handle()
	rows, err := h.Query("SELECT id FROM pre_key WHERE namespace = ? LIMIT 95", NamespaceACI)
	if err != nil {
		t.Fatal(err)
	}
	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) != 95 {
		t.Fatalf("drained %d ids, want 95", len(ids))
	}
	for _, id := range ids {
		if err := k.ACI().PreKeys.Remove(h, id); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(time.Hour)
	reports, err := k.Maintain()
	if err != nil {
		t.Fatal(err)
	}
	if reports[0].GeneratedOneTimeEC != 100 {
		t.Fatalf("refill generated %d, want 100", reports[0].GeneratedOneTimeEC)
	}
	counts, err := k.Counts(NamespaceACI)
	if err != nil {
		t.Fatal(err)
	}
	if counts.OneTimeEC != 100 {
		t.Fatalf("usable count after refill = %d, want 100", counts.OneTimeEC)
	}

	// Past the retention window the 5 replaced leftovers go.
	ret := k.Retention()
	clock.Advance(ret.MaxUnacknowledgedSessionAge + 2*ret.PreKeyGracePeriod)
	reports, err = k.Maintain()
	if err != nil {
		t.Fatal(err)
	}
	if reports[0].CulledOneTimeEC != 5 {
		t.Errorf("culled %d one-time EC keys, want 5", reports[0].CulledOneTimeEC)
	}
}
