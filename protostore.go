// Package protostore manages durable Signal-protocol key material: EC
// and Kyber pre-keys with bounded id allocation and rotation,
// Double-Ratchet session records, and sender-key distribution
// bookkeeping, all persisted in one SQLite database across two identity
// namespaces.
package protostore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/echomesh/protostore/internal/config"
	"github.com/echomesh/protostore/internal/record"
	"github.com/echomesh/protostore/internal/sigcrypto"
	"github.com/echomesh/protostore/internal/store"
)

// Aliases so callers can name the handle types this package returns.
type (
	ProtocolStore    = store.ProtocolStore
	Namespace        = store.Namespace
	Retention        = config.Retention
	IdentityKeyPair  = sigcrypto.IdentityKeyPair
	DBTX             = store.DBTX
	NoKeyWithIDError = store.NoKeyWithIDError
	ReplayError      = store.ReplayError
)

const (
	NamespaceACI = store.NamespaceACI
	NamespacePNI = store.NamespacePNI
)

// Pool sizing for one-time pre-keys, applied per namespace and per key
// family during maintenance: refill to the batch size once the usable
// count drops below the minimum.
const (
	oneTimePreKeyBatchSize = 100
	minOneTimePreKeyCount  = 10
)

// Keyring is the composition root: both identity namespaces over one
// database, plus the maintenance loop that keeps their key pools
// stocked, rotated, and culled.
type Keyring struct {
	db        *store.Store
	logger    *slog.Logger
	crypto    sigcrypto.Provider
	now       func() time.Time
	retention Retention
	identity  *IdentityKeyPair

	devices *store.Devices
	aci     *ProtocolStore
	pni     *ProtocolStore
}

// Option configures a Keyring before it opens.
type Option func(*Keyring)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(k *Keyring) { k.logger = l }
}

// WithRetention overrides the retention and rotation windows.
func WithRetention(r Retention) Option {
	return func(k *Keyring) { k.retention = r }
}

// WithIdentity sets the long-term identity used to sign generated
// pre-keys. Without it, Open generates an ephemeral identity; callers
// that need signature continuity across restarts must supply their own.
func WithIdentity(id *IdentityKeyPair) Option {
	return func(k *Keyring) { k.identity = id }
}

// WithCrypto substitutes the key-generation provider.
func WithCrypto(p sigcrypto.Provider) Option {
	return func(k *Keyring) { k.crypto = p }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(k *Keyring) { k.now = now }
}

// LoadRetention reads retention windows from a TOML file.
func LoadRetention(path string) (Retention, error) {
	return config.Load(path)
}

// DefaultRetention returns the production retention windows.
func DefaultRetention() Retention {
	return config.Default()
}

// Open opens or creates the database at dbPath (empty means the default
// data directory) and wires up both namespaces. localRecipient and
// localDevice identify this device as a sender-key owner.
func Open(dbPath string, localRecipient int64, localDevice uint32, opts ...Option) (*Keyring, error) {
	k := &Keyring{
		crypto:    sigcrypto.Default(),
		now:       time.Now,
		retention: config.Default(),
	}
	for _, o := range opts {
		o(k)
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	if k.identity == nil {
		id, err := sigcrypto.GenerateIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		k.identity = id
	}

	db, err := store.Open(dbPath, k.logger)
	if err != nil {
		return nil, err
	}
	k.db = db
	k.devices = store.NewDevices(k.now)
	k.aci = store.NewProtocolStore(NamespaceACI, localRecipient, localDevice, k.crypto, k.devices, k.logger, k.now)
	k.pni = store.NewProtocolStore(NamespacePNI, localRecipient, localDevice, k.crypto, k.devices, k.logger, k.now)
	return k, nil
}

// Close closes the underlying database.
func (k *Keyring) Close() error { return k.db.Close() }

// ACI returns the primary-identity stores.
func (k *Keyring) ACI() *ProtocolStore { return k.aci }

// PNI returns the secondary-identity stores.
func (k *Keyring) PNI() *ProtocolStore { return k.pni }

// Namespace returns the stores for ns.
func (k *Keyring) Namespace(ns Namespace) *ProtocolStore {
	if ns == NamespacePNI {
		return k.pni
	}
	return k.aci
}

// Devices returns the shared recipient device directory.
func (k *Keyring) Devices() *store.Devices { return k.devices }

// Retention returns the active retention windows.
func (k *Keyring) Retention() Retention { return k.retention }

// Handle returns the raw database handle for single-statement calls.
func (k *Keyring) Handle() DBTX { return k.db.Handle() }

// WriteTx runs fn in one write transaction.
func (k *Keyring) WriteTx(fn func(tx *sql.Tx) error) error { return k.db.WriteTx(fn) }

// KeyCounts is a per-namespace snapshot of usable key material.
type KeyCounts struct {
	OneTimeEC       int
	SignedEC        int
	OneTimeKyber    int
	LastResortKyber int
}

// Counts reports the usable record counts for ns.
func (k *Keyring) Counts(ns Namespace) (KeyCounts, error) {
	p := k.Namespace(ns)
	h := k.db.Handle()
	var c KeyCounts
	var err error
	if c.OneTimeEC, err = p.PreKeys.Count(h); err != nil {
		return c, err
	}
	if c.SignedEC, err = p.SignedPreKeys.Count(h); err != nil {
		return c, err
	}
	if c.OneTimeKyber, err = p.KyberPreKeys.Count(h, false); err != nil {
		return c, err
	}
	if c.LastResortKyber, err = p.KyberPreKeys.Count(h, true); err != nil {
		return c, err
	}
	return c, nil
}

// MaintenanceReport summarizes one Maintain run for one namespace.
type MaintenanceReport struct {
	Namespace Namespace

	GeneratedOneTimeEC    int
	GeneratedOneTimeKyber int
	RotatedSignedEC       bool
	RotatedLastResort     bool

	CulledOneTimeEC int64
	CulledSignedEC  int64
	CulledKyber     int64
}

// Maintain refills, rotates, and culls both namespaces, each under its
// own write transaction so a failure in one namespace leaves the other
// fully maintained. Refills top the one-time pools back up to the batch
// size when they fall below the minimum; signed and last-resort keys
// rotate once the rotation interval elapses.
func (k *Keyring) Maintain() ([]MaintenanceReport, error) {
	reports := make([]MaintenanceReport, 0, 2)
	for _, ns := range []Namespace{NamespaceACI, NamespacePNI} {
		var report MaintenanceReport
		err := k.db.WriteTx(func(tx *sql.Tx) error {
			var err error
			report, err = k.maintainNamespace(tx, ns)
			return err
		})
		if err != nil {
			return reports, fmt.Errorf("protostore: maintain %s: %w", ns, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (k *Keyring) maintainNamespace(tx *sql.Tx, ns Namespace) (MaintenanceReport, error) {
	p := k.Namespace(ns)
	report := MaintenanceReport{Namespace: ns}

	// One-time EC pool. A refill writes a full fresh batch and starts
	// the deprecation countdown on everything older.
	n, err := p.PreKeys.Count(tx)
	if err != nil {
		return report, err
	}
	if n < minOneTimePreKeyCount {
		records, err := p.PreKeys.Generate(tx, oneTimePreKeyBatchSize)
		if err != nil {
			return report, err
		}
		if err := p.PreKeys.StoreRecords(tx, records); err != nil {
			return report, err
		}
		ids := make([]uint32, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		if err := p.PreKeys.SetReplacedAtToNowIfNil(tx, ids); err != nil {
			return report, err
		}
		report.GeneratedOneTimeEC = len(records)
	}

	// One-time Kyber pool, same refill policy.
	n, err = p.KyberPreKeys.Count(tx, false)
	if err != nil {
		return report, err
	}
	if n < minOneTimePreKeyCount {
		records, err := p.KyberPreKeys.GenerateBatch(tx, k.identity, oneTimePreKeyBatchSize)
		if err != nil {
			return report, err
		}
		if err := p.KyberPreKeys.StoreRecords(tx, records); err != nil {
			return report, err
		}
		ids := make([]uint32, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		if err := p.KyberPreKeys.SetReplacedAtToNowIfNil(tx, false, ids); err != nil {
			return report, err
		}
		report.GeneratedOneTimeKyber = len(records)
	}

	// Signed EC rotation.
	due, err := rotationDue(tx, p.SignedPreKeys.LastSuccessfulRotationDate, k.now(), k.retention.RotationInterval)
	if err != nil {
		return report, err
	}
	if due {
		r, err := p.SignedPreKeys.Generate(tx, k.identity)
		if err != nil {
			return report, err
		}
		if err := p.SignedPreKeys.StoreRecord(tx, r); err != nil {
			return report, err
		}
		if err := p.SignedPreKeys.SetReplacedAtToNowIfNil(tx, []uint32{r.ID}); err != nil {
			return report, err
		}
		if err := p.SignedPreKeys.SetLastSuccessfulRotationDate(tx, k.now()); err != nil {
			return report, err
		}
		report.RotatedSignedEC = true
	}

	// Last-resort Kyber rotation.
	due, err = rotationDue(tx, p.KyberPreKeys.LastSuccessfulRotationDate, k.now(), k.retention.RotationInterval)
	if err != nil {
		return report, err
	}
	if due {
		r, err := p.KyberPreKeys.GenerateLastResort(tx, k.identity)
		if err != nil {
			return report, err
		}
		if err := p.KyberPreKeys.StoreRecords(tx, []*record.KyberPreKeyRecord{r}); err != nil {
			return report, err
		}
		if err := p.KyberPreKeys.SetReplacedAtToNowIfNil(tx, true, []uint32{r.ID}); err != nil {
			return report, err
		}
		if err := p.KyberPreKeys.SetLastSuccessfulRotationDate(tx, k.now()); err != nil {
			return report, err
		}
		report.RotatedLastResort = true
	}

	// Cull everything past its retention window.
	if report.CulledOneTimeEC, err = p.PreKeys.Cull(tx, k.retention); err != nil {
		return report, err
	}
	if report.CulledSignedEC, err = p.SignedPreKeys.Cull(tx, k.retention); err != nil {
		return report, err
	}
	if report.CulledKyber, err = p.KyberPreKeys.Cull(tx, k.retention); err != nil {
		return report, err
	}

	k.logger.Info("maintenance pass complete",
		"namespace", ns.String(),
		"generated_ec", report.GeneratedOneTimeEC,
		"generated_kyber", report.GeneratedOneTimeKyber,
		"rotated_signed", report.RotatedSignedEC,
		"rotated_last_resort", report.RotatedLastResort,
		"culled", report.CulledOneTimeEC+report.CulledSignedEC+report.CulledKyber)
	return report, nil
}

// rotationDue reports whether a rotation slot is older than the
// interval, treating a never-rotated slot as due.
func rotationDue(tx DBTX, lastDate func(DBTX) (time.Time, bool, error), now time.Time, interval time.Duration) (bool, error) {
	last, ok, err := lastDate(tx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last) >= interval, nil
}
