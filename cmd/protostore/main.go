// Command protostore inspects and maintains a protocol key store.
//
// Usage:
//
//	protostore keys                 Show key counts per namespace
//	protostore maintain             Refill, rotate, and cull key material
//	protostore sessions <recipient> List or archive a recipient's sessions
package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/echomesh/protostore"
	"github.com/echomesh/protostore/internal/sigcrypto"
	"github.com/echomesh/protostore/internal/store"
)

type globalOpts struct {
	DB        string `long:"db" description:"Path to database file"`
	Config    string `long:"config" description:"Path to TOML retention config"`
	Recipient int64  `long:"recipient" default:"1" description:"Local recipient id (sender-key owner)"`
	Device    uint32 `long:"device" default:"1" description:"Local device id"`
	Verbose   bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Keys     keysCommand     `command:"keys" description:"Show per-namespace key counts"`
	Maintain maintainCommand `command:"maintain" description:"Refill, rotate, and cull key material"`
	Sessions sessionsCommand `command:"sessions" description:"List or archive sessions for a recipient"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// openKeyring opens the store with the global flags applied. The
// identity key pair lives next to the database so rotation signatures
// stay stable across runs.
func openKeyring() (*protostore.Keyring, error) {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dbPath := opts.DB
	if dbPath == "" {
		dbPath = filepath.Join(store.DefaultDataDir(), "default.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	identity, err := sigcrypto.LoadOrCreateIdentity(filepath.Join(filepath.Dir(dbPath), "identity.cbor"))
	if err != nil {
		return nil, err
	}

	retention := protostore.DefaultRetention()
	if opts.Config != "" {
		retention, err = protostore.LoadRetention(opts.Config)
		if err != nil {
			return nil, err
		}
	}

	return protostore.Open(dbPath, opts.Recipient, opts.Device,
		protostore.WithLogger(logger),
		protostore.WithIdentity(identity),
		protostore.WithRetention(retention),
	)
}

func formatMillis(ms uint64) string {
	return time.UnixMilli(int64(ms)).Format("2006-01-02 15:04")
}
