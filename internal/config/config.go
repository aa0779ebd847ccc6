// Package config holds the externally-tuned retention and rotation
// windows. The stores never compute these; they are handed in by the
// caller, typically from a TOML file shipped with the application.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Retention bounds how long superseded key material and sender keys
// stay usable or stored.
type Retention struct {
	// MaxUnacknowledgedSessionAge bounds how long a peer might keep
	// using a pre-key bundle fetched before a rotation. Culling a
	// replaced pre-key earlier than this risks breaking a session that
	// is still being established.
	MaxUnacknowledgedSessionAge time.Duration

	// PreKeyGracePeriod is extra retention after the unacknowledged
	// window, applied to replaced one-time and signed pre-keys.
	PreKeyGracePeriod time.Duration

	// MessageQueueRetention bounds last-resort Kyber key retention: a
	// queued message older than this will never be delivered, so the
	// key that would decrypt it can go.
	MessageQueueRetention time.Duration

	// MaxSenderKeyAge expires self-originated sender keys, forcing a
	// fresh key and full redistribution.
	MaxSenderKeyAge time.Duration

	// RotationInterval is how often signed and last-resort pre-keys
	// should be rotated by the external scheduler.
	RotationInterval time.Duration
}

// Default returns the retention windows used in production.
func Default() Retention {
	return Retention{
		MaxUnacknowledgedSessionAge: 30 * 24 * time.Hour,
		PreKeyGracePeriod:           2 * 24 * time.Hour,
		MessageQueueRetention:       45 * 24 * time.Hour,
		MaxSenderKeyAge:             14 * 24 * time.Hour,
		RotationInterval:            2 * 24 * time.Hour,
	}
}

// retentionFile is the TOML shape; durations are strings like "720h".
type retentionFile struct {
	MaxUnacknowledgedSessionAge string `toml:"max_unacknowledged_session_age"`
	PreKeyGracePeriod           string `toml:"pre_key_grace_period"`
	MessageQueueRetention       string `toml:"message_queue_retention"`
	MaxSenderKeyAge             string `toml:"max_sender_key_age"`
	RotationInterval            string `toml:"rotation_interval"`
}

// Load reads a TOML retention file. Unset fields keep their defaults.
func Load(path string) (Retention, error) {
	var f retentionFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Retention{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	r := Default()
	for _, field := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.MaxUnacknowledgedSessionAge, &r.MaxUnacknowledgedSessionAge},
		{f.PreKeyGracePeriod, &r.PreKeyGracePeriod},
		{f.MessageQueueRetention, &r.MessageQueueRetention},
		{f.MaxSenderKeyAge, &r.MaxSenderKeyAge},
		{f.RotationInterval, &r.RotationInterval},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return Retention{}, fmt.Errorf("config: %s: bad duration %q: %w", path, field.raw, err)
		}
		*field.dst = d
	}
	return r, nil
}
