package sigcrypto

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

type identityFile struct {
	PrivateKey []byte
	PublicKey  []byte
}

// LoadOrCreateIdentity loads the identity key pair stored at path,
// generating and persisting a fresh one when the file does not exist.
// The file is written 0600; losing it invalidates every signature peers
// hold, so callers should treat it like the database itself.
func LoadOrCreateIdentity(path string) (*IdentityKeyPair, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id, err := GenerateIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		out, err := cbor.Marshal(identityFile{
			PrivateKey: id.PrivateKey,
			PublicKey:  id.PublicKey,
		})
		if err != nil {
			return nil, fmt.Errorf("sigcrypto: encode identity: %w", err)
		}
		if err := os.WriteFile(path, out, 0600); err != nil {
			return nil, fmt.Errorf("sigcrypto: write identity: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sigcrypto: read identity: %w", err)
	}

	var f identityFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("sigcrypto: decode identity %s: %w", path, err)
	}
	if len(f.PrivateKey) != ed25519.PrivateKeySize || len(f.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("sigcrypto: identity %s has malformed keys", path)
	}
	return &IdentityKeyPair{
		PrivateKey: ed25519.PrivateKey(f.PrivateKey),
		PublicKey:  ed25519.PublicKey(f.PublicKey),
	}, nil
}
