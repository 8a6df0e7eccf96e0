package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/nix-community/go-nix/pkg/narinfo/signature"
)

// InvalidKeyLengthError reports a decoded secret that is neither a 32-byte
// seed nor a 64-byte keypair.
type InvalidKeyLengthError struct {
	Length int
}

func (e InvalidKeyLengthError) Error() string {
	return fmt.Sprintf("invalid signing key length: expected 32 or 64 bytes, got %d", e.Length)
}

// Key is a named Ed25519 signing key for a binary cache.
type Key struct {
	Name    string
	private ed25519.PrivateKey
}

// ParseKey parses a signing key of the form "name:base64". The base64 part
// must decode to a 32-byte seed or a 64-byte keypair (seed followed by the
// public key).
func ParseKey(s string) (*Key, error) {
	name, encoded, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("signing key does not contain a ':'")
	}
	if name == "" {
		return nil, fmt.Errorf("signing key has an empty name")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key %q: %w", name, err)
	}
	var private ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		private = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		private = ed25519.PrivateKey(raw)
		// The trailing half must be the public key derived from the seed.
		derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !bytes.Equal(derived[ed25519.SeedSize:], raw[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("signing key %q is not a valid Ed25519 keypair", name)
		}
	default:
		return nil, InvalidKeyLengthError{Length: len(raw)}
	}
	return &Key{Name: name, private: private}, nil
}

// LoadKey reads and parses a signing key file containing a single
// "name:base64" line.
func LoadKey(path string) (*Key, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}
	key, err := ParseKey(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key from %q: %w", path, err)
	}
	return key, nil
}

// Sign signs a fingerprint, returning the signature that is serialized as
// "<name>:<base64>" in narinfos.
func (k *Key) Sign(fingerprint []byte) signature.Signature {
	return signature.Signature{
		Name: k.Name,
		Data: ed25519.Sign(k.private, fingerprint),
	}
}

// SignString signs a fingerprint and returns the serialized form.
func (k *Key) SignString(fingerprint []byte) string {
	return k.Sign(fingerprint).String()
}

// PublicKey returns the public half in "name:base64" form, as published in
// nix.conf trusted-public-keys.
func (k *Key) PublicKey() string {
	pub := k.private.Public().(ed25519.PublicKey)
	return k.Name + ":" + base64.StdEncoding.EncodeToString(pub)
}
