// Package signing builds store path fingerprints and signs them with
// Ed25519 cache keys, producing the signatures that appear in narinfos.
package signing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrStorePathTooShort      = errors.New("store path too short")
	ErrInvalidStorePrefix     = errors.New("store path does not start with store dir")
	ErrInvalidNarHashPrefix   = errors.New("nar hash must start with 'sha256:'")
	ErrInvalidReferencePrefix = errors.New("reference path does not start with store dir")
)

// InvalidNarHashLengthError reports a nar hash whose textual form is not the
// expected 59 bytes ("sha256:" plus 52 base32 characters).
type InvalidNarHashLengthError struct {
	Length int
}

func (e InvalidNarHashLengthError) Error() string {
	return fmt.Sprintf("nar hash has invalid length: expected 59, got %d", e.Length)
}

// narHashLen is len("sha256:") + 52 base32 characters.
const narHashLen = 59

// Fingerprint builds the canonical byte sequence that is signed to
// authenticate a store path:
//
//	1;<store-path>;<nar-hash>;<nar-size>;<comma-separated-references>
//
// references must already be sorted; the trailing field is empty when there
// are no references.
func Fingerprint(storeDir, storePath, narHash string, narSize uint64, references []string) ([]byte, error) {
	if len(storePath) < len(storeDir) {
		return nil, ErrStorePathTooShort
	}
	if storePath[:len(storeDir)] != storeDir {
		return nil, ErrInvalidStorePrefix
	}
	if !strings.HasPrefix(narHash, "sha256:") {
		return nil, ErrInvalidNarHashPrefix
	}
	if len(narHash) != narHashLen {
		return nil, InvalidNarHashLengthError{Length: len(narHash)}
	}
	for _, ref := range references {
		if len(ref) < len(storeDir) {
			return nil, ErrStorePathTooShort
		}
		if ref[:len(storeDir)] != storeDir {
			return nil, ErrInvalidReferencePrefix
		}
	}

	var b strings.Builder
	b.Grow(3 + len(storePath) + 1 + narHashLen + 1 + 20 + 1 + len(references)*64)
	b.WriteString("1;")
	b.WriteString(storePath)
	b.WriteByte(';')
	b.WriteString(narHash)
	b.WriteByte(';')
	b.WriteString(strconv.FormatUint(narSize, 10))
	b.WriteByte(';')
	b.WriteString(strings.Join(references, ","))
	return []byte(b.String()), nil
}
