package protocol

import (
	"io"

	"github.com/nix-community/go-nix/pkg/wire"
)

// ReadStringList reads a u64 count followed by that many padded strings,
// enforcing the list and string size limits.
func ReadStringList(r io.Reader) ([]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if count > MaxListSize {
		return nil, ListTooLongError{Length: count}
	}
	list := make([]string, 0, count)
	for range count {
		s, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// WriteStringList writes a u64 count followed by the padded strings.
func WriteStringList(w io.Writer, list []string) error {
	if err := wire.WriteUint64(w, uint64(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := wire.WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}
