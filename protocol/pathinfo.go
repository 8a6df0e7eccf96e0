package protocol

import (
	"io"
	"sort"

	"github.com/nix-community/go-nix/pkg/wire"
)

// PathInfo is the metadata of a valid store path as carried by the daemon
// protocol. NarHash is lowercase hex without an algorithm prefix (the wire
// form); References are sorted full store paths.
type PathInfo struct {
	Deriver          string
	NarHash          string
	References       []string
	RegistrationTime uint64
	NarSize          uint64
	Ultimate         bool
	Signatures       []string
	CA               string
}

// ReadPathInfo reads the unkeyed ValidPathInfo wire fields.
func ReadPathInfo(r io.Reader) (*PathInfo, error) {
	info := &PathInfo{}
	var err error
	if info.Deriver, err = wire.ReadString(r, MaxStringSize); err != nil {
		return nil, err
	}
	if info.NarHash, err = wire.ReadString(r, MaxStringSize); err != nil {
		return nil, err
	}
	if info.References, err = ReadStringList(r); err != nil {
		return nil, err
	}
	if info.RegistrationTime, err = wire.ReadUint64(r); err != nil {
		return nil, err
	}
	if info.NarSize, err = wire.ReadUint64(r); err != nil {
		return nil, err
	}
	if info.Ultimate, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if info.Signatures, err = ReadStringList(r); err != nil {
		return nil, err
	}
	if info.CA, err = wire.ReadString(r, MaxStringSize); err != nil {
		return nil, err
	}
	return info, nil
}

// WritePathInfo writes the unkeyed ValidPathInfo wire fields. References are
// emitted in sorted byte order regardless of input order.
func WritePathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.Deriver); err != nil {
		return err
	}
	if err := wire.WriteString(w, info.NarHash); err != nil {
		return err
	}
	refs := append([]string(nil), info.References...)
	sort.Strings(refs)
	if err := WriteStringList(w, refs); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, info.RegistrationTime); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return err
	}
	if err := wire.WriteBool(w, info.Ultimate); err != nil {
		return err
	}
	if err := WriteStringList(w, info.Signatures); err != nil {
		return err
	}
	return wire.WriteString(w, info.CA)
}

// ReadOptionalPathInfo reads the keyed optional encoding used by the
// QueryPathInfo response: a path byte-string (empty means absent) followed,
// when present, by the unkeyed fields.
func ReadOptionalPathInfo(r io.Reader) (string, *PathInfo, error) {
	path, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return "", nil, err
	}
	if path == "" {
		return "", nil, nil
	}
	info, err := ReadPathInfo(r)
	if err != nil {
		return "", nil, err
	}
	return path, info, nil
}

// WriteOptionalPathInfo writes the keyed optional encoding. A nil info is
// encoded as an empty path byte-string.
func WriteOptionalPathInfo(w io.Writer, path string, info *PathInfo) error {
	if info == nil {
		return wire.WriteString(w, "")
	}
	if err := wire.WriteString(w, path); err != nil {
		return err
	}
	return WritePathInfo(w, info)
}
