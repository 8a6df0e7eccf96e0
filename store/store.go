// Package store maps between the virtual Nix store (the prefix that appears
// in narinfos, fingerprints and signatures) and the real on-disk location,
// which may differ for chroot stores.
package store

import (
	"fmt"
	"path"
	"strings"

	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// HashPartLen is the length of the base32 hash part of a store path.
const HashPartLen = 32

type Store struct {
	virtualDir string
	realDir    string
}

// New creates a Store. virtualDir is the store prefix clients see
// (e.g. /nix/store); realDir optionally redirects reads to a different
// on-disk root. Empty realDir means the virtual dir is also the real one.
func New(virtualDir, realDir string) *Store {
	return &Store{
		virtualDir: strings.TrimSuffix(virtualDir, "/"),
		realDir:    strings.TrimSuffix(realDir, "/"),
	}
}

// VirtualDir returns the store prefix used in narinfos and fingerprints.
func (s *Store) VirtualDir() string {
	return s.virtualDir
}

// RealDir returns the on-disk store root.
func (s *Store) RealDir() string {
	if s.realDir != "" {
		return s.realDir
	}
	return s.virtualDir
}

// RealPath maps a virtual store path to its on-disk location.
func (s *Store) RealPath(storePath string) string {
	if s.realDir == "" {
		return storePath
	}
	rest, ok := strings.CutPrefix(storePath, s.virtualDir+"/")
	if !ok {
		return storePath
	}
	return s.realDir + "/" + rest
}

// VirtualPath maps an on-disk store path back to the virtual prefix.
// The mapping is injective: only paths under the real root are rewritten.
func (s *Store) VirtualPath(realPath string) string {
	if s.realDir == "" {
		return realPath
	}
	rest, ok := strings.CutPrefix(realPath, s.realDir+"/")
	if !ok {
		return realPath
	}
	return s.virtualDir + "/" + rest
}

// HashPart extracts the 32-character base32 hash part from a store path.
func HashPart(storePath string) (string, error) {
	base := path.Base(storePath)
	if len(base) < HashPartLen {
		return "", fmt.Errorf("store path %q is too short", storePath)
	}
	hashPart := base[:HashPartLen]
	if err := nixbase32.ValidateString(hashPart); err != nil {
		return "", fmt.Errorf("store path %q has an invalid hash part: %w", storePath, err)
	}
	return hashPart, nil
}

// Name extracts the name component of a store path (everything after the
// first dash following the hash part).
func Name(storePath string) (string, error) {
	base := path.Base(storePath)
	if len(base) < HashPartLen+2 || base[HashPartLen] != '-' {
		return "", fmt.Errorf("store path %q has no name component", storePath)
	}
	return base[HashPartLen+1:], nil
}

// ValidHashPart reports whether s is a well-formed store path hash part.
func ValidHashPart(s string) bool {
	return len(s) == HashPartLen && nixbase32.ValidateString(s) == nil
}
