// Package nar serializes store paths into the deterministic NAR archive
// format as a backpressured byte stream.
package nar

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	gonar "github.com/nix-community/go-nix/pkg/nar"
)

// DumpPath writes the NAR serialization of the filesystem tree rooted at
// fsPath to w. Directory entries are emitted in raw byte order; regular files
// are memory-mapped where possible.
func DumpPath(w io.Writer, fsPath string) error {
	nw, err := gonar.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to initialize nar writer: %w", err)
	}
	if err := dumpNode(nw, fsPath, "/"); err != nil {
		return err
	}
	return nw.Close()
}

func dumpNode(nw *gonar.Writer, fsPath, narPath string) error {
	fi, err := os.Lstat(fsPath)
	if err != nil {
		return err
	}

	switch {
	case fi.Mode().IsRegular():
		return dumpRegular(nw, fsPath, narPath, fi)

	case fi.IsDir():
		if err := nw.WriteHeader(&gonar.Header{
			Path: narPath,
			Type: gonar.TypeDirectory,
		}); err != nil {
			return err
		}
		entries, err := os.ReadDir(fsPath)
		if err != nil {
			return err
		}
		// os.ReadDir sorts by filename, which for Go strings is raw byte
		// order - exactly the NAR entry ordering contract.
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Name() < entries[j].Name()
		})
		for _, entry := range entries {
			if err := dumpNode(nw, filepath.Join(fsPath, entry.Name()), path.Join(narPath, entry.Name())); err != nil {
				return err
			}
		}
		return nil

	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return err
		}
		return nw.WriteHeader(&gonar.Header{
			Path:       narPath,
			Type:       gonar.TypeSymlink,
			LinkTarget: target,
		})

	default:
		return fmt.Errorf("unsupported file type at %q: %s", fsPath, fi.Mode())
	}
}

func dumpRegular(nw *gonar.Writer, fsPath, narPath string, fi os.FileInfo) error {
	if err := nw.WriteHeader(&gonar.Header{
		Path:       narPath,
		Type:       gonar.TypeRegular,
		Size:       fi.Size(),
		Executable: fi.Mode()&0o111 != 0,
	}); err != nil {
		return err
	}
	if fi.Size() == 0 {
		return nil
	}

	f, err := os.Open(fsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if m, err := mapFile(f, fi.Size()); err == nil {
		defer m.Close()
		_, err = nw.Write(m.Bytes())
		return err
	}
	// Filesystems without mmap support fall back to buffered reads.
	_, err = io.Copy(nw, f)
	return err
}
