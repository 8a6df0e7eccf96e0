package protocol

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nix-community/go-nix/pkg/wire"
)

func TestVersionWireRoundTrip(t *testing.T) {
	tests := []struct {
		wire    uint64
		version Version
	}{
		{wire: 0x126, version: Version{Major: 1, Minor: 38}},
		{wire: 0x115, version: Version{Major: 1, Minor: 21}},
		{wire: 0x200, version: Version{Major: 2, Minor: 0}},
	}
	for _, tt := range tests {
		if actual := VersionFromWire(tt.wire); actual != tt.version {
			t.Errorf("VersionFromWire(%#x) = %v, expected %v", tt.wire, actual, tt.version)
		}
		if actual := tt.version.Wire(); actual != tt.wire {
			t.Errorf("%v.Wire() = %#x, expected %#x", tt.version, actual, tt.wire)
		}
	}
}

func TestVersionAtLeast(t *testing.T) {
	if !CurrentVersion.AtLeast(MinVersion) {
		t.Error("current version must be at least the minimum")
	}
	if (Version{Major: 1, Minor: 20}).AtLeast(MinVersion) {
		t.Error("1.20 must be below the minimum")
	}
	if !(Version{Major: 2, Minor: 0}).AtLeast(CurrentVersion) {
		t.Error("2.0 must be at least 1.38")
	}
}

func TestPathInfoRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		info *PathInfo
	}{
		{
			name: "full",
			info: &PathInfo{
				Deriver: "/nix/store/x7d4pfz0y1jk8qkzmjhl0a1w0si9mrqk-hello-2.12.1.drv",
				NarHash: "a7e3b95af6423b573004d4b5c62892cd6e6a6b3faea8ba6970a194767a673078",
				References: []string{
					"/nix/store/0jqd0rlxzra1rs38rdxl43yh6rxchgc6-curl-7.82.0",
					"/nix/store/5dq2jj6d7k197p6fzqn8l5n0jfmhxmcg-glibc-2.33-59",
				},
				RegistrationTime: 1700000000,
				NarSize:          196040,
				Ultimate:         true,
				Signatures:       []string{"cache.example.com-1:c2lnbmF0dXJl"},
				CA:               "fixed:r:sha256:1b4sb93wp679q4zx9k1ignby1yna3z7c4c2ri3wphylbc2dwsys0",
			},
		},
		{
			name: "minimal",
			info: &PathInfo{
				NarHash:    "a7e3b95af6423b573004d4b5c62892cd6e6a6b3faea8ba6970a194767a673078",
				References: []string{},
				NarSize:    120,
				Signatures: []string{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := WritePathInfo(buf, tt.info); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if buf.Len()%8 != 0 {
				t.Errorf("wire encoding length %d is not 8-aligned", buf.Len())
			}
			actual, err := ReadPathInfo(buf)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if diff := cmp.Diff(tt.info, actual); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOptionalPathInfo(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := WriteOptionalPathInfo(buf, "", nil); err != nil {
			t.Fatal(err)
		}
		path, info, err := ReadOptionalPathInfo(buf)
		if err != nil {
			t.Fatal(err)
		}
		if path != "" || info != nil {
			t.Errorf("expected absent info, got %q %+v", path, info)
		}
	})
	t.Run("present", func(t *testing.T) {
		buf := new(bytes.Buffer)
		orig := &PathInfo{
			NarHash:    "a7e3b95af6423b573004d4b5c62892cd6e6a6b3faea8ba6970a194767a673078",
			References: []string{},
			NarSize:    1,
			Signatures: []string{},
		}
		if err := WriteOptionalPathInfo(buf, "/nix/store/26xbg1ndr7hbcncrlf9nhx5is2b25d13-hello-2.12.1", orig); err != nil {
			t.Fatal(err)
		}
		path, info, err := ReadOptionalPathInfo(buf)
		if err != nil {
			t.Fatal(err)
		}
		if path != "/nix/store/26xbg1ndr7hbcncrlf9nhx5is2b25d13-hello-2.12.1" {
			t.Errorf("unexpected path %q", path)
		}
		if diff := cmp.Diff(orig, info); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestWritePathInfoSortsReferences(t *testing.T) {
	buf := new(bytes.Buffer)
	info := &PathInfo{
		NarHash: "00",
		References: []string{
			"/nix/store/zzz-b",
			"/nix/store/aaa-a",
		},
		Signatures: []string{},
	}
	if err := WritePathInfo(buf, info); err != nil {
		t.Fatal(err)
	}
	actual, err := ReadPathInfo(buf)
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"/nix/store/aaa-a", "/nix/store/zzz-b"}
	if diff := cmp.Diff(expected, actual.References); diff != "" {
		t.Errorf("references not sorted (-want +got):\n%s", diff)
	}
}

func TestReadStringListTooLong(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := wire.WriteUint64(buf, MaxListSize+1); err != nil {
		t.Fatal(err)
	}
	_, err := ReadStringList(buf)
	var tooLong ListTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected ListTooLongError, got %v", err)
	}
}

func TestProcessStderr(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("last only", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := WriteStderrLast(buf); err != nil {
			t.Fatal(err)
		}
		if err := ProcessStderr(buf, CurrentVersion, log); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("log lines before last", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := wire.WriteUint64(buf, StderrNext); err != nil {
			t.Fatal(err)
		}
		if err := wire.WriteString(buf, "copying path"); err != nil {
			t.Fatal(err)
		}
		if err := WriteStderrLast(buf); err != nil {
			t.Fatal(err)
		}
		if err := ProcessStderr(buf, CurrentVersion, log); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("structured error", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := wire.WriteUint64(buf, StderrError); err != nil {
			t.Fatal(err)
		}
		if err := wire.WriteString(buf, "Error"); err != nil { // type
			t.Fatal(err)
		}
		if err := wire.WriteUint64(buf, 0); err != nil { // level
			t.Fatal(err)
		}
		if err := wire.WriteString(buf, "Error"); err != nil { // name
			t.Fatal(err)
		}
		if err := wire.WriteString(buf, "path is not valid"); err != nil {
			t.Fatal(err)
		}
		if err := wire.WriteUint64(buf, 0); err != nil { // havePos
			t.Fatal(err)
		}
		if err := wire.WriteUint64(buf, 0); err != nil { // traces
			t.Fatal(err)
		}

		err := ProcessStderr(buf, CurrentVersion, log)
		var daemonErr DaemonError
		if !errors.As(err, &daemonErr) {
			t.Fatalf("expected DaemonError, got %v", err)
		}
		if daemonErr.Message != "path is not valid" {
			t.Errorf("unexpected message: %q", daemonErr.Message)
		}
	})

	t.Run("legacy error", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := wire.WriteUint64(buf, StderrError); err != nil {
			t.Fatal(err)
		}
		if err := wire.WriteString(buf, "no such path"); err != nil {
			t.Fatal(err)
		}
		if err := wire.WriteUint64(buf, 1); err != nil { // exit status
			t.Fatal(err)
		}

		err := ProcessStderr(buf, Version{Major: 1, Minor: 21}, log)
		var daemonErr DaemonError
		if !errors.As(err, &daemonErr) {
			t.Fatalf("expected DaemonError, got %v", err)
		}
		if daemonErr.Message != "no such path" {
			t.Errorf("unexpected message: %q", daemonErr.Message)
		}
	})

	t.Run("unknown tag", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := wire.WriteUint64(buf, 0xdeadbeef); err != nil {
			t.Fatal(err)
		}
		if err := ProcessStderr(buf, CurrentVersion, log); err == nil {
			t.Error("expected error for unknown tag")
		}
	})
}
