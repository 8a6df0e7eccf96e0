package signing

import (
	"errors"
	"testing"
)

func TestFingerprint(t *testing.T) {
	fp, err := Fingerprint(
		"/nix/store",
		"/nix/store/syd87l2rxw8cbsxmxl853h0r6pdwhwjr-curl-7.82.0-bin",
		"sha256:1b4sb93wp679q4zx9k1ignby1yna3z7c4c2ri3wphylbc2dwsys0",
		196040,
		[]string{
			"/nix/store/0jqd0rlxzra1rs38rdxl43yh6rxchgc6-curl-7.82.0",
			"/nix/store/5dq2jj6d7k197p6fzqn8l5n0jfmhxmcg-glibc-2.33-59",
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "1;/nix/store/syd87l2rxw8cbsxmxl853h0r6pdwhwjr-curl-7.82.0-bin;sha256:1b4sb93wp679q4zx9k1ignby1yna3z7c4c2ri3wphylbc2dwsys0;196040;/nix/store/0jqd0rlxzra1rs38rdxl43yh6rxchgc6-curl-7.82.0,/nix/store/5dq2jj6d7k197p6fzqn8l5n0jfmhxmcg-glibc-2.33-59"
	if string(fp) != expected {
		t.Errorf("expected:\n%s\ngot:\n%s", expected, fp)
	}
}

func TestFingerprintNoReferences(t *testing.T) {
	fp, err := Fingerprint(
		"/nix/store",
		"/nix/store/26xbg1ndr7hbcncrlf9nhx5is2b25d13-hello-2.12.1",
		"sha256:1mkvday29m2qxg1fnbv8xh9s6151bh8a2xzhh0k86j7lqhyfwibh",
		226560,
		nil,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "1;/nix/store/26xbg1ndr7hbcncrlf9nhx5is2b25d13-hello-2.12.1;sha256:1mkvday29m2qxg1fnbv8xh9s6151bh8a2xzhh0k86j7lqhyfwibh;226560;"
	if string(fp) != expected {
		t.Errorf("expected:\n%s\ngot:\n%s", expected, fp)
	}
}

func TestFingerprintValidation(t *testing.T) {
	tests := []struct {
		name      string
		storePath string
		narHash   string
		refs      []string
		expected  error
	}{
		{
			name:      "store path too short",
			storePath: "/nix",
			narHash:   "sha256:1mkvday29m2qxg1fnbv8xh9s6151bh8a2xzhh0k86j7lqhyfwibh",
			expected:  ErrStorePathTooShort,
		},
		{
			name:      "store path outside store dir",
			storePath: "/var/store/abc-test",
			narHash:   "sha256:1mkvday29m2qxg1fnbv8xh9s6151bh8a2xzhh0k86j7lqhyfwibh",
			expected:  ErrInvalidStorePrefix,
		},
		{
			name:      "wrong hash algorithm",
			storePath: "/nix/store/abc-test",
			narHash:   "sha512:abc",
			expected:  ErrInvalidNarHashPrefix,
		},
		{
			name:      "reference outside store dir",
			storePath: "/nix/store/abc-test",
			narHash:   "sha256:1mkvday29m2qxg1fnbv8xh9s6151bh8a2xzhh0k86j7lqhyfwibh",
			refs:      []string{"/etc/passwd-but-long-enough-to-pass"},
			expected:  ErrInvalidReferencePrefix,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fingerprint("/nix/store", tt.storePath, tt.narHash, 100, tt.refs)
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestFingerprintNarHashLength(t *testing.T) {
	_, err := Fingerprint("/nix/store", "/nix/store/abc-test", "sha256:tooshort", 100, nil)
	var lengthErr InvalidNarHashLengthError
	if !errors.As(err, &lengthErr) {
		t.Fatalf("expected InvalidNarHashLengthError, got %v", err)
	}
	if lengthErr.Length != len("sha256:tooshort") {
		t.Errorf("unexpected reported length: %d", lengthErr.Length)
	}
}
