package nar

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nix-community/harmonia-sub001/metrics"
	"github.com/nix-community/harmonia-sub001/nar"
	"github.com/nix-community/harmonia-sub001/store"
)

const helloHash = "26xbg1ndr7hbcncrlf9nhx5is2b25d13"

type fakeClient struct {
	paths map[string]string
}

func (f *fakeClient) QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error) {
	return f.paths[hashPart], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetNar(t *testing.T) {
	// A fake store root with one store path in it.
	realRoot := t.TempDir()
	storePath := "/nix/store/" + helloHash + "-hello-2.12.1"
	realPath := filepath.Join(realRoot, helloHash+"-hello-2.12.1")
	if err := os.MkdirAll(filepath.Join(realPath, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(realPath, "bin", "hello"), []byte("#!/bin/sh\necho hello\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	st := store.New("/nix/store", realRoot)
	client := &fakeClient{paths: map[string]string{helloHash: storePath}}
	h := New(testLogger(), client, st, metrics.Metrics{})

	t.Run("streams the archive", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/nar/0000000000000000000000000000000000000000000000000000.nar?hash="+helloHash, nil)
		r.SetPathValue("narfile", "0000000000000000000000000000000000000000000000000000.nar")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/x-nix-nar" {
			t.Errorf("unexpected content type %q", ct)
		}

		expected := new(bytes.Buffer)
		if err := nar.DumpPath(expected, realPath); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(expected.Bytes(), w.Body.Bytes()) {
			t.Errorf("body differs from direct dump: %d vs %d bytes", w.Body.Len(), expected.Len())
		}
	})

	t.Run("falls back to the path component", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/nar/"+helloHash+".nar", nil)
		r.SetPathValue("narfile", helloHash+".nar")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	})

	t.Run("unknown hash is 404", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/nar/x.nar?hash=00000000000000000000000000000000", nil)
		r.SetPathValue("narfile", "x.nar")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})

	t.Run("invalid hash is 400", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/nar/not-base32.nar", nil)
		r.SetPathValue("narfile", "not-base32.nar")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("head omits the body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodHead, "/nar/x.nar?hash="+helloHash, nil)
		r.SetPathValue("narfile", "x.nar")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("expected empty body, got %d bytes", w.Body.Len())
		}
	})
}
