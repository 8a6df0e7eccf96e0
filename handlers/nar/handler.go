// Package nar serves /nar/<narhash>.nar: it resolves the store path hash
// carried in the query string and streams the NAR serialization of the real
// on-disk tree with backpressure.
package nar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nix-community/harmonia-sub001/handlers"
	"github.com/nix-community/harmonia-sub001/metrics"
	"github.com/nix-community/harmonia-sub001/nar"
	"github.com/nix-community/harmonia-sub001/store"
)

// StoreClient resolves hash parts to store paths.
type StoreClient interface {
	QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error)
}

func New(log *slog.Logger, client StoreClient, store *store.Store, metrics metrics.Metrics) Handler {
	return Handler{
		log:     log,
		client:  client,
		store:   store,
		metrics: metrics,
	}
}

type Handler struct {
	log     *slog.Logger
	client  StoreClient
	store   *store.Store
	metrics metrics.Metrics
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	h.metrics.IncrementRequests(r.Context(), "nar")

	hashPart := h.hashPart(r)
	if hashPart == "" {
		http.Error(w, "invalid hash part", http.StatusBadRequest)
		return
	}

	storePath, err := h.client.QueryPathFromHashPart(r.Context(), hashPart)
	if err != nil {
		h.log.Error("failed to resolve hash part", slog.String("hashPart", hashPart), slog.Any("error", err))
		http.Error(w, "store query failed", handlers.ErrorStatus(err))
		return
	}
	if storePath == "" {
		http.Error(w, "nar not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-nix-nar")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Status and headers are committed before the first chunk; a mid-stream
	// failure surfaces to the client as a truncated body.
	realPath := h.store.RealPath(storePath)
	stream := nar.NewStream(h.log, realPath)
	defer stream.Close()
	n, err := io.Copy(w, stream)
	h.metrics.AddNarBytesStreamed(r.Context(), n)
	if err != nil {
		// Usually the client going away mid-download.
		h.log.Debug("nar stream interrupted", slog.String("storePath", storePath), slog.Int64("bytes", n), slog.Any("error", err))
	}
}

// hashPart extracts the store path hash from the ?hash= query parameter
// (the form used in generated narinfo URLs), falling back to the leading
// path component for bare /nar/<hash>.nar requests.
func (h Handler) hashPart(r *http.Request) string {
	if hashPart := r.URL.Query().Get("hash"); hashPart != "" {
		if store.ValidHashPart(hashPart) {
			return hashPart
		}
		return ""
	}
	file := r.PathValue("narfile")
	file = strings.TrimSuffix(file, ".nar")
	if before, _, ok := strings.Cut(file, "-"); ok {
		file = before
	}
	if store.ValidHashPart(file) {
		return file
	}
	return ""
}
