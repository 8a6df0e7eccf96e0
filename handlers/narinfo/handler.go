// Package narinfo serves /<hash>.narinfo: it resolves the hash against the
// daemon, builds the narinfo record, signs its fingerprint and renders the
// canonical text (or JSON) form.
package narinfo

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/nix-community/go-nix/pkg/nixbase32"

	"github.com/nix-community/harmonia-sub001/downloadcounter"
	"github.com/nix-community/harmonia-sub001/handlers"
	"github.com/nix-community/harmonia-sub001/metrics"
	"github.com/nix-community/harmonia-sub001/protocol"
	"github.com/nix-community/harmonia-sub001/signing"
	"github.com/nix-community/harmonia-sub001/store"
)

// StoreClient resolves store path metadata, typically a pooled daemon client.
type StoreClient interface {
	QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error)
	QueryPathInfo(ctx context.Context, storePath string) (*protocol.PathInfo, error)
}

func New(log *slog.Logger, client StoreClient, store *store.Store, keys []*signing.Key, downloads chan<- downloadcounter.DownloadEvent, metrics metrics.Metrics) Handler {
	return Handler{
		log:       log,
		client:    client,
		store:     store,
		keys:      keys,
		downloads: downloads,
		metrics:   metrics,
	}
}

type Handler struct {
	log       *slog.Logger
	client    StoreClient
	store     *store.Store
	keys      []*signing.Key
	downloads chan<- downloadcounter.DownloadEvent
	metrics   metrics.Metrics
}

const cacheControlOneDay = "max-age=86400"

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	h.metrics.IncrementRequests(r.Context(), "narinfo")

	hashPart := r.PathValue("hashpart")
	if !store.ValidHashPart(hashPart) {
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
		h.missedHash(w, r)
		return
	}

	info, err := h.client.QueryPathInfo(r.Context(), storePath)
	if err != nil {
		h.log.Error("failed to query path info", slog.String("storePath", storePath), slog.Any("error", err))
		http.Error(w, "store query failed", handlers.ErrorStatus(err))
		return
	}
	if info == nil {
		h.missedHash(w, r)
		return
	}

	ni, err := h.buildNarInfo(hashPart, storePath, info)
	if err != nil {
		// A path the daemon vouches for but whose metadata does not satisfy
		// the fingerprint grammar is a data model invariant violation.
		h.log.Error("failed to build narinfo", slog.String("storePath", storePath), slog.Any("error", err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if h.downloads != nil {
		select {
		case h.downloads <- downloadcounter.DownloadEvent{HashPart: hashPart}:
		default:
		}
	}

	w.Header().Set("Cache-Control", cacheControlOneDay)
	if r.URL.Query().Has("json") {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ni); err != nil {
			h.log.Error("failed to write response", slog.Any("error", err))
		}
		return
	}

	body := ni.Text()
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	w.Header().Set("Nix-Link", ni.URL)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	if _, err := fmt.Fprint(w, body); err != nil {
		h.log.Error("failed to write response", slog.Any("error", err))
	}
}

func (h Handler) missedHash(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncrementNarInfoMisses(r.Context())
	w.Header().Set("Cache-Control", cacheControlOneDay)
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, "missed hash")
}

// buildNarInfo assembles the served record from the daemon's path info. The
// narinfo always advertises the uncompressed archive, so FileHash/FileSize
// repeat NarHash/NarSize.
func (h Handler) buildNarInfo(hashPart, storePath string, info *protocol.PathInfo) (*NarInfo, error) {
	rawHash, err := hex.DecodeString(info.NarHash)
	if err != nil {
		return nil, fmt.Errorf("daemon returned a non-hex nar hash %q: %w", info.NarHash, err)
	}
	narHash := "sha256:" + nixbase32.EncodeToString(rawHash)

	ni := &NarInfo{
		StorePath:   storePath,
		URL:         fmt.Sprintf("nar/%s.nar?hash=%s", nixbase32.EncodeToString(rawHash), hashPart),
		Compression: "none",
		NarHash:     narHash,
		NarSize:     info.NarSize,
		References:  make([]string, 0, len(info.References)),
		Sigs:        []string{},
		CA:          info.CA,
	}
	for _, ref := range info.References {
		ni.References = append(ni.References, path.Base(ref))
	}
	if info.Deriver != "" {
		ni.Deriver = path.Base(info.Deriver)
	}

	if len(h.keys) > 0 {
		fingerprint, err := signing.Fingerprint(h.store.VirtualDir(), storePath, narHash, info.NarSize, info.References)
		if err != nil {
			return nil, err
		}
		for _, key := range h.keys {
			ni.Sigs = append(ni.Sigs, key.SignString(fingerprint))
		}
	} else {
		ni.Sigs = append(ni.Sigs, info.Signatures...)
	}
	return ni, nil
}
