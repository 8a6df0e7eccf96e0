// Package nixcacheinfo serves /nix-cache-info, the record clients read to
// learn the store prefix and substituter priority.
package nixcacheinfo

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nix-community/harmonia-sub001/store"
)

func New(log *slog.Logger, store *store.Store, priority uint16) Handler {
	return Handler{
		log:      log,
		store:    store,
		priority: priority,
	}
}

type Handler struct {
	log      *slog.Logger
	store    *store.Store
	priority uint16
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	fmt.Fprintf(w, "StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", h.store.VirtualDir(), h.priority)
}
