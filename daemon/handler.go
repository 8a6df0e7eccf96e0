package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/nix-community/harmonia-sub001/protocol"
	"github.com/nix-community/harmonia-sub001/store"
	"github.com/nix-community/harmonia-sub001/storedb"
)

// StoreHandler answers daemon queries from the local store database.
type StoreHandler struct {
	storeDir string
	db       *storedb.DB
}

// NewStoreHandler creates a handler serving paths under storeDir from db.
func NewStoreHandler(storeDir string, db *storedb.DB) *StoreHandler {
	return &StoreHandler{
		storeDir: strings.TrimSuffix(storeDir, "/"),
		db:       db,
	}
}

func (h *StoreHandler) checkStorePath(storePath string) error {
	if !strings.HasPrefix(storePath, h.storeDir+"/") {
		return protocol.DaemonError{Message: fmt.Sprintf("path %q is not in the Nix store", storePath)}
	}
	return nil
}

func (h *StoreHandler) QueryPathInfo(ctx context.Context, storePath string) (*protocol.PathInfo, error) {
	if err := h.checkStorePath(storePath); err != nil {
		return nil, err
	}
	return h.db.QueryPathInfo(ctx, storePath)
}

func (h *StoreHandler) QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error) {
	if len(hashPart) != store.HashPartLen {
		return "", protocol.DaemonError{Message: fmt.Sprintf("invalid hash part length %d", len(hashPart))}
	}
	return h.db.QueryPathFromHashPart(ctx, h.storeDir, hashPart)
}

func (h *StoreHandler) IsValidPath(ctx context.Context, storePath string) (bool, error) {
	if err := h.checkStorePath(storePath); err != nil {
		return false, err
	}
	return h.db.IsValidPath(ctx, storePath)
}
