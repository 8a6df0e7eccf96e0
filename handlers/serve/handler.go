// Package serve exposes a browsable file view of store paths at
// /serve/<hash>/<subpath>. Canonicalized paths that escape the real store
// root are answered with 404, never revealing the resolved location.
package serve

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nix-community/harmonia-sub001/handlers"
	"github.com/nix-community/harmonia-sub001/metrics"
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
	h.metrics.IncrementRequests(r.Context(), "serve")

	hashPart := r.PathValue("hash")
	if !store.ValidHashPart(hashPart) {
		http.NotFound(w, r)
		return
	}
	subPath := strings.TrimPrefix(r.PathValue("subpath"), "/")

	storePath, err := h.client.QueryPathFromHashPart(r.Context(), hashPart)
	if err != nil {
		h.log.Error("failed to resolve hash part", slog.String("hashPart", hashPart), slog.Any("error", err))
		http.Error(w, "store query failed", handlers.ErrorStatus(err))
		return
	}
	if storePath == "" {
		http.NotFound(w, r)
		return
	}

	realRoot, err := filepath.EvalSymlinks(h.store.RealDir())
	if err != nil {
		h.log.Error("cannot resolve real store root", slog.Any("error", err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	fullPath := filepath.Join(h.store.RealPath(storePath), filepath.FromSlash(subPath))
	canonical, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	// Reject anything that canonicalizes outside the store root. 404, not
	// 403: the resolved path must not leak.
	if canonical != realRoot && !strings.HasPrefix(canonical, realRoot+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}

	fi, err := os.Stat(canonical)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !fi.IsDir() {
		http.ServeFile(w, r, canonical)
		return
	}

	index := filepath.Join(canonical, "index.html")
	if fi, err := os.Stat(index); err == nil && fi.Mode().IsRegular() {
		http.ServeFile(w, r, index)
		return
	}

	urlPrefix := path.Join("/serve", hashPart, subPath)
	h.directoryListing(w, urlPrefix, canonical, realRoot)
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<table>
<tr><th>Name</th><th>Size</th></tr>
{{range .Rows}}<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td>{{.Size}}</td></tr>
{{end}}</table>
</body>
</html>
`))

type listingRow struct {
	// Href is pre-encoded; Name is escaped by the template.
	Href template.URL
	Name string
	Size string
}

func (h Handler) directoryListing(w http.ResponseWriter, urlPrefix, fsPath, realRoot string) {
	entries, err := os.ReadDir(fsPath)
	if err != nil {
		h.log.Error("cannot read directory", slog.String("path", fsPath), slog.Any("error", err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	rows := make([]listingRow, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		row := listingRow{
			Href: template.URL(path.Join(urlPrefix, url.PathEscape(entry.Name()))),
			Name: entry.Name(),
			Size: fileSize(fi.Size()),
		}
		if fi.IsDir() {
			row.Name += "/"
			row.Size = "-"
		}
		rows = append(rows, row)
	}

	title := "Index of " + strings.TrimPrefix(fsPath, realRoot)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := listingTemplate.Execute(w, map[string]any{
		"Title": title,
		"Rows":  rows,
	}); err != nil {
		h.log.Error("failed to render directory listing", slog.Any("error", err))
	}
}

// fileSize renders a human readable size.
func fileSize(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.2f KiB", float64(bytes)/1024)
	case bytes < 1024*1024*1024:
		return fmt.Sprintf("%.2f MiB", float64(bytes)/1024/1024)
	default:
		return fmt.Sprintf("%.2f GiB", float64(bytes)/1024/1024/1024)
	}
}
