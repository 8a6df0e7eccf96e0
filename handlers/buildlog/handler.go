// Package buildlog serves /log/<drv>: the build log of a derivation, stored
// under <stateDir>/var/log/nix/drvs/<first-2-chars>/<rest>.drv, possibly bz2- or
// xz-compressed on disk. Logs are served decompressed.
package buildlog

import (
	"compress/bzip2"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/nix-community/harmonia-sub001/metrics"
)

func New(log *slog.Logger, logDir string, metrics metrics.Metrics) Handler {
	return Handler{
		log:     log,
		logDir:  logDir,
		metrics: metrics,
	}
}

type Handler struct {
	log     *slog.Logger
	logDir  string
	metrics metrics.Metrics
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	h.metrics.IncrementRequests(r.Context(), "log")

	drv := r.PathValue("drv")
	if len(drv) < 3 || strings.ContainsAny(drv, "/\\") || strings.Contains(drv, "..") {
		http.NotFound(w, r)
		return
	}

	base := filepath.Join(h.logDir, drv[:2], drv[2:])
	for _, candidate := range []struct {
		path       string
		decompress func(io.Reader) (io.Reader, error)
	}{
		{path: base},
		{path: base + ".bz2", decompress: func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }},
		{path: base + ".xz", decompress: func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }},
	} {
		f, err := os.Open(candidate.path)
		if err != nil {
			continue
		}
		defer f.Close()

		var reader io.Reader = f
		if candidate.decompress != nil {
			if reader, err = candidate.decompress(f); err != nil {
				h.log.Error("failed to decompress build log", slog.String("path", candidate.path), slog.Any("error", err))
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		if _, err := io.Copy(w, reader); err != nil {
			h.log.Debug("build log stream interrupted", slog.String("path", candidate.path), slog.Any("error", err))
		}
		return
	}

	http.NotFound(w, r)
}
