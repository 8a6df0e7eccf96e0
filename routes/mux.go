// Package routes assembles the cache's HTTP surface.
package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/nix-community/harmonia-sub001/accesslog"
	"github.com/nix-community/harmonia-sub001/downloadcounter"
	buildloghandler "github.com/nix-community/harmonia-sub001/handlers/buildlog"
	narhandler "github.com/nix-community/harmonia-sub001/handlers/nar"
	narinfohandler "github.com/nix-community/harmonia-sub001/handlers/narinfo"
	"github.com/nix-community/harmonia-sub001/handlers/nixcacheinfo"
	roothandler "github.com/nix-community/harmonia-sub001/handlers/root"
	servehandler "github.com/nix-community/harmonia-sub001/handlers/serve"
	"github.com/nix-community/harmonia-sub001/metrics"
	"github.com/nix-community/harmonia-sub001/signing"
	"github.com/nix-community/harmonia-sub001/store"
)

// StoreClient is the daemon query surface the endpoints share.
type StoreClient interface {
	narinfohandler.StoreClient
	narhandler.StoreClient
}

type Config struct {
	Name     string
	Version  string
	Priority uint16
	// LogDir is the drvs log root, e.g. /nix/var/log/nix/drvs.
	LogDir string
}

func New(log *slog.Logger, client StoreClient, st *store.Store, keys []*signing.Key, config Config, downloads chan<- downloadcounter.DownloadEvent, m metrics.Metrics) http.Handler {
	mux := http.NewServeMux()

	nci := nixcacheinfo.New(log, st, config.Priority)
	nih := narinfohandler.New(log, client, st, keys, downloads, m)
	nh := narhandler.New(log, client, st, m)
	sh := servehandler.New(log, client, st, m)
	lh := buildloghandler.New(log, config.LogDir, m)
	rh := roothandler.New(log, config.Name, config.Version, st, config.Priority, keys)

	mux.Handle("/nix-cache-info", nci)
	mux.Handle("/nar/{narfile}", nh)
	mux.Handle("/serve/{hash}", sh)
	mux.Handle("/serve/{hash}/{subpath...}", sh)
	mux.Handle("/log/{drv}", lh)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK\n")
	})
	// Narinfo paths look like /<hash>.narinfo, which ServeMux patterns
	// cannot express; dispatch on the suffix under the catch-all.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			rh.ServeHTTP(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".narinfo") {
			r.SetPathValue("hashpart", strings.TrimSuffix(path.Base(r.URL.Path), ".narinfo"))
			nih.ServeHTTP(w, r)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	})

	return accesslog.New(log, mux)
}
