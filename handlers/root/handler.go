// Package root serves the HTML landing page with the cache's version, store
// directory, priority and public keys.
package root

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/nix-community/harmonia-sub001/signing"
	"github.com/nix-community/harmonia-sub001/store"
)

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Nix binary cache ({{.Name}} {{.Version}})</title></head>
<body>
<h1>Nix binary cache</h1>
<p>This service provides a binary cache for the
<a href="https://nixos.org/nix/">Nix package manager</a>.</p>
<dl>
<dt>Version</dt><dd>{{.Name}} {{.Version}}</dd>
<dt>Store</dt><dd>{{.StoreDir}}</dd>
<dt>Priority</dt><dd>{{.Priority}}</dd>
{{if .PublicKeys}}<dt>Public keys</dt>{{range .PublicKeys}}<dd><code>{{.}}</code></dd>{{end}}{{end}}
</dl>
</body>
</html>
`))

func New(log *slog.Logger, name, version string, store *store.Store, priority uint16, keys []*signing.Key) Handler {
	publicKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		publicKeys = append(publicKeys, key.PublicKey())
	}
	return Handler{
		log:        log,
		name:       name,
		version:    version,
		store:      store,
		priority:   priority,
		publicKeys: publicKeys,
	}
}

type Handler struct {
	log        *slog.Logger
	name       string
	version    string
	store      *store.Store
	priority   uint16
	publicKeys []string
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := landingTemplate.Execute(w, map[string]any{
		"Name":       h.name,
		"Version":    h.version,
		"StoreDir":   h.store.VirtualDir(),
		"Priority":   h.priority,
		"PublicKeys": h.publicKeys,
	})
	if err != nil {
		h.log.Error("failed to render landing page", slog.Any("error", err))
	}
}
