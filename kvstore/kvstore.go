// Package kvstore opens the SQLite-backed key/value store used for
// per-day download counters.
package kvstore

import (
	"context"
	"net/url"
	"strings"

	"github.com/a-h/kv"
	"github.com/a-h/kv/sqlitekv"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// New opens (and initializes) the store at the given SQLite DSN.
func New(ctx context.Context, dsn string) (store kv.Store, closer func() error, err error) {
	dsnURI, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	opts := sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI,
	}
	// Enable WAL mode if specified in the DSN.
	// WAL doesn't work well with container volumes.
	journalMode := dsnURI.Query().Get("_journal_mode")
	if strings.EqualFold(journalMode, "wal") {
		opts.Flags |= sqlite.OpenWAL
	}
	pool, err := sqlitex.NewPool(dsn, opts)
	if err != nil {
		return nil, nil, err
	}
	store = sqlitekv.NewStore(pool)
	if err = store.Init(ctx); err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
