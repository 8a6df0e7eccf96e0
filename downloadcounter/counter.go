// Package downloadcounter persists per-day download counts for served store
// paths.
package downloadcounter

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/a-h/kv"
)

func New(store kv.Store) *Counter {
	return &Counter{
		store: store,
		now:   time.Now,
	}
}

type Counter struct {
	store kv.Store
	now   func() time.Time
}

func (c *Counter) buildCounterKey(hashPart string, date time.Time) string {
	return path.Join("/downloadcounter", url.PathEscape(hashPart), date.Format("2006-01-02"))
}

func (c *Counter) buildCounterPrefix(hashPart string) string {
	return path.Join("/downloadcounter", url.PathEscape(hashPart)) + "/"
}

// Increment records one download of the store path identified by hashPart.
func (c *Counter) Increment(ctx context.Context, hashPart string) (err error) {
	day := c.now().Truncate(24 * time.Hour)
	key := c.buildCounterKey(hashPart, day)
	// Every time we upsert a key with Put, the version number is incremented.
	return c.store.Put(ctx, key, -1, "")
}

// Get returns the per-day counts recorded for a store path hash.
func (c *Counter) Get(ctx context.Context, hashPart string) (counts Counts, err error) {
	rows, err := c.store.GetPrefix(ctx, c.buildCounterPrefix(hashPart), 0, -1)
	if err != nil {
		return nil, err
	}

	counts = make([]Count, len(rows))
	for i, row := range rows {
		parts := strings.Split(row.Key, "/")
		if len(parts) != 4 {
			return counts, fmt.Errorf("invalid key format: %s", row.Key)
		}
		if counts[i].Date, err = time.Parse("2006-01-02", parts[3]); err != nil {
			return nil, fmt.Errorf("failed to parse key: %w", err)
		}
		counts[i].Count = row.Version
	}

	return counts, nil
}

type Counts []Count

func (c Counts) Total() (total int) {
	for _, count := range c {
		total += count.Count
	}
	return total
}

type Count struct {
	Date  time.Time
	Count int
}
