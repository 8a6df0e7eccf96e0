package downloadcounter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/a-h/kv"

	"github.com/nix-community/harmonia-sub001/metrics"
)

// DownloadEvent identifies one served store path.
type DownloadEvent struct {
	HashPart string
}

// NewBufferedCounter returns a channel that records download events in the
// background, so request handlers never block on counter persistence.
func NewBufferedCounter(ctx context.Context, log *slog.Logger, store kv.Store, metrics metrics.Metrics, bufferSize int) (counter chan DownloadEvent, shutdown func()) {
	counter = make(chan DownloadEvent, bufferSize)

	var wg sync.WaitGroup
	wg.Go(func() {
		c := New(store)
		for event := range counter {
			log.Debug("recording download", slog.String("hashPart", event.HashPart))
			if err := c.Increment(ctx, event.HashPart); err != nil {
				log.Error("failed to record download", slog.String("hashPart", event.HashPart), slog.Any("error", err))
				metrics.IncrementDownloadCounterErrors(ctx)
			}
		}
	})

	shutdown = func() {
		close(counter)
		wg.Wait()
	}

	return counter, shutdown
}
