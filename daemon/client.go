package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nix-community/go-nix/pkg/wire"

	"github.com/nix-community/harmonia-sub001/protocol"
)

// Retry policy for transient transport failures.
const (
	maxAttempts  = 3
	initialDelay = 100 * time.Millisecond
	maxDelay     = 5 * time.Second
)

// Client is a pooled daemon-protocol client. All operations are one-shot
// request/response pairs; the pool guarantees no two requests interleave on
// one connection.
type Client struct {
	pool *Pool
	log  *slog.Logger
}

// NewClient creates a client for the daemon at socketPath.
func NewClient(socketPath string, config PoolConfig, log *slog.Logger) *Client {
	return &Client{
		pool: NewPool(socketPath, config),
		log:  log,
	}
}

// Close releases all idle pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// QueryPathInfo resolves a store path's metadata. Returns nil without error
// when the path is not valid.
func (c *Client) QueryPathInfo(ctx context.Context, storePath string) (*protocol.PathInfo, error) {
	var info *protocol.PathInfo
	err := c.do(ctx, protocol.OpQueryPathInfo,
		func(w io.Writer) error {
			return wire.WriteString(w, storePath)
		},
		func(r io.Reader) error {
			_, resp, err := protocol.ReadOptionalPathInfo(r)
			info = resp
			return err
		})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// QueryPathFromHashPart resolves a 32-character hash part to a full store
// path. Returns "" without error when no path matches; the daemon encodes
// absence as an empty byte-string.
func (c *Client) QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error) {
	var path string
	err := c.do(ctx, protocol.OpQueryPathFromHashPart,
		func(w io.Writer) error {
			return wire.WriteString(w, hashPart)
		},
		func(r io.Reader) error {
			var err error
			path, err = wire.ReadString(r, protocol.MaxStringSize)
			return err
		})
	if err != nil {
		return "", err
	}
	return path, nil
}

// IsValidPath reports whether the daemon considers a store path valid.
func (c *Client) IsValidPath(ctx context.Context, storePath string) (bool, error) {
	var valid bool
	err := c.do(ctx, protocol.OpIsValidPath,
		func(w io.Writer) error {
			return wire.WriteString(w, storePath)
		},
		func(r io.Reader) error {
			var err error
			valid, err = wire.ReadBool(r)
			return err
		})
	if err != nil {
		return false, err
	}
	return valid, nil
}

// do runs one operation with up to maxAttempts tries. Any error breaks the
// connection (a desynchronized stream must never return to the pool); only
// transport-level failures are retried.
func (c *Client) do(ctx context.Context, op protocol.Operation, writeReq func(io.Writer) error, readResp func(io.Reader) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		guard, err := c.pool.Acquire(ctx)
		if err != nil {
			lastErr = err
			if !isRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.log.Debug("retrying daemon operation after acquire failure",
				slog.String("op", op.String()), slog.Int("attempt", attempt+1), slog.Any("error", err))
			continue
		}

		err = c.roundTrip(ctx, guard.conn, op, writeReq, readResp)
		if err == nil {
			guard.Release()
			return nil
		}

		guard.MarkBroken()
		guard.Release()
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		c.log.Debug("retrying daemon operation",
			slog.String("op", op.String()), slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return lastErr
}

func (c *Client) roundTrip(ctx context.Context, conn *conn, op protocol.Operation, writeReq func(io.Writer) error, readResp func(io.Reader) error) error {
	// Break blocked I/O when the request context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.netConn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = conn.netConn.SetDeadline(time.Time{})
	}()

	if err := wire.WriteUint64(conn.w, uint64(op)); err != nil {
		return fmt.Errorf("%s: failed to write opcode: %w", op, err)
	}
	if err := writeReq(conn.w); err != nil {
		return fmt.Errorf("%s: failed to write request: %w", op, err)
	}
	if err := conn.w.Flush(); err != nil {
		return fmt.Errorf("%s: failed to flush request: %w", op, err)
	}
	if err := protocol.ProcessStderr(conn.r, conn.version, c.log); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := readResp(conn.r); err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}
	return nil
}

// isRetryable reports whether an error is worth another attempt on a fresh
// connection: transport I/O failures and timeouts, not daemon-reported
// errors or protocol decode failures.
func isRetryable(err error) bool {
	if errors.Is(err, ErrPoolTimeout) || errors.Is(err, ErrConnectionTimeout) {
		return true
	}
	var daemonErr protocol.DaemonError
	if errors.As(err, &daemonErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// backoffDelay is the exponential backoff with wall-clock-seeded jitter:
// min(maxDelay, initialDelay*2^attempt) * (1 + jitter), jitter in [0, 0.20).
func backoffDelay(attempt int) time.Duration {
	delay := initialDelay << attempt
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := float64(time.Now().UnixNano()%20) / 100
	return time.Duration(float64(delay) * (1 + jitter))
}
