// Package daemon implements the client and server sides of the Nix daemon
// protocol over Unix sockets: a pooled retrying client for metadata queries,
// and the shipped daemon that answers them from the store database.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nix-community/go-nix/pkg/wire"

	"github.com/nix-community/harmonia-sub001/protocol"
)

var (
	// ErrPoolTimeout is returned when no pooled connection becomes available
	// within the connection timeout.
	ErrPoolTimeout = errors.New("timed out waiting for a pooled daemon connection")
	// ErrConnectionTimeout is returned when establishing a new daemon
	// connection exceeds the connection timeout.
	ErrConnectionTimeout = errors.New("timed out connecting to the daemon")
)

// conn is a single daemon connection with its negotiated version. The pool
// guarantees exclusive use; request/response pairs are strictly serial.
type conn struct {
	netConn  net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	version  protocol.Version
	features []string
}

// dial connects to the daemon socket and performs the versioned handshake.
func dial(ctx context.Context, socketPath string) (*conn, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon socket %s: %w", socketPath, err)
	}
	c := &conn{
		netConn: netConn,
		r:       bufio.NewReader(netConn),
		w:       bufio.NewWriter(netConn),
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	if err := c.handshake(); err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return c, nil
}

func (c *conn) handshake() error {
	if err := wire.WriteUint64(c.w, protocol.ClientMagic); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}

	magic, err := wire.ReadUint64(c.r)
	if err != nil {
		return err
	}
	if magic != protocol.ServerMagic {
		return protocol.InvalidMagicError{Expected: protocol.ServerMagic, Actual: magic}
	}
	rawVersion, err := wire.ReadUint64(c.r)
	if err != nil {
		return err
	}
	serverVersion := protocol.VersionFromWire(rawVersion)
	if !serverVersion.AtLeast(protocol.MinVersion) {
		return protocol.IncompatibleVersionError{
			Peer: serverVersion,
			Min:  protocol.MinVersion,
			Max:  protocol.CurrentVersion,
		}
	}
	c.version = protocol.CurrentVersion
	if !serverVersion.AtLeast(c.version) {
		c.version = serverVersion
	}

	if err := wire.WriteUint64(c.w, c.version.Wire()); err != nil {
		return err
	}
	// Obsolete cpu-affinity and reserve-space fields.
	if err := wire.WriteUint64(c.w, 0); err != nil {
		return err
	}
	if err := wire.WriteUint64(c.w, 0); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}

	if c.version.AtLeast(protocol.Version{Major: 1, Minor: 38}) {
		if c.features, err = protocol.ReadStringList(c.r); err != nil {
			return err
		}
		if err := protocol.WriteStringList(c.w, nil); err != nil {
			return err
		}
		if err := c.w.Flush(); err != nil {
			return err
		}
	}

	// Daemon identifier and trust flag.
	if _, err := wire.ReadString(c.r, protocol.MaxStringSize); err != nil {
		return err
	}
	if _, err := wire.ReadUint64(c.r); err != nil {
		return err
	}

	// The handshake ends with a stderr stream terminated by Last.
	for {
		tag, err := wire.ReadUint64(c.r)
		if err != nil {
			return err
		}
		if tag == protocol.StderrLast {
			return nil
		}
		if tag == protocol.StderrNext {
			if _, err := wire.ReadString(c.r, protocol.MaxStringSize); err != nil {
				return err
			}
			continue
		}
		return protocol.DaemonError{Message: fmt.Sprintf("unexpected stderr tag %#x during handshake", tag)}
	}
}

func (c *conn) Close() error {
	return c.netConn.Close()
}
