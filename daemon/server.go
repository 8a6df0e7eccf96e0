package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/nix-community/go-nix/pkg/wire"

	"github.com/nix-community/harmonia-sub001/protocol"
)

// Handler answers the query operations the daemon dispatches.
type Handler interface {
	// QueryPathInfo returns a path's metadata, or nil if the path is not valid.
	QueryPathInfo(ctx context.Context, storePath string) (*protocol.PathInfo, error)
	// QueryPathFromHashPart resolves a hash part to a store path, or "" if absent.
	QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error)
	// IsValidPath reports whether a store path is valid.
	IsValidPath(ctx context.Context, storePath string) (bool, error)
}

// Server accepts daemon-protocol connections on a Unix socket and dispatches
// query operations against a Handler.
type Server struct {
	handler Handler
	log     *slog.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(handler Handler, log *slog.Logger) *Server {
	return &Server{
		handler: handler,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the Unix socket, publishing it atomically by listening on a
// temporary name and renaming it into place.
func (s *Server) Listen(socketPath string) error {
	tmp := socketPath + ".tmp"
	_ = os.Remove(tmp)
	listener, err := net.Listen("unix", tmp)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, socketPath); err != nil {
		listener.Close()
		return fmt.Errorf("failed to publish socket at %s: %w", socketPath, err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[netConn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, netConn)
				s.mu.Unlock()
				netConn.Close()
			}()
			if err := s.handleConn(netConn); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("daemon connection closed", slog.Any("error", err))
			}
		}()
	}
}

// Shutdown stops accepting, closes all active connections and waits for
// their goroutines to finish.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for netConn := range s.conns {
		netConn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleConn(netConn net.Conn) error {
	r := bufio.NewReader(netConn)
	w := bufio.NewWriter(netConn)

	if _, err := s.handshake(r, w); err != nil {
		return err
	}
	ctx := context.Background()

	for {
		opcode, err := wire.ReadUint64(r)
		if err != nil {
			return err // connection closed
		}
		switch protocol.Operation(opcode) {
		case protocol.OpQueryPathInfo:
			path, err := wire.ReadString(r, protocol.MaxStringSize)
			if err != nil {
				return err
			}
			if err := protocol.WriteStderrLast(w); err != nil {
				return err
			}
			info, err := s.handler.QueryPathInfo(ctx, path)
			if err != nil {
				return err
			}
			if err := protocol.WriteOptionalPathInfo(w, path, info); err != nil {
				return err
			}

		case protocol.OpQueryPathFromHashPart:
			hashPart, err := wire.ReadString(r, protocol.MaxStringSize)
			if err != nil {
				return err
			}
			if err := protocol.WriteStderrLast(w); err != nil {
				return err
			}
			path, err := s.handler.QueryPathFromHashPart(ctx, hashPart)
			if err != nil {
				return err
			}
			// Absence is encoded as an empty byte-string.
			if err := wire.WriteString(w, path); err != nil {
				return err
			}

		case protocol.OpIsValidPath:
			path, err := wire.ReadString(r, protocol.MaxStringSize)
			if err != nil {
				return err
			}
			if err := protocol.WriteStderrLast(w); err != nil {
				return err
			}
			valid, err := s.handler.IsValidPath(ctx, path)
			if err != nil {
				return err
			}
			if err := wire.WriteBool(w, valid); err != nil {
				return err
			}

		default:
			return protocol.InvalidOpcodeError{Opcode: opcode}
		}

		if err := w.Flush(); err != nil {
			return err
		}
	}
}

func (s *Server) handshake(r *bufio.Reader, w *bufio.Writer) (protocol.Version, error) {
	var zero protocol.Version

	magic, err := wire.ReadUint64(r)
	if err != nil {
		return zero, err
	}
	if magic != protocol.ClientMagic {
		return zero, protocol.InvalidMagicError{Expected: protocol.ClientMagic, Actual: magic}
	}
	if err := wire.WriteUint64(w, protocol.ServerMagic); err != nil {
		return zero, err
	}
	if err := wire.WriteUint64(w, protocol.CurrentVersion.Wire()); err != nil {
		return zero, err
	}
	if err := w.Flush(); err != nil {
		return zero, err
	}

	rawVersion, err := wire.ReadUint64(r)
	if err != nil {
		return zero, err
	}
	clientVersion := protocol.VersionFromWire(rawVersion)
	if !clientVersion.AtLeast(protocol.MinVersion) {
		return zero, protocol.IncompatibleVersionError{
			Peer: clientVersion,
			Min:  protocol.MinVersion,
			Max:  protocol.CurrentVersion,
		}
	}

	// Obsolete cpu-affinity and reserve-space fields.
	if _, err := wire.ReadUint64(r); err != nil {
		return zero, err
	}
	if _, err := wire.ReadUint64(r); err != nil {
		return zero, err
	}

	if clientVersion.AtLeast(protocol.Version{Major: 1, Minor: 38}) {
		if err := protocol.WriteStringList(w, nil); err != nil {
			return zero, err
		}
		if err := w.Flush(); err != nil {
			return zero, err
		}
		if _, err := protocol.ReadStringList(r); err != nil {
			return zero, err
		}
	}

	if err := wire.WriteString(w, "harmonia-daemon"); err != nil {
		return zero, err
	}
	if err := wire.WriteBool(w, true); err != nil {
		return zero, err
	}
	if err := protocol.WriteStderrLast(w); err != nil {
		return zero, err
	}
	if err := w.Flush(); err != nil {
		return zero, err
	}
	return clientVersion, nil
}
