// Package handlers holds helpers shared by the endpoint packages.
package handlers

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/nix-community/harmonia-sub001/daemon"
)

// ErrorStatus maps a store query failure to the HTTP status served for the
// request: pool exhaustion is 503, an unreachable or flaky daemon is 502,
// anything else (daemon-reported errors, invariant violations) is 500.
func ErrorStatus(err error) int {
	if errors.Is(err, daemon.ErrPoolTimeout) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, daemon.ErrConnectionTimeout) {
		return http.StatusBadGateway
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
