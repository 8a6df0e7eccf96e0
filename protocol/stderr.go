package protocol

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/nix-community/go-nix/pkg/wire"
)

// ProcessStderr consumes the daemon's log stream up to and including the
// Last tag. Log lines are forwarded to log at debug level; an Error tag is
// returned as a DaemonError. Reading must reach Last before the response is
// parsed, otherwise responses become misaligned with requests.
func ProcessStderr(r io.Reader, version Version, log *slog.Logger) error {
	for {
		tag, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}
		switch tag {
		case StderrLast:
			return nil

		case StderrNext:
			line, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return err
			}
			log.Debug("daemon log", slog.String("line", line))

		case StderrError:
			return readError(r, version)

		case StderrStartActivity:
			// id, level, type, text, fields, parent
			for range 3 {
				if _, err := wire.ReadUint64(r); err != nil {
					return err
				}
			}
			if _, err := wire.ReadString(r, MaxStringSize); err != nil {
				return err
			}
			if err := skipFields(r); err != nil {
				return err
			}
			if _, err := wire.ReadUint64(r); err != nil {
				return err
			}

		case StderrStopActivity:
			if _, err := wire.ReadUint64(r); err != nil {
				return err
			}

		case StderrResult:
			// id, type, fields
			for range 2 {
				if _, err := wire.ReadUint64(r); err != nil {
					return err
				}
			}
			if err := skipFields(r); err != nil {
				return err
			}

		case StderrRead, StderrWrite:
			// Data transfer requests only occur on streaming operations,
			// which the query plane never issues.
			return DaemonError{Message: fmt.Sprintf("unexpected stderr data tag %#x on a query operation", tag)}

		default:
			return DaemonError{Message: fmt.Sprintf("unknown stderr tag %#x", tag)}
		}
	}
}

// readError parses the Error payload. From 1.26 the daemon sends a
// structured error with traces; before that a plain message and exit status.
func readError(r io.Reader, version Version) error {
	if !version.AtLeast(Version{Major: 1, Minor: 26}) {
		msg, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return err
		}
		if _, err := wire.ReadUint64(r); err != nil { // exit status
			return err
		}
		return DaemonError{Message: msg}
	}

	// type ("Error"), level, name, message, havePos, traces
	if _, err := wire.ReadString(r, MaxStringSize); err != nil {
		return err
	}
	if _, err := wire.ReadUint64(r); err != nil {
		return err
	}
	if _, err := wire.ReadString(r, MaxStringSize); err != nil {
		return err
	}
	msg, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return err
	}
	if _, err := wire.ReadUint64(r); err != nil {
		return err
	}
	traces, err := wire.ReadUint64(r)
	if err != nil {
		return err
	}
	if traces > MaxListSize {
		return ListTooLongError{Length: traces}
	}
	for range traces {
		if _, err := wire.ReadUint64(r); err != nil { // havePos
			return err
		}
		if _, err := wire.ReadString(r, MaxStringSize); err != nil {
			return err
		}
	}
	return DaemonError{Message: msg}
}

// skipFields reads a list of typed log fields (0 = int, 1 = string).
func skipFields(r io.Reader) error {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return err
	}
	if count > MaxListSize {
		return ListTooLongError{Length: count}
	}
	for range count {
		kind, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}
		switch kind {
		case 0:
			if _, err := wire.ReadUint64(r); err != nil {
				return err
			}
		case 1:
			if _, err := wire.ReadString(r, MaxStringSize); err != nil {
				return err
			}
		default:
			return DaemonError{Message: fmt.Sprintf("unknown log field type %d", kind)}
		}
	}
	return nil
}

// WriteStderrLast terminates a log stream, signalling that the response
// follows.
func WriteStderrLast(w io.Writer) error {
	return wire.WriteUint64(w, StderrLast)
}
