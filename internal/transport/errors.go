package transport

import "codeberg.org/mutker/statlink/internal/errors"

const (
	// Open-time errors. PortBusy means another program owns the port and
	// the user has to close it; retrying internally will not help.
	ErrPortUnavailable = errors.ErrorCode("transport_port_unavailable")
	ErrPortBusy        = errors.ErrorCode("transport_port_busy")
	ErrOpenFailed      = errors.ErrorCode("transport_open_failed")

	// Steady-state errors. Write failures drop the connection, read
	// failures only restart the read loop.
	ErrWriteFailed = errors.ErrorCode("transport_write_failed")
	ErrReadFailed  = errors.ErrorCode("transport_read_failed")

	ErrClosed = errors.ErrorCode("transport_closed")
)
