package transport

import (
	"io"
	"time"

	"codeberg.org/mutker/statlink/internal/errors"
	"go.bug.st/serial"
)

// Port is the open serial handle the manager drives. go.bug.st/serial.Port
// satisfies it; tests substitute an in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a serial endpoint with the fixed 8N1 framing.
type Opener func(name string, baudRate int) (Port, error)

// openSerialPort opens the real device. DTR and RTS are held low from the
// first instant: on ESP32-class boards these lines are wired to the reset
// and boot-strapping circuit, and asserting them reboots the device.
func openSerialPort(name string, baudRate int) (Port, error) {
	errFactory := errors.New()

	mode := &serial.Mode{
		BaudRate:          baudRate,
		DataBits:          8,
		Parity:            serial.NoParity,
		StopBits:          serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{DTR: false, RTS: false},
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, classifyOpenError(name, err)
	}

	// Not every platform honors the initial status bits on open.
	_ = port.SetDTR(false)
	_ = port.SetRTS(false)

	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		_ = port.Close()
		return nil, errFactory.Wrap(ErrOpenFailed, err).WithData(name)
	}

	return port, nil
}

func classifyOpenError(name string, err error) error {
	errFactory := errors.New()

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy, serial.PermissionDenied:
			return errFactory.WithMessage(ErrPortBusy,
				"Serial port is held by another program; close it to let statlink connect").WithData(name)
		case serial.PortNotFound:
			return errFactory.Wrap(ErrPortUnavailable, err).WithData(name)
		}
	}

	return errFactory.Wrap(ErrOpenFailed, err).WithData(name)
}

// closePort releases a handle without letting the control lines glitch the
// device on the way out. Teardown is always best effort.
func closePort(port Port) {
	type statusBits interface {
		SetDTR(bool) error
		SetRTS(bool) error
	}
	if sb, ok := port.(statusBits); ok {
		_ = sb.SetDTR(false)
		_ = sb.SetRTS(false)
	}
	_ = port.Close()
}
