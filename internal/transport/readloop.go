package transport

import (
	"context"
	"time"

	"codeberg.org/mutker/statlink/internal/logger"
	"codeberg.org/mutker/statlink/internal/protocol"
)

// readLoop drains the port continuously: read whatever is pending, split it
// into lines, classify and dispatch each one. The short poll timeout on the
// port bounds cancellation latency. After repeated consecutive read
// failures the loop exits and leaves the decision to the health check,
// since the write path may still be healthy.
func (m *Manager) readLoop(ctx context.Context, port Port, done chan struct{}) {
	defer close(done)

	var lines protocol.LineBuffer
	buf := make([]byte, 512)
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logger.Warn().Err(err).
				Str("error_code", string(ErrReadFailed)).
				Int("consecutive", failures).
				Msg("serial read failed")
			if failures >= maxReadFailures {
				logger.Warn().Msg("read loop giving up after repeated failures")
				return
			}
			if !sleepCtx(ctx, readErrorPause) {
				return
			}
			continue
		}
		failures = 0

		if n == 0 {
			// Poll timeout with nothing pending; idle briefly to bound
			// CPU usage.
			if !sleepCtx(ctx, readIdleDelay) {
				return
			}
			continue
		}

		for _, line := range lines.Push(buf[:n]) {
			m.dispatch(line)
		}
	}
}

// dispatch classifies one line and hands it to the message handler. A
// panicking handler must not kill the reader.
func (m *Manager) dispatch(line string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("inbound message handler panicked")
		}
	}()

	m.handler(protocol.ParseInbound(line))
}

// LogMessages is the default inbound handler: device lines go to the
// service log and nowhere else.
func LogMessages(msg protocol.InboundMessage) {
	switch msg.Kind {
	case protocol.KindHandshakeAck:
		logger.Info().Msg("display acknowledged handshake")
	case protocol.KindDebug:
		logger.Debug().Str("level", msg.Level).Str("device_time", msg.Timestamp).Msg(msg.Text)
	case protocol.KindStatus:
		logger.Info().Str("device", "status").Msg(msg.Text)
	case protocol.KindError:
		logger.Warn().Str("device", "error").Msg(msg.Text)
	default:
		logger.Debug().Str("device", "raw").Msg(msg.Text)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
