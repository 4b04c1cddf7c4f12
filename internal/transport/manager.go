// Package transport owns the single logical connection to the display
// device: discovery of the target port, connect with retry, the background
// read loop, the periodic health check, the send path, and teardown.
// Physical reconnects are hidden from callers.
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/statlink/internal/discovery"
	"codeberg.org/mutker/statlink/internal/errors"
	"codeberg.org/mutker/statlink/internal/logger"
	"codeberg.org/mutker/statlink/internal/protocol"
)

const (
	ServiceName     = "statlink"
	ProtocolVersion = "1.0"

	// AutoPort asks the manager to pick the port via discovery.
	AutoPort = "AUTO"

	openAttempts    = 3
	openBackoffStep = 100 * time.Millisecond

	readPollTimeout = 300 * time.Millisecond
	readErrorPause  = time.Second
	readIdleDelay   = 20 * time.Millisecond
	maxReadFailures = 3

	readerJoinTimeout = 2 * time.Second

	defaultReconnectInterval = 5 * time.Second
)

// Handler consumes classified device lines. Messages are dispatched from
// the read loop and must not be retained.
type Handler func(protocol.InboundMessage)

// Finder resolves a candidate port; satisfied by *discovery.Finder.
type Finder interface {
	Find() (discovery.Candidate, bool)
}

type Config struct {
	Port               string
	BaudRate           int
	AutoDetect         bool
	VendorID           string
	ProductID          string
	ReconnectInterval  time.Duration
	StabilizationDelay time.Duration
}

type Manager struct {
	cfg     Config
	open    Opener
	finder  Finder
	handler Handler

	// connectMu serializes every state transition: Connect, Close and the
	// health check can never race to open the same handle twice.
	connectMu sync.Mutex

	// mu guards the fields below; it is never held across blocking I/O.
	mu           sync.Mutex
	state        ConnectionState
	portName     string
	port         Port
	readerCancel context.CancelFunc
	readerDone   chan struct{}
	closed       bool

	// writeMu keeps frames whole when the handshake and telemetry sends
	// overlap. Writes and reads may proceed concurrently.
	writeMu sync.Mutex

	healthCancel context.CancelFunc
	wg           sync.WaitGroup
}

type Option func(*Manager)

// WithOpener substitutes the serial open function.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.open = open }
}

// WithFinder substitutes the device discovery source.
func WithFinder(f Finder) Option {
	return func(m *Manager) { m.finder = f }
}

func NewManager(cfg Config, handler Handler, opts ...Option) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if handler == nil {
		handler = LogMessages
	}

	m := &Manager{
		cfg:     cfg,
		open:    openSerialPort,
		handler: handler,
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.finder == nil {
		m.finder = discovery.NewFinder(cfg.VendorID, cfg.ProductID)
	}

	return m
}

// Start resolves the initial target port, makes a best-effort first connect
// and arms the health-check loop. It returns without error even when the
// device is absent; the health check keeps retrying until it appears.
func (m *Manager) Start(ctx context.Context) {
	if strings.EqualFold(m.cfg.Port, AutoPort) || m.cfg.Port == "" {
		if m.cfg.AutoDetect {
			if c, ok := m.finder.Find(); ok {
				logger.Info().Str("port", c.Name).Str("description", c.Description).Msg("display device detected")
				m.setTarget(c.Name)
			} else {
				logger.Info().Msg("no display device detected yet; waiting for one to appear")
			}
		} else {
			logger.Warn().Msg("serial port is AUTO but auto-detect is disabled; nothing to connect to")
		}
	} else {
		m.setTarget(m.cfg.Port)
	}

	if target := m.target(); target != "" {
		if err := m.Connect(target); err != nil {
			logger.Warn().Err(err).Str("port", target).Msg("initial connect failed; retrying in background")
		}
	}

	hctx, cancel := context.WithCancel(ctx)
	m.healthCancel = cancel
	m.wg.Add(1)
	go m.healthLoop(hctx)
}

// Connect establishes the connection to portName. Connecting to the port
// that is already connected is a no-op; connecting to a different port
// closes the old handle first. The open is retried a few times with linear
// backoff before the error is surfaced.
func (m *Manager) Connect(portName string) error {
	errFactory := errors.New()

	if portName == "" {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "Port name is empty")
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errFactory.New(ErrClosed)
	}
	if m.state == StateConnected && m.portName == portName && m.port != nil {
		m.mu.Unlock()
		logger.Debug().Str("port", portName).Msg("already connected")
		return nil
	}
	m.mu.Unlock()

	m.teardown(StateConnecting)
	m.setTarget(portName)

	port, err := m.openWithRetry(portName)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.port = port
	m.startReaderLocked(port)
	m.mu.Unlock()

	// Give the device firmware time to finish booting before it is
	// expected to parse anything.
	if m.cfg.StabilizationDelay > 0 {
		time.Sleep(m.cfg.StabilizationDelay)
	}

	if err := m.sendHandshake(port); err != nil {
		logger.Warn().Err(err).Msg("handshake send failed; keeping connection")
	}

	m.mu.Lock()
	m.state = StateConnected
	m.mu.Unlock()

	logger.Info().Str("port", portName).Msg("connected to display")

	return nil
}

// Send encodes the record and writes it as one frame. When the connection
// is not up the frame is dropped silently; callers must not treat "not yet
// connected" as fatal. A write failure flips the state to disconnected and
// leaves the retry to the health check.
func (m *Manager) Send(rec protocol.TelemetryRecord) error {
	errFactory := errors.New()

	frame, err := protocol.Encode(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateConnected || m.port == nil {
		state := m.state
		m.mu.Unlock()
		logger.Debug().Str("state", state.String()).Msg("telemetry frame dropped; not connected")
		return nil
	}
	port := m.port
	m.mu.Unlock()

	m.writeMu.Lock()
	_, werr := port.Write(frame)
	m.writeMu.Unlock()

	if werr != nil {
		logger.Warn().Err(werr).Msg("telemetry write failed; disconnecting until next health check")
		m.mu.Lock()
		if m.state == StateConnected {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return errFactory.Wrap(ErrWriteFailed, werr)
	}

	return nil
}

// Close shuts the manager down: stops the health check, cancels the read
// loop and waits briefly for it, then closes the handle. Close never
// returns an error from the port; teardown is best effort.
func (m *Manager) Close() error {
	if m.healthCancel != nil {
		m.healthCancel()
	}
	m.wg.Wait()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.teardown(StateClosing)

	logger.Debug().Msg("transport closed")

	return nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActivePort returns the port the manager is connected to or targeting.
func (m *Manager) ActivePort() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portName
}

func (m *Manager) setTarget(name string) {
	m.mu.Lock()
	m.portName = name
	m.mu.Unlock()
}

func (m *Manager) target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portName
}

func (m *Manager) openWithRetry(portName string) (Port, error) {
	var port Port
	var err error

	for attempt := 1; attempt <= openAttempts; attempt++ {
		port, err = m.open(portName, m.cfg.BaudRate)
		if err == nil {
			return port, nil
		}
		// A busy port needs the user to close the competing program;
		// hammering it would not change anything.
		if errors.HasCode(err, ErrPortBusy) {
			return nil, err
		}
		if attempt < openAttempts {
			logger.Debug().Err(err).Int("attempt", attempt).Str("port", portName).Msg("open failed; backing off")
			time.Sleep(openBackoffStep * time.Duration(attempt))
		}
	}

	return nil, err
}

func (m *Manager) sendHandshake(port Port) error {
	errFactory := errors.New()

	frame, err := protocol.EncodeHandshake(ServiceName, ProtocolVersion)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if _, err := port.Write(frame); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}

// teardown stops the read loop, waits for it within a bound, and closes
// the handle. The reader is always joined before the handle is invalidated
// so it can never read from a disposed port.
func (m *Manager) teardown(next ConnectionState) {
	m.mu.Lock()
	cancel := m.readerCancel
	done := m.readerDone
	port := m.port
	m.readerCancel = nil
	m.readerDone = nil
	m.port = nil
	m.state = next
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		if !waitClosed(done, readerJoinTimeout) {
			logger.Warn().Msg("read loop did not exit in time; closing port anyway")
		}
	}
	if port != nil {
		closePort(port)
	}
}

// healthLoop reschedules itself only after a tick completes, so ticks can
// never overlap no matter how long one takes.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(m.cfg.ReconnectInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.healthCheck()
			timer.Reset(m.cfg.ReconnectInterval)
		}
	}
}

func (m *Manager) healthCheck() {
	m.mu.Lock()
	state := m.state
	target := m.portName
	readerDone := m.readerDone
	m.mu.Unlock()

	if state == StateClosing {
		return
	}

	if state == StateConnected {
		// Read and write failures have different blast radii: a dead read
		// loop is resurrected without touching a connection whose write
		// path may still be fine.
		if isClosed(readerDone) {
			m.restartReader()
		}
		return
	}

	if target == "" {
		if m.cfg.AutoDetect {
			if c, ok := m.finder.Find(); ok {
				logger.Info().Str("port", c.Name).Str("description", c.Description).Msg("display device detected")
				m.setTarget(c.Name)
			}
		}
		return
	}

	if err := m.Connect(target); err != nil {
		logger.Warn().Err(err).Str("port", target).Msg("reconnect failed")
		if m.cfg.AutoDetect {
			// Adopt a newly discovered port for the next tick instead of
			// connecting immediately; this keeps retries on one cadence.
			if c, ok := m.finder.Find(); ok && c.Name != target {
				logger.Info().Str("port", c.Name).Msg("adopting newly discovered port")
				m.setTarget(c.Name)
			}
		}
	}
}

func (m *Manager) restartReader() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state != StateConnected || m.port == nil {
		return
	}
	if !isClosed(m.readerDone) {
		return
	}

	logger.Warn().Str("port", m.portName).Msg("read loop terminated; restarting it")
	if m.readerCancel != nil {
		m.readerCancel()
	}
	m.startReaderLocked(m.port)
}

// startReaderLocked launches the single reader for the handle. Callers
// hold mu. There is never more than one reader per handle.
func (m *Manager) startReaderLocked(port Port) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.readerCancel = cancel
	m.readerDone = done
	go m.readLoop(ctx, port, done)
}

func isClosed(done chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func waitClosed(done chan struct{}, limit time.Duration) bool {
	if done == nil {
		return true
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
