package transport_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/statlink/internal/discovery"
	"codeberg.org/mutker/statlink/internal/protocol"
	"codeberg.org/mutker/statlink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	mu      sync.Mutex
	writes  []string
	inbound chan []byte
	closed  bool

	writeErr error
	readErr  error
}

func newFakePort() *fakePort {
	return &fakePort{inbound: make(chan []byte, 16)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	closed, readErr := p.closed, p.readErr
	p.mu.Unlock()
	if closed {
		return 0, errors.New("port is closed")
	}
	if readErr != nil {
		return 0, readErr
	}

	select {
	case data := <-p.inbound:
		return copy(b, data), nil
	case <-time.After(5 * time.Millisecond):
		// Emulates the poll timeout of a real serial handle.
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) writtenFrames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func (p *fakePort) setReadErr(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeOpener struct {
	mu    sync.Mutex
	ports []*fakePort
	calls []string
	fail  map[string]error
}

func (o *fakeOpener) open(name string, _ int) (transport.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, name)
	if err, ok := o.fail[name]; ok {
		return nil, err
	}
	port := newFakePort()
	o.ports = append(o.ports, port)
	return port, nil
}

func (o *fakeOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *fakeOpener) lastPort() *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ports) == 0 {
		return nil
	}
	return o.ports[len(o.ports)-1]
}

type fixedFinder struct {
	mu        sync.Mutex
	candidate discovery.Candidate
	found     bool
}

func (f *fixedFinder) Find() (discovery.Candidate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidate, f.found
}

func (f *fixedFinder) set(c discovery.Candidate) {
	f.mu.Lock()
	f.candidate = c
	f.found = true
	f.mu.Unlock()
}

func testConfig() transport.Config {
	return transport.Config{
		Port:              "COM5",
		BaudRate:          115200,
		ReconnectInterval: 25 * time.Millisecond,
	}
}

func sampleRecord() protocol.TelemetryRecord {
	return protocol.TelemetryRecord{
		Timestamp: 1755143472,
		CPU:       protocol.CPUStats{Usage: 12, Temp: 55, Fan: 900, Name: "cpu"},
		GPU:       protocol.GPUStats{Usage: 3, Temp: 40, Name: "gpu", MemUsed: 512, MemTotal: 8192},
		Memory:    protocol.MemoryStats{Usage: 41, Used: 13.02, Total: 31.77, Avail: 18.75},
	}
}

func TestSendBeforeConnectIsNoop(t *testing.T) {
	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open))
	defer m.Close()

	start := time.Now()
	err := m.Send(sampleRecord())

	require.NoError(t, err, "send without a connection must not fail")
	assert.Less(t, time.Since(start), time.Second, "send without a connection must not block")
	assert.Zero(t, opener.callCount(), "send must not open a port")
}

func TestConnectSendsHandshakeBeforeTelemetry(t *testing.T) {
	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open))
	defer m.Close()

	require.NoError(t, m.Connect("COM5"))
	require.NoError(t, m.Send(sampleRecord()))

	frames := opener.lastPort().writtenFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, `{"type":"handshake","service":"statlink","version":"1.0"}`+"\n", frames[0])
	assert.True(t, strings.HasPrefix(frames[1], `{"ts":1755143472,`), "telemetry frame: %s", frames[1])
	assert.True(t, strings.HasSuffix(frames[1], "}\n"))
}

func TestConnectIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open))
	defer m.Close()

	require.NoError(t, m.Connect("COM5"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Connect("COM5"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opener.callCount(), "an established connection must not be reopened")
	assert.Equal(t, transport.StateConnected, m.State())
}

func TestConnectSwitchesPort(t *testing.T) {
	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open))
	defer m.Close()

	require.NoError(t, m.Connect("COM5"))
	first := opener.lastPort()

	require.NoError(t, m.Connect("COM6"))
	assert.True(t, first.isClosed(), "old handle must be closed before the new port is opened")
	assert.Equal(t, "COM6", m.ActivePort())
}

func TestConnectRetriesBeforeFailing(t *testing.T) {
	opener := &fakeOpener{fail: map[string]error{"COM5": errors.New("open failed")}}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open))
	defer m.Close()

	err := m.Connect("COM5")
	require.Error(t, err)
	assert.Equal(t, 3, opener.callCount(), "transient open failures are retried up to the bound")
	assert.Equal(t, transport.StateDisconnected, m.State())
}

func TestWriteFailureDisconnectsAndHealthCheckRecovers(t *testing.T) {
	opener := &fakeOpener{}
	finder := &fixedFinder{}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open), transport.WithFinder(finder))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return m.State() == transport.StateConnected },
		2*time.Second, 10*time.Millisecond)

	port := opener.lastPort()
	port.mu.Lock()
	port.writeErr = errors.New("device yanked")
	port.mu.Unlock()

	err := m.Send(sampleRecord())
	require.Error(t, err)
	assert.Equal(t, transport.StateDisconnected, m.State())

	// The health check re-establishes the connection on its own cadence.
	require.Eventually(t, func() bool { return m.State() == transport.StateConnected },
		2*time.Second, 10*time.Millisecond)
	assert.NoError(t, m.Send(sampleRecord()))
}

func TestAutoDetectResolvesPortOnStart(t *testing.T) {
	opener := &fakeOpener{}
	finder := &fixedFinder{}
	finder.set(discovery.Candidate{Name: "COM5", Description: "USB-SERIAL CH340 (COM5)", Matched: true})

	cfg := testConfig()
	cfg.Port = "AUTO"
	cfg.AutoDetect = true
	m := transport.NewManager(cfg, nil, transport.WithOpener(opener.open), transport.WithFinder(finder))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return m.State() == transport.StateConnected },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "COM5", m.ActivePort())
}

func TestDeviceAppearsLater(t *testing.T) {
	opener := &fakeOpener{}
	finder := &fixedFinder{}

	cfg := testConfig()
	cfg.Port = "AUTO"
	cfg.AutoDetect = true
	m := transport.NewManager(cfg, nil, transport.WithOpener(opener.open), transport.WithFinder(finder))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	assert.Equal(t, transport.StateDisconnected, m.State())

	// Plug the device in after the fact; the health check finds it.
	finder.set(discovery.Candidate{Name: "/dev/ttyUSB0", Matched: true})

	require.Eventually(t, func() bool { return m.State() == transport.StateConnected },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/dev/ttyUSB0", m.ActivePort())
}

func TestHealthCheckAdoptsNewPortAfterFailure(t *testing.T) {
	opener := &fakeOpener{fail: map[string]error{"COM5": errors.New("gone")}}
	finder := &fixedFinder{}
	finder.set(discovery.Candidate{Name: "COM6", Matched: true})

	cfg := testConfig()
	cfg.AutoDetect = true
	m := transport.NewManager(cfg, nil, transport.WithOpener(opener.open), transport.WithFinder(finder))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool {
		return m.State() == transport.StateConnected && m.ActivePort() == "COM6"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestInboundLinesDispatchedAcrossChunks(t *testing.T) {
	var mu sync.Mutex
	var got []protocol.InboundMessage
	handler := func(msg protocol.InboundMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}

	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), handler, transport.WithOpener(opener.open))
	defer m.Close()

	require.NoError(t, m.Connect("COM5"))
	port := opener.lastPort()

	// One status message split mid-object across two reads.
	port.inbound <- []byte(`{"type":"status","mess`)
	port.inbound <- []byte("age\":\"display ready\"}\r\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, protocol.KindStatus, got[0].Kind)
	assert.Equal(t, "display ready", got[0].Text)
}

func TestReadLoopRestartedByHealthCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the read-loop failure pauses")
	}

	var mu sync.Mutex
	var got []protocol.InboundMessage
	handler := func(msg protocol.InboundMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}

	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), handler, transport.WithOpener(opener.open))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return m.State() == transport.StateConnected },
		2*time.Second, 10*time.Millisecond)
	port := opener.lastPort()

	// Poison the read path until the loop gives up, then heal it. The
	// health check must bring the reader back without reconnecting.
	port.setReadErr(errors.New("input/output error"))
	time.Sleep(3 * time.Second)
	port.setReadErr(nil)

	port.inbound <- []byte("{\"type\":\"status\",\"message\":\"back\"}\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, opener.callCount(), "connection itself must not be reopened")
	assert.Equal(t, transport.StateConnected, m.State())
}

func TestCloseIsIdempotentAndQuietsSend(t *testing.T) {
	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open))

	require.NoError(t, m.Connect("COM5"))
	port := opener.lastPort()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.True(t, port.isClosed())
	assert.NoError(t, m.Send(sampleRecord()), "send after close is a silent no-op")

	err := m.Connect("COM5")
	require.Error(t, err, "connect after close must fail")
}

func TestStabilizationDelayBeforeHandshake(t *testing.T) {
	opener := &fakeOpener{}
	cfg := testConfig()
	cfg.StabilizationDelay = 50 * time.Millisecond
	m := transport.NewManager(cfg, nil, transport.WithOpener(opener.open))
	defer m.Close()

	start := time.Now()
	require.NoError(t, m.Connect("COM5"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	frames := opener.lastPort().writtenFrames()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], `"type":"handshake"`)
}

func TestSendExactlyOneFramePerRecord(t *testing.T) {
	opener := &fakeOpener{}
	m := transport.NewManager(testConfig(), nil, transport.WithOpener(opener.open))
	defer m.Close()

	require.NoError(t, m.Connect("COM5"))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Send(sampleRecord()))
	}

	frames := opener.lastPort().writtenFrames()
	require.Len(t, frames, 6, "handshake plus five telemetry frames")
	for _, frame := range frames[1:] {
		assert.Equal(t, 1, strings.Count(frame, "\n"), "frame must be one line: %s", fmt.Sprintf("%q", frame))
	}
}
