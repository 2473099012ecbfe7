package serial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/telemetry.go/pkg/frame"
	"github.com/robotalks/telemetry.go/pkg/signal"
	"github.com/robotalks/telemetry.go/pkg/telemetry"
	"github.com/robotalks/telemetry.go/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errPortClosed = errors.New("port closed")

// fakePort delivers scripted reads. A nil chunk is a read timeout.
type fakePort struct {
	reads   chan []byte
	resets  atomic.Int32
	closed  chan struct{}
	once    sync.Once
	failW   atomic.Bool
	stallW  atomic.Bool
	lock    sync.Mutex
	written [][]byte
}

func newFakePort() *fakePort {
	return &fakePort{reads: make(chan []byte), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-p.reads:
		if !ok {
			return 0, errors.New("device unplugged")
		}
		return copy(b, chunk), nil
	case <-p.closed:
		return 0, errPortClosed
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errPortClosed
	default:
	}
	if p.failW.Load() {
		return 0, errors.New("write failed")
	}
	if p.stallW.Load() {
		<-p.closed
		return 0, errPortClosed
	}
	p.lock.Lock()
	p.written = append(p.written, append([]byte(nil), b...))
	p.lock.Unlock()
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Drain() error { return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.resets.Add(1)
	return nil
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) lastWritten() []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	if len(p.written) == 0 {
		return nil
	}
	return p.written[len(p.written)-1]
}

// fakeSystem hands out ports per device and records open attempts.
type fakeSystem struct {
	lock   sync.Mutex
	ports  map[string]*fakePort
	infos  []PortInfo
	opened []string
}

func (s *fakeSystem) open(device string, baudRate int) (Port, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.opened = append(s.opened, device)
	port := s.ports[device]
	if port == nil || port.isClosed() {
		return nil, errors.New("no such file or directory")
	}
	return port, nil
}

func (s *fakeSystem) list() ([]PortInfo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]PortInfo(nil), s.infos...), nil
}

func (s *fakeSystem) plug(device, sn string, port *fakePort) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ports[device] = port
	s.infos = append(s.infos, PortInfo{Device: device, SerialNumber: sn})
}

func (s *fakeSystem) openedDevices() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.opened...)
}

func newTestSession(t *testing.T, role transport.Role, conf Config, sys *fakeSystem) (*transport.Session, *Link) {
	ch := telemetry.MustNewChannel(signal.DefaultTable())
	conf.DiscoverInterval = 10 * time.Millisecond
	conf.Interval = 5 * time.Millisecond
	link := New(role, conf, ch.Frame())
	link.Open = sys.open
	link.List = sys.list
	session := transport.NewSession(ch, link)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, session.Stop()) })
	return session, link
}

func encode(values map[string]int64) []byte {
	table := signal.DefaultTable()
	buf := make([]byte, table.FrameSize())
	for name, v := range values {
		frame.Insert(buf, table.MustLookup(name), v)
	}
	return buf
}

func TestReaderMisalignment(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	port := newFakePort()
	sys.plug(DefaultReaderDevice, "SN1", port)
	conf := DefaultConfig(transport.Reader)
	conf.SerialNumber = "SN1"
	session, _ := newTestSession(t, transport.Reader, conf, sys)

	require.Eventually(t, session.Online, waitFor, tick)
	port.reads <- encode(map[string]int64{signal.Speed: 50})
	require.Eventually(t, func() bool { return session.Speed() == 50 }, waitFor, tick)

	misaligned := append(encode(map[string]int64{signal.Speed: 60}), 0xff)
	port.reads <- misaligned
	require.Eventually(t, func() bool { return port.resets.Load() == 1 }, waitFor, tick)
	require.Equal(t, uint32(50), session.Speed())

	var burst []byte
	burst = append(burst, encode(map[string]int64{signal.Speed: 70})...)
	burst = append(burst, encode(map[string]int64{signal.Speed: 80, signal.Battery: 40})...)
	port.reads <- burst
	require.Eventually(t, func() bool { return session.Speed() == 80 }, waitFor, tick)
	require.Equal(t, uint32(40), session.BatteryLevel())
	require.Equal(t, int32(1), port.resets.Load())
}

func TestReaderSplitFrame(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	port := newFakePort()
	sys.plug(DefaultReaderDevice, "SN1", port)
	conf := DefaultConfig(transport.Reader)
	conf.SerialNumber = "SN1"
	session, _ := newTestSession(t, transport.Reader, conf, sys)

	f := encode(map[string]int64{signal.Speed: 55, signal.Battery: 20})
	port.reads <- f[:2]
	port.reads <- f[2:]
	require.Eventually(t, func() bool { return session.Speed() == 55 }, waitFor, tick)
	require.Equal(t, uint32(20), session.BatteryLevel())
	require.True(t, session.Online())

	g := encode(map[string]int64{signal.Speed: 66, signal.Battery: 30})
	port.reads <- g[:1]
	port.reads <- g[1:2]
	port.reads <- g[2:]
	require.Eventually(t, func() bool { return session.Speed() == 66 }, waitFor, tick)
	require.Equal(t, uint32(30), session.BatteryLevel())
	require.Zero(t, port.resets.Load())
}

func TestReaderTimeoutDropsPartialFrame(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	port := newFakePort()
	sys.plug(DefaultReaderDevice, "SN1", port)
	conf := DefaultConfig(transport.Reader)
	conf.SerialNumber = "SN1"
	session, _ := newTestSession(t, transport.Reader, conf, sys)

	port.reads <- encode(map[string]int64{signal.Speed: 10})[:1]
	port.reads <- nil
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	port.reads <- encode(map[string]int64{signal.Speed: 77})
	require.Eventually(t, func() bool { return session.Speed() == 77 }, waitFor, tick)
	require.True(t, session.Online())
	require.Zero(t, port.resets.Load())
}

func TestReaderTimeoutKeepsFrame(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	port := newFakePort()
	sys.plug(DefaultReaderDevice, "SN1", port)
	conf := DefaultConfig(transport.Reader)
	conf.SerialNumber = "SN1"
	session, _ := newTestSession(t, transport.Reader, conf, sys)

	port.reads <- encode(map[string]int64{signal.Battery: 90})
	require.Eventually(t, func() bool { return session.BatteryLevel() == 90 }, waitFor, tick)

	port.reads <- nil
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	require.NotEqual(t, []byte{0, 0, 0}, session.Frame().Bytes())

	port.reads <- encode(map[string]int64{signal.Battery: 91})
	require.Eventually(t, func() bool { return session.BatteryLevel() == 91 }, waitFor, tick)
	require.True(t, session.Online())
}

func TestReaderRediscovers(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	first := newFakePort()
	sys.plug(DefaultReaderDevice, "SN1", first)
	// no serial number configured, it is learned from the default device.
	session, link := newTestSession(t, transport.Reader, DefaultConfig(transport.Reader), sys)

	require.Eventually(t, session.Online, waitFor, tick)
	require.Equal(t, "SN1", link.KnownSerialNumber())
	first.reads <- encode(map[string]int64{signal.Speed: 33})
	require.Eventually(t, func() bool { return session.Speed() == 33 }, waitFor, tick)

	// unplug, the adapter comes back under another node.
	second := newFakePort()
	sys.lock.Lock()
	sys.infos = nil
	sys.lock.Unlock()
	close(first.reads)
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	require.Equal(t, []byte{0, 0, 0}, session.Frame().Bytes())

	sys.plug("/dev/ttyACM3", "SN1", second)
	require.Eventually(t, session.Online, waitFor, tick)
	require.Equal(t, "/dev/ttyACM3", link.CurrentDevice())
	second.reads <- encode(map[string]int64{signal.Speed: 44})
	require.Eventually(t, func() bool { return session.Speed() == 44 }, waitFor, tick)
	require.Contains(t, sys.openedDevices(), DefaultReaderDevice)
}

func TestLearnSerialNumberWaits(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	session, link := newTestSession(t, transport.Reader, DefaultConfig(transport.Reader), sys)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sys.openedDevices())
	require.False(t, session.Online())

	sys.plug(DefaultReaderDevice, "SN9", newFakePort())
	require.Eventually(t, session.Online, waitFor, tick)
	require.Equal(t, "SN9", link.KnownSerialNumber())
}

func TestWriterPublishes(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	port := newFakePort()
	sys.plug(DefaultWriterDevice, "SN0", port)
	conf := DefaultConfig(transport.Writer)
	conf.SerialNumber = "SN0"

	session, _ := newTestSession(t, transport.Writer, conf, sys)
	session.SetSpeed(120)
	session.SetLeftLight(true)
	expected := encode(map[string]int64{signal.Speed: 120, signal.LeftLight: 1})
	require.Eventually(t, func() bool {
		return string(port.lastWritten()) == string(expected)
	}, waitFor, tick)
	require.True(t, session.Online())

	// a failed write tears the port down, the frame survives.
	port.failW.Store(true)
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	require.True(t, port.isClosed())
	require.Equal(t, byte(120), session.Frame().Bytes()[0])

	replugged := newFakePort()
	sys.plug(DefaultWriterDevice, "SN0", replugged)
	require.Eventually(t, func() bool {
		return string(replugged.lastWritten()) == string(expected)
	}, waitFor, tick)
	require.True(t, session.Online())
}

func TestWriterWriteTimeout(t *testing.T) {
	sys := &fakeSystem{ports: make(map[string]*fakePort)}
	port := newFakePort()
	sys.plug(DefaultWriterDevice, "SN0", port)
	conf := DefaultConfig(transport.Writer)
	conf.SerialNumber = "SN0"
	conf.WriteTimeout = 20 * time.Millisecond

	session, _ := newTestSession(t, transport.Writer, conf, sys)
	session.SetSpeed(90)
	expected := encode(map[string]int64{signal.Speed: 90})
	require.Eventually(t, func() bool {
		return string(port.lastWritten()) == string(expected)
	}, waitFor, tick)

	// a stalled device is torn down instead of blocking the writer.
	port.stallW.Store(true)
	require.Eventually(t, port.isClosed, waitFor, tick)
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	require.Equal(t, byte(90), session.Frame().Bytes()[0])

	replugged := newFakePort()
	sys.plug(DefaultWriterDevice, "SN0", replugged)
	require.Eventually(t, func() bool {
		return string(replugged.lastWritten()) == string(expected)
	}, waitFor, tick)
	require.True(t, session.Online())
}
