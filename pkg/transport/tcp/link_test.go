package tcp

import (
	"context"
	"errors"
	"io"
	"net"
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

func newTestSession(t *testing.T, role transport.Role, addr string) (*transport.Session, *Link) {
	ch := telemetry.MustNewChannel(signal.DefaultTable())
	conf := DefaultConfig()
	conf.Addr = addr
	conf.Interval = 10 * time.Millisecond
	link := New(role, conf, ch.Frame())
	session := transport.NewSession(ch, link)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, session.Stop()) })
	return session, link
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	ln.(*net.TCPListener).SetDeadline(time.Now().Add(waitFor))
	conn, err := ln.Accept()
	require.NoError(t, err)
	return conn
}

func encode(values map[string]int64) []byte {
	table := signal.DefaultTable()
	buf := make([]byte, table.FrameSize())
	for name, v := range values {
		frame.Insert(buf, table.MustLookup(name), v)
	}
	return buf
}

func TestReaderReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	session, _ := newTestSession(t, transport.Reader, ln.Addr().String())
	require.False(t, session.Online())

	conn := accept(t, ln)
	require.Eventually(t, session.Online, waitFor, tick)

	for n := 0; n < 5; n++ {
		speed := int64(10 + n)
		_, err := conn.Write(encode(map[string]int64{
			signal.Speed:       speed,
			signal.Temperature: -int64(n),
			signal.LeftLight:   int64(n % 2),
		}))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return int64(session.Speed()) == speed }, waitFor, tick)
		require.Equal(t, int32(-n), session.Temperature())
		require.Equal(t, n%2 == 1, session.LeftLight())
	}

	addr := ln.Addr().String()
	ln.Close()
	conn.Close()
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	require.Equal(t, []byte{0, 0, 0}, session.Frame().Bytes())
	require.Zero(t, session.Speed())

	// the reader dials again by itself.
	ln, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	defer ln.Close()
	conn = accept(t, ln)
	defer conn.Close()
	require.Eventually(t, session.Online, waitFor, tick)
	_, err = conn.Write(encode(map[string]int64{signal.Battery: 77}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return session.BatteryLevel() == 77 }, waitFor, tick)
}

func TestReaderPartialFrameIsDropped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	session, _ := newTestSession(t, transport.Reader, ln.Addr().String())
	conn := accept(t, ln)
	_, err = conn.Write(encode(map[string]int64{signal.Speed: 100}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return session.Speed() == 100 }, waitFor, tick)

	_, err = conn.Write([]byte{0x20})
	require.NoError(t, err)
	ln.Close()
	conn.Close()
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	require.Equal(t, []byte{0, 0, 0}, session.Frame().Bytes())
}

func TestReaderStopWhileConnecting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ch := telemetry.MustNewChannel(signal.DefaultTable())
	session := transport.NewSession(ch, NewReader(addr, ch.Frame()))
	require.NoError(t, session.Start(context.Background()))
	require.True(t, errors.Is(session.Start(context.Background()), transport.ErrAlreadyStarted))
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- session.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop timeout")
	}
	require.False(t, session.Online())
	require.NoError(t, session.Stop())
}

func TestReaderStopWhileReading(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ch := telemetry.MustNewChannel(signal.DefaultTable())
	session := transport.NewSession(ch, NewReader(ln.Addr().String(), ch.Frame()))
	require.NoError(t, session.Start(context.Background()))
	conn := accept(t, ln)
	defer conn.Close()
	require.Eventually(t, session.Online, waitFor, tick)

	// the peer stays silent; Stop must unblock the pending read.
	done := make(chan error, 1)
	go func() { done <- session.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop timeout")
	}
	require.False(t, session.Online())
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}

func TestReceiveStopsOnError(t *testing.T) {
	ch := telemetry.MustNewChannel(signal.DefaultTable())
	link := NewReader(DefaultAddr, ch.Frame())
	expected := errors.New("connection reset")
	require.Equal(t, expected, link.receive(&failingReader{err: expected}))
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	buf := make([]byte, signal.DefaultFrameSize)
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestWriterPublishes(t *testing.T) {
	session, link := newTestSession(t, transport.Writer, "127.0.0.1:0")
	session.SetSpeed(99)
	session.SetTemperature(-20)
	session.SetRightLight(true)

	require.Eventually(t, func() bool { return link.ListenAddr() != nil }, waitFor, tick)
	addr := link.ListenAddr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	expected := encode(map[string]int64{
		signal.Speed:       99,
		signal.Temperature: -20,
		signal.RightLight:  1,
	})
	require.Equal(t, expected, readFrame(t, conn))
	require.Eventually(t, session.Online, waitFor, tick)

	session.SetSpeed(7)
	deadline := time.Now().Add(waitFor)
	for readFrame(t, conn)[0] != 7 {
		require.True(t, time.Now().Before(deadline), "speed update not published")
	}

	conn.Close()
	require.Eventually(t, func() bool { return !session.Online() }, waitFor, tick)
	// producer values survive the peer going away.
	require.Equal(t, byte(7), session.Frame().Bytes()[0])

	conn, err = net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, byte(7), readFrame(t, conn)[0])
	require.Eventually(t, session.Online, waitFor, tick)
}

func TestRoleNames(t *testing.T) {
	link := NewWriter("0.0.0.0:12345", frame.NewShared(3))
	require.Equal(t, "tcp-writer[0.0.0.0:12345]", link.Name())
	link = NewReader(DefaultAddr, frame.NewShared(3))
	require.Equal(t, "tcp-reader[127.0.0.1:12345]", link.Name())
}
