// Package tcp implements the stream socket link.
//
// The reader dials the peer and reads raw frames of exactly the frame size,
// without any length prefix. The writer listens, accepts one peer at a time
// and writes the frame every interval.
package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/telemetry.go/pkg/framework"
	"github.com/robotalks/telemetry.go/pkg/frame"
	"github.com/robotalks/telemetry.go/pkg/transport"
)

// DefaultAddr is the default peer endpoint.
const DefaultAddr = "127.0.0.1:12345"

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 100 * time.Millisecond

// Config is the configuration of a Link.
type Config struct {
	// Addr is dialed by readers and listened on by writers.
	Addr string
	// Interval is the retry cadence, and the publish cadence of writers.
	Interval time.Duration
	// WriteTimeout bounds each frame write of writers.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		Addr:         DefaultAddr,
		Interval:     transport.DefaultInterval,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Link is a TCP transport.Link.
type Link struct {
	Config
	Role transport.Role

	frame      *frame.Shared
	dialer     net.Dialer
	listenAddr net.Addr
	lock       sync.Mutex
	retry      transport.RetryLog
}

// New creates a Link synchronizing f in the given role.
func New(role transport.Role, conf Config, f *frame.Shared) *Link {
	l := &Link{Config: conf, Role: role, frame: f}
	l.retry.Name = l.Name()
	return l
}

// NewReader creates a reader Link dialing addr.
func NewReader(addr string, f *frame.Shared) *Link {
	conf := DefaultConfig()
	conf.Addr = addr
	return New(transport.Reader, conf, f)
}

// NewWriter creates a writer Link listening on addr.
func NewWriter(addr string, f *frame.Shared) *Link {
	conf := DefaultConfig()
	conf.Addr = addr
	return New(transport.Writer, conf, f)
}

// Name implements Named.
func (l *Link) Name() string {
	return "tcp-" + l.Role.String() + "[" + l.Addr + "]"
}

// ListenAddr returns the address the writer currently listens on, or nil.
func (l *Link) ListenAddr() net.Addr {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.listenAddr
}

// Run implements Runnable.
func (l *Link) Run(ctx context.Context) error {
	if l.Role == transport.Writer {
		return l.runWriter(ctx)
	}
	return l.runReader(ctx)
}

func (l *Link) interval() time.Duration {
	if l.Interval > 0 {
		return l.Interval
	}
	return transport.DefaultInterval
}

func (l *Link) runReader(ctx context.Context) error {
	defer l.frame.Down()
	for {
		conn, err := l.dialer.DialContext(ctx, "tcp", l.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.retry.Failed("connect", err)
			if err = transport.Sleep(ctx, l.interval()); err != nil {
				return err
			}
			continue
		}
		l.retry.Reset()
		glog.Infof("%s: connected to %s", l.Name(), conn.RemoteAddr())
		l.frame.SetOnline(true)
		err = fx.RunWithContextCloser(ctx, conn, func() error {
			return l.receive(conn)
		})
		l.frame.Down()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			glog.Warningf("%s: peer closed connection", l.Name())
		} else {
			glog.Warningf("%s: connection lost: %v", l.Name(), err)
		}
		if err = transport.Sleep(ctx, l.interval()); err != nil {
			return err
		}
	}
}

// receive reads frames until the connection fails. A read error of any
// kind ends the connection.
func (l *Link) receive(r io.Reader) error {
	buf := make([]byte, l.frame.Size())
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		l.frame.Store(buf)
		if glog.V(3) {
			glog.Infof("%s: RCV % x", l.Name(), buf)
		}
	}
}

func (l *Link) runWriter(ctx context.Context) error {
	defer l.frame.SetOnline(false)
	var lc net.ListenConfig
	for {
		ln, err := lc.Listen(ctx, "tcp", l.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.retry.Failed("listen", err)
			if err = transport.Sleep(ctx, l.interval()); err != nil {
				return err
			}
			continue
		}
		l.retry.Reset()
		l.setListenAddr(ln.Addr())
		glog.Infof("%s: listening on %s", l.Name(), ln.Addr())
		err = fx.RunWithContextCloser(ctx, ln, func() error {
			return l.serve(ctx, ln)
		})
		l.setListenAddr(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.retry.Failed("accept", err)
		if err = transport.Sleep(ctx, l.interval()); err != nil {
			return err
		}
	}
}

func (l *Link) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		glog.Infof("%s: peer %s connected", l.Name(), conn.RemoteAddr())
		l.frame.SetOnline(true)
		err = l.publish(ctx, conn)
		conn.Close()
		l.frame.SetOnline(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		glog.Warningf("%s: lost peer %s: %v", l.Name(), conn.RemoteAddr(), err)
	}
}

// publish copies the frame under a short lock and writes it every interval.
// A failed or short write ends the connection.
func (l *Link) publish(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, l.frame.Size())
	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		l.frame.Load(buf)
		if l.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(l.WriteTimeout))
		}
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return io.ErrShortWrite
		}
	}
}

func (l *Link) setListenAddr(addr net.Addr) {
	l.lock.Lock()
	l.listenAddr = addr
	l.lock.Unlock()
}
