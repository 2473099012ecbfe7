// Package serial implements the UART link.
//
// USB serial device nodes are not stable across replug, so the link tracks
// the adapter by its USB serial number. When none is configured it is learned
// from the configured device first.
package serial

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/telemetry.go/pkg/framework"
	"github.com/robotalks/telemetry.go/pkg/frame"
	"github.com/robotalks/telemetry.go/pkg/transport"
)

// Defaults
const (
	DefaultReaderDevice     = "/dev/ttyUSB1"
	DefaultWriterDevice     = "/dev/ttyUSB0"
	DefaultBaudRate         = 1048576
	DefaultDiscoverInterval = 500 * time.Millisecond
	DefaultReadTimeout      = 100 * time.Millisecond
	DefaultWriteTimeout     = 100 * time.Millisecond

	// frames buffered per read.
	readFrames = 16
)

// Config is the configuration of a Link.
type Config struct {
	Device           string
	SerialNumber     string
	BaudRate         int
	DiscoverInterval time.Duration
	ReadTimeout      time.Duration
	// WriteTimeout bounds each frame write of writers.
	WriteTimeout time.Duration
	// Interval is the publish cadence of writers.
	Interval time.Duration
}

// DefaultConfig returns the default Config for role.
func DefaultConfig(role transport.Role) Config {
	conf := Config{
		Device:           DefaultReaderDevice,
		BaudRate:         DefaultBaudRate,
		DiscoverInterval: DefaultDiscoverInterval,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		Interval:         transport.DefaultInterval,
	}
	if role == transport.Writer {
		conf.Device = DefaultWriterDevice
	}
	return conf
}

// ErrWriteTimeout indicates a frame not sent within WriteTimeout.
var ErrWriteTimeout = errors.New("serial write timeout")

// Link is a serial transport.Link.
type Link struct {
	Config
	Role transport.Role

	// Open and List default to the real serial port implementation.
	Open OpenFunc
	List ListFunc

	frame  *frame.Shared
	retry  transport.RetryLog
	lock   sync.Mutex
	device string
	sn     string
}

// New creates a Link synchronizing f in the given role.
func New(role transport.Role, conf Config, f *frame.Shared) *Link {
	l := &Link{
		Config: conf,
		Role:   role,
		Open:   OpenPort,
		List:   ListPorts,
		frame:  f,
	}
	l.retry.Name = l.Name()
	return l
}

// Name implements Named.
func (l *Link) Name() string {
	return "serial-" + l.Role.String() + "[" + l.Device + "]"
}

// CurrentDevice returns the device node last opened.
func (l *Link) CurrentDevice() string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.device
}

// KnownSerialNumber returns the serial number the link tracks, configured
// or learned.
func (l *Link) KnownSerialNumber() string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.sn
}

// Run implements Runnable.
func (l *Link) Run(ctx context.Context) error {
	defer l.down()
	if err := l.learnSerialNumber(ctx); err != nil {
		return err
	}
	device := l.Device
	for {
		port, err := l.Open(device, l.baudRate())
		if err != nil {
			l.retry.Failed("open "+device, err)
			if err = transport.Sleep(ctx, l.discoverInterval()); err != nil {
				return err
			}
			if found := l.discover(); found != "" {
				device = found
			}
			continue
		}
		l.retry.Reset()
		l.setDevice(device)
		glog.Infof("%s: opened %s", l.Name(), device)
		l.frame.SetOnline(true)
		err = fx.RunWithContextCloser(ctx, port, func() error {
			if l.Role == transport.Writer {
				return l.send(ctx, port)
			}
			return l.receive(port)
		})
		l.down()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		glog.Warningf("%s: lost %s: %v", l.Name(), device, err)
	}
}

// learnSerialNumber blocks until the serial number to track is known.
func (l *Link) learnSerialNumber(ctx context.Context) error {
	if l.SerialNumber != "" {
		l.setSerialNumber(l.SerialNumber)
		return nil
	}
	for {
		ports, err := l.List()
		if err != nil {
			l.retry.Failed("enumerate", err)
		} else if sn := SerialNumberOf(ports, l.Device); sn != "" {
			l.retry.Reset()
			l.setSerialNumber(sn)
			glog.Infof("%s: tracking serial number %s", l.Name(), sn)
			return nil
		} else {
			glog.V(2).Infof("%s: no serial number for %s yet", l.Name(), l.Device)
		}
		if err = transport.Sleep(ctx, l.discoverInterval()); err != nil {
			return err
		}
	}
}

func (l *Link) discover() string {
	ports, err := l.List()
	if err != nil {
		l.retry.Failed("enumerate", err)
		return ""
	}
	device := FindPort(ports, l.KnownSerialNumber())
	if device != "" {
		glog.V(1).Infof("%s: serial number %s found at %s", l.Name(), l.KnownSerialNumber(), device)
	}
	return device
}

// receive polls the port until it fails. A timeout marks the peer silent
// and drops a partial frame. Bytes are accumulated until at least one frame
// is available; a count which is then not a multiple of the frame size
// means the stream is out of sync, pending input is dropped and nothing is
// decoded.
func (l *Link) receive(port Port) error {
	if err := port.SetReadTimeout(l.readTimeout()); err != nil {
		return err
	}
	size := l.frame.Size()
	buf := make([]byte, size*readFrames)
	have := 0
	for {
		n, err := port.Read(buf[have:])
		if err != nil {
			return err
		}
		if n == 0 {
			have = 0
			if l.frame.SetOnline(false) {
				glog.V(1).Infof("%s: peer silent", l.Name())
			}
			continue
		}
		have += n
		if have < size {
			continue
		}
		if have%size != 0 {
			glog.V(1).Infof("%s: misaligned read of %d bytes, resync", l.Name(), have)
			have = 0
			if err := port.ResetInputBuffer(); err != nil {
				return err
			}
			continue
		}
		for off := 0; off < have; off += size {
			l.frame.Store(buf[off : off+size])
		}
		l.frame.SetOnline(true)
		if glog.V(3) {
			glog.Infof("%s: RCV % x", l.Name(), buf[:have])
		}
		have = 0
	}
}

func (l *Link) send(ctx context.Context, port Port) error {
	buf := make([]byte, l.frame.Size())
	for {
		l.frame.Load(buf)
		if err := l.write(port, buf); err != nil {
			return err
		}
		if err := transport.Sleep(ctx, l.interval()); err != nil {
			return err
		}
	}
}

// write sends one frame and waits for it to leave the port. The port has no
// write deadline, so a stalled device is detected by a timer; the caller
// closes the port which releases the pending write.
func (l *Link) write(port Port, buf []byte) error {
	result := make(chan error, 1)
	go func() {
		n, err := port.Write(buf)
		if err == nil && n != len(buf) {
			err = io.ErrShortWrite
		}
		if err == nil {
			err = port.Drain()
		}
		result <- err
	}()
	timer := time.NewTimer(l.writeTimeout())
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// down ends a connection. Readers forget the peer's values, writers keep
// the producer's.
func (l *Link) down() {
	if l.Role == transport.Writer {
		l.frame.SetOnline(false)
	} else {
		l.frame.Down()
	}
}

func (l *Link) setDevice(device string) {
	l.lock.Lock()
	l.device = device
	l.lock.Unlock()
}

func (l *Link) setSerialNumber(sn string) {
	l.lock.Lock()
	l.sn = sn
	l.lock.Unlock()
}

func (l *Link) baudRate() int {
	if l.BaudRate > 0 {
		return l.BaudRate
	}
	return DefaultBaudRate
}

func (l *Link) discoverInterval() time.Duration {
	if l.DiscoverInterval > 0 {
		return l.DiscoverInterval
	}
	return DefaultDiscoverInterval
}

func (l *Link) readTimeout() time.Duration {
	if l.ReadTimeout > 0 {
		return l.ReadTimeout
	}
	return DefaultReadTimeout
}

func (l *Link) writeTimeout() time.Duration {
	if l.WriteTimeout > 0 {
		return l.WriteTimeout
	}
	return DefaultWriteTimeout
}

func (l *Link) interval() time.Duration {
	if l.Interval > 0 {
		return l.Interval
	}
	return transport.DefaultInterval
}
