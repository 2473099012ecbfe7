// Package config builds telemetry sessions from defaults, environment,
// an optional TOML file and command line flags, in increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang/glog"

	fx "github.com/robotalks/telemetry.go/pkg/framework"
	"github.com/robotalks/telemetry.go/pkg/signal"
	"github.com/robotalks/telemetry.go/pkg/telemetry"
	"github.com/robotalks/telemetry.go/pkg/transport"
	"github.com/robotalks/telemetry.go/pkg/transport/serial"
	"github.com/robotalks/telemetry.go/pkg/transport/tcp"
)

// Transports
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// ErrUnknownTransport indicates an invalid transport name.
var ErrUnknownTransport = errors.New("unknown transport")

// Duration is a time.Duration read from strings like "40ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// SignalConfig describes one signal of a custom table.
type SignalConfig struct {
	Name   string `toml:"name"`
	Start  uint32 `toml:"start"`
	Length uint32 `toml:"length"`
	Min    int32  `toml:"min"`
	Max    int32  `toml:"max"`
	Signed bool   `toml:"signed"`
}

// SerialConfig configures the serial transport.
type SerialConfig struct {
	// Device defaults to the role's conventional node when empty.
	Device           string   `toml:"device"`
	SerialNumber     string   `toml:"serial_number"`
	BaudRate         int      `toml:"baud_rate"`
	DiscoverInterval Duration `toml:"discover_interval"`
	ReadTimeout      Duration `toml:"read_timeout"`
}

// MQTTConfig configures mirroring to a broker.
type MQTTConfig struct {
	// URL like mqtt://host:port/topic-prefix/, mirroring is off when empty.
	URL string `toml:"url"`
	// DeviceID defaults to the machine id.
	DeviceID string `toml:"device_id"`
}

// Config is the static configuration of a telemetry process.
type Config struct {
	File string `toml:"-"`

	Transport    string         `toml:"transport"`
	Role         string         `toml:"role"`
	Addr         string         `toml:"addr"`
	Interval     Duration       `toml:"interval"`
	WriteTimeout Duration       `toml:"write_timeout"`
	FrameSize    int            `toml:"frame_size"`
	Signals      []SignalConfig `toml:"signals"`
	Serial       SerialConfig   `toml:"serial"`
	MQTT         MQTTConfig     `toml:"mqtt"`
}

var defaultConfig = Builtin()

// Builtin returns the configuration without environment or flags applied.
func Builtin() Config {
	return Config{
		Transport:    TransportTCP,
		Role:         transport.Reader.String(),
		Addr:         tcp.DefaultAddr,
		Interval:     Duration{transport.DefaultInterval},
		WriteTimeout: Duration{tcp.DefaultWriteTimeout},
		FrameSize:    signal.DefaultFrameSize,
		Serial: SerialConfig{
			BaudRate:         serial.DefaultBaudRate,
			DiscoverInterval: Duration{serial.DefaultDiscoverInterval},
			ReadTimeout:      Duration{serial.DefaultReadTimeout},
		},
	}
}

func init() {
	applyEnv(&defaultConfig, os.Getenv)
}

func applyEnv(c *Config, getenv func(string) string) {
	if val := getenv("TELEMETRY_CONFIG"); val != "" {
		c.File = val
	}
	if val := getenv("TELEMETRY_TRANSPORT"); val != "" {
		c.Transport = val
	}
	if val := getenv("TELEMETRY_ROLE"); val != "" {
		c.Role = val
	}
	if val := getenv("TELEMETRY_ADDR"); val != "" {
		c.Addr = val
	}
	if val := getenv("TELEMETRY_SERIAL_DEVICE"); val != "" {
		c.Serial.Device = val
	}
	if val := getenv("TELEMETRY_SERIAL_NUMBER"); val != "" {
		c.Serial.SerialNumber = val
	}
	if val := getenv("TELEMETRY_MQTT_URL"); val != "" {
		c.MQTT.URL = val
	}
	if val := getenv("TELEMETRY_DEVICE_ID"); val != "" {
		c.MQTT.DeviceID = val
	}
}

func bindFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Transport, "transport", c.Transport, "Link transport: tcp or serial.")
	fs.StringVar(&c.Role, "role", c.Role, "Link role: reader or writer.")
	fs.StringVar(&c.Addr, "addr", c.Addr, "TCP address to dial (reader) or listen on (writer).")
	fs.DurationVar(&c.Interval.Duration, "interval", c.Interval.Duration, "Retry and publish interval.")
	fs.DurationVar(&c.WriteTimeout.Duration, "write-timeout", c.WriteTimeout.Duration, "Frame write timeout of writers.")
	fs.StringVar(&c.Serial.Device, "serial-device", c.Serial.Device, "Serial device, defaults by role.")
	fs.StringVar(&c.Serial.SerialNumber, "serial-number", c.Serial.SerialNumber, "USB serial number of the adapter.")
	fs.IntVar(&c.Serial.BaudRate, "baud", c.Serial.BaudRate, "Serial baud rate.")
	fs.StringVar(&c.MQTT.URL, "mqtt", c.MQTT.URL, "MQTT broker URL to mirror telemetry to.")
	fs.StringVar(&c.MQTT.DeviceID, "device-id", c.MQTT.DeviceID, "Device ID for mirrored topics.")
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.File, "config", defaultConfig.File, "TOML configuration file.")
	bindFlags(flag.CommandLine, &defaultConfig)
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config from the defaults, loading the configuration
// file if one is specified. Flags set explicitly on the command line win
// over the file.
func NewConfig() (*Config, error) {
	conf := defaultConfig
	if conf.File == "" {
		return &conf, nil
	}
	if err := conf.Load(conf.File); err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet("overrides", flag.ContinueOnError)
	bindFlags(fs, &conf)
	var errs fx.AggregatedError
	flag.Visit(func(f *flag.Flag) {
		if fs.Lookup(f.Name) != nil {
			errs.Add(fs.Set(f.Name, f.Value.String()))
		}
	})
	if err := errs.Aggregate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// MustNewConfig creates a Config and fails on error.
func MustNewConfig() *Config {
	conf, err := NewConfig()
	if err != nil {
		glog.Fatalf("config: %v", err)
	}
	return conf
}

// Load overlays the keys present in the TOML file at path.
func (c *Config) Load(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

// Parse overlays the keys present in TOML text.
func (c *Config) Parse(text string) error {
	if _, err := toml.Decode(text, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the configuration, reporting every problem.
func (c *Config) Validate() error {
	var errs fx.AggregatedError
	switch c.Transport {
	case TransportTCP:
		if strings.TrimSpace(c.Addr) == "" {
			errs.Add(errors.New("tcp address is required"))
		}
	case TransportSerial:
		if c.Serial.BaudRate <= 0 {
			errs.Add(fmt.Errorf("invalid baud rate %d", c.Serial.BaudRate))
		}
	default:
		errs.Add(fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport))
	}
	if _, err := transport.ParseRole(c.Role); err != nil {
		errs.Add(err)
	}
	if c.Interval.Duration <= 0 {
		errs.Add(fmt.Errorf("invalid interval %v", c.Interval.Duration))
	}
	if _, err := c.Table(); err != nil {
		errs.Add(err)
	}
	return errs.Aggregate()
}

// Table builds the signal table. Without custom signals it is the default
// schema in a frame of FrameSize bytes.
func (c *Config) Table() (*signal.Table, error) {
	frameSize := c.FrameSize
	if frameSize == 0 {
		frameSize = signal.DefaultFrameSize
	}
	if len(c.Signals) == 0 {
		return signal.NewTable(frameSize, signal.DefaultSpecs()...)
	}
	specs := make([]signal.Spec, len(c.Signals))
	for n, s := range c.Signals {
		specs[n] = signal.Spec{
			Name:   s.Name,
			Start:  s.Start,
			Length: s.Length,
			Min:    s.Min,
			Max:    s.Max,
			Signed: s.Signed,
		}
	}
	return signal.NewTable(frameSize, specs...)
}

// TCPLinkConfig returns the configuration of the TCP link.
func (c *Config) TCPLinkConfig() tcp.Config {
	conf := tcp.DefaultConfig()
	conf.Addr = c.Addr
	conf.Interval = c.Interval.Duration
	if c.WriteTimeout.Duration > 0 {
		conf.WriteTimeout = c.WriteTimeout.Duration
	}
	return conf
}

// SerialLinkConfig returns the configuration of the serial link for role.
func (c *Config) SerialLinkConfig(role transport.Role) serial.Config {
	conf := serial.DefaultConfig(role)
	if c.Serial.Device != "" {
		conf.Device = c.Serial.Device
	}
	conf.SerialNumber = c.Serial.SerialNumber
	if c.Serial.BaudRate > 0 {
		conf.BaudRate = c.Serial.BaudRate
	}
	if d := c.Serial.DiscoverInterval.Duration; d > 0 {
		conf.DiscoverInterval = d
	}
	if d := c.Serial.ReadTimeout.Duration; d > 0 {
		conf.ReadTimeout = d
	}
	if d := c.WriteTimeout.Duration; d > 0 {
		conf.WriteTimeout = d
	}
	conf.Interval = c.Interval.Duration
	return conf
}

// NewSession validates the configuration and creates a session which is
// not started yet.
func (c *Config) NewSession() (*transport.Session, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	role, _ := transport.ParseRole(c.Role)
	table, _ := c.Table()
	ch, err := telemetry.NewChannel(table)
	if err != nil {
		return nil, err
	}
	var link transport.Link
	switch c.Transport {
	case TransportSerial:
		link = serial.New(role, c.SerialLinkConfig(role), ch.Frame())
	default:
		link = tcp.New(role, c.TCPLinkConfig(), ch.Frame())
	}
	return transport.NewSession(ch, link), nil
}

// MustNewSession creates a session and fails on error.
func (c *Config) MustNewSession() *transport.Session {
	s, err := c.NewSession()
	if err != nil {
		glog.Fatalf("config: %v", err)
	}
	return s
}
