package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"

	"github.com/robotalks/telemetry.go/pkg/mirror"
	"github.com/robotalks/telemetry.go/pkg/mqtt"
	"github.com/robotalks/telemetry.go/pkg/telemetry"
)

const machineIDApp = "telemetry"

var topicUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// MachineID retrieves an ID identifying the machine, hashed per app so the
// raw id is never published. It falls back to the host name.
func MachineID() string {
	id, err := machineid.ProtectedID(machineIDApp)
	if err == nil && len(id) >= 12 {
		return id[:12]
	}
	glog.V(1).Infof("machine id unavailable: %v", err)
	if host, err := os.Hostname(); err == nil && host != "" {
		return topicUnsafe.ReplaceAllString(host, "_")
	}
	return "unknown"
}

// DeviceID returns the configured device id or the machine id.
func (c *Config) DeviceID() string {
	if c.MQTT.DeviceID != "" {
		return c.MQTT.DeviceID
	}
	return MachineID()
}

// MirrorEnabled reports whether a broker is configured.
func (c *Config) MirrorEnabled() bool {
	return c.MQTT.URL != ""
}

// NewMirror creates a Mirror of ch and its broker queue. The queue is not
// connected yet.
func (c *Config) NewMirror(ch *telemetry.Channel) (*mirror.Mirror, *mqtt.Queue, error) {
	deviceID := c.DeviceID()
	q, err := mqtt.NewQueueFromURL(c.MQTT.URL, mirror.StatusWill(deviceID))
	if err != nil {
		return nil, nil, fmt.Errorf("mqtt url %q: %w", c.MQTT.URL, err)
	}
	return mirror.New(ch, deviceID, q), q, nil
}
