// Package telemetry provides typed access to the vehicle signals carried by a
// shared frame.
package telemetry

import (
	"fmt"
	"time"

	"github.com/robotalks/telemetry.go/pkg/frame"
	"github.com/robotalks/telemetry.go/pkg/signal"
)

// Channel encodes and decodes the vehicle signals in a shared frame.
//
// Setters clamp values to the signal range. Getters return the neutral value
// (0 or false) while the link is offline.
type Channel struct {
	table *signal.Table
	frame *frame.Shared

	speed       signal.Spec
	battery     signal.Spec
	temperature signal.Spec
	leftLight   signal.Spec
	rightLight  signal.Spec
}

// NewChannel creates a Channel with its own zeroed frame.
// The table must define all signals of the default schema.
func NewChannel(table *signal.Table) (*Channel, error) {
	c := &Channel{
		table: table,
		frame: frame.NewShared(table.FrameSize()),
	}
	for _, s := range []struct {
		name string
		spec *signal.Spec
	}{
		{signal.Speed, &c.speed},
		{signal.Battery, &c.battery},
		{signal.Temperature, &c.temperature},
		{signal.LeftLight, &c.leftLight},
		{signal.RightLight, &c.rightLight},
	} {
		spec, err := table.Lookup(s.name)
		if err != nil {
			return nil, fmt.Errorf("telemetry channel: %w", err)
		}
		*s.spec = spec
	}
	return c, nil
}

// MustNewChannel is NewChannel that panics on an incomplete table.
func MustNewChannel(table *signal.Table) *Channel {
	c, err := NewChannel(table)
	if err != nil {
		panic(err)
	}
	return c
}

// Table returns the signal table.
func (c *Channel) Table() *signal.Table {
	return c.table
}

// Frame returns the shared frame to be handed to a link.
func (c *Channel) Frame() *frame.Shared {
	return c.frame
}

// Online reports the link status.
func (c *Channel) Online() bool {
	return c.frame.Online()
}

// SetSpeed sets the speed in km/h.
func (c *Channel) SetSpeed(v uint32) {
	c.set(c.speed, int64(v))
}

// SetBatteryLevel sets the battery level in percent.
func (c *Channel) SetBatteryLevel(v uint32) {
	c.set(c.battery, int64(v))
}

// SetTemperature sets the temperature in Celsius.
func (c *Channel) SetTemperature(v int32) {
	c.set(c.temperature, int64(v))
}

// SetLeftLight sets the left turn indicator.
func (c *Channel) SetLeftLight(on bool) {
	c.set(c.leftLight, boolValue(on))
}

// SetRightLight sets the right turn indicator.
func (c *Channel) SetRightLight(on bool) {
	c.set(c.rightLight, boolValue(on))
}

// Speed returns the speed in km/h.
func (c *Channel) Speed() uint32 {
	return uint32(c.get(c.speed))
}

// BatteryLevel returns the battery level in percent.
func (c *Channel) BatteryLevel() uint32 {
	return uint32(c.get(c.battery))
}

// Temperature returns the temperature in Celsius.
func (c *Channel) Temperature() int32 {
	return int32(c.get(c.temperature))
}

// LeftLight returns the left turn indicator.
func (c *Channel) LeftLight() bool {
	return c.get(c.leftLight) != 0
}

// RightLight returns the right turn indicator.
func (c *Channel) RightLight() bool {
	return c.get(c.rightLight) != 0
}

// Set clamps and encodes a signal by name.
func (c *Channel) Set(name string, v int64) error {
	spec, err := c.table.Lookup(name)
	if err != nil {
		return err
	}
	c.set(spec, v)
	return nil
}

// Get decodes a signal by name.
func (c *Channel) Get(name string) (int64, error) {
	spec, err := c.table.Lookup(name)
	if err != nil {
		return 0, err
	}
	return c.get(spec), nil
}

// Snapshot decodes all signals at once.
func (c *Channel) Snapshot() *Snapshot {
	snap := &Snapshot{Timestamp: time.Now().UnixNano()}
	if !c.frame.Online() {
		snap.Frame = make([]byte, c.frame.Size())
		return snap
	}
	snap.Online = true
	c.frame.View(func(buf []byte) {
		snap.Speed = uint32(frame.Extract(buf, c.speed))
		snap.Battery = uint32(frame.Extract(buf, c.battery))
		snap.Temperature = int32(frame.Extract(buf, c.temperature))
		snap.LeftLight = frame.Extract(buf, c.leftLight) != 0
		snap.RightLight = frame.Extract(buf, c.rightLight) != 0
		snap.Frame = append([]byte(nil), buf...)
	})
	return snap
}

func (c *Channel) set(spec signal.Spec, v int64) {
	v = spec.Clamp(v)
	c.frame.Update(func(buf []byte) {
		frame.Insert(buf, spec, v)
	})
}

func (c *Channel) get(spec signal.Spec) (v int64) {
	if !c.frame.Online() {
		return 0
	}
	c.frame.View(func(buf []byte) {
		v = frame.Extract(buf, spec)
	})
	return
}

func boolValue(on bool) int64 {
	if on {
		return 1
	}
	return 0
}
