// Package mirror publishes the telemetry of a channel to MQTT so remote
// monitors can follow it.
package mirror

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	fx "github.com/robotalks/telemetry.go/pkg/framework"
	"github.com/robotalks/telemetry.go/pkg/mqtt"
	"github.com/robotalks/telemetry.go/pkg/telemetry"
)

// Topic suffixes under <prefix><device-id>/.
const (
	TelemetryTopicSuffix = "/telemetry"
	StatusTopicSuffix    = "/status"
)

const reconnectInterval = 2 * time.Second

// Values of the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// TelemetryTopic returns the topic snapshots of deviceID are published to.
func TelemetryTopic(deviceID string) string {
	return deviceID + TelemetryTopicSuffix
}

// StatusTopic returns the retained link status topic of deviceID.
func StatusTopic(deviceID string) string {
	return deviceID + StatusTopicSuffix
}

// StatusWill is the will to register so the status reads offline when the
// mirror disappears.
func StatusWill(deviceID string) *mqtt.Will {
	return &mqtt.Will{
		Topic:   StatusTopic(deviceID),
		Payload: []byte(StatusOffline),
		Retain:  true,
	}
}

// Publisher publishes to a topic relative to a prefix.
type Publisher interface {
	PubWith(topic string, payload []byte, qos byte, retain bool) paho.Token
}

// Mirror is a controller publishing a Snapshot every iteration, and the link
// status whenever it changes.
type Mirror struct {
	Channel   *telemetry.Channel
	DeviceID  string
	Publisher Publisher

	queue  *mqtt.Queue
	lock   sync.Mutex
	status string
}

// New creates a Mirror publishing through queue. The status is published
// again on every broker reconnect.
func New(ch *telemetry.Channel, deviceID string, queue *mqtt.Queue) *Mirror {
	m := &Mirror{Channel: ch, DeviceID: deviceID, Publisher: queue, queue: queue}
	queue.OnConnect = func(*mqtt.Queue) { m.publishStatus(true) }
	return m
}

// Control implements Controller.
func (m *Mirror) Control(cc fx.ControlContext) error {
	snap := m.Channel.Snapshot()
	m.publishStatus(false)
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	m.Publisher.PubWith(TelemetryTopic(m.DeviceID), data, 0, false)
	return nil
}

// Run implements Runnable. It keeps the broker connection until ctx is done,
// then marks the device offline.
func (m *Mirror) Run(ctx context.Context) error {
	if m.queue == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	// paho retries the first connection by itself only after it succeeded
	// once, so keep trying here.
	for {
		token := m.queue.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			break
		}
		glog.Warningf("mirror %s: %v", m.DeviceID, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectInterval):
		}
	}
	<-ctx.Done()
	m.Shutdown()
	m.queue.Close()
	return ctx.Err()
}

// AddToLoop implements LoopAdder.
func (m *Mirror) AddToLoop(loop *fx.Loop) {
	loop.AddController(fx.PrLvPublish, m)
}

// Shutdown marks the device offline.
func (m *Mirror) Shutdown() {
	m.lock.Lock()
	m.status = StatusOffline
	m.lock.Unlock()
	m.Publisher.PubWith(StatusTopic(m.DeviceID), []byte(StatusOffline), 1, true).Wait()
}

func (m *Mirror) publishStatus(force bool) {
	status := StatusOffline
	if m.Channel.Online() {
		status = StatusOnline
	}
	m.lock.Lock()
	changed := status != m.status
	m.status = status
	m.lock.Unlock()
	if changed || force {
		glog.V(1).Infof("mirror %s: %s", m.DeviceID, status)
		m.Publisher.PubWith(StatusTopic(m.DeviceID), []byte(status), 1, true)
	}
}
