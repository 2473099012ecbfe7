package main

//go-build: CGO_ENABLED=0

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"

	"github.com/robotalks/telemetry.go/pkg/mirror"
	"github.com/robotalks/telemetry.go/pkg/mqtt"
	"github.com/robotalks/telemetry.go/pkg/telemetry"
)

var (
	mqttURL    = mqtt.DefaultURL
	deviceID   = "+"
	outputJSON bool
)

func init() {
	if val := os.Getenv("TELEMETRY_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&deviceID, "device-id", deviceID, "Device to follow, all by default.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print snapshots in JSON.")
}

func printSnapshot(topic string, payload []byte) {
	device := strings.TrimSuffix(topic, mirror.TelemetryTopicSuffix)
	snap, err := telemetry.DecodeSnapshot(payload)
	if err != nil {
		log.Printf("%s: bad message: %v", device, err)
		return
	}
	if outputJSON {
		out, err := json.Marshal(snap)
		if err != nil {
			log.Printf("%s: %v", device, err)
			return
		}
		log.Printf("%s: %s", device, out)
		return
	}
	log.Printf("%s: %s", device, snap.Summary())
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := mqtt.NewQueueFromURL(mqttURL, nil)
	if err != nil {
		glog.Fatalln(err)
	}

	q.Sub(mirror.TelemetryTopic(deviceID), printSnapshot)
	q.Sub(mirror.StatusTopic(deviceID), func(topic string, payload []byte) {
		log.Printf("%s: %s", strings.TrimSuffix(topic, mirror.StatusTopicSuffix), string(payload))
	})
	token := q.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		glog.Fatalln(err)
	}
	defer q.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
