package main

//go-build: CGO_ENABLED=0

import (
	"flag"

	"github.com/golang/glog"

	"github.com/robotalks/telemetry.go/pkg/config"
	fx "github.com/robotalks/telemetry.go/pkg/framework"
	"github.com/robotalks/telemetry.go/pkg/telemetry"
)

var (
	sweep       bool
	sweepPeriod = telemetry.DefaultSweepPeriod
)

func init() {
	config.SetupFlags()
	flag.BoolVar(&sweep, "sweep", sweep, "Animate all signals across their ranges (writer role).")
	flag.DurationVar(&sweepPeriod, "sweep-period", sweepPeriod, "Period of the sweep.")
}

func main() {
	flag.Parse()

	conf := config.MustNewConfig()
	session := conf.MustNewSession()
	loop := fx.NewLoop()
	loop.Interval = conf.Interval.Duration
	loop.Add(session, &telemetry.ChangeLogger{Channel: session.Channel, Name: session.Name()})

	if sweep {
		s := telemetry.NewSweep(session.Channel)
		s.Period = sweepPeriod
		loop.Add(s)
	}
	if conf.MirrorEnabled() {
		m, _, err := conf.NewMirror(session.Channel)
		if err != nil {
			glog.Fatalln(err)
		}
		loop.Add(m)
	}

	glog.Infof("%s: starting", session.Name())
	loop.RunOrFail()
}
