package telemetry

import (
	"math"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/telemetry.go/pkg/framework"
)

// ChangeLogger logs link transitions and, at verbosity 1, value changes.
type ChangeLogger struct {
	Channel *Channel
	Name    string

	last *Snapshot
}

// Control implements Controller.
func (l *ChangeLogger) Control(cc fx.ControlContext) error {
	snap := l.Channel.Snapshot()
	last := l.last
	l.last = snap
	if last != nil && last.Equal(snap) {
		return nil
	}
	if last == nil || last.Online != snap.Online {
		if snap.Online {
			glog.Infof("%s: link up", l.Name)
		} else if last != nil {
			glog.Infof("%s: link down", l.Name)
		}
	}
	if snap.Online && bool(glog.V(1)) {
		glog.Infof("%s: %s", l.Name, snap.Summary())
	}
	return nil
}

// AddToLoop implements LoopAdder.
func (l *ChangeLogger) AddToLoop(loop *fx.Loop) {
	loop.AddController(fx.PrLvObserve, l)
}

// Sweep drives all signals through their ranges, standing in for a
// dashboard operator on the producing side.
type Sweep struct {
	Channel *Channel
	// Period is the time for a full sweep of every signal.
	Period time.Duration
	// Blink is the turn indicator toggle period.
	Blink time.Duration

	start time.Time
}

// DefaultSweepPeriod is the default Sweep period.
const DefaultSweepPeriod = 20 * time.Second

// DefaultBlink is the default turn indicator period.
const DefaultBlink = 500 * time.Millisecond

// NewSweep creates a Sweep with default periods.
func NewSweep(c *Channel) *Sweep {
	return &Sweep{Channel: c, Period: DefaultSweepPeriod, Blink: DefaultBlink}
}

// Control implements Controller.
func (s *Sweep) Control(cc fx.ControlContext) error {
	now := cc.Time()
	if s.start.IsZero() {
		s.start = now
	}
	elapsed := now.Sub(s.start)
	s.Apply(elapsed)
	return nil
}

// Apply sets every signal to its value at elapsed time into the sweep.
func (s *Sweep) Apply(elapsed time.Duration) {
	period, blink := s.Period, s.Blink
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	if blink <= 0 {
		blink = DefaultBlink
	}
	// triangle wave 0..1..0 over one period.
	phase := math.Mod(float64(elapsed)/float64(period), 1)
	level := 1 - math.Abs(2*phase-1)

	c := s.Channel
	c.SetSpeed(uint32(scale(c.speed.Min, c.speed.Max, level)))
	c.SetBatteryLevel(uint32(scale(c.battery.Min, c.battery.Max, 1-level)))
	c.SetTemperature(int32(scale(c.temperature.Min, c.temperature.Max, level)))
	on := (elapsed/blink)%2 == 1
	c.SetLeftLight(on && phase < 0.5)
	c.SetRightLight(on && phase >= 0.5)
}

// AddToLoop implements LoopAdder.
func (s *Sweep) AddToLoop(loop *fx.Loop) {
	loop.AddController(fx.PrLvProduce, s)
}

func scale(min, max int32, level float64) int64 {
	return int64(min) + int64(math.Round(float64(max-min)*level))
}
