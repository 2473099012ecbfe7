package transport

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLog reports failures of a retry loop once per distinct error,
// repeats go to verbosity 2.
type RetryLog struct {
	Name string

	last string
}

// Failed logs a failed attempt.
func (r *RetryLog) Failed(what string, err error) {
	msg := what + ": " + err.Error()
	if msg == r.last {
		glog.V(2).Infof("%s: %s (retrying)", r.Name, msg)
		return
	}
	r.last = msg
	glog.Warningf("%s: %s", r.Name, msg)
}

// Reset re-arms logging after a success.
func (r *RetryLog) Reset() {
	r.last = ""
}
