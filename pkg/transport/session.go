// Package transport keeps a telemetry frame synchronized with a peer over an
// unreliable link.
//
// A Link runs in the background, reconnecting forever, and is the only writer
// of the link status. A Session couples a Link with the telemetry.Channel
// owning the frame so callers only see typed, non-blocking accessors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	fx "github.com/robotalks/telemetry.go/pkg/framework"
	"github.com/robotalks/telemetry.go/pkg/telemetry"
)

// Role is the direction of frames on a link.
type Role int

// Roles
const (
	// Reader receives frames from the peer into the shared frame.
	Reader Role = iota
	// Writer publishes the shared frame to the peer periodically.
	Writer
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Reader:
		return "reader"
	case Writer:
		return "writer"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole parses the name of a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reader", "consumer", "client":
		return Reader, nil
	case "writer", "producer", "server":
		return Writer, nil
	}
	return Reader, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

var (
	// ErrUnknownRole indicates an invalid role name.
	ErrUnknownRole = errors.New("unknown role")
	// ErrAlreadyStarted indicates Start called twice.
	ErrAlreadyStarted = errors.New("session already started")
)

// DefaultInterval is the retry and publish interval.
const DefaultInterval = 40 * time.Millisecond

// Link maintains a connection and keeps a frame synchronized with it.
// Run retries all link failures internally and only returns when ctx is
// done.
type Link interface {
	fx.Runnable
	fx.Named
}

// Session runs one Link for one Channel.
type Session struct {
	*telemetry.Channel

	link   Link
	runner *fx.Runner
	lock   sync.Mutex
}

// NewSession creates a Session. The link must operate on ch.Frame().
func NewSession(ch *telemetry.Channel, link Link) *Session {
	return &Session{Channel: ch, link: link}
}

// Link returns the underlying link.
func (s *Session) Link() Link {
	return s.link
}

// Name implements Named.
func (s *Session) Name() string {
	return s.link.Name()
}

// Run implements Runnable. It blocks until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	return s.link.Run(ctx)
}

// AddToLoop implements LoopAdder.
func (s *Session) AddToLoop(loop *fx.Loop) {
	loop.AddRunnable(s)
}

// Start runs the link in the background.
func (s *Session) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.runner != nil {
		return ErrAlreadyStarted
	}
	s.runner = fx.NewRunnerWith(ctx).Go(s.link)
	return nil
}

// Stop cancels the link and waits until it has terminated. The link
// closes its socket or port to unblock pending I/O.
func (s *Session) Stop() error {
	s.lock.Lock()
	runner := s.runner
	s.runner = nil
	s.lock.Unlock()
	if runner == nil {
		return nil
	}
	return runner.Stop()
}
