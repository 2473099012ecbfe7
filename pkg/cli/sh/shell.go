// Package sh provides an interactive shell operating a telemetry session.
package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/golang/glog"

	"github.com/robotalks/telemetry.go/pkg/config"
	"github.com/robotalks/telemetry.go/pkg/transport"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell   *ishell.Shell
	Session *transport.Session
}

const (
	shellKey = "$shell"

	// DefaultWaitTimeout is used by wait without argument.
	DefaultWaitTimeout = 5 * time.Second
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&StatusCmd,
		&SignalsCmd,
		&GetCmd,
		&SetCmd,
		&WaitCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell operating session.
func New(session *transport.Session) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:   ishell.New(),
		Session: session,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(session.Name() + " > ")
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Print prints v as JSON when requested, otherwise the text form.
func (s *Shell) Print(c *ishell.Context, v interface{}, text string) {
	if !s.OutputJSON {
		c.Println(text)
		return
	}
	out, err := json.Marshal(v)
	if err != nil {
		c.Err(err)
		return
	}
	c.Println(string(out))
}

// Run starts the session and runs the shell. Commands in args are executed
// once instead of the interactive loop.
func (s *Shell) Run(args ...string) {
	if err := s.Session.Start(context.Background()); err != nil {
		glog.Fatalln(err)
	}
	defer s.Session.Stop()

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			glog.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	glog.Fatalln("command expected")
}

func parseBool(s string) (int64, error) {
	switch s {
	case "on":
		return 1, nil
	case "off":
		return 0, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return 0, err
	}
	if b {
		return 1, nil
	}
	return 0, nil
}

// ParseValue parses a signal value. Booleans and on/off are accepted for
// 1-bit signals.
func ParseValue(s string, bits uint32) (int64, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	if bits == 1 {
		if v, err := parseBool(s); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("invalid value %q", s)
}

var (
	// StatusCmd prints the link status and all values.
	StatusCmd = ishell.Cmd{
		Name:    "status",
		Aliases: []string{"st"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			snap := s.Session.Snapshot()
			s.Print(c, snap, snap.Summary())
		},
	}

	// SignalsCmd lists the signal table.
	SignalsCmd = ishell.Cmd{
		Name:    "signals",
		Aliases: []string{"ls"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			specs := s.Session.Table().Specs()
			if s.OutputJSON {
				s.Print(c, specs, "")
				return
			}
			for _, spec := range specs {
				c.Println(spec.String())
			}
		},
	}

	// GetCmd reads signals.
	GetCmd = ishell.Cmd{
		Name:    "get",
		Aliases: []string{"g"},
		Help:    "NAME...",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			names := c.Args
			if len(names) == 0 {
				names = s.Session.Table().Names()
			}
			values := make(map[string]int64, len(names))
			for _, name := range names {
				v, err := s.Session.Get(name)
				if err != nil {
					c.Err(err)
					return
				}
				values[name] = v
				if !s.OutputJSON {
					c.Printf("%s=%d\n", name, v)
				}
			}
			if s.OutputJSON {
				s.Print(c, values, "")
			}
		},
	}

	// SetCmd writes signals, values are clamped to the signal range.
	SetCmd = ishell.Cmd{
		Name:    "set",
		Aliases: []string{"s"},
		Help:    "NAME VALUE [NAME VALUE...]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) == 0 || len(c.Args)%2 != 0 {
				c.Err(fmt.Errorf("expect NAME VALUE pairs"))
				return
			}
			for n := 0; n < len(c.Args); n += 2 {
				spec, err := s.Session.Table().Lookup(c.Args[n])
				if err != nil {
					c.Err(err)
					return
				}
				v, err := ParseValue(c.Args[n+1], spec.Length)
				if err != nil {
					c.Err(err)
					return
				}
				if err := s.Session.Set(spec.Name, v); err != nil {
					c.Err(err)
					return
				}
			}
			s.Print(c, map[string]bool{"ok": true}, "OK")
		},
	}

	// WaitCmd waits until the link is up.
	WaitCmd = ishell.Cmd{
		Name:    "wait",
		Aliases: []string{"w"},
		Help:    "[TIMEOUT]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			timeout := DefaultWaitTimeout
			if len(c.Args) > 0 {
				d, err := time.ParseDuration(c.Args[0])
				if err != nil {
					c.Err(err)
					return
				}
				timeout = d
			}
			online := WaitOnline(s.Session, timeout)
			text := "online"
			if !online {
				text = "offline"
			}
			s.Print(c, map[string]bool{"online": online}, text)
		},
	}
)

// WaitOnline polls the link status until it is up or timeout expires.
func WaitOnline(session *transport.Session, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !session.Online() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(config.MustNewConfig().MustNewSession()).Run(flag.Args()...)
}
