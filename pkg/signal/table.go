// Package signal defines the telemetry signal schema: where each signal lives
// inside the frame and which values it may take.
package signal

import (
	"errors"
	"fmt"
	"sort"

	fx "github.com/robotalks/telemetry.go/pkg/framework"
)

// Names of the signals in the default schema.
const (
	Speed       = "speed"
	Battery     = "battery"
	Temperature = "temperature"
	LeftLight   = "signal-left"
	RightLight  = "signal-right"
)

// DefaultFrameSize is the frame size in bytes of the default schema.
const DefaultFrameSize = 3

// MaxLength is the widest signal in bits.
const MaxLength = 32

var (
	// ErrUnknownSignal indicates a lookup of a name not in the table.
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrInvalidName indicates a signal without a name.
	ErrInvalidName = errors.New("invalid name")
	// ErrInvalidLength indicates a length outside 1..MaxLength.
	ErrInvalidLength = errors.New("invalid length")
	// ErrOutOfBounds indicates a signal not fitting in the frame.
	ErrOutOfBounds = errors.New("out of frame bounds")
	// ErrOverlap indicates two signals sharing bits.
	ErrOverlap = errors.New("overlapping signals")
	// ErrDuplicate indicates a name defined more than once.
	ErrDuplicate = errors.New("duplicate signal")
	// ErrInvalidRange indicates min/max not representable by the signal.
	ErrInvalidRange = errors.New("invalid range")
	// ErrInvalidFrameSize indicates a non-positive frame size.
	ErrInvalidFrameSize = errors.New("invalid frame size")
)

// Spec describes the position, width and valid range of one signal.
type Spec struct {
	Name   string
	Start  uint32
	Length uint32
	Min    int32
	Max    int32
	Signed bool
}

// End returns the first bit after the signal.
func (s Spec) End() uint32 {
	return s.Start + s.Length
}

// Clamp limits v to [Min, Max].
func (s Spec) Clamp(v int64) int64 {
	if v < int64(s.Min) {
		return int64(s.Min)
	}
	if v > int64(s.Max) {
		return int64(s.Max)
	}
	return v
}

// String implements fmt.Stringer.
func (s Spec) String() string {
	sign := ""
	if s.Signed {
		sign = " signed"
	}
	return fmt.Sprintf("%s[%d:%d] %d..%d%s", s.Name, s.Start, s.End(), s.Min, s.Max, sign)
}

// SpecError reports an invalid signal definition.
type SpecError struct {
	Name string
	Err  error
	Msg  string
}

// Error implements error.
func (e *SpecError) Error() string {
	return fmt.Sprintf("signal %q: %v: %s", e.Name, e.Err, e.Msg)
}

// Unwrap returns the sentinel error.
func (e *SpecError) Unwrap() error {
	return e.Err
}

// Table is an immutable, validated set of signals sharing one frame.
type Table struct {
	frameSize int
	specs     []Spec
	byName    map[string]int
}

// NewTable validates specs against a frame of frameSize bytes.
// Every violation is reported.
func NewTable(frameSize int, specs ...Spec) (*Table, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameSize, frameSize)
	}
	t := &Table{
		frameSize: frameSize,
		specs:     make([]Spec, len(specs)),
		byName:    make(map[string]int, len(specs)),
	}
	copy(t.specs, specs)

	var errs fx.AggregatedError
	bits := uint32(frameSize) * 8
	for n, s := range t.specs {
		if _, exist := t.byName[s.Name]; exist {
			errs.Add(&SpecError{Name: s.Name, Err: ErrDuplicate, Msg: "defined more than once"})
			continue
		}
		t.byName[s.Name] = n
		errs.Add(validateSpec(s, bits))
	}

	sorted := make([]Spec, len(t.specs))
	copy(sorted, t.specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	var widest *Spec
	for i := range sorted {
		curr := &sorted[i]
		if widest != nil && widest.End() > curr.Start && curr.Length > 0 {
			errs.Add(&SpecError{
				Name: curr.Name,
				Err:  ErrOverlap,
				Msg:  fmt.Sprintf("bit %d already used by %q", curr.Start, widest.Name),
			})
		}
		if widest == nil || curr.End() > widest.End() {
			widest = curr
		}
	}

	if err := errs.Aggregate(); err != nil {
		return nil, err
	}
	return t, nil
}

// MustNewTable is NewTable that panics on invalid specs.
func MustNewTable(frameSize int, specs ...Spec) *Table {
	t, err := NewTable(frameSize, specs...)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultSpecs returns the reference schema.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: Speed, Start: 0, Length: 8, Min: 0, Max: 240},
		{Name: Battery, Start: 8, Length: 7, Min: 0, Max: 100},
		{Name: Temperature, Start: 15, Length: 7, Min: -60, Max: 60, Signed: true},
		{Name: LeftLight, Start: 22, Length: 1, Min: 0, Max: 1},
		{Name: RightLight, Start: 23, Length: 1, Min: 0, Max: 1},
	}
}

// DefaultTable returns the reference 3-byte table.
func DefaultTable() *Table {
	return MustNewTable(DefaultFrameSize, DefaultSpecs()...)
}

// FrameSize returns the frame size in bytes.
func (t *Table) FrameSize() int {
	return t.frameSize
}

// Lookup finds the spec by name.
func (t *Table) Lookup(name string) (Spec, error) {
	n, ok := t.byName[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return t.specs[n], nil
}

// MustLookup finds the spec by name and panics if it's not defined.
// Use it only with names known at compile time.
func (t *Table) MustLookup(name string) Spec {
	s, err := t.Lookup(name)
	if err != nil {
		panic(err)
	}
	return s
}

// Specs returns all specs in definition order.
func (t *Table) Specs() []Spec {
	specs := make([]Spec, len(t.specs))
	copy(specs, t.specs)
	return specs
}

// Names returns all signal names in definition order.
func (t *Table) Names() []string {
	names := make([]string, len(t.specs))
	for n, s := range t.specs {
		names[n] = s.Name
	}
	return names
}

func validateSpec(s Spec, frameBits uint32) error {
	if s.Name == "" {
		return &SpecError{Err: ErrInvalidName, Msg: "empty name"}
	}
	if s.Length == 0 || s.Length > MaxLength {
		return &SpecError{Name: s.Name, Err: ErrInvalidLength, Msg: fmt.Sprintf("%d bits", s.Length)}
	}
	if s.Start >= frameBits || s.Length > frameBits-s.Start {
		return &SpecError{
			Name: s.Name,
			Err:  ErrOutOfBounds,
			Msg:  fmt.Sprintf("bits %d..%d exceed %d-bit frame", s.Start, s.End()-1, frameBits),
		}
	}
	if s.Min > s.Max {
		return &SpecError{Name: s.Name, Err: ErrInvalidRange, Msg: fmt.Sprintf("min %d > max %d", s.Min, s.Max)}
	}
	lo, hi := Representable(s.Length, s.Signed)
	if int64(s.Min) < lo || int64(s.Max) > hi {
		return &SpecError{
			Name: s.Name,
			Err:  ErrInvalidRange,
			Msg:  fmt.Sprintf("%d..%d not representable in %d bits (%d..%d)", s.Min, s.Max, s.Length, lo, hi),
		}
	}
	return nil
}

// Representable returns the value range encodable in length bits.
func Representable(length uint32, signed bool) (lo, hi int64) {
	if signed {
		return -(int64(1) << (length - 1)), int64(1)<<(length-1) - 1
	}
	return 0, int64(1)<<length - 1
}
