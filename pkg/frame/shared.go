package frame

import (
	"sync"
	"sync/atomic"
)

// Shared is the frame shared between a link and the signal accessors,
// together with the link status.
//
// The bytes are guarded by a single mutex which is only held for copying,
// encoding or decoding, never across I/O.
type Shared struct {
	buf    []byte
	lock   sync.Mutex
	online atomic.Bool
}

// NewShared creates a zeroed Shared frame of size bytes.
func NewShared(size int) *Shared {
	return &Shared{buf: make([]byte, size)}
}

// Size returns the frame size in bytes.
func (s *Shared) Size() int {
	return len(s.buf)
}

// Load copies the frame into dst and returns the number of bytes copied.
func (s *Shared) Load(dst []byte) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return copy(dst, s.buf)
}

// Bytes returns a copy of the frame.
func (s *Shared) Bytes() []byte {
	b := make([]byte, len(s.buf))
	s.Load(b)
	return b
}

// Store replaces the frame with src.
// Only complete frames are accepted; it reports whether src was stored.
func (s *Shared) Store(src []byte) bool {
	if len(src) != len(s.buf) {
		return false
	}
	s.lock.Lock()
	copy(s.buf, src)
	s.lock.Unlock()
	return true
}

// Reset zeroes the frame.
func (s *Shared) Reset() {
	s.lock.Lock()
	for n := range s.buf {
		s.buf[n] = 0
	}
	s.lock.Unlock()
}

// Update runs fn with the frame locked for modification.
func (s *Shared) Update(fn func(frame []byte)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn(s.buf)
}

// View runs fn with the frame locked for reading.
// fn must not retain the slice.
func (s *Shared) View(fn func(frame []byte)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn(s.buf)
}

// Online reports the link status.
func (s *Shared) Online() bool {
	return s.online.Load()
}

// SetOnline updates the link status and reports whether it changed.
// Only the link owning the frame calls it.
func (s *Shared) SetOnline(online bool) bool {
	return s.online.Swap(online) != online
}

// Down marks the link offline and zeroes the frame so stale values are
// never taken for live data.
func (s *Shared) Down() bool {
	s.Reset()
	return s.SetOnline(false)
}
