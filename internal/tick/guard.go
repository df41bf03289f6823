package tick

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
)

// Guard enforces the single-threaded mutation contract at runtime: every
// state-mutating call in the lobby and mesh layers asserts that it executes on
// the goroutine the loop bound at startup. A stray mutation from a background
// goroutine would silently corrupt shared state, so violations panic.
type Guard struct {
	bound atomic.Int64
}

// NewGuard returns a guard bound to the calling goroutine. Tests construct the
// guard on the test goroutine and drive ticks manually.
func NewGuard() *Guard {
	g := &Guard{}
	g.Bind()
	return g
}

// Bind records the calling goroutine as the designated mutation thread.
func (g *Guard) Bind() {
	if g == nil {
		return
	}
	g.bound.Store(currentGoroutineID())
}

// Check asserts that the caller runs on the bound goroutine.
func (g *Guard) Check() {
	if g == nil {
		return
	}
	bound := g.bound.Load()
	if bound == 0 {
		return
	}
	if current := currentGoroutineID(); current != bound {
		panic(fmt.Sprintf("session state mutated from goroutine %d, bound to %d", current, bound))
	}
}

// currentGoroutineID parses the numeric goroutine id out of the stack header.
// The header format "goroutine N [" has been stable across Go releases.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := buf[:n]
	header = bytes.TrimPrefix(header, []byte("goroutine "))
	if idx := bytes.IndexByte(header, ' '); idx > 0 {
		if id, err := strconv.ParseInt(string(header[:idx]), 10, 64); err == nil {
			return id
		}
	}
	return -1
}
