// Package debug is the kernel debug channel: timestamped messages at
// levels {info, warn, error, panic}; a panic message also calls the
// channel's halt function for the offending CPU. It
// wraps the standard library log.Logger directly rather than reaching
// for a structured logging library — nothing warrants one for a
// kernel-shaped component this close to the metal.
package debug

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level is the severity of a debug-channel message.
type Level uint8

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
	LevelPanic
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelPanic:
		return "panic"
	default:
		return "?"
	}
}

// Channel is a single terminal surface's debug output, one spinlock per
// surface.
type Channel struct {
	mu     sync.Mutex
	logger *log.Logger
	// halt is invoked by Panicf instead of os.Exit so tests can observe
	// the halt without killing the test binary.
	halt func(cpu int)
}

// New creates a debug channel writing to w with microsecond timestamps:
// log.New(w, "", log.LstdFlags|log.Lmicroseconds).
func New(w *os.File) *Channel {
	return &Channel{
		logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		halt:   func(int) {},
	}
}

// SetHaltFunc overrides what Panicf does to "halt" a CPU. A channel from
// New starts with a halt function that does nothing.
func (c *Channel) SetHaltFunc(f func(cpu int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halt = f
}

func (c *Channel) log(level Level, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}

func (c *Channel) Infof(format string, args ...any)  { c.log(LevelInfo, format, args...) }
func (c *Channel) Warnf(format string, args ...any)  { c.log(LevelWarn, format, args...) }
func (c *Channel) Errorf(format string, args ...any) { c.log(LevelError, format, args...) }

// Panicf logs at LevelPanic, then calls the halt function for cpu and
// returns once it returns. With the default halt function it returns at
// once; kernel.Boot logs a fatal init failure this way and then returns
// the error.
func (c *Channel) Panicf(cpu int, format string, args ...any) {
	c.log(LevelPanic, format, args...)
	c.halt(cpu)
}
