package pollnet

import (
	"strings"
	"time"
)

// Event is a readiness mask.
type Event uint32

// Readiness interests and notifications.
const (
	EventRead Event = 1 << iota
	EventWrite
)

func (e Event) String() string {
	var parts []string
	if e&EventRead != 0 {
		parts = append(parts, "r")
	}
	if e&EventWrite != 0 {
		parts = append(parts, "w")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// Readiness is one notification reported by a Poller.
type Readiness struct {
	Fd     int
	Events Event
}

// Poller multiplexes readiness notifications for a set of descriptors.
// Only Wakeup may be called from a goroutine other than the one calling Wait.
type Poller interface {
	// Add registers fd for the given interests.
	Add(fd int, events Event) error
	// Modify replaces the interests of a registered fd.
	Modify(fd int, events Event) error
	// Remove unregisters fd.
	Remove(fd int) error
	// Wait blocks until at least one registered fd is ready, the timeout
	// elapses or Wakeup is called, and appends the notifications to ready.
	// A non-positive timeout waits indefinitely.
	Wait(ready []Readiness, timeout time.Duration) ([]Readiness, error)
	// Wakeup interrupts a blocked Wait.
	Wakeup() error
	// Close releases the poller.
	Close() error
}
