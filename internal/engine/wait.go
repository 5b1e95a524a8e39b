package engine

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// WaitStrategy decides how a producer waits when a chain ring is full.
type WaitStrategy int

const (
	// WaitBlocking parks the producer until a consumer frees a slot.
	WaitBlocking WaitStrategy = iota
	// WaitBusySpin spins on the CPU for the lowest wake-up latency.
	WaitBusySpin
	// WaitSleeping spins, then yields, then sleeps in short steps.
	WaitSleeping
	// WaitTimeoutBlocking blocks up to Options.PublishTimeout, then fails the publish.
	WaitTimeoutBlocking
)

func (w WaitStrategy) String() string {
	switch w {
	case WaitBlocking:
		return "blocking"
	case WaitBusySpin:
		return "busy_spin"
	case WaitSleeping:
		return "sleeping"
	case WaitTimeoutBlocking:
		return "timeout_blocking"
	default:
		return fmt.Sprintf("wait(%d)", int(w))
	}
}

// ParseWaitStrategy maps a config name to a WaitStrategy.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blocking":
		return WaitBlocking, nil
	case "busy_spin", "busyspin":
		return WaitBusySpin, nil
	case "sleeping":
		return WaitSleeping, nil
	case "timeout_blocking", "timeoutblocking":
		return WaitTimeoutBlocking, nil
	default:
		return 0, fmt.Errorf("unknown wait strategy %q", s)
	}
}

const (
	sleepingSpins  = 100
	sleepingYields = 100
	sleepingStep   = 50 * time.Microsecond
)

// awaitCapacity returns once c has a free slot. The caller holds the publish
// lock, so capacity can only grow while it waits.
func (s *Sequencer) awaitCapacity(c *chain) error {
	if c.hasCapacity() {
		return nil
	}

	switch s.opts.WaitStrategy {
	case WaitBusySpin:
		for !c.hasCapacity() {
			if s.isClosing() {
				return ErrSequencerStopped
			}
			runtime.Gosched()
		}
		return nil

	case WaitSleeping:
		for i := 0; !c.hasCapacity(); i++ {
			if s.isClosing() {
				return ErrSequencerStopped
			}
			switch {
			case i < sleepingSpins:
			case i < sleepingSpins+sleepingYields:
				runtime.Gosched()
			default:
				time.Sleep(sleepingStep)
			}
		}
		return nil

	case WaitTimeoutBlocking:
		timer := time.NewTimer(s.opts.PublishTimeout)
		defer timer.Stop()
		for !c.hasCapacity() {
			select {
			case <-c.space:
			case <-s.closing:
				return ErrSequencerStopped
			case <-timer.C:
				return ErrPublishTimeout
			}
		}
		return nil

	default:
		for !c.hasCapacity() {
			select {
			case <-c.space:
			case <-s.closing:
				return ErrSequencerStopped
			}
		}
		return nil
	}
}
