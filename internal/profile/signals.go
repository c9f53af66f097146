package profile

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// maxInterrupts is how many interrupts the user sends before we stop being
// polite and terminate without finishing the in-flight measurement.
const maxInterrupts = 3

// Interrupter turns SIGINT/SIGTERM into a cooperative cancellation signal.
// The first interrupt asks the orchestrator to finish the in-flight
// measurement, flush and exit; repeated interrupts escalate to forceQuit.
type Interrupter struct {
	once        sync.Once
	interrupted chan struct{}
	stop        func()
}

// NewInterrupter starts listening for interrupts. forceQuit runs on the
// signal goroutine once maxInterrupts signals arrive.
func NewInterrupter(forceQuit func()) *Interrupter {
	i := &Interrupter{interrupted: make(chan struct{})}

	ch := make(chan os.Signal, maxInterrupts+1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	i.stop = func() { signal.Stop(ch) }

	go func() {
		count := 0
		for range ch {
			count++
			i.once.Do(func() { close(i.interrupted) })
			if count >= maxInterrupts {
				forceQuit()
				return
			}
		}
	}()
	return i
}

// Interrupted reports whether at least one interrupt arrived.
func (i *Interrupter) Interrupted() bool {
	select {
	case <-i.interrupted:
		return true
	default:
		return false
	}
}

// Done exposes the interrupt as a channel for select loops.
func (i *Interrupter) Done() <-chan struct{} { return i.interrupted }

// Close stops signal delivery.
func (i *Interrupter) Close() { i.stop() }

// TriggerForTest injects an interrupt without a real signal.
func (i *Interrupter) TriggerForTest() {
	i.once.Do(func() { close(i.interrupted) })
}
