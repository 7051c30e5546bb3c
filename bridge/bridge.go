// Package bridge is the core of the application: it owns the single
// goroutine that talks to the PLC, interleaving 100ms poll cycles with
// operator commands so that a command write never lands in the middle of a
// block read. Snapshots flow out through a Hub; commands flow in through
// Submit and return a synchronous Outcome.
package bridge

import (
	"sync/atomic"
	"time"

	"ringbridge/config"
	"ringbridge/logging"
)

// submission pairs a command with its reply channel. The reply channel is
// buffered so the run goroutine never blocks on a caller that gave up.
type submission struct {
	cmd   Command
	reply chan Outcome
}

// Bridge mediates between the PLC and all collaborators.
type Bridge struct {
	cfg *config.Config
	tr  Transport
	hub *Hub
	log *logging.FileLogger

	cmds chan submission
	stop chan struct{}
	done chan struct{}

	latest atomic.Pointer[Snapshot]
	seq    uint64

	sup supervisor

	// pendingClears holds pulse falling edges whose write was rejected
	// while the link was down. Replayed on reconnect. Owned by the run
	// goroutine.
	pendingClears []Command

	// TestCompleted, if set before Start, is called from the run goroutine
	// whenever the test stage transitions into its complete state. It must
	// not block; publishers hand the snapshot to their own goroutine.
	TestCompleted func(*Snapshot)
}

// New creates a bridge over the given transport. log may be nil.
func New(cfg *config.Config, tr Transport, log *logging.FileLogger) *Bridge {
	return &Bridge{
		cfg:  cfg,
		tr:   tr,
		hub:  NewHub(),
		log:  log,
		cmds: make(chan submission),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Hub returns the snapshot broadcast hub.
func (b *Bridge) Hub() *Hub {
	return b.hub
}

// Latest returns the most recently published snapshot, or nil before the
// first poll cycle completes.
func (b *Bridge) Latest() *Snapshot {
	return b.latest.Load()
}

// Start launches the run goroutine.
func (b *Bridge) Start() {
	go b.run()
}

// Stop shuts the bridge down and waits for the run goroutine to exit. The
// transport is closed; in-flight Submit calls return a shutdown rejection.
func (b *Bridge) Stop() {
	close(b.stop)
	<-b.done
	b.tr.Close()
}

// Submit validates and executes a command on the run goroutine, returning
// its outcome. Blocks for at most one poll cycle plus the PLC round trips
// the command needs.
func (b *Bridge) Submit(cmd Command) Outcome {
	sub := submission{cmd: cmd, reply: make(chan Outcome, 1)}
	select {
	case b.cmds <- sub:
	case <-b.stop:
		return rejected(ReasonDisconnected, "bridge is shutting down")
	}
	select {
	case out := <-sub.reply:
		return out
	case <-b.stop:
		return rejected(ReasonDisconnected, "bridge is shutting down")
	}
}

func (b *Bridge) run() {
	defer close(b.done)

	if err := b.tr.Connect(); err != nil {
		b.logf("PLC %s: initial connect failed: %v", b.cfg.PLC.Name, err)
	} else {
		b.logf("PLC %s: connected (%s)", b.cfg.PLC.Name, b.tr.ConnectionMode())
	}
	b.poll()

	ticker := time.NewTicker(b.cfg.PollRate)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case sub := <-b.cmds:
			sub.reply <- b.execute(sub.cmd)
		case <-ticker.C:
			b.poll()
		}
	}
}

// schedulePulseClear queues the falling edge of a pulse command. The clear
// runs through the command channel like any other write, so it cannot
// interleave with a poll cycle.
func (b *Bridge) schedulePulseClear(width time.Duration, block, byteOff int, bits ...uint) {
	time.AfterFunc(width, func() {
		sub := submission{
			cmd: Command{
				Op:         opClearBits,
				clearBlock: block,
				clearByte:  byteOff,
				clearBits:  bits,
			},
			reply: make(chan Outcome, 1),
		}
		select {
		case b.cmds <- sub:
		case <-b.stop:
		}
	})
}

func (b *Bridge) logf(format string, args ...interface{}) {
	if b.log != nil {
		b.log.Log(format, args...)
	}
}
