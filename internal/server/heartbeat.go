package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

// HeartbeatState is a connection's liveness state.
type HeartbeatState int

const (
	// StateAlive means the last probe was answered, or none has been sent yet.
	StateAlive HeartbeatState = iota
	// StateAwaitingPong means a probe is outstanding.
	StateAwaitingPong
	// StateDead means the connection is being evicted. It is terminal.
	StateDead
)

func (s HeartbeatState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("HeartbeatState(%d)", int(s))
	}
}

// heartbeat is the per-connection probe state. Both timers are only touched
// with mu held.
type heartbeat struct {
	mu         sync.Mutex
	state      HeartbeatState
	seq        uint64
	suspect    bool
	probeTimer *time.Timer
	pongTimer  *time.Timer
}

func (hb *heartbeat) stopTimers() {
	if hb.probeTimer != nil {
		hb.probeTimer.Stop()
		hb.probeTimer = nil
	}
	if hb.pongTimer != nil {
		hb.pongTimer.Stop()
		hb.pongTimer = nil
	}
}

// HeartbeatMonitor probes connections every interval and declares a
// connection dead when a pong does not arrive within pongTimeout.
type HeartbeatMonitor struct {
	interval    time.Duration
	pongTimeout time.Duration
	onDead      func(*Connection, error)
}

// NewHeartbeatMonitor creates a monitor. onDead is called at most once per
// connection, without any heartbeat lock held.
func NewHeartbeatMonitor(interval, pongTimeout time.Duration, onDead func(*Connection, error)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		interval:    interval,
		pongTimeout: pongTimeout,
		onDead:      onDead,
	}
}

// Watch starts probing c.
func (m *HeartbeatMonitor) Watch(c *Connection) {
	hb := &c.hb
	hb.mu.Lock()
	defer hb.mu.Unlock()

	if hb.state == StateDead {
		return
	}
	hb.state = StateAlive
	hb.probeTimer = time.AfterFunc(m.interval, func() { m.probe(c) })
}

func (m *HeartbeatMonitor) probe(c *Connection) {
	hb := &c.hb
	hb.mu.Lock()
	switch {
	case hb.state == StateDead:
		hb.mu.Unlock()
		return
	case hb.suspect:
		m.killLocked(c, fmt.Errorf("%w: outbound frames were dropped", ErrTransport))
		return
	case hb.state == StateAwaitingPong:
		m.killLocked(c, ErrProbeTimeout)
		return
	}

	hb.state = StateAwaitingPong
	hb.seq++
	seq := hb.seq
	hb.pongTimer = time.AfterFunc(m.pongTimeout, func() { m.expire(c, seq) })
	hb.probeTimer = time.AfterFunc(m.interval, func() { m.probe(c) })
	hb.mu.Unlock()

	metrics.HeartbeatProbes.Inc()
	if err := c.ping(); err != nil {
		m.kill(c, err)
	}
}

func (m *HeartbeatMonitor) expire(c *Connection, seq uint64) {
	hb := &c.hb
	hb.mu.Lock()
	if hb.state != StateAwaitingPong || hb.seq != seq {
		hb.mu.Unlock()
		return
	}
	m.killLocked(c, ErrProbeTimeout)
}

// Pong records a probe acknowledgement.
func (m *HeartbeatMonitor) Pong(c *Connection) {
	hb := &c.hb
	hb.mu.Lock()
	defer hb.mu.Unlock()

	if hb.state != StateAwaitingPong {
		return
	}
	hb.state = StateAlive
	if hb.pongTimer != nil {
		hb.pongTimer.Stop()
		hb.pongTimer = nil
	}
}

// MarkSuspect flags c so that its next probe evicts it.
func (m *HeartbeatMonitor) MarkSuspect(c *Connection) {
	hb := &c.hb
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.state != StateDead {
		hb.suspect = true
	}
}

// Stop cancels every timer for c and moves it to StateDead without calling
// onDead. Calling Stop more than once is a no-op.
func (m *HeartbeatMonitor) Stop(c *Connection) {
	hb := &c.hb
	hb.mu.Lock()
	defer hb.mu.Unlock()

	hb.state = StateDead
	hb.stopTimers()
}

// State returns the current heartbeat state of c.
func (m *HeartbeatMonitor) State(c *Connection) HeartbeatState {
	hb := &c.hb
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.state
}

func (m *HeartbeatMonitor) kill(c *Connection, cause error) {
	c.hb.mu.Lock()
	if c.hb.state == StateDead {
		c.hb.mu.Unlock()
		return
	}
	m.killLocked(c, cause)
}

// killLocked must be called with c.hb.mu held; it releases the lock before
// calling onDead.
func (m *HeartbeatMonitor) killLocked(c *Connection, cause error) {
	c.hb.state = StateDead
	c.hb.stopTimers()
	c.hb.mu.Unlock()

	if m.onDead != nil {
		m.onDead(c, cause)
	}
}
