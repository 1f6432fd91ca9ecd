package state

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultDisconnectedGrace is how long a connection may stay in the raw
// "disconnected" state before the monitor escalates it to DisconnectedLong.
// Brief disconnections are normal and expected; they only matter if the
// connection has not been restored after some seconds.
const DefaultDisconnectedGrace = 5 * time.Second

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// DisconnectedGrace overrides DefaultDisconnectedGrace when > 0.
	DisconnectedGrace time.Duration

	// ICERestart declares whether an ICE restart would be attempted for this
	// connection if it fails. When false, a raw "failed" signal escalates to
	// FailedNoRestart, which is terminal.
	ICERestart bool
}

// Monitor normalizes raw ICE connection states into Extended states. It owns
// the escalation timer that promotes a sustained Disconnected into
// DisconnectedLong, and the Failed -> FailedNoRestart terminal mapping.
//
// Observers are notified synchronously, outside the monitor lock, in
// registration order.
type Monitor struct {
	grace      time.Duration
	iceRestart bool

	mu        sync.Mutex
	current   Extended
	observers map[int]func(Extended)
	nextObs   int
	escalate  *time.Timer
	closed    bool
}

func NewMonitor(opts MonitorOptions) *Monitor {
	grace := opts.DisconnectedGrace
	if grace <= 0 {
		grace = DefaultDisconnectedGrace
	}
	return &Monitor{
		grace:      grace,
		iceRestart: opts.ICERestart,
		current:    New,
		observers:  make(map[int]func(Extended)),
	}
}

// State returns the current extended state.
func (m *Monitor) State() Extended {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers fn for extended state changes and returns its
// unsubscribe function. Unsubscribing is symmetric with subscribing: callers
// that bind a monitor must unbind with the returned function.
func (m *Monitor) Subscribe(fn func(Extended)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// HandleICEState feeds a raw ICE connection state transition into the
// monitor.
func (m *Monitor) HandleICEState(raw webrtc.ICEConnectionState) {
	switch raw {
	case webrtc.ICEConnectionStateNew:
		m.transition(New)
	case webrtc.ICEConnectionStateChecking:
		m.transition(Checking)
	case webrtc.ICEConnectionStateConnected:
		m.transition(Connected)
	case webrtc.ICEConnectionStateCompleted:
		m.transition(Completed)
	case webrtc.ICEConnectionStateDisconnected:
		m.transition(Disconnected)
	case webrtc.ICEConnectionStateFailed:
		m.transition(Failed)
		if !m.iceRestart {
			m.transition(FailedNoRestart)
		}
	case webrtc.ICEConnectionStateClosed:
		m.transition(Closed)
	default:
		// Unknown raw states are dropped; the extended state is retained.
	}
}

// Close stops the escalation timer and detaches all observers. Closing does
// not emit a state change; callers close the underlying connection to get a
// Closed signal.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopEscalationLocked()
	m.observers = make(map[int]func(Extended))
	m.mu.Unlock()
}

func (m *Monitor) transition(next Extended) {
	m.mu.Lock()
	if m.closed || m.current.Terminal() || m.current == next {
		m.mu.Unlock()
		return
	}

	if next == Disconnected {
		m.startEscalationLocked()
	} else {
		m.stopEscalationLocked()
	}

	m.current = next
	observers := m.observerSnapshotLocked()
	m.mu.Unlock()

	for _, fn := range observers {
		fn(next)
	}
}

func (m *Monitor) startEscalationLocked() {
	m.stopEscalationLocked()
	m.escalate = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		if m.closed || m.current != Disconnected {
			m.mu.Unlock()
			return
		}
		m.current = DisconnectedLong
		observers := m.observerSnapshotLocked()
		m.mu.Unlock()

		for _, fn := range observers {
			fn(DisconnectedLong)
		}
	})
}

func (m *Monitor) stopEscalationLocked() {
	if m.escalate != nil {
		m.escalate.Stop()
		m.escalate = nil
	}
}

func (m *Monitor) observerSnapshotLocked() []func(Extended) {
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	// Map order is random; deliver in registration order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	out := make([]func(Extended), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.observers[id])
	}
	return out
}
