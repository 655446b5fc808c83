// Package autolock tracks the locked/unlocked display state of a wallet and
// locks it again after a period without activity.
package autolock

import (
	"sync"
	"time"
)

// State is the lock state of a wallet.
type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Machine is safe for concurrent use. Only Toggle and Set can leave Locked.
type Machine struct {
	mu       sync.Mutex
	state    State
	timeout  time.Duration
	timer    *time.Timer
	gen      uint64
	stopped  bool
	onExpire func()
}

// New builds a machine in the given state. A zero timeout disables
// auto-locking. onExpire runs on its own goroutine after a timer-driven lock.
func New(initial State, timeout time.Duration, onExpire func()) *Machine {
	m := &Machine{state: initial, timeout: timeout, onExpire: onExpire}
	m.mu.Lock()
	m.arm()
	m.mu.Unlock()
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Toggle flips the state and returns the new one.
func (m *Machine) Toggle() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Locked {
		m.state = Unlocked
	} else {
		m.state = Locked
	}
	m.arm()
	return m.state
}

// Set forces a state, typically one observed in the store.
func (m *Machine) Set(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == state {
		return
	}
	m.state = state
	m.arm()
}

// SetTimeout changes the inactivity timeout and restarts the countdown.
func (m *Machine) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	m.arm()
}

// Timeout returns the current inactivity timeout.
func (m *Machine) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// Touch records activity and restarts the countdown while unlocked.
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arm()
}

// Stop cancels any pending timer. The machine keeps answering State.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.disarm()
}

// arm must be called with mu held.
func (m *Machine) arm() {
	m.disarm()
	if m.stopped || m.state != Unlocked || m.timeout <= 0 {
		return
	}
	gen := m.gen
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(gen) })
}

func (m *Machine) disarm() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// expire ignores timers that were superseded after they fired.
func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Unlocked {
		m.mu.Unlock()
		return
	}
	m.state = Locked
	m.timer = nil
	cb := m.onExpire
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
}
