// Package component defines the lifecycle contract shared by the long-running
// pieces of the acquisition system: stream publishers, the session recorder,
// and the receiver-forwarder bridge.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component.
type State int

const (
	// StateCreated indicates the component was created but not initialized.
	StateCreated State = iota
	// StateInitialized indicates the component was initialized but not started.
	StateInitialized
	// StateStarted indicates the component is running.
	StateStarted
	// StateStopped indicates the component was stopped.
	StateStopped
	// StateFailed indicates the component failed during a lifecycle operation.
	StateFailed
)

// String returns a string representation of the component state.
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleComponent defines components that support full lifecycle
// management:
//   - Initialize() error                  // setup only, no context
//   - Start(ctx context.Context) error    // start with context passed through
//   - Stop(timeout time.Duration) error   // graceful shutdown with timeout
//
// Start must not block; long-running work runs in goroutines that honor ctx.
// Stop must be idempotent.
type LifecycleComponent interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Manager starts a set of components in order and stops them in reverse.
type Manager struct {
	components []managed
	stopOrder  []int
}

type managed struct {
	component LifecycleComponent
	state     State
	cancel    context.CancelFunc
}

// NewManager creates an empty component manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers a component. Components start in registration order.
func (m *Manager) Add(c LifecycleComponent) {
	m.components = append(m.components, managed{component: c, state: StateCreated})
}

// StartAll initializes and starts every registered component. On failure the
// already-started components are stopped in reverse order and the error is
// returned.
func (m *Manager) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	for i := range m.components {
		mc := &m.components[i]
		if err := mc.component.Initialize(); err != nil {
			mc.state = StateFailed
			m.stopStarted(stopTimeout)
			return err
		}
		mc.state = StateInitialized

		childCtx, cancel := context.WithCancel(ctx)
		mc.cancel = cancel
		if err := mc.component.Start(childCtx); err != nil {
			cancel()
			mc.state = StateFailed
			m.stopStarted(stopTimeout)
			return err
		}
		mc.state = StateStarted
		m.stopOrder = append(m.stopOrder, i)
	}
	return nil
}

// StopAll stops all started components in reverse start order. The first
// error is returned after every component has been asked to stop.
func (m *Manager) StopAll(timeout time.Duration) error {
	var firstErr error
	for i := len(m.stopOrder) - 1; i >= 0; i-- {
		mc := &m.components[m.stopOrder[i]]
		if mc.cancel != nil {
			mc.cancel()
		}
		if err := mc.component.Stop(timeout); err != nil {
			mc.state = StateFailed
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mc.state = StateStopped
	}
	m.stopOrder = nil
	return firstErr
}

// States returns the current state of every registered component by name.
func (m *Manager) States() map[string]State {
	states := make(map[string]State, len(m.components))
	for i := range m.components {
		states[m.components[i].component.Name()] = m.components[i].state
	}
	return states
}

func (m *Manager) stopStarted(timeout time.Duration) {
	_ = m.StopAll(timeout)
}
