package federated

import (
	"sync"
	"time"

	"github.com/wadahiro/authsession/internal/nav"
	"github.com/wadahiro/authsession/internal/session"
)

// FlowState is the state of one callback page.
type FlowState string

const (
	FlowProcessing FlowState = "processing"
	FlowSuccess    FlowState = "success"
	FlowError      FlowState = "error"
)

// Flow is a single callback's outcome. It leaves processing exactly once
// and schedules exactly one navigation when it does.
type Flow struct {
	Provider string

	mu      sync.Mutex
	state   FlowState
	message string
	err     error
	result  session.Result
	target  nav.Surface
	timer   *time.Timer
	done    chan struct{}
	closed  bool
}

func newFlow(provider string) *Flow {
	return &Flow{Provider: provider, state: FlowProcessing, done: make(chan struct{})}
}

// State returns the current state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Message is the text shown to the user. Empty while processing.
func (f *Flow) Message() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.message
}

// Err returns the underlying failure for logging. Never show it to the user.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Result returns the finalize outcome of a successful flow.
func (f *Flow) Result() session.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Target is where the scheduled navigation goes.
func (f *Flow) Target() nav.Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

// Done is closed once the scheduled navigation has fired or was cancelled.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Cancel abandons the pending navigation, as when the user leaves the page.
// It reports whether a navigation was prevented.
func (f *Flow) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer == nil || !f.timer.Stop() {
		return false
	}
	f.closeLocked()
	return true
}

func (f *Flow) succeed(result session.Result, target nav.Surface, delay time.Duration, n nav.Navigator) {
	f.finish(FlowSuccess, "", nil, result, target, delay, n)
}

func (f *Flow) fail(err error, message string, delay time.Duration, n nav.Navigator) {
	f.finish(FlowError, message, err, session.Result{}, nav.SurfaceLogin, delay, n)
}

func (f *Flow) finish(state FlowState, message string, err error, result session.Result, target nav.Surface, delay time.Duration, n nav.Navigator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowProcessing {
		return
	}
	f.state = state
	f.message = message
	f.err = err
	f.result = result
	f.target = target
	f.timer = time.AfterFunc(delay, func() {
		if n != nil {
			n.Navigate(target, message)
		}
		f.mu.Lock()
		f.closeLocked()
		f.mu.Unlock()
	})
}

func (f *Flow) closeLocked() {
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}
