// Package nav models the surfaces an authentication flow can send the user to.
package nav

import "sync"

// Surface is a navigation target.
type Surface string

const (
	SurfaceNone      Surface = ""
	SurfaceLogin     Surface = "login"
	SurfaceHome      Surface = "home"
	SurfaceChallenge Surface = "challenge"
)

// Navigator moves the user between surfaces.
type Navigator interface {
	Current() Surface
	Navigate(to Surface, message string)
}

// Event is one recorded navigation.
type Event struct {
	To      Surface
	Message string
}

// Tracker is a Navigator that remembers where it is and what happened.
// OnNavigate, when set, is invoked after each navigation.
type Tracker struct {
	mu         sync.Mutex
	current    Surface
	events     []Event
	OnNavigate func(Event)
}

// NewTracker creates a tracker starting at the given surface.
func NewTracker(start Surface) *Tracker {
	return &Tracker{current: start}
}

func (t *Tracker) Current() Surface {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Tracker) Navigate(to Surface, message string) {
	ev := Event{To: to, Message: message}
	t.mu.Lock()
	t.current = to
	t.events = append(t.events, ev)
	fn := t.OnNavigate
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Events returns a copy of all recorded navigations.
func (t *Tracker) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Last returns the most recent navigation.
func (t *Tracker) Last() (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return Event{}, false
	}
	return t.events[len(t.events)-1], true
}
