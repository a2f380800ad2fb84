package lineup

import (
	"sync"
	"time"
)

// collapses rapid repeated calls into the last call after an idle window.
// used by the field editors for autosave, where each keystroke re-arms the
// timer and a blur commits immediately via Flush.
type Debounce[T any] struct {
	mutex       sync.Mutex
	fn          func(T)
	idleTimeout time.Duration

	timer     *time.Timer
	pending   *T
	cancelled bool
}

func NewDebounce[T any](fn func(T), idleTimeout time.Duration) *Debounce[T] {
	return &Debounce[T]{
		fn:          fn,
		idleTimeout: idleTimeout,
	}
}

func (self *Debounce[T]) Call(value T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.cancelled {
		return
	}
	self.pending = &value
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.idleTimeout, self.fire)
}

func (self *Debounce[T]) fire() {
	self.mutex.Lock()
	pending := self.pending
	self.pending = nil
	self.timer = nil
	cancelled := self.cancelled
	self.mutex.Unlock()

	if cancelled || pending == nil {
		return
	}
	self.fn(*pending)
}

// invoke a pending call now instead of waiting out the idle window.
// a call that already fired is not repeated. reports whether a pending
// call was committed.
func (self *Debounce[T]) Flush() bool {
	self.mutex.Lock()
	pending := self.pending
	self.pending = nil
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	cancelled := self.cancelled
	self.mutex.Unlock()

	if cancelled || pending == nil {
		return false
	}
	self.fn(*pending)
	return true
}

// must be called on teardown so a pending save cannot fire into a
// destroyed editing session
func (self *Debounce[T]) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.cancelled = true
	self.pending = nil
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
