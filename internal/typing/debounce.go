package typing

import (
	"sync"
	"time"
)

// Debouncer turns a stream of keystrokes into typing on/off calls: every
// keystroke issues set(true) and re-arms an idle timer that issues
// set(false).
type Debouncer struct {
	idle time.Duration
	set  func(typing bool)

	mu     sync.Mutex
	timer  *time.Timer
	active bool
	gen    uint64
}

// NewDebouncer creates a Debouncer.
func NewDebouncer(idle time.Duration, set func(typing bool)) *Debouncer {
	return &Debouncer{idle: idle, set: set}
}

// Keystroke records activity.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.active = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	d.set(true)
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || !d.active {
		return
	}
	d.active = false
	d.set(false)
}

// Stop clears the signal now if it is set.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.active {
		d.active = false
		d.set(false)
	}
}

// Active reports whether the last call left the signal on.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
