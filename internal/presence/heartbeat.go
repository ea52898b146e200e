package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/metrics"
)

const offlineWriteTimeout = 2 * time.Second

// Heartbeat keeps one user online while it runs. Write failures are logged
// and dropped; presence is advisory.
type Heartbeat struct {
	tracker *Tracker
	userID  string
	log     zerolog.Logger

	after  <-chan struct{} // first beat waits for this, if set
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a stopped heartbeat for userID.
func (t *Tracker) NewHeartbeat(userID string, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{tracker: t, userID: userID, log: log, done: make(chan struct{})}
}

// Start marks the user online immediately and then on every interval until
// ctx ends or Stop is called. Start must be called at most once.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	if h.after != nil {
		select {
		case <-h.after:
		case <-ctx.Done():
			return
		}
	}
	ticker := time.NewTicker(h.tracker.cfg.Interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.tracker.MarkOnline(ctx, h.userID); err != nil && ctx.Err() == nil {
		metrics.SideChannelErrors.WithLabelValues("presence").Inc()
		h.log.Debug().Err(err).Str("user", h.userID).Msg("heartbeat write failed")
	}
}

// Stop ends the heartbeat and makes a best-effort offline write. Safe to
// call more than once, and before Start.
func (h *Heartbeat) Stop() {
	h.once.Do(func() {
		if h.cancel == nil {
			return
		}
		h.cancel()
		<-h.done

		ctx, cancel := context.WithTimeout(context.Background(), offlineWriteTimeout)
		defer cancel()
		if err := h.tracker.MarkOffline(ctx, h.userID); err != nil {
			metrics.SideChannelErrors.WithLabelValues("presence").Inc()
			h.log.Debug().Err(err).Str("user", h.userID).Msg("offline write failed")
		}
	})
}

// Registry shares one heartbeat among all of a user's connections.
type Registry struct {
	tracker *Tracker
	log     zerolog.Logger

	mu       sync.Mutex
	beats    map[string]*registration
	stopping map[string]chan struct{} // closed once the user's last offline write is done
}

type registration struct {
	hb   *Heartbeat
	refs int
}

// NewRegistry creates a Registry over tracker.
func NewRegistry(tracker *Tracker, log zerolog.Logger) *Registry {
	return &Registry{
		tracker:  tracker,
		log:      log,
		beats:    make(map[string]*registration),
		stopping: make(map[string]chan struct{}),
	}
}

// Acquire starts userID's heartbeat if it is not running and returns a
// release func. The heartbeat stops when the last holder releases. A
// heartbeat started while the previous one is still stopping writes online
// only after that offline write.
func (r *Registry) Acquire(userID string) (release func()) {
	r.mu.Lock()
	reg, ok := r.beats[userID]
	if !ok {
		reg = &registration{hb: r.tracker.NewHeartbeat(userID, r.log)}
		if ch, ok := r.stopping[userID]; ok {
			reg.hb.after = ch
		}
		reg.hb.Start(context.Background())
		r.beats[userID] = reg
	}
	reg.refs++
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.release(userID, reg) }) }
}

func (r *Registry) release(userID string, reg *registration) {
	r.mu.Lock()
	reg.refs--
	last := reg.refs == 0
	var stopped chan struct{}
	if last && r.beats[userID] == reg {
		delete(r.beats, userID)
		stopped = make(chan struct{})
		r.stopping[userID] = stopped
	}
	r.mu.Unlock()

	if !last {
		return
	}
	reg.hb.Stop()
	if stopped != nil {
		r.mu.Lock()
		if r.stopping[userID] == stopped {
			delete(r.stopping, userID)
		}
		r.mu.Unlock()
		close(stopped)
	}
}

// Active returns the number of users with a running heartbeat.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}

// StopAll stops every heartbeat, e.g. on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	regs := make([]*registration, 0, len(r.beats))
	for id, reg := range r.beats {
		regs = append(regs, reg)
		delete(r.beats, id)
	}
	r.mu.Unlock()

	for _, reg := range regs {
		reg.hb.Stop()
	}
}
