package assembly

import "sync"

// ProgressUpdate is one state transition of a running assembly,
// broadcast to SSE subscribers.
type ProgressUpdate struct {
	Status     string  `json:"status"`
	FailedStep *string `json:"failed_step,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// progressTracker broadcasts assembly state transitions to subscribers.
// Sends never block; slow consumers miss intermediate updates but always
// observe the terminal one through the store.
type progressTracker struct {
	subscribers []chan ProgressUpdate
	mu          sync.Mutex
	closed      bool
	last        *ProgressUpdate
}

func newProgressTracker() *progressTracker {
	return &progressTracker{}
}

// Publish sends an update to all subscribers.
func (p *progressTracker) Publish(update ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.last = &update

	for _, ch := range p.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe returns a channel of updates and an unsubscribe function. The
// latest known update, if any, is delivered immediately.
func (p *progressTracker) Subscribe() (<-chan ProgressUpdate, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan ProgressUpdate, 16)
	if p.last != nil {
		ch <- *p.last
	}
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	p.subscribers = append(p.subscribers, ch)

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subscribers {
			if sub == ch {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Close ends the stream for all subscribers.
func (p *progressTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}

// trackerRegistry hands out progress trackers per assembly ID.
type trackerRegistry struct {
	trackers map[string]*progressTracker
	mu       sync.Mutex
}

func newTrackerRegistry() *trackerRegistry {
	return &trackerRegistry{trackers: make(map[string]*progressTracker)}
}

func (r *trackerRegistry) Get(id string) *progressTracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[id]
	if !ok {
		t = newProgressTracker()
		r.trackers[id] = t
	}
	return t
}

// Remove closes and forgets the tracker for id.
func (r *trackerRegistry) Remove(id string) {
	r.mu.Lock()
	t := r.trackers[id]
	delete(r.trackers, id)
	r.mu.Unlock()

	if t != nil {
		t.Close()
	}
}
