package assembly

import "sync"

// queuedAssembly is an assembly waiting for a worker slot.
type queuedAssembly struct {
	ID      string
	StartFn func()
}

// assemblyQueue bounds the number of concurrently running assemblies.
// Assemblies past the limit wait in FIFO order.
type assemblyQueue struct {
	maxConcurrent int
	active        map[string]bool
	pending       []queuedAssembly
	mu            sync.Mutex
}

func newAssemblyQueue(maxConcurrent int) *assemblyQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &assemblyQueue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
	}
}

// Enqueue registers an assembly and returns its queue position: 0 when it
// starts immediately, >0 when it has to wait.
func (q *assemblyQueue) Enqueue(id string, startFn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) < q.maxConcurrent {
		q.active[id] = true
		go startFn()
		return 0
	}

	q.pending = append(q.pending, queuedAssembly{ID: id, StartFn: startFn})
	return len(q.pending)
}

// MarkComplete releases the slot held by id and starts the next waiter.
func (q *assemblyQueue) MarkComplete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, id)

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrent {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.active[next.ID] = true
		go next.StartFn()
	}
}

// Position returns the 1-based queue position of id, or nil when it is
// running or unknown.
func (q *assemblyQueue) Position(id string) *int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[id] {
		return nil
	}
	for i, qa := range q.pending {
		if qa.ID == id {
			pos := i + 1
			return &pos
		}
	}
	return nil
}

func (q *assemblyQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *assemblyQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
