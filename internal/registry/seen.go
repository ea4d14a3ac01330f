package registry

import "sync"

const seenWindowSize = 512

// seenWindow is a bounded recently-seen set of event IDs. At-least-once
// delivery from the log means duplicates after a consumer crash; this keeps
// them from reaching the same connection twice.
type seenWindow struct {
	mu    sync.Mutex
	cap   int
	order []string
	next  int
	set   map[string]struct{}
}

func newSeenWindow(capacity int) *seenWindow {
	return &seenWindow{
		cap:   capacity,
		order: make([]string, capacity),
		set:   make(map[string]struct{}, capacity),
	}
}

// Observe records id and reports whether it was already present.
func (w *seenWindow) Observe(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.set[id]; ok {
		return true
	}

	if evicted := w.order[w.next]; evicted != "" {
		delete(w.set, evicted)
	}
	w.order[w.next] = id
	w.next = (w.next + 1) % w.cap
	w.set[id] = struct{}{}
	return false
}
