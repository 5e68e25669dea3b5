package fiber

import (
	"slices"
	"sync"
	"weak"
)

// registry tracks live tasks using weak pointers, so a finished task is never
// retained by the scheduler. It uses a Ring Buffer strategy for efficient
// scavenging.
type registry struct {
	// data stores weak pointers to tasks.
	data map[uint64]weak.Pointer[Task]

	// ring is a circular buffer of IDs used for scavenging.
	// It allows deterministic checking of all tasks over time.
	ring []uint64

	// head is the current cursor position in the ring for the scavenger.
	head int

	mu sync.RWMutex

	// scavengeMu serializes scavenge operations to prevent overlap
	// and to ensure compaction safety.
	scavengeMu sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		data: make(map[uint64]weak.Pointer[Task]),
		ring: make([]uint64, 0, 1024),
	}
}

// Add registers a task. IDs must be unique and non-zero.
func (r *registry) Add(t *Task) {
	wp := weak.Make(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[t.id] = wp
	r.ring = append(r.ring, t.id)
}

// Scavenge performs a partial cleanup of dead or completed tasks.
// It iterates through a batch of the ring buffer.
func (r *registry) Scavenge(batchSize int) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return
	}

	start := r.head
	end := min(start+batchSize, ringLen)

	type item struct {
		wp  weak.Pointer[Task]
		id  uint64
		idx int
	}
	items := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			items = append(items, item{wp: wp, id: id, idx: i})
		}
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	// checks happen outside the lock
	var itemsToRemove []item
	for _, it := range items {
		if t := it.wp.Value(); t == nil || t.IsDone() {
			itemsToRemove = append(itemsToRemove, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range itemsToRemove {
		delete(r.data, it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}

	r.head = nextHead

	if cycleCompleted {
		active := len(r.data)
		capacity := len(r.ring)
		// compact when load factor < 25%
		if capacity > 256 && float64(active) < float64(capacity)*0.25 {
			r.compactAndRenew()
		}
	}
}

// Live returns the registered tasks that are not done, in spawn order.
func (r *registry) Live() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0, len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			if t := wp.Value(); t != nil && !t.IsDone() {
				tasks = append(tasks, t)
			}
		}
	}
	return tasks
}

// AbortAll aborts every task that is not done, emptying the registry.
// Called by Close, once no worker can be executing a task.
func (r *registry) AbortAll() int {
	r.mu.Lock()
	ids := slices.Clone(r.ring)
	data := r.data
	r.data = make(map[uint64]weak.Pointer[Task])
	r.ring = r.ring[:0]
	r.head = 0
	r.mu.Unlock()

	var n int
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if wp, ok := data[id]; ok {
			if t := wp.Value(); t != nil && !t.IsDone() {
				t.abort()
				n++
			}
		}
	}
	return n
}

// compactAndRenew removes null markers from the ring buffer AND rebuilds the map.
// Go's delete() doesn't free hashmap bucket array; allocating a new map reclaims memory.
// Must be called with mu.Lock held.
func (r *registry) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[Task], len(r.data))

	for _, id := range r.ring {
		if id != 0 {
			if wp, ok := r.data[id]; ok {
				newRing = append(newRing, id)
				newData[id] = wp
			}
		}
	}

	r.ring = newRing
	r.data = newData
	r.head = 0
}
