package pty

import (
	"sort"
	"sync"
)

// registry tracks attached viewers and fans events out to them.
type registry struct {
	mu      sync.Mutex
	nextID  ViewerID
	viewers map[ViewerID]Viewer

	onEvict func(id ViewerID, err error)
}

func newRegistry(onEvict func(ViewerID, error)) *registry {
	return &registry{
		viewers: make(map[ViewerID]Viewer),
		onEvict: onEvict,
	}
}

func (r *registry) attach(v Viewer) ViewerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.viewers[r.nextID] = v
	return r.nextID
}

// detach removes id and reports whether it was still attached.
func (r *registry) detach(id ViewerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[id]; !ok {
		return false
	}
	delete(r.viewers, id)
	return true
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

type attachedViewer struct {
	id     ViewerID
	viewer Viewer
}

func (r *registry) snapshot() []attachedViewer {
	r.mu.Lock()
	out := make([]attachedViewer, 0, len(r.viewers))
	for id, v := range r.viewers {
		out = append(out, attachedViewer{id: id, viewer: v})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// broadcast delivers ev to every viewer attached when it starts. The lock
// is not held during Send. A viewer whose Send fails is evicted and the
// rest still receive ev. It returns the number of successful deliveries.
func (r *registry) broadcast(ev Event) int {
	delivered := 0
	for _, av := range r.snapshot() {
		if err := av.viewer.Send(ev); err != nil {
			if r.detach(av.id) && r.onEvict != nil {
				r.onEvict(av.id, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}
