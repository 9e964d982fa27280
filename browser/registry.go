package browser

import (
	"sort"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/topos/tabs"
)

// entry is the adapter's record of one logical tab. The int64 ID is owned
// by the adapter and survives parking; the CDP target comes and goes.
type entry struct {
	id     int64
	target proto.TargetTargetID // zero while parked
	snap   tabs.Tab             // last known URL/title
	parked bool
}

// registry maps adapter tab IDs to CDP targets and tracks parked state.
// CDP has no way to hide a tab, so a hidden tab is parked: its target is
// closed and its snapshot retained; showing re-creates a target at the
// same logical ID. Not safe for concurrent use; the Platform serializes
// access.
type registry struct {
	nextID   int64
	byID     map[int64]*entry
	byTarget map[proto.TargetTargetID]int64

	// closing marks targets the adapter is destroying itself, so the
	// event pump can tell a park or remove from a user closing a tab.
	closing map[proto.TargetTargetID]bool

	activeID int64
}

func newRegistry() *registry {
	return &registry{
		byID:     make(map[int64]*entry),
		byTarget: make(map[proto.TargetTargetID]int64),
		closing:  make(map[proto.TargetTargetID]bool),
	}
}

// alloc registers a live target under a fresh adapter ID.
func (r *registry) alloc(snap tabs.Tab, target proto.TargetTargetID) *entry {
	r.nextID++
	e := &entry{id: r.nextID, target: target, snap: snap}
	e.snap.ID = e.id
	r.byID[e.id] = e
	r.byTarget[target] = e.id
	return e
}

func (r *registry) get(id int64) (*entry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

func (r *registry) byTargetID(target proto.TargetTargetID) (*entry, bool) {
	id, ok := r.byTarget[target]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// park detaches the entry from its target, keeping the snapshot. The
// caller closes the target itself.
func (r *registry) park(e *entry) {
	delete(r.byTarget, e.target)
	e.target = ""
	e.parked = true
	if r.activeID == e.id {
		r.activeID = 0
	}
}

// unpark binds a parked entry to a freshly created target.
func (r *registry) unpark(e *entry, target proto.TargetTargetID) {
	e.target = target
	e.parked = false
	r.byTarget[target] = e.id
}

func (r *registry) remove(id int64) {
	e, ok := r.byID[id]
	if !ok {
		return
	}
	if e.target != "" {
		delete(r.byTarget, e.target)
	}
	delete(r.byID, id)
	if r.activeID == id {
		r.activeID = 0
	}
}

func (r *registry) markClosing(target proto.TargetTargetID) {
	r.closing[target] = true
}

// consumeClosing reports whether target was being closed by the adapter,
// clearing the mark. Each mark suppresses exactly one destroyed event.
func (r *registry) consumeClosing(target proto.TargetTargetID) bool {
	if r.closing[target] {
		delete(r.closing, target)
		return true
	}
	return false
}

func (r *registry) setActive(id int64) {
	r.activeID = id
}

// snapshot materializes the public Tab view of an entry.
func (r *registry) snapshot(e *entry) tabs.Tab {
	snap := e.snap
	snap.ID = e.id
	snap.Hidden = e.parked
	snap.Active = e.id == r.activeID && !e.parked
	return snap
}

// list returns snapshots of all entries, ordered by adapter ID.
func (r *registry) list() []tabs.Tab {
	out := make([]tabs.Tab, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, r.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
