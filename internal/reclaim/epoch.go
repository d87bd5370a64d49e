// Package reclaim implements epoch-based reclamation for the Store's
// immutable segment-set snapshots (spec.md §9): a reader publishes a
// pointer to a snapshot and keeps reading it lock-free, while writers that
// replace the snapshot cannot free the old one until every goroutine that
// might still be dereferencing it has moved on. Grounded on
// original_source/src/debra (the retrieved `debra` EBR crate): a global
// epoch counter, per-goroutine local epoch handles registered in a lock-free
// list, and three generations of retirement bags.
package reclaim

import (
	"sync"
	"sync/atomic"
)

// generations is the number of retirement bags kept at once: the current
// epoch's bag, the previous one (still possibly visible to a pinned reader),
// and one more for safety margin while the epoch advances — matching
// debra's BAG_QUEUE_COUNT.
const generations = 3

// checkThreshold is how many Pin calls a Handle makes before it tries to
// advance the global epoch, avoiding a CAS attempt (and the O(n) scan over
// every registered Handle) on every single pin.
const checkThreshold = 64

// Domain owns the global epoch, the registry of live Handles, and the
// retirement bags. A Store has exactly one Domain for its segment-set
// snapshots.
type Domain struct {
	epoch   atomic.Uint64
	handles List

	mu   sync.Mutex
	bags [generations][]func()
}

func (d *Domain) loadEpoch() uint64 { return d.epoch.Load() }

func (d *Domain) casEpoch(old, new uint64) bool { return d.epoch.CompareAndSwap(old, new) }

// NewDomain returns a fresh reclamation domain starting at epoch 0.
func NewDomain() *Domain {
	return &Domain{}
}

// Handle is a goroutine's registration with a Domain, held for as long as
// that goroutine reads snapshots; Store.Read registers one per call.
type Handle struct {
	domain     *Domain
	node       *node
	localEpoch atomic.Uint64
	active     atomic.Bool
	checkCount uint32 // only touched by the owning goroutine
}

// Register creates a Handle bound to d. Call Unregister when the owning
// goroutine exits.
func (d *Domain) Register() *Handle {
	h := &Handle{domain: d}
	h.node = d.handles.Insert(h)
	return h
}

// Unregister removes h from its domain's registry. Any retirements made
// under h remain in the bags and are reclaimed on schedule regardless.
func (h *Handle) Unregister() {
	h.domain.handles.Remove(h.node)
}

// Pin marks h active at the domain's current epoch for the duration of a
// snapshot read; call the returned func when done. While pinned, h
// guarantees it will not observe an epoch more than one generation behind
// the current global epoch, which is what makes reclaiming two generations
// back safe.
func (h *Handle) Pin() func() {
	d := h.domain
	global := d.loadEpoch()
	h.localEpoch.Store(global)
	h.active.Store(true)

	h.checkCount++
	if h.checkCount >= checkThreshold {
		h.checkCount = 0
		d.tryAdvance()
	}

	return func() {
		h.active.Store(false)
	}
}

// Retire schedules fn to run once no pinned Handle can still be observing
// the epoch current at the time of the call. fn typically drops the last
// reference to a retired Version or segment-set snapshot.
func (d *Domain) Retire(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.loadEpoch() % generations
	d.bags[idx] = append(d.bags[idx], fn)
}

// tryAdvance bumps the global epoch by one and reclaims the bag that falls
// out of the retention window, but only if every currently-active handle is
// already observing the current epoch (so nothing is still mid-read against
// the generation about to be collected).
func (d *Domain) tryAdvance() {
	current := d.loadEpoch()
	canAdvance := true
	d.handles.Range(func(h *Handle) {
		if h.active.Load() && h.localEpoch.Load() != current {
			canAdvance = false
		}
	})
	if !canAdvance {
		return
	}
	if !d.casEpoch(current, current+1) {
		return
	}
	d.collect(current + 1)
}

// collect runs and clears the bag that is now safely out of any pinned
// handle's view: the generation two behind the one just reached.
func (d *Domain) collect(newEpoch uint64) {
	d.mu.Lock()
	idx := (newEpoch + 1) % generations
	fns := d.bags[idx]
	d.bags[idx] = nil
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Epoch returns the domain's current global epoch, exposed for metrics and
// tests.
func (d *Domain) Epoch() uint64 { return d.loadEpoch() }
