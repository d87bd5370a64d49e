package reclaim

import "sync/atomic"

// node is one entry in List, grounded on original_source's debra/list.rs
// Treiber-stack-style registry of per-goroutine epoch handles. The Rust
// version unlinks a removed node by CAS-ing a tag bit into its neighbor's
// pointer; spec.md §9 explicitly allows substituting a plain tombstone flag
// for that tagged-pointer trick, which is what retired does here.
type node struct {
	value   *Handle
	retired atomic.Bool
	next    atomic.Pointer[node]
}

// List is a lock-free, singly-linked registry of live Handles. Insert is a
// CAS retry loop on the head; Remove only tombstones its node (the node is unlinked lazily,
// the next time Range walks past it), so a concurrent Range never observes
// a half-removed entry.
type List struct {
	head atomic.Pointer[node]
}

// Insert adds h to the list and returns the node so the caller can Remove
// it later.
func (l *List) Insert(h *Handle) *node {
	n := &node{value: h}
	for {
		head := l.head.Load()
		n.next.Store(head)
		if l.head.CompareAndSwap(head, n) {
			return n
		}
	}
}

// Remove tombstones n. Safe to call concurrently with Range.
func (l *List) Remove(n *node) {
	n.retired.Store(true)
}

// Range calls fn for every non-tombstoned handle currently in the list,
// unlinking any tombstoned nodes it passes over along the way. fn must not
// call Insert or Remove on this list.
func (l *List) Range(fn func(*Handle)) {
	var prev *atomic.Pointer[node]
	prev = &l.head
	curr := l.head.Load()
	for curr != nil {
		next := curr.next.Load()
		if curr.retired.Load() {
			// Best-effort unlink; if it races with a fresh Insert at the
			// same point, the next Range call will retry the unlink.
			prev.CompareAndSwap(curr, next)
			curr = next
			continue
		}
		fn(curr.value)
		prev = &curr.next
		curr = next
	}
}
