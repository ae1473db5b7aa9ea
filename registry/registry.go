// Package registry maintains the value-ordered participant sets the matching
// engine traverses. One registry exists per (market, side); traversal from
// the head yields non-increasing values, with equal values served in
// insertion order so no participant is perpetually skipped.
package registry

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"
)

// ErrIteratorInvalidated is reported by an in-flight iterator once the
// registry has been mutated underneath it. Callers must re-query.
var ErrIteratorInvalidated = errors.New("registry: iterator invalidated by mutation")

// Entry is one (participant, value) pair yielded during traversal.
type Entry struct {
	Participant common.Address
	Value       *big.Int
}

type item struct {
	addr  common.Address
	value *big.Int
	seq   uint64
}

func less(a, b *item) bool {
	switch a.value.Cmp(b.value) {
	case 1:
		return true
	case -1:
		return false
	}
	return a.seq < b.seq
}

// Registry is a value-sorted set of participants. It is not safe for
// concurrent use; the engine serialises access per market.
type Registry struct {
	tree    *btree.BTreeG[*item]
	byAddr  map[common.Address]*item
	nextSeq uint64
	version uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tree:   btree.NewBTreeG[*item](less),
		byAddr: make(map[common.Address]*item),
	}
}

// Upsert inserts the participant or repositions it under the new value. The
// insertion sequence, and therefore the FIFO tie-break rank, is assigned on
// first insert and retained across repositions.
func (r *Registry) Upsert(participant common.Address, value *big.Int) {
	v := new(big.Int)
	if value != nil && value.Sign() > 0 {
		v.Set(value)
	}
	r.version++
	if existing, ok := r.byAddr[participant]; ok {
		if existing.value.Cmp(v) == 0 {
			return
		}
		r.tree.Delete(existing)
		existing.value = v
		r.tree.Set(existing)
		return
	}
	it := &item{addr: participant, value: v, seq: r.nextSeq}
	r.nextSeq++
	r.byAddr[participant] = it
	r.tree.Set(it)
}

// Remove drops the participant. Absent participants are a no-op.
func (r *Registry) Remove(participant common.Address) {
	existing, ok := r.byAddr[participant]
	if !ok {
		return
	}
	r.version++
	r.tree.Delete(existing)
	delete(r.byAddr, participant)
}

// Value reports the current ranking value for a participant.
func (r *Registry) Value(participant common.Address) (*big.Int, bool) {
	existing, ok := r.byAddr[participant]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(existing.value), true
}

// Size returns the number of registered participants.
func (r *Registry) Size() int {
	return r.tree.Len()
}

// Head returns a lazy iterator over at most limit entries in descending
// value order. The iterator is invalidated by any mutation of the registry.
func (r *Registry) Head(limit int) *Iterator {
	return &Iterator{reg: r, version: r.version, remaining: limit}
}

// Iterator walks the registry from its largest entry. Usage:
//
//	it := reg.Head(n)
//	for it.Next() {
//	    e := it.Entry()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	reg       *Registry
	version   uint64
	remaining int
	started   bool
	prev      *item
	current   Entry
	err       error
}

// Next advances the iterator. It returns false once the limit or the end of
// the registry is reached, or when the registry has been mutated since the
// iterator was created (reported through Err).
func (it *Iterator) Next() bool {
	if it.err != nil || it.remaining <= 0 {
		return false
	}
	if it.version != it.reg.version {
		it.err = ErrIteratorInvalidated
		return false
	}
	var found *item
	if !it.started {
		it.reg.tree.Scan(func(i *item) bool {
			found = i
			return false
		})
		it.started = true
	} else {
		pivot := &item{value: it.prev.value, seq: it.prev.seq + 1}
		it.reg.tree.Ascend(pivot, func(i *item) bool {
			found = i
			return false
		})
	}
	if found == nil {
		it.remaining = 0
		return false
	}
	it.prev = found
	it.remaining--
	it.current = Entry{Participant: found.addr, Value: new(big.Int).Set(found.value)}
	return true
}

// Entry returns the pair most recently yielded by Next.
func (it *Iterator) Entry() Entry { return it.current }

// Err reports whether the traversal was cut short by a concurrent mutation.
func (it *Iterator) Err() error { return it.err }
