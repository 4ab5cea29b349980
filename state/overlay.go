package state

import (
	"github.com/wippyai/wasm-node/errors"
)

// Reader is a read-only key-value view.
type Reader interface {
	Get(key []byte) ([]byte, bool, error)
}

type entry struct {
	value   []byte
	deleted bool
}

type undo struct {
	key  string
	prev entry
	had  bool
}

// Overlay buffers writes over a Reader. Writes can be grouped into nested
// transactions that are committed into the enclosing level or rolled back.
// An Overlay is not safe for concurrent use.
type Overlay struct {
	base    Reader
	changes map[string]entry
	journal []undo
	marks   []int
}

// NewOverlay returns an empty overlay over base.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{base: base, changes: make(map[string]entry)}
}

// Get returns the value for key, seeing buffered writes first.
func (o *Overlay) Get(key []byte) ([]byte, bool, error) {
	if e, ok := o.changes[string(key)]; ok {
		if e.deleted {
			return nil, false, nil
		}
		return e.value, true, nil
	}
	if o.base == nil {
		return nil, false, nil
	}
	return o.base.Get(key)
}

// Put buffers a write. key and value are copied.
func (o *Overlay) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	o.set(string(key), entry{value: v})
	return nil
}

// Delete buffers a deletion.
func (o *Overlay) Delete(key []byte) error {
	o.set(string(key), entry{deleted: true})
	return nil
}

func (o *Overlay) set(k string, e entry) {
	if len(o.marks) > 0 {
		prev, had := o.changes[k]
		o.journal = append(o.journal, undo{key: k, prev: prev, had: had})
	}
	o.changes[k] = e
}

// Begin opens a nested transaction.
func (o *Overlay) Begin() {
	o.marks = append(o.marks, len(o.journal))
}

// Commit folds the innermost transaction into its parent.
func (o *Overlay) Commit() error {
	if len(o.marks) == 0 {
		return errors.InvalidInput(errors.PhaseStorage, "commit without open transaction")
	}
	o.marks = o.marks[:len(o.marks)-1]
	if len(o.marks) == 0 {
		o.journal = o.journal[:0]
	}
	return nil
}

// Rollback discards every write made since the innermost Begin.
func (o *Overlay) Rollback() error {
	if len(o.marks) == 0 {
		return errors.InvalidInput(errors.PhaseStorage, "rollback without open transaction")
	}
	mark := o.marks[len(o.marks)-1]
	o.marks = o.marks[:len(o.marks)-1]
	for i := len(o.journal) - 1; i >= mark; i-- {
		u := o.journal[i]
		if u.had {
			o.changes[u.key] = u.prev
		} else {
			delete(o.changes, u.key)
		}
	}
	o.journal = o.journal[:mark]
	return nil
}

// Depth returns the number of open transactions.
func (o *Overlay) Depth() int { return len(o.marks) }

// Len returns the number of buffered keys.
func (o *Overlay) Len() int { return len(o.changes) }

// Delta returns the buffered changes sorted by key.
func (o *Overlay) Delta() Delta {
	d := make(Delta, 0, len(o.changes))
	for k, e := range o.changes {
		c := Change{Key: []byte(k), Deleted: e.deleted}
		if !e.deleted {
			c.Value = e.value
		}
		d = append(d, c)
	}
	d.sort()
	return d
}
