package vm

import "errors"

// Table is an insertion-ordered hash table with an optional delegate used
// for slot lookup fallback and metamethods.
type Table struct {
	index    map[Value]int
	entries  []tableEntry
	live     int
	delegate *Table
}

type tableEntry struct {
	key  Value
	val  Value
	used bool
}

var errDelegateCycle = errors.New("delegate cycle detected")

// NewTable allocates an empty table sized for capacity entries.
func NewTable(capacity int) *Table {
	return &Table{
		index:   make(map[Value]int, capacity),
		entries: make([]tableEntry, 0, capacity),
	}
}

// Len returns the number of live slots.
func (t *Table) Len() int { return t.live }

// Get performs a raw lookup of key without delegation.
func (t *Table) Get(key Value) (Value, bool) {
	i, ok := t.index[key]
	if !ok {
		return Null(), false
	}
	return t.entries[i].val, true
}

// Has reports whether key is an own slot.
func (t *Table) Has(key Value) bool {
	_, ok := t.index[key]
	return ok
}

// Set overwrites an existing slot and reports whether it existed.
func (t *Table) Set(key, val Value) bool {
	i, ok := t.index[key]
	if !ok {
		return false
	}
	t.entries[i].val = val
	return true
}

// NewSlot creates or overwrites a slot.
func (t *Table) NewSlot(key, val Value) {
	if i, ok := t.index[key]; ok {
		t.entries[i].val = val
		return
	}
	if len(t.entries) > 16 && len(t.entries) > 2*t.live {
		t.compact()
	}
	t.index[key] = len(t.entries)
	t.entries = append(t.entries, tableEntry{key: key, val: val, used: true})
	t.live++
}

// Delete removes key and returns its previous value.
func (t *Table) Delete(key Value) (Value, bool) {
	i, ok := t.index[key]
	if !ok {
		return Null(), false
	}
	old := t.entries[i].val
	t.entries[i] = tableEntry{}
	delete(t.index, key)
	t.live--
	return old, true
}

// Next returns the first live slot at or after position pos, along with the
// position to continue from.
func (t *Table) Next(pos int) (next int, key, val Value, ok bool) {
	for i := pos; i < len(t.entries); i++ {
		if t.entries[i].used {
			e := t.entries[i]
			return i + 1, e.key, e.val, true
		}
	}
	return len(t.entries), Null(), Null(), false
}

// Each calls fn for every live slot in insertion order until fn returns false.
func (t *Table) Each(fn func(key, val Value) bool) {
	for _, e := range t.entries {
		if e.used && !fn(e.key, e.val) {
			return
		}
	}
}

// Delegate returns the table consulted when a lookup misses.
func (t *Table) Delegate() *Table { return t.delegate }

// SetDelegate installs d as the delegate of t, refusing cycles.
func (t *Table) SetDelegate(d *Table) error {
	for p := d; p != nil; p = p.delegate {
		if p == t {
			return errDelegateCycle
		}
	}
	t.delegate = d
	return nil
}

// Clone makes a shallow copy sharing the delegate.
func (t *Table) Clone() *Table {
	c := NewTable(t.live)
	t.Each(func(k, v Value) bool {
		c.NewSlot(k, v)
		return true
	})
	c.delegate = t.delegate
	return c
}

// Clear removes every slot.
func (t *Table) Clear() {
	t.index = make(map[Value]int)
	t.entries = t.entries[:0]
	t.live = 0
}

func (t *Table) compact() {
	out := t.entries[:0]
	for _, e := range t.entries {
		if e.used {
			t.index[e.key] = len(out)
			out = append(out, e)
		}
	}
	for i := len(out); i < len(t.entries); i++ {
		t.entries[i] = tableEntry{}
	}
	t.entries = out
}

// Array is a growable sequence of values.
type Array struct {
	Items []Value
}

// NewArray wraps items (not copied).
func NewArray(items []Value) *Array {
	return &Array{Items: items}
}

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.Items) }

// At returns the element at i, or false when i is out of range.
func (a *Array) At(i int64) (Value, bool) {
	if i < 0 || i >= int64(len(a.Items)) {
		return Null(), false
	}
	return a.Items[i], true
}

// Append adds v at the end.
func (a *Array) Append(v Value) {
	a.Items = append(a.Items, v)
}
