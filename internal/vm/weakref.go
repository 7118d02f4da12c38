package vm

import "weak"

// WeakRef refers to a reference value without keeping it alive.
type WeakRef struct {
	kind    Kind
	resolve func() (any, bool)
}

func makeWeak[T any](kind Kind, p *T) *WeakRef {
	w := weak.Make(p)
	return &WeakRef{kind: kind, resolve: func() (any, bool) {
		q := w.Value()
		if q == nil {
			return nil, false
		}
		return q, true
	}}
}

// NewWeakRef returns a weak reference to v. Scalars have no identity to
// track, so they are returned unchanged.
func NewWeakRef(v Value) Value {
	var w *WeakRef
	switch v.Kind {
	case KindTable:
		w = makeWeak(v.Kind, v.Table())
	case KindArray:
		w = makeWeak(v.Kind, v.Array())
	case KindClass:
		w = makeWeak(v.Kind, v.Class())
	case KindInstance:
		w = makeWeak(v.Kind, v.Instance())
	case KindClosure:
		w = makeWeak(v.Kind, v.Closure())
	case KindNativeClosure:
		w = makeWeak(v.Kind, v.Native())
	case KindGenerator:
		w = makeWeak(v.Kind, v.Generator())
	case KindWeakRef:
		return v
	default:
		return v
	}
	return WeakRefValue(w)
}

// Get returns the referenced value, or null once it has been collected.
func (w *WeakRef) Get() Value {
	if w == nil {
		return Null()
	}
	p, ok := w.resolve()
	if !ok {
		return Null()
	}
	return Value{Kind: w.kind, ref: p}
}
