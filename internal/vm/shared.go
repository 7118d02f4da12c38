package vm

import (
	"runtime"
	"sort"
	"sync"
	"weak"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("sqvm.vm")

// Metamethod names.
const (
	mmAdd       = "_add"
	mmSub       = "_sub"
	mmMul       = "_mul"
	mmDiv       = "_div"
	mmModulo    = "_modulo"
	mmUnm       = "_unm"
	mmTypeof    = "_typeof"
	mmGet       = "_get"
	mmSet       = "_set"
	mmNewSlot   = "_newslot"
	mmDelSlot   = "_delslot"
	mmToString  = "_tostring"
	mmCmp       = "_cmp"
	mmCall      = "_call"
	mmCloned    = "_cloned"
	mmNexti     = "_nexti"
	mmInherited = "_inherited"
	mmNewMember = "_newmember"
)

// SharedState is the engine state common to every VM created from it: the
// per-kind default delegates and the registry of live VMs.
//
// The registry holds VMs weakly: a VM that is dropped without Close leaves it
// once collected. Only the VM registry is synchronized. Default delegates are plain tables;
// mutating them while VMs run on other goroutines needs external locking.
type SharedState struct {
	delegates [numKinds]*Table

	mu  sync.Mutex
	vms map[string]weak.Pointer[VM]
}

// NewSharedState creates engine state with empty default delegates.
func NewSharedState() *SharedState {
	s := &SharedState{vms: make(map[string]weak.Pointer[VM])}
	for k := range s.delegates {
		s.delegates[k] = NewTable(0)
	}
	return s
}

// DefaultDelegate returns the table consulted for built-in behaviour of
// values of kind k (for example array or string methods).
func (s *SharedState) DefaultDelegate(k Kind) *Table {
	if k < 0 || k >= numKinds {
		return nil
	}
	if k == KindNativeClosure {
		k = KindClosure
	}
	return s.delegates[k]
}

func (s *SharedState) register(vm *VM) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.vms[id] = weak.Make(vm)
	s.mu.Unlock()
	runtime.AddCleanup(vm, s.unregister, id)
	return id
}

func (s *SharedState) unregister(id string) {
	s.mu.Lock()
	delete(s.vms, id)
	s.mu.Unlock()
}

// Lookup returns the live VM with the given ID.
func (s *SharedState) Lookup(id string) (*VM, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.vms[id]
	if !ok {
		return nil, false
	}
	vm := p.Value()
	return vm, vm != nil
}

// VMs lists the IDs of the live VMs in sorted order.
func (s *SharedState) VMs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.vms))
	for id, p := range s.vms {
		if p.Value() != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}
