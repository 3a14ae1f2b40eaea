/*
Copyright (C) 2026  markbarrier contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package heap

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/markbarrier/collector"
	"github.com/launix-de/markbarrier/marking"
)

type Role uint8

const (
	Standalone  Role = iota // no shared heap
	SharedOwner             // owns the shared heap
	Client                  // attached to the shared heap of an owner
)

func (r Role) String() string {
	switch r {
	case SharedOwner:
		return "owner"
	case Client:
		return "client"
	}
	return "standalone"
}

type localHeapEntry struct {
	lh *LocalHeap
}

func (e localHeapEntry) GetKey() uint64 {
	return e.lh.id
}

func (e localHeapEntry) ComputeSize() uint {
	return 64
}

/*
Isolate is one heap with its spaces, marking worklists and local heaps.

locking:
 - local heaps hold the read side of safepoint while they run
 - Safepoint takes the write side; a shared heap owner takes it on every
   attached isolate, in registry order
*/
type Isolate struct {
	ID       uuid.UUID
	name     string
	traceID  int
	role     Role
	universe *Universe
	owner    *Isolate // shared heap owner, itself for the owner

	spaces    [marking.NumSpaceKinds]*Space
	worklists collector.MarkingWorklists

	localHeaps    NonLockingReadMap.NonLockingReadMap[localHeapEntry, uint64]
	nextLocalHeap atomic.Uint64
	main          *LocalHeap
	safepoint     sync.RWMutex

	isMarkingFlag atomic.Bool // what write stubs test first
	marking       atomic.Bool // own cycle running
	mode          marking.Mode
	compacting    bool
	tracking      atomic.Pointer[marking.Tracking]

	rootsMu        sync.Mutex
	retainingRoots []marking.Ref
}

// NewIsolate creates and registers an isolate. owner is required for
// clients and ignored otherwise.
func NewIsolate(u *Universe, name string, role Role, owner *Isolate) *Isolate {
	if u.Isolate(name) != nil {
		panic("isolate already exists: " + name)
	}
	if role != Standalone && !Settings.SharedSpace {
		panic("shared space is disabled")
	}
	i := &Isolate{
		ID:         uuid.New(),
		name:       name,
		traceID:    int(u.nextTraceID.Add(1)),
		role:       role,
		universe:   u,
		worklists:  collector.NewMarkingWorklists(u.segmentSize),
		localHeaps: NonLockingReadMap.New[localHeapEntry, uint64](),
	}
	switch role {
	case SharedOwner:
		i.owner = i
	case Client:
		if owner == nil || owner.role != SharedOwner {
			panic("client isolate " + name + " needs a shared heap owner")
		}
		i.owner = owner
	}
	for kind := marking.SpaceKind(0); kind < marking.NumSpaceKinds; kind++ {
		if (kind == marking.SharedSpace || kind == marking.SharedLargeObjectSpace) && role != SharedOwner {
			continue
		}
		i.spaces[kind] = &Space{kind: kind, owner: i}
	}
	u.isolates.Set(&isolateEntry{i})
	i.main = i.NewLocalHeap("main", true)
	// attaching during a shared cycle routes writes into the barrier at once
	if i.owner != nil && i.owner != i && i.owner.marking.Load() {
		i.isMarkingFlag.Store(true)
		i.tracking.CompareAndSwap(nil, i.owner.tracking.Load())
	}
	marking.Log.Info("isolate %s created (%s, id %s)", name, role, i.ID)
	return i
}

func (i *Isolate) Name() string {
	return i.name
}

func (i *Isolate) TraceID() int {
	return i.traceID
}

func (i *Isolate) Role() Role {
	return i.role
}

func (i *Isolate) Universe() *Universe {
	return i.universe
}

func (i *Isolate) Main() *LocalHeap {
	return i.main
}

func (i *Isolate) Worklists() collector.MarkingWorklists {
	return i.worklists
}

// LocalHeaps lists the local heaps in creation order.
func (i *Isolate) LocalHeaps() []*LocalHeap {
	entries := i.localHeaps.GetAll()
	result := make([]*LocalHeap, len(entries))
	for j, e := range entries {
		result[j] = e.lh
	}
	return result
}

func (i *Isolate) LocalHeap(name string) *LocalHeap {
	for _, e := range i.localHeaps.GetAll() {
		if e.lh.Name == name {
			return e.lh
		}
	}
	return nil
}

// Safepoint runs fn while no local heap of the affected isolates runs.
func (i *Isolate) Safepoint(fn func()) {
	isolates := []*Isolate{i}
	if i.role == SharedOwner {
		isolates = isolates[:0]
		i.IterateClientIsolates(func(client marking.Isolate) {
			isolates = append(isolates, client.(*Isolate))
		})
	}
	for _, iso := range isolates {
		iso.safepoint.Lock()
	}
	defer func() {
		for j := len(isolates) - 1; j >= 0; j-- {
			isolates[j].safepoint.Unlock()
		}
	}()
	fn()
}

// Tracking returns the page flag capability of the last lifecycle change,
// nil before the first one.
func (i *Isolate) Tracking() *marking.Tracking {
	return i.tracking.Load()
}

func (i *Isolate) tracked(host marking.Ref) bool {
	t := i.tracking.Load()
	return t != nil && t.IsTracked(host)
}

func (i *Isolate) resetMarks(mode marking.Mode) {
	for _, space := range i.spaces {
		if space == nil || (mode == marking.Minor && !space.IsYoung()) {
			continue
		}
		for _, p := range space.PageList() {
			p.resetColors()
		}
	}
}

// StartMarking starts a cycle under a safepoint and activates every barrier.
func (i *Isolate) StartMarking(mode marking.Mode, compacting bool) {
	i.Safepoint(func() {
		i.resetMarks(mode)
		i.mode = mode
		i.compacting = compacting
		i.marking.Store(true)
		i.SetIsMarkingFlag(true)
		t := marking.ActivateAll(i, compacting, mode)
		i.tracking.Store(&t)
		if i.role == SharedOwner {
			i.IterateClientIsolates(func(client marking.Isolate) {
				client.(*Isolate).tracking.CompareAndSwap(nil, &t)
			})
		}
	})
}

// PublishMarking flushes every barrier of the isolate.
func (i *Isolate) PublishMarking() {
	i.Safepoint(func() {
		marking.PublishAll(i)
	})
}

// DrainMarking traces everything published so far.
func (i *Isolate) DrainMarking() int {
	return i.drain(i.worklists.For(i.mode), i.mode)
}

func (i *Isolate) drain(w *marking.Worklist, mode marking.Mode) int {
	state := i.universe.state
	tracer := marking.NewLocal(w)
	visitValue := func(v marking.Ref) {
		if v == 0 || (mode == marking.Minor && !i.InYoungGeneration(v)) {
			return
		}
		if state.WhiteToGrey(v) {
			tracer.Push(v)
		}
	}
	compactor := i.universe.compactor
	compacting := i.compacting && mode == marking.Major
	total := 0
	for {
		total += collector.Drain(w, state, func(ref marking.Ref) {
			obj := i.universe.mustObject(ref)
			for s := range obj.slots {
				v := marking.Ref(obj.slots[s].Load())
				visitValue(v)
				if compacting && v != 0 {
					compactor.RecordSlot(ref, s, v)
				}
			}
			for _, e := range obj.Relocations() {
				visitValue(e.Target)
				if compacting && e.Target != 0 {
					compactor.RecordRelocSlot(ref, e.Info, e.Target)
				}
			}
			if obj.descriptors != nil && mode == marking.Major {
				// every slot is marked now; later growth in this epoch
				// only needs the new range
				obj.descriptors.marked.Update(compactor.Epoch(), obj.NumberOfOwnDescriptors())
			}
		})
		if tracer.IsLocalEmpty() {
			return total
		}
		tracer.Publish()
	}
}

// StopMarking finishes the cycle: publish, trace the rest, deactivate.
// A major cycle advances the mark-compact epoch.
func (i *Isolate) StopMarking() {
	i.Safepoint(func() {
		marking.PublishAll(i)
		i.drain(i.worklists.For(i.mode), i.mode)
		if i.role == SharedOwner && i.mode == marking.Minor {
			// shared entries of clients go to the major worklist
			i.drain(i.worklists.Major, marking.Major)
		}
		t := marking.DeactivateAll(i)
		i.marking.Store(false)
		i.SetIsMarkingFlag(i.owner != nil && i.owner != i && i.owner.marking.Load())
		i.tracking.Store(&t)
		if i.mode == marking.Major {
			epoch := i.universe.compactor.AdvanceEpoch()
			marking.Log.Debug("mark-compact epoch of %s advanced to %d", i.name, epoch)
		}
		i.compacting = false
	})
}

func (i *Isolate) IsCompacting() bool {
	return i.compacting
}

func (i *Isolate) Mode() marking.Mode {
	return i.mode
}

func (i *Isolate) RetainingRoots() []marking.Ref {
	i.rootsMu.Lock()
	defer i.rootsMu.Unlock()
	result := make([]marking.Ref, len(i.retainingRoots))
	copy(result, i.retainingRoots)
	return result
}

func (i *Isolate) space(kind marking.SpaceKind) *Space {
	if kind >= marking.NumSpaceKinds {
		panic("unknown space")
	}
	if s := i.spaces[kind]; s != nil {
		return s
	}
	if i.owner != nil && i.owner.spaces[kind] != nil {
		return i.owner.spaces[kind]
	}
	panic(SpaceName(kind) + " space not available in " + i.name)
}

func (i *Isolate) Alloc(kind marking.SpaceKind, nslots int, name string) *Object {
	obj := i.space(kind).alloc(nslots)
	obj.Name = name
	return obj
}

// AllocDescriptorArray allocates header slots plus room for capacity
// descriptors.
func (i *Isolate) AllocDescriptorArray(kind marking.SpaceKind, name string, header int, capacity int) *Object {
	obj := i.space(kind).alloc(header + slotsPerDescriptor*capacity)
	obj.Name = name
	obj.kind = DescriptorArrayObject
	obj.descriptors = &descriptorArray{header: header, capacity: capacity}
	return obj
}

func (i *Isolate) AllocCode(name string, large bool) *Object {
	kind := marking.CodeSpace
	if large {
		kind = marking.CodeLargeObjectSpace
	}
	obj := i.space(kind).alloc(0)
	obj.Name = name
	obj.kind = CodeObject
	obj.code = &codeBody{reloc: make(map[uint32]RelocEntry)}
	return obj
}

func (i *Isolate) NewArrayBufferExtension() *ArrayBufferExtension {
	return &ArrayBufferExtension{id: i.universe.nextExtension.Add(1) - 1, u: i.universe}
}

// marking.Isolate

func (i *Isolate) Space(kind marking.SpaceKind) marking.Space {
	s := i.spaces[kind]
	if s == nil {
		return nil
	}
	if s.IsCode() {
		return codeSpace{s}
	}
	return s
}

func (i *Isolate) IterateLocalHeaps(fn func(b *marking.Barrier)) {
	for _, e := range i.localHeaps.GetAll() {
		fn(e.lh.barrier)
	}
}

func (i *Isolate) OwnsSharedHeap() bool {
	return i.role == SharedOwner
}

// IterateClientIsolates visits every isolate attached to this shared heap,
// the owner included.
func (i *Isolate) IterateClientIsolates(fn func(client marking.Isolate)) {
	for _, iso := range i.universe.Isolates() {
		if iso.owner == i {
			fn(iso)
		}
	}
}

func (i *Isolate) SharedWorklist() *marking.Worklist {
	if i.owner == nil {
		return nil
	}
	return i.owner.worklists.Major
}

func (i *Isolate) SetIsMarkingFlag(marking bool) {
	i.isMarkingFlag.Store(marking)
}

func (i *Isolate) IsMarkingFlag() bool {
	return i.isMarkingFlag.Load()
}

func (i *Isolate) IsMarking() bool {
	return i.marking.Load()
}

func (i *Isolate) PageOf(ref marking.Ref) marking.Page {
	if p := i.universe.Page(ref); p != nil {
		return p
	}
	return nil
}

// marking.Heap

func (i *Isolate) IsBlack(ref marking.Ref) bool {
	return i.universe.state.IsBlack(ref)
}

func (i *Isolate) WhiteToGrey(ref marking.Ref) bool {
	return i.universe.state.WhiteToGrey(ref)
}

func (i *Isolate) GreyToBlack(ref marking.Ref) bool {
	return i.universe.state.GreyToBlack(ref)
}

// CurrentBarrier is the barrier of the local heap bound to the calling
// goroutine, or the main one when none is bound, of the isolate that owns
// host. Shared heap objects count as owned by every attached isolate.
func (i *Isolate) CurrentBarrier(host marking.Ref) *marking.Barrier {
	iso := i
	if p := i.universe.Page(host); p != nil && !p.space.IsShared() {
		// writes into another isolate's heap go through that isolate
		iso = p.owner
	}
	if lh := boundLocalHeap(); lh != nil && lh.iso == iso {
		return lh.barrier
	}
	return iso.main.barrier
}

func (i *Isolate) InYoungGeneration(ref marking.Ref) bool {
	p := i.universe.Page(ref)
	return p != nil && p.space.IsYoung()
}

func (i *Isolate) InSharedWritableHeap(ref marking.Ref) bool {
	p := i.universe.Page(ref)
	return p != nil && p.space.IsShared()
}

func (i *Isolate) IsMarkingPage(host marking.Ref) bool {
	p := i.universe.Page(host)
	return p != nil && p.IsMarking()
}

func (i *Isolate) RegionOf(ref marking.Ref) marking.Region {
	return i.universe.RegionOf(ref)
}

func (i *Isolate) Load(host marking.Ref, slot int) marking.Ref {
	return i.universe.mustObject(host).Slot(slot)
}

func (i *Isolate) descriptorArray(ref marking.Ref) *descriptorArray {
	obj := i.universe.mustObject(ref)
	if obj.descriptors == nil {
		marking.Fatalf("%s is not a descriptor array", obj)
	}
	return obj.descriptors
}

func (i *Isolate) FirstPointerSlot(descriptors marking.Ref) int {
	i.descriptorArray(descriptors)
	return 0
}

func (i *Isolate) DescriptorSlot(descriptors marking.Ref, index int) int {
	return i.descriptorArray(descriptors).slot(index)
}

func (i *Isolate) MarkedDescriptors(descriptors marking.Ref) *marking.MarkedDescriptors {
	return &i.descriptorArray(descriptors).marked
}

func (i *Isolate) AddRetainingRoot(value marking.Ref) {
	i.rootsMu.Lock()
	i.retainingRoots = append(i.retainingRoots, value)
	i.rootsMu.Unlock()
}
