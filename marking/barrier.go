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
package marking

// BarrierConfig wires a Barrier to the collaborators of its isolate.
type BarrierConfig struct {
	Heap          Heap
	Compactor     Compactor
	RememberedSet RememberedSet
	MajorWorklist *Worklist
	MinorWorklist *Worklist
	Guard         RegionGuard

	IsMainThread         bool
	UsesSharedHeap       bool // the isolate is attached to a shared heap
	IsSharedSpaceIsolate bool // the isolate owns the shared heap
	TrackRetainingPath   bool
}

// BarrierStats counts what a barrier produced since it was created.
type BarrierStats struct {
	Marked       uint64 // values turned grey onto a generation queue
	SharedMarked uint64 // values turned grey onto the shared heap queue
	Slots        uint64 // slots handed to the compactor
	TypedSlots   uint64 // reloc slots deferred into the typed slot recorder
	Publishes    uint64
}

// sharedMarking is the shared heap sub-state: sharedDisabled or sharedEnabled.
type sharedMarking interface {
	isSharedMarking()
}

type sharedDisabled struct{}

type sharedEnabled struct {
	worklist *Local
}

func (sharedDisabled) isSharedMarking() {}
func (sharedEnabled) isSharedMarking()  {}

// Barrier is the marking barrier of one execution context (local heap).
// All Write methods are called only from the owning thread and never block.
type Barrier struct {
	heap      Heap
	compactor Compactor
	remset    RememberedSet
	guard     RegionGuard

	majorWorklist *Local
	minorWorklist *Local
	current       *Local
	shared        sharedMarking

	typedSlots map[Region]*TypedSlots

	isMainThread         bool
	usesSharedHeap       bool
	isSharedSpaceIsolate bool
	trackRetainingPath   bool

	activated  bool
	compacting bool
	mode       Mode

	stats BarrierStats
}

func NewBarrier(cfg BarrierConfig) *Barrier {
	guard := cfg.Guard
	if guard == nil {
		guard = noopGuard{}
	}
	return &Barrier{
		heap:                 cfg.Heap,
		compactor:            cfg.Compactor,
		remset:               cfg.RememberedSet,
		guard:                guard,
		majorWorklist:        NewLocal(cfg.MajorWorklist),
		minorWorklist:        NewLocal(cfg.MinorWorklist),
		shared:               sharedDisabled{},
		typedSlots:           make(map[Region]*TypedSlots),
		isMainThread:         cfg.IsMainThread,
		usesSharedHeap:       cfg.UsesSharedHeap,
		isSharedSpaceIsolate: cfg.IsSharedSpaceIsolate,
		trackRetainingPath:   cfg.TrackRetainingPath,
	}
}

// TearDown is called when the owning context goes away.
func (b *Barrier) TearDown() {
	if len(b.typedSlots) != 0 {
		Fatalf("barrier torn down with %d unpublished typed slot regions", len(b.typedSlots))
	}
}

func (b *Barrier) IsActivated() bool { return b.activated }

func (b *Barrier) IsCompacting() bool { return b.compacting }

func (b *Barrier) Mode() Mode { return b.mode }

func (b *Barrier) IsMainThread() bool { return b.isMainThread }

func (b *Barrier) Stats() BarrierStats { return b.stats }

func (b *Barrier) IsSharedActivated() bool {
	_, ok := b.shared.(sharedEnabled)
	return ok
}

// LocalLen reports how many entries wait in the local segment of the
// current generation queue.
func (b *Barrier) LocalLen() int {
	if b.current == nil {
		return 0
	}
	return b.current.LocalLen()
}

// SharedLocalLen reports the unpublished shared heap queue entries.
func (b *Barrier) SharedLocalLen() int {
	if s, ok := b.shared.(sharedEnabled); ok {
		return s.worklist.LocalLen()
	}
	return 0
}

// TypedSlotRegions returns the number of typed slots waiting per region.
func (b *Barrier) TypedSlotRegions() map[Region]int {
	result := make(map[Region]int, len(b.typedSlots))
	for region, slots := range b.typedSlots {
		result[region] = slots.Len()
	}
	return result
}

func (b *Barrier) isMinor() bool { return b.mode == Minor }
func (b *Barrier) isMajor() bool { return b.mode == Major }

func (b *Barrier) checkCurrent(host Ref) {
	if b.heap.CurrentBarrier(host) != b {
		Fatalf("write into %#x through a barrier not bound to it", uint64(host))
	}
}

func (b *Barrier) checkActive() {
	if !b.activated && !b.IsSharedActivated() {
		Fatalf("write through an inactive barrier")
	}
}

// Write is the barrier for a reference store of value into slot of host.
func (b *Barrier) Write(host Ref, slot int, value Ref) {
	b.checkCurrent(host)
	b.checkActive()
	b.markValue(host, value)

	if slot != NoSlot {
		if b.compacting || (b.IsSharedActivated() && b.heap.InSharedWritableHeap(host)) {
			b.compactor.RecordSlot(host, slot, value)
			b.stats.Slots++
		}
	}
}

// WriteWithoutHost marks value for stores into structures without a stable
// host object. Main thread only.
func (b *Barrier) WriteWithoutHost(value Ref) {
	if !b.isMainThread {
		Fatalf("host-less write on a background barrier")
	}
	if !b.activated {
		Fatalf("host-less write through an inactive barrier")
	}
	// client isolates leave shared values to the shared space isolate
	if b.usesSharedHeap && !b.isSharedSpaceIsolate {
		if b.heap.InSharedWritableHeap(value) {
			return
		}
	}
	b.markValueLocal(value)
}

// WriteCode is the barrier for a store into relocation entry rinfo of the
// code object host. Code never lives in the shared heap.
func (b *Barrier) WriteCode(host Ref, rinfo RelocInfo, value Ref) {
	b.checkCurrent(host)
	if b.heap.InSharedWritableHeap(host) {
		Fatalf("code object %#x in shared heap", uint64(host))
	}
	b.checkActive()
	b.markValue(host, value)
	if b.compacting {
		if !b.isMajor() {
			Fatalf("compacting outside of a major cycle")
		}
		if b.isMainThread {
			// the main thread records into the live slot set directly
			b.compactor.RecordRelocSlot(host, rinfo, value)
		} else {
			b.recordRelocSlot(host, rinfo, value)
		}
	}
}

// WriteArrayBuffer marks the backing store extension of an array buffer.
func (b *Barrier) WriteArrayBuffer(host Ref, ext ArrayBufferExtension) {
	b.checkCurrent(host)
	if b.isMinor() && b.heap.InYoungGeneration(host) {
		ext.YoungMark()
		return
	}
	ext.Mark()
}

// WriteDescriptorArray is called when a descriptor array is created or
// grows to numberOfOwnDescriptors. The array goes straight to black and its
// slots are marked eagerly: the marker never revisits descriptors of a black
// array, so a promotion before the queue drains would otherwise leave
// already marked descriptors without recorded slots.
func (b *Barrier) WriteDescriptorArray(descriptors Ref, numberOfOwnDescriptors int) {
	b.checkCurrent(descriptors)
	if b.isMinor() && !b.heap.InYoungGeneration(descriptors) {
		return
	}

	if !b.heap.IsBlack(descriptors) {
		b.heap.WhiteToGrey(descriptors)
		b.heap.GreyToBlack(descriptors)
		b.markRange(descriptors, b.heap.FirstPointerSlot(descriptors), b.heap.DescriptorSlot(descriptors, 0))
	}

	// Minor cycles always mark the full range; the mark is keyed by the
	// mark-compact epoch, which minor cycles do not advance.
	oldMarked := 0
	if b.isMajor() {
		oldMarked = b.heap.MarkedDescriptors(descriptors).Update(b.compactor.Epoch(), numberOfOwnDescriptors)
	}
	if oldMarked < numberOfOwnDescriptors {
		// strong marking of the new range; weak slots would keep objects
		// alive for the rest of the cycle and trimming does not need them
		b.markRange(descriptors,
			b.heap.DescriptorSlot(descriptors, oldMarked),
			b.heap.DescriptorSlot(descriptors, numberOfOwnDescriptors))
	}
}

func (b *Barrier) markRange(host Ref, start, end int) {
	compacting := b.compacting
	for slot := start; slot < end; slot++ {
		value := b.heap.Load(host, slot)
		if value == 0 {
			continue
		}
		b.markValue(host, value)
		if compacting {
			b.compactor.RecordSlot(host, slot, value)
			b.stats.Slots++
		}
	}
}

func (b *Barrier) markValue(host Ref, value Ref) {
	// Without a shared heap every object is local, and so is every object
	// seen from the shared space isolate.
	if b.usesSharedHeap && !b.isSharedSpaceIsolate {
		if !b.heap.IsMarkingPage(host) {
			return
		}
		if b.heap.InSharedWritableHeap(host) {
			b.markValueShared(value)
			return
		} else if b.heap.InSharedWritableHeap(value) {
			// storing a shared object into a local one needs no marking
			return
		}
	}
	if !b.activated {
		Fatalf("local marking through an inactive barrier")
	}
	b.markValueLocal(value)
}

func (b *Barrier) markValueShared(value Ref) {
	s, ok := b.shared.(sharedEnabled)
	if !ok {
		Fatalf("store into shared object %#x without shared marking", uint64(value))
	}
	if b.heap.WhiteToGrey(value) {
		s.worklist.Push(value)
		b.stats.SharedMarked++
	}
}

func (b *Barrier) markValueLocal(value Ref) {
	if b.isMinor() {
		// old-to-new slots are remembered by the generational barrier
		if b.heap.InYoungGeneration(value) {
			b.whiteToGreyAndPush(value)
		}
		return
	}
	if b.whiteToGreyAndPush(value) && b.trackRetainingPath {
		b.heap.AddRetainingRoot(value)
	}
}

func (b *Barrier) whiteToGreyAndPush(value Ref) bool {
	if b.heap.WhiteToGrey(value) {
		b.current.Push(value)
		b.stats.Marked++
		return true
	}
	return false
}

func (b *Barrier) recordRelocSlot(host Ref, rinfo RelocInfo, target Ref) {
	if !b.compactor.ShouldRecordRelocSlot(host, rinfo, target) {
		return
	}
	info := b.compactor.ProcessRelocInfo(host, rinfo, target)
	slots := b.typedSlots[info.Region]
	if slots == nil {
		slots = new(TypedSlots)
		b.typedSlots[info.Region] = slots
	}
	slots.Insert(info.Kind, info.Offset)
	b.stats.TypedSlots++
}

// Activate starts a cycle on this barrier. Only the coordinator calls it.
func (b *Barrier) Activate(compacting bool, mode Mode) {
	if b.activated {
		Fatalf("barrier activated twice")
	}
	if !b.majorWorklist.IsLocalEmpty() || !b.minorWorklist.IsLocalEmpty() {
		Fatalf("barrier activated with unpublished queue entries")
	}
	if compacting && mode != Major {
		Fatalf("compaction requested for a %s cycle", mode)
	}
	b.compacting = compacting
	b.mode = mode
	if mode == Minor {
		b.current = b.minorWorklist
	} else {
		b.current = b.majorWorklist
	}
	b.activated = true
}

// ActivateShared attaches the shared heap queue, publishing into the
// shared space isolate's global worklist.
func (b *Barrier) ActivateShared(sharedWorklist *Worklist) {
	if b.IsSharedActivated() {
		Fatalf("shared marking activated twice")
	}
	b.shared = sharedEnabled{worklist: NewLocal(sharedWorklist)}
}

func (b *Barrier) Deactivate() {
	b.activated = false
	b.compacting = false
	if len(b.typedSlots) != 0 {
		Fatalf("barrier deactivated with %d unpublished typed slot regions", len(b.typedSlots))
	}
	if b.current != nil && !b.current.IsLocalEmpty() {
		Fatalf("barrier deactivated with %d unpublished queue entries", b.current.LocalLen())
	}
}

func (b *Barrier) DeactivateShared() {
	s, ok := b.shared.(sharedEnabled)
	if !ok {
		Fatalf("shared marking deactivated while not active")
	}
	if !s.worklist.IsLocalAndGlobalEmpty() {
		Fatalf("shared marking deactivated with a non-empty shared queue")
	}
	b.shared = sharedDisabled{}
}

// PublishIfNeeded flushes the local queue segment and merges typed slots
// into the remembered set.
func (b *Barrier) PublishIfNeeded() {
	if !b.activated {
		return
	}
	b.current.Publish()
	for region, slots := range b.typedSlots {
		b.mergeTyped(region, slots)
	}
	clear(b.typedSlots)
	b.stats.Publishes++
}

func (b *Barrier) mergeTyped(region Region, slots *TypedSlots) {
	// background code generation may append to this region concurrently
	unlock := b.guard.Lock(region)
	defer unlock()
	b.remset.MergeTyped(region, slots)
}

func (b *Barrier) PublishSharedIfNeeded() {
	if s, ok := b.shared.(sharedEnabled); ok {
		s.worklist.Publish()
	}
}
