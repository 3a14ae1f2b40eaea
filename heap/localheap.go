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

	"github.com/jtolds/gls"
	"github.com/launix-de/markbarrier/marking"
)

// LocalHeap is one execution context of an isolate. It owns exactly one
// marking barrier. Writes from background goroutines must run inside Run
// or Go so the barrier of the right context is found.
type LocalHeap struct {
	id      uint64
	Name    string
	iso     *Isolate
	main    bool
	barrier *marking.Barrier
}

// NewLocalHeap registers a new context. If a cycle is running, its barrier
// joins it. Must not be called from inside Run.
func (i *Isolate) NewLocalHeap(name string, main bool) *LocalHeap {
	u := i.universe
	lh := &LocalHeap{id: i.nextLocalHeap.Add(1), Name: name, iso: i, main: main}
	lh.barrier = marking.NewBarrier(marking.BarrierConfig{
		Heap:                 i,
		Compactor:            u.compactor,
		RememberedSet:        u.remset,
		MajorWorklist:        i.worklists.Major,
		MinorWorklist:        i.worklists.Minor,
		Guard:                u.guard,
		IsMainThread:         main,
		UsesSharedHeap:       i.role != Standalone,
		IsSharedSpaceIsolate: i.role == SharedOwner,
		TrackRetainingPath:   u.trackRetainingPath,
	})
	i.Safepoint(func() {
		if i.marking.Load() {
			lh.barrier.Activate(i.compacting, i.mode)
		}
		if i.owner != nil && i.owner != i && i.owner.marking.Load() {
			lh.barrier.ActivateShared(i.owner.worklists.Major)
		}
		i.localHeaps.Set(&localHeapEntry{lh})
	})
	return lh
}

func (lh *LocalHeap) Barrier() *marking.Barrier {
	return lh.barrier
}

func (lh *LocalHeap) Isolate() *Isolate {
	return lh.iso
}

func (lh *LocalHeap) IsMain() bool {
	return lh.main
}

// Run executes fn as this context: the goroutine is bound to the local
// heap and counts as running for the safepoint.
func (lh *LocalHeap) Run(fn func()) {
	lh.iso.safepoint.RLock()
	defer lh.iso.safepoint.RUnlock()
	contextManager.SetValues(gls.Values{localHeapKey{}: lh}, fn)
}

// Go runs fn as this context on a new goroutine; wait blocks until it returns.
func (lh *LocalHeap) Go(fn func()) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	contextManager.SetValues(gls.Values{localHeapKey{}: lh}, func() {
		gls.Go(func() {
			defer wg.Done()
			lh.iso.safepoint.RLock()
			defer lh.iso.safepoint.RUnlock()
			fn()
		})
	})
	return wg.Wait
}

func (lh *LocalHeap) needsBarrier(host marking.Ref) bool {
	return lh.iso.isMarkingFlag.Load() && lh.iso.tracked(host)
}

// WriteField stores value into slot of host followed by the write barrier.
func (lh *LocalHeap) WriteField(host marking.Ref, slot int, value marking.Ref) {
	lh.iso.universe.mustObject(host).store(slot, value)
	if value == 0 {
		return
	}
	if lh.needsBarrier(host) {
		lh.barrier.Write(host, slot, value)
	}
}

// WriteCodeTarget patches the relocation entry rinfo of a code object.
func (lh *LocalHeap) WriteCodeTarget(code marking.Ref, rinfo marking.RelocInfo, target marking.Ref) {
	obj := lh.iso.universe.mustObject(code)
	if obj.code == nil {
		panic(obj.String() + " is not a code object")
	}
	obj.code.set(rinfo, target)
	if target != 0 && lh.needsBarrier(code) {
		lh.barrier.WriteCode(code, rinfo, target)
	}
}

// AttachExtension links an array buffer to its backing store record.
func (lh *LocalHeap) AttachExtension(host marking.Ref, ext *ArrayBufferExtension) {
	lh.iso.universe.mustObject(host).extension.Store(ext)
	if lh.needsBarrier(host) {
		lh.barrier.WriteArrayBuffer(host, ext)
	}
}

// GrowDescriptors publishes numberOfOwnDescriptors for a descriptor array
// whose descriptor slots were already written.
func (lh *LocalHeap) GrowDescriptors(descriptors marking.Ref, numberOfOwnDescriptors int) {
	obj := lh.iso.universe.mustObject(descriptors)
	if obj.descriptors == nil {
		panic(obj.String() + " is not a descriptor array")
	}
	if numberOfOwnDescriptors < 0 || numberOfOwnDescriptors > obj.descriptors.capacity {
		panic("descriptor count out of range")
	}
	obj.descriptors.own.Store(int32(numberOfOwnDescriptors))
	if lh.needsBarrier(descriptors) {
		lh.barrier.WriteDescriptorArray(descriptors, numberOfOwnDescriptors)
	}
}

// Dispose publishes what the barrier still holds and unregisters the context.
func (lh *LocalHeap) Dispose() {
	if lh.main {
		panic("the main local heap lives as long as its isolate")
	}
	lh.iso.Safepoint(func() {
		lh.barrier.PublishIfNeeded()
		lh.barrier.PublishSharedIfNeeded()
		lh.barrier.TearDown()
		lh.iso.localHeaps.Remove(lh.id)
	})
}
