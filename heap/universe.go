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

import "sync/atomic"
import "github.com/jtolds/gls"
import "github.com/launix-de/NonLockingReadMap"
import "github.com/launix-de/markbarrier/collector"
import "github.com/launix-de/markbarrier/marking"

type isolateEntry struct {
	iso *Isolate
}

func (e isolateEntry) GetKey() string {
	return e.iso.name
}

func (e isolateEntry) ComputeSize() uint {
	return 64
}

/*
Universe is the process: every isolate, the page table, and the state
shared by all collectors in it.

 - pages are looked up lock-free on every barrier call
 - the remembered set is process wide, keyed by region (page) id
 - the region guard is chosen once, from Settings, at construction
*/
type Universe struct {
	isolates NonLockingReadMap.NonLockingReadMap[isolateEntry, string]
	pages    NonLockingReadMap.NonLockingReadMap[pageEntry, uint32]

	nextPage      atomic.Uint32
	nextExtension atomic.Uint32
	nextTraceID   atomic.Int32

	remset    *collector.RememberedSet
	compactor *collector.Compactor
	guard     marking.RegionGuard
	state     MarkingState

	extensionMarks      NonLockingReadMap.NonBlockingBitMap
	extensionYoungMarks NonLockingReadMap.NonBlockingBitMap

	segmentSize        int
	trackRetainingPath bool
}

func NewUniverse() *Universe {
	settingsFrozen.Store(true)
	u := &Universe{
		isolates:            NonLockingReadMap.New[isolateEntry, string](),
		pages:               NonLockingReadMap.New[pageEntry, uint32](),
		remset:              collector.NewRememberedSet(),
		guard:               marking.NewRegionGuard(Settings.ConcurrentCodeGeneration),
		extensionMarks:      NonLockingReadMap.NewBitMap(),
		extensionYoungMarks: NonLockingReadMap.NewBitMap(),
		segmentSize:         SegmentSize(),
		trackRetainingPath:  Settings.TrackRetainingPath,
	}
	u.state = MarkingState{u}
	u.compactor = collector.NewCompactor(u, u.remset, u.guard)
	return u
}

func (u *Universe) RememberedSet() *collector.RememberedSet {
	return u.remset
}

func (u *Universe) Compactor() *collector.Compactor {
	return u.compactor
}

func (u *Universe) MarkingState() MarkingState {
	return u.state
}

func (u *Universe) Isolate(name string) *Isolate {
	if e := u.isolates.Get(name); e != nil {
		return e.iso
	}
	return nil
}

// Isolates lists every isolate ordered by name.
func (u *Universe) Isolates() []*Isolate {
	entries := u.isolates.GetAll()
	result := make([]*Isolate, len(entries))
	for i, e := range entries {
		result[i] = e.iso
	}
	return result
}

func (u *Universe) newPage(space *Space, capacity int, large bool) *Page {
	p := newPage(u.nextPage.Add(1), space.owner, space, capacity, large)
	u.pages.Set(&pageEntry{p})
	return p
}

// Page returns the page containing ref or nil.
func (u *Universe) Page(ref marking.Ref) *Page {
	if ref == 0 {
		return nil
	}
	id, _ := splitRef(ref)
	if e := u.pages.Get(id); e != nil {
		return e.page
	}
	return nil
}

// Object resolves ref; nil for null and unknown references.
func (u *Universe) Object(ref marking.Ref) *Object {
	p := u.Page(ref)
	if p == nil {
		return nil
	}
	_, index := splitRef(ref)
	return p.object(index)
}

func (u *Universe) mustObject(ref marking.Ref) *Object {
	obj := u.Object(ref)
	if obj == nil {
		marking.Fatalf("reference %#x is not a heap object", uint64(ref))
	}
	return obj
}

func (u *Universe) RegionOf(ref marking.Ref) marking.Region {
	if p := u.Page(ref); p != nil {
		return p
	}
	return nil
}

func (u *Universe) SlotOffset(host marking.Ref, slot int) uint32 {
	obj := u.mustObject(host)
	return uint32((obj.base + slot) * slotSize)
}

// SkipsSlotRecording is true for young pages; they are evacuated as a whole.
func (u *Universe) SkipsSlotRecording(region marking.Region) bool {
	p, ok := region.(*Page)
	return ok && p.space.IsYoung()
}

// SetEvacuationCandidate marks the page of ref for evacuation in the next
// compacting cycle.
func (u *Universe) SetEvacuationCandidate(ref marking.Ref, candidate bool) {
	p := u.Page(ref)
	if p == nil {
		panic("evacuation candidate outside the heap")
	}
	u.compactor.SetEvacuationCandidate(p, candidate)
}

// MarkingState is the tri-color oracle over the color bits of all pages.
type MarkingState struct {
	u *Universe
}

func (m MarkingState) Color(ref marking.Ref) marking.Color {
	return m.u.mustObject(ref).Color()
}

func (m MarkingState) IsBlack(ref marking.Ref) bool {
	return m.Color(ref) == marking.Black
}

func (m MarkingState) WhiteToGrey(ref marking.Ref) bool {
	obj := m.u.mustObject(ref)
	return obj.page.transition(obj.index, marking.White, marking.Grey)
}

func (m MarkingState) GreyToBlack(ref marking.Ref) bool {
	obj := m.u.mustObject(ref)
	return obj.page.transition(obj.index, marking.Grey, marking.Black)
}

var contextManager = gls.NewContextManager()

type localHeapKey struct{}

// boundLocalHeap returns the local heap bound to the calling goroutine.
func boundLocalHeap() *LocalHeap {
	if v, ok := contextManager.GetValue(localHeapKey{}); ok {
		return v.(*LocalHeap)
	}
	return nil
}
