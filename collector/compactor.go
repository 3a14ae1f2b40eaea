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
package collector

import "sync/atomic"
import "github.com/launix-de/NonLockingReadMap"
import "github.com/launix-de/markbarrier/marking"

// Layout resolves references to the memory regions that hold them.
type Layout interface {
	RegionOf(ref marking.Ref) marking.Region
	// SlotOffset is the byte offset of pointer slot i of host inside its region.
	SlotOffset(host marking.Ref, slot int) uint32
	// SkipsSlotRecording is true for regions that are evacuated as a whole
	// (young generation) and never need old-to-old slots.
	SkipsSlotRecording(region marking.Region) bool
}

/*
Compactor holds the mark-compact side of slot recording.

 - the epoch counts finished mark-compact cycles
 - the evacuation candidates are read lock-free from every write barrier
 - slots pointing into a candidate are inserted into the remembered set
*/
type Compactor struct {
	layout     Layout
	remset     *RememberedSet
	guard      marking.RegionGuard
	epoch      atomic.Uint32
	candidates NonLockingReadMap.NonBlockingBitMap
	maxRegion  atomic.Uint32 // highest region id ever marked as candidate
}

func NewCompactor(layout Layout, remset *RememberedSet, guard marking.RegionGuard) *Compactor {
	if guard == nil {
		guard = marking.NewRegionGuard(false)
	}
	return &Compactor{
		layout:     layout,
		remset:     remset,
		guard:      guard,
		candidates: NonLockingReadMap.NewBitMap(),
	}
}

func (c *Compactor) Epoch() uint32 {
	return c.epoch.Load()
}

// AdvanceEpoch is called when a mark-compact cycle finishes. Descriptor
// high-water marks of the previous epoch decode as zero afterwards.
func (c *Compactor) AdvanceEpoch() uint32 {
	return c.epoch.Add(1)
}

func (c *Compactor) RememberedSet() *RememberedSet {
	return c.remset
}

func (c *Compactor) SetEvacuationCandidate(region marking.Region, candidate bool) {
	id := region.RegionID()
	if candidate {
		for {
			old := c.maxRegion.Load()
			if id <= old || c.maxRegion.CompareAndSwap(old, id) {
				break
			}
		}
	}
	c.candidates.Set(uint(id), candidate)
}

func (c *Compactor) IsEvacuationCandidate(region marking.Region) bool {
	return region != nil && c.candidates.Get(uint(region.RegionID()))
}

// EvacuationCandidates lists the ids of all candidate regions.
func (c *Compactor) EvacuationCandidates() []uint32 {
	var result []uint32
	max := c.maxRegion.Load()
	for id := uint32(0); id <= max; id++ {
		if c.candidates.Get(uint(id)) {
			result = append(result, id)
		}
	}
	return result
}

// ResetEvacuationCandidates drops all candidates after evacuation.
func (c *Compactor) ResetEvacuationCandidates() {
	c.candidates.Reset()
	c.maxRegion.Store(0)
}

func (c *Compactor) shouldRecord(host marking.Ref, target marking.Ref) bool {
	if !c.IsEvacuationCandidate(c.layout.RegionOf(target)) {
		return false
	}
	hostRegion := c.layout.RegionOf(host)
	return hostRegion != nil && !c.layout.SkipsSlotRecording(hostRegion)
}

// RecordSlot remembers slot of host when value is about to move.
func (c *Compactor) RecordSlot(host marking.Ref, slot int, value marking.Ref) {
	if !c.shouldRecord(host, value) {
		return
	}
	c.remset.Insert(c.layout.RegionOf(host), c.layout.SlotOffset(host, slot))
}

func (c *Compactor) ShouldRecordRelocSlot(host marking.Ref, rinfo marking.RelocInfo, target marking.Ref) bool {
	return c.shouldRecord(host, target)
}

// ProcessRelocInfo maps a relocation entry of host to the typed slot that
// the pointer updater understands.
func (c *Compactor) ProcessRelocInfo(host marking.Ref, rinfo marking.RelocInfo, target marking.Ref) marking.RelocSlotInfo {
	return marking.RelocSlotInfo{
		Region: c.layout.RegionOf(host),
		Kind:   slotKindOf(rinfo),
		Offset: rinfo.Offset,
	}
}

func slotKindOf(rinfo marking.RelocInfo) marking.SlotKind {
	switch rinfo.Mode {
	case marking.CodeTarget:
		if rinfo.InConstantPool {
			return marking.ConstPoolCodeEntry
		}
		return marking.CodeEntry
	case marking.CompressedEmbeddedObject:
		if rinfo.InConstantPool {
			return marking.ConstPoolEmbeddedObjectCompressed
		}
		return marking.EmbeddedObjectCompressed
	case marking.DataEmbeddedObject:
		return marking.EmbeddedObjectData
	}
	if rinfo.InConstantPool {
		return marking.ConstPoolEmbeddedObjectFull
	}
	return marking.EmbeddedObjectFull
}

// RecordRelocSlot inserts the typed slot straight into the remembered set.
// Used by the main thread, which owns the code space.
func (c *Compactor) RecordRelocSlot(host marking.Ref, rinfo marking.RelocInfo, target marking.Ref) {
	if !c.ShouldRecordRelocSlot(host, rinfo, target) {
		return
	}
	info := c.ProcessRelocInfo(host, rinfo, target)
	unlock := c.guard.Lock(info.Region)
	defer unlock()
	c.remset.InsertTyped(info.Region, info.Kind, info.Offset)
}
