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

import "sync"

// Ref is an opaque handle to one managed heap object. The zero Ref is null.
type Ref uint64

// NoSlot is passed as slot index when a write has no addressable slot.
const NoSlot = -1

// Color is the tri-color state of an object in the current cycle.
type Color uint8

const (
	White Color = iota // unvisited
	Grey               // enqueued, not yet scanned
	Black              // scanned
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Black:
		return "black"
	}
	return "impossible"
}

// Mode selects which generation a marking cycle covers.
type Mode uint8

const (
	Major Mode = iota // whole heap
	Minor             // young generation only
)

func (m Mode) String() string {
	if m == Minor {
		return "minor"
	}
	return "major"
}

// SlotKind identifies how a typed slot inside a code object is encoded.
type SlotKind uint8

const (
	EmbeddedObjectFull SlotKind = iota
	EmbeddedObjectCompressed
	EmbeddedObjectData
	CodeEntry
	ConstPoolEmbeddedObjectFull
	ConstPoolEmbeddedObjectCompressed
	ConstPoolCodeEntry
)

var slotKindNames = [...]string{
	"embedded-full", "embedded-compressed", "embedded-data", "code-entry",
	"const-pool-embedded-full", "const-pool-embedded-compressed", "const-pool-code-entry",
}

func (k SlotKind) String() string {
	if int(k) < len(slotKindNames) {
		return slotKindNames[k]
	}
	return "unknown"
}

// RelocMode is the kind of a relocation entry inside a code object.
type RelocMode uint8

const (
	FullEmbeddedObject RelocMode = iota
	CompressedEmbeddedObject
	DataEmbeddedObject
	CodeTarget
)

// RelocInfo describes one relocatable reference inside a code object.
// Offset is the byte offset of the entry relative to the start of the code
// object's region.
type RelocInfo struct {
	Offset         uint32
	Mode           RelocMode
	InConstantPool bool
}

// Region is a memory chunk. Typed slots are grouped by region and the
// region mutex serializes merges into its remembered set.
type Region interface {
	RegionID() uint32
	Mutex() *sync.Mutex
}

// ColorOracle owns the tri-color encoding. WhiteToGrey and GreyToBlack
// return true only for the caller that performed the transition.
type ColorOracle interface {
	IsBlack(ref Ref) bool
	WhiteToGrey(ref Ref) bool
	GreyToBlack(ref Ref) bool
}

// Heap is what a barrier needs to know about the heap of its isolate.
type Heap interface {
	ColorOracle

	// CurrentBarrier returns the barrier that writes into host must use
	// on the calling thread.
	CurrentBarrier(host Ref) *Barrier

	InYoungGeneration(ref Ref) bool
	InSharedWritableHeap(ref Ref) bool
	// IsMarkingPage reports the generation-tracked flag of host's page.
	IsMarkingPage(host Ref) bool
	RegionOf(ref Ref) Region

	// Load reads pointer slot i of host; null and smi slots read as 0.
	Load(host Ref, slot int) Ref
	FirstPointerSlot(descriptors Ref) int
	DescriptorSlot(descriptors Ref, index int) int
	MarkedDescriptors(descriptors Ref) *MarkedDescriptors

	AddRetainingRoot(value Ref)
}

// Compactor is the part of the mark-compact collector the barrier feeds.
type Compactor interface {
	Epoch() uint32
	RecordSlot(host Ref, slot int, value Ref)
	ShouldRecordRelocSlot(host Ref, rinfo RelocInfo, target Ref) bool
	ProcessRelocInfo(host Ref, rinfo RelocInfo, target Ref) RelocSlotInfo
	// RecordRelocSlot applies ShouldRecordRelocSlot itself and inserts
	// straight into the remembered set.
	RecordRelocSlot(host Ref, rinfo RelocInfo, target Ref)
}

// RelocSlotInfo is a relocation entry resolved to its typed slot.
type RelocSlotInfo struct {
	Region Region
	Kind   SlotKind
	Offset uint32
}

// RememberedSet is the collector-wide durable store of typed slots.
type RememberedSet interface {
	MergeTyped(region Region, slots *TypedSlots)
}

// ArrayBufferExtension is an out-of-heap backing store record.
type ArrayBufferExtension interface {
	Mark()
	YoungMark()
}
