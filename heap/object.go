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

import "fmt"
import "sort"
import "sync"
import "sync/atomic"
import "github.com/launix-de/markbarrier/marking"

type ObjectKind uint8

const (
	PlainObject ObjectKind = iota
	DescriptorArrayObject
	CodeObject
)

// Object is a heap object with a fixed number of pointer slots. Slot
// values are references; 0 stands for null and small integers.
type Object struct {
	Name  string
	kind  ObjectKind
	page  *Page
	index int
	base  int // first slot inside the page
	slots []atomic.Uint64

	descriptors *descriptorArray
	code        *codeBody
	extension   atomic.Pointer[ArrayBufferExtension]
}

func makeRef(pageID uint32, index int) marking.Ref {
	return marking.Ref(uint64(pageID)<<32 | uint64(index+1))
}

func splitRef(ref marking.Ref) (pageID uint32, index int) {
	return uint32(uint64(ref) >> 32), int(uint32(ref)) - 1
}

func (o *Object) Ref() marking.Ref {
	return makeRef(o.page.id, o.index)
}

func (o *Object) Kind() ObjectKind {
	return o.kind
}

func (o *Object) Page() *Page {
	return o.page
}

func (o *Object) NumSlots() int {
	return len(o.slots)
}

func (o *Object) Slot(i int) marking.Ref {
	if i < 0 || i >= len(o.slots) {
		panic(fmt.Sprintf("slot %d out of range for %s (%d slots)", i, o.Name, len(o.slots)))
	}
	return marking.Ref(o.slots[i].Load())
}

func (o *Object) store(i int, value marking.Ref) {
	if i < 0 || i >= len(o.slots) {
		panic(fmt.Sprintf("slot %d out of range for %s (%d slots)", i, o.Name, len(o.slots)))
	}
	o.slots[i].Store(uint64(value))
}

func (o *Object) Color() marking.Color {
	return o.page.color(o.index)
}

func (o *Object) Extension() *ArrayBufferExtension {
	return o.extension.Load()
}

func (o *Object) String() string {
	if o.Name != "" {
		return o.Name
	}
	return fmt.Sprintf("%#x", uint64(o.Ref()))
}

/*
descriptorArray layout in slots:

	[0, header)                  header (enum cache, ...)
	[header + 3*i, header+3*i+3) key, details, value of descriptor i
*/
type descriptorArray struct {
	header   int
	capacity int
	own      atomic.Int32
	marked   marking.MarkedDescriptors
}

const slotsPerDescriptor = 3

func (d *descriptorArray) slot(index int) int {
	return d.header + slotsPerDescriptor*index
}

// NumberOfOwnDescriptors is the count last published by GrowDescriptors.
func (o *Object) NumberOfOwnDescriptors() int {
	if o.descriptors == nil {
		return 0
	}
	return int(o.descriptors.own.Load())
}

// DescriptorSlot returns the first slot of descriptor index.
func (o *Object) DescriptorSlot(index int) int {
	if o.descriptors == nil {
		panic(o.String() + " is not a descriptor array")
	}
	return o.descriptors.slot(index)
}

// RelocEntry is one embedded pointer of a code object.
type RelocEntry struct {
	Info   marking.RelocInfo
	Target marking.Ref
}

type codeBody struct {
	mu    sync.Mutex
	reloc map[uint32]RelocEntry // by offset
}

func (c *codeBody) set(info marking.RelocInfo, target marking.Ref) {
	c.mu.Lock()
	c.reloc[info.Offset] = RelocEntry{info, target}
	c.mu.Unlock()
}

// Relocations lists the embedded pointers of a code object by offset.
func (o *Object) Relocations() []RelocEntry {
	if o.code == nil {
		return nil
	}
	o.code.mu.Lock()
	defer o.code.mu.Unlock()
	result := make([]RelocEntry, 0, len(o.code.reloc))
	for _, e := range o.code.reloc {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Info.Offset < result[j].Info.Offset })
	return result
}

// ArrayBufferExtension is the off-heap backing store record of an array
// buffer. Its mark bits live in bitmaps of the universe.
type ArrayBufferExtension struct {
	id uint32
	u  *Universe
}

func (e *ArrayBufferExtension) ID() uint32 {
	return e.id
}

func (e *ArrayBufferExtension) Mark() {
	e.u.extensionMarks.Set(uint(e.id), true)
}

func (e *ArrayBufferExtension) YoungMark() {
	e.u.extensionYoungMarks.Set(uint(e.id), true)
}

func (e *ArrayBufferExtension) IsMarked() bool {
	return e.u.extensionMarks.Get(uint(e.id))
}

func (e *ArrayBufferExtension) IsYoungMarked() bool {
	return e.u.extensionYoungMarks.Get(uint(e.id))
}
