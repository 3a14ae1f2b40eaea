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

import "sync"
import "sync/atomic"
import "github.com/launix-de/markbarrier/marking"

const (
	flagPointersFromHereAreInteresting uint32 = 1 << iota
	flagPointersToHereAreInteresting
	flagIncrementalMarking
)

const colorsPerWord = 16 // two bits per object

/*
Page is a fixed-size chunk of one space. It is the region of the remembered
set and carries the generation-tracked flags the fast path reads.

layout:
 - objects are numbered in allocation order, a Ref is pageID<<32 | index+1
 - the color of object i lives in bits 2*(i%16) of colors[i/16]
*/
type Page struct {
	id       uint32
	owner    *Isolate
	space    *Space
	capacity int // pointer slots
	large    bool

	flags   atomic.Uint32
	mu      sync.Mutex // region mutex for typed slot merges
	allocMu sync.Mutex
	used    int

	objects atomic.Pointer[[]*Object]
	colors  []atomic.Uint32
}

func newPage(id uint32, owner *Isolate, space *Space, capacity int, large bool) *Page {
	p := &Page{id: id, owner: owner, space: space, capacity: capacity, large: large}
	maxObjects := capacity
	if maxObjects < 1 {
		maxObjects = 1
	}
	p.colors = make([]atomic.Uint32, (maxObjects+colorsPerWord-1)/colorsPerWord)
	p.objects.Store(new([]*Object))
	if space.IsYoung() {
		p.flags.Store(flagPointersFromHereAreInteresting | flagPointersToHereAreInteresting)
	} else {
		p.flags.Store(flagPointersFromHereAreInteresting)
	}
	return p
}

func (p *Page) RegionID() uint32 {
	return p.id
}

func (p *Page) Mutex() *sync.Mutex {
	return &p.mu
}

// pageEntry is a page table entry.
type pageEntry struct {
	page *Page
}

func (e pageEntry) GetKey() uint32 {
	return e.page.id
}

func (e pageEntry) ComputeSize() uint {
	return uint(e.page.capacity * slotSize)
}

func (p *Page) Owner() *Isolate {
	return p.owner
}

// Capacity is the number of pointer slots of the page.
func (p *Page) Capacity() int {
	return p.capacity
}

func (p *Page) Space() *Space {
	return p.space
}

func (p *Page) SetOldGenerationPageFlags(marking bool) {
	p.space.checkHeaderWritable()
	if marking {
		p.flags.Or(flagIncrementalMarking | flagPointersToHereAreInteresting)
	} else {
		p.flags.And(^(flagIncrementalMarking | flagPointersToHereAreInteresting))
	}
	p.flags.Or(flagPointersFromHereAreInteresting)
}

func (p *Page) SetYoungGenerationPageFlags(marking bool) {
	if marking {
		p.flags.Or(flagIncrementalMarking)
	} else {
		p.flags.And(^flagIncrementalMarking)
	}
	p.flags.Or(flagPointersFromHereAreInteresting | flagPointersToHereAreInteresting)
}

// IsMarking is the generation-tracked flag.
func (p *Page) IsMarking() bool {
	return p.flags.Load()&flagIncrementalMarking != 0
}

func (p *Page) Objects() []*Object {
	return *p.objects.Load()
}

func (p *Page) object(index int) *Object {
	objects := *p.objects.Load()
	if index < 0 || index >= len(objects) {
		return nil
	}
	return objects[index]
}

// alloc reserves nslots; it returns nil when the page is full.
func (p *Page) alloc(nslots int) *Object {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	objects := *p.objects.Load()
	if len(objects) >= len(p.colors)*colorsPerWord {
		return nil
	}
	cost := nslots
	if cost < 1 {
		cost = 1
	}
	if p.used+cost > p.capacity && !(p.large && len(objects) == 0) {
		return nil
	}
	obj := &Object{page: p, index: len(objects), base: p.used, slots: make([]atomic.Uint64, nslots)}
	p.used += cost
	next := make([]*Object, len(objects), len(objects)+1)
	copy(next, objects)
	next = append(next, obj)
	p.objects.Store(&next)
	return obj
}

func (p *Page) color(index int) marking.Color {
	word := p.colors[index/colorsPerWord].Load()
	return marking.Color(word >> (2 * uint(index%colorsPerWord)) & 3)
}

// transition moves object index from one color to the next; only one
// concurrent caller succeeds.
func (p *Page) transition(index int, from, to marking.Color) bool {
	cell := &p.colors[index/colorsPerWord]
	shift := 2 * uint(index%colorsPerWord)
	for {
		word := cell.Load()
		if marking.Color(word>>shift&3) != from {
			return false
		}
		next := word&^(3<<shift) | uint32(to)<<shift
		if cell.CompareAndSwap(word, next) {
			return true
		}
	}
}

func (p *Page) resetColors() {
	for i := range p.colors {
		p.colors[i].Store(0)
	}
}
