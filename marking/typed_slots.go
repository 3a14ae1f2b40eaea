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

// TypedSlot is a (kind, byte offset) location inside a relocatable code
// object, relative to its region.
type TypedSlot struct {
	Kind   SlotKind
	Offset uint32
}

// TypedSlots is the append-only recorder for one region. Duplicates are
// allowed here; the remembered set collapses them on merge.
type TypedSlots struct {
	slots []TypedSlot
}

func (t *TypedSlots) Insert(kind SlotKind, offset uint32) {
	t.slots = append(t.slots, TypedSlot{kind, offset})
}

func (t *TypedSlots) Len() int {
	return len(t.slots)
}

func (t *TypedSlots) Each(fn func(TypedSlot)) {
	for _, s := range t.slots {
		fn(s)
	}
}
