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

var spaceNames = [marking.NumSpaceKinds]string{"old", "code", "new", "shared", "new_lo", "lo", "code_lo", "shared_lo"}

func SpaceName(kind marking.SpaceKind) string {
	if kind < marking.NumSpaceKinds {
		return spaceNames[kind]
	}
	return "unknown"
}

func ParseSpace(name string) (marking.SpaceKind, bool) {
	for i, n := range spaceNames {
		if n == name {
			return marking.SpaceKind(i), true
		}
	}
	return 0, false
}

// Space is a list of pages of one kind owned by one isolate.
type Space struct {
	kind  marking.SpaceKind
	owner *Isolate

	mu      sync.Mutex
	pages   []*Page
	current *Page

	headerWritable atomic.Int32 // open header write scopes (code spaces)
}

func (s *Space) Kind() marking.SpaceKind {
	return s.kind
}

func (s *Space) IsYoung() bool {
	return s.kind == marking.NewSpace || s.kind == marking.NewLargeObjectSpace
}

func (s *Space) IsShared() bool {
	return s.kind == marking.SharedSpace || s.kind == marking.SharedLargeObjectSpace
}

func (s *Space) IsCode() bool {
	return s.kind == marking.CodeSpace || s.kind == marking.CodeLargeObjectSpace
}

func (s *Space) IsLarge() bool {
	switch s.kind {
	case marking.NewLargeObjectSpace, marking.LargeObjectSpace, marking.CodeLargeObjectSpace, marking.SharedLargeObjectSpace:
		return true
	}
	return false
}

func (s *Space) PageList() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*Page, len(s.pages))
	copy(result, s.pages)
	return result
}

func (s *Space) Pages() []marking.Page {
	pages := s.PageList()
	result := make([]marking.Page, len(pages))
	for i, p := range pages {
		result[i] = p
	}
	return result
}

func (s *Space) alloc(nslots int) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.IsLarge() && s.current != nil {
		if obj := s.current.alloc(nslots); obj != nil {
			return obj
		}
	}
	capacity := PageSlots()
	if s.IsLarge() {
		capacity = nslots
	} else if nslots > capacity {
		panic("object too large for a regular page, use a large object space")
	}
	p := s.owner.universe.newPage(s, capacity, s.IsLarge())
	if s.owner.marking.Load() {
		// pages added during a cycle start out tracked
		p.flags.Or(flagIncrementalMarking | flagPointersToHereAreInteresting)
	}
	s.pages = append(s.pages, p)
	s.current = p
	return p.alloc(nslots)
}

func (s *Space) checkHeaderWritable() {
	if s.IsCode() && s.headerWritable.Load() == 0 {
		marking.Fatalf("code page header in %s space of %s written outside a write scope", SpaceName(s.kind), s.owner.name)
	}
}

// codeSpace exposes the header write scope of code spaces.
type codeSpace struct {
	*Space
}

func (c codeSpace) OpenHeaderWriteScope(reason string) func() {
	marking.Log.Debug("open header write scope on %s: %s", SpaceName(c.kind), reason)
	c.headerWritable.Add(1)
	return func() {
		c.headerWritable.Add(-1)
	}
}
