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

import "github.com/launix-de/markbarrier/gctrace"

// SpaceKind enumerates the spaces whose pages carry the generation-tracked flag.
type SpaceKind uint8

const (
	OldSpace SpaceKind = iota
	CodeSpace
	NewSpace
	SharedSpace
	NewLargeObjectSpace
	LargeObjectSpace
	CodeLargeObjectSpace
	SharedLargeObjectSpace
	NumSpaceKinds
)

// Page is page metadata owned by the memory manager. The generation-tracked
// flag lives here, not in the barrier.
type Page interface {
	SetOldGenerationPageFlags(marking bool)
	SetYoungGenerationPageFlags(marking bool)
	IsMarking() bool
}

type Space interface {
	Pages() []Page
}

// HeaderWriteScope is implemented by spaces whose page headers are write
// protected (code). The returned function closes the scope.
type HeaderWriteScope interface {
	OpenHeaderWriteScope(reason string) (close func())
}

type PageLookup interface {
	// PageOf returns nil for references outside the heap.
	PageOf(ref Ref) Page
}

// Isolate is the collaborator-owned registry the coordinator fans out over.
// IterateLocalHeaps and IterateClientIsolates must only be called while
// the pause mechanism holds every affected thread.
type Isolate interface {
	PageLookup
	Name() string
	TraceID() int

	// Space returns nil for spaces this isolate does not have.
	Space(kind SpaceKind) Space
	IterateLocalHeaps(fn func(b *Barrier))

	// OwnsSharedHeap is true for the shared space isolate.
	OwnsSharedHeap() bool
	IterateClientIsolates(fn func(client Isolate))
	// SharedWorklist is the global major worklist of the shared space isolate.
	SharedWorklist() *Worklist

	SetIsMarkingFlag(marking bool)
	// IsMarking reports whether the isolate's own incremental marking runs.
	IsMarking() bool
}

// Tracking is the capability fast-path write stubs query to learn whether
// a host's page is under active marking. The flag itself stays on the page.
type Tracking struct {
	pages  PageLookup
	active bool
}

func (t Tracking) Active() bool {
	return t.active
}

func (t Tracking) IsTracked(host Ref) bool {
	if t.pages == nil {
		return false
	}
	p := t.pages.PageOf(host)
	return p != nil && p.IsMarking()
}

func setPageFlags(iso Isolate, on bool) {
	old := func(kind SpaceKind) {
		space := iso.Space(kind)
		if space == nil {
			return
		}
		if scope, ok := space.(HeaderWriteScope); ok {
			closeScope := scope.OpenHeaderWriteScope("modification of code page header flags requires write access")
			defer closeScope()
		}
		for _, p := range space.Pages() {
			p.SetOldGenerationPageFlags(on)
		}
	}
	young := func(kind SpaceKind) {
		space := iso.Space(kind)
		if space == nil {
			return
		}
		for _, p := range space.Pages() {
			p.SetYoungGenerationPageFlags(on)
		}
	}
	old(OldSpace)
	old(CodeSpace)
	young(NewSpace)
	old(SharedSpace)
	young(NewLargeObjectSpace)
	old(LargeObjectSpace)
	old(CodeLargeObjectSpace)
	old(SharedLargeObjectSpace)
}

// ActivateAll starts marking on every context of iso and, for the shared
// space isolate, shared marking on every client context.
func ActivateAll(iso Isolate, compacting bool, mode Mode) Tracking {
	gctrace.Duration("MarkingBarrier::ActivateAll", "gc", iso.TraceID(), func() {
		Log.Debug("activate all barriers of %s (mode=%s compacting=%v)", iso.Name(), mode, compacting)
		setPageFlags(iso, true)

		iso.IterateLocalHeaps(func(b *Barrier) {
			b.Activate(compacting, mode)
		})

		if iso.OwnsSharedHeap() {
			shared := iso.SharedWorklist()
			iso.IterateClientIsolates(func(client Isolate) {
				if client.OwnsSharedHeap() {
					return
				}
				// writes of clients must take the marking path
				client.SetIsMarkingFlag(true)
				client.IterateLocalHeaps(func(b *Barrier) {
					b.ActivateShared(shared)
				})
				gctrace.Instant("MarkingBarrier::ActivateShared", "gc", client.TraceID())
			})
		}
	})
	return Tracking{pages: iso, active: true}
}

// DeactivateAll ends marking on every context of iso.
func DeactivateAll(iso Isolate) Tracking {
	gctrace.Duration("MarkingBarrier::DeactivateAll", "gc", iso.TraceID(), func() {
		Log.Debug("deactivate all barriers of %s", iso.Name())
		setPageFlags(iso, false)

		iso.IterateLocalHeaps(func(b *Barrier) {
			b.Deactivate()
		})

		if iso.OwnsSharedHeap() {
			iso.IterateClientIsolates(func(client Isolate) {
				if client.OwnsSharedHeap() {
					return
				}
				// a client may still mark its own heap
				client.SetIsMarkingFlag(client.IsMarking())
				client.IterateLocalHeaps(func(b *Barrier) {
					b.DeactivateShared()
				})
				gctrace.Instant("MarkingBarrier::DeactivateShared", "gc", client.TraceID())
			})
		}
	})
	return Tracking{pages: iso, active: false}
}

// PublishAll flushes every local queue segment and typed slot recorder of
// iso, and the shared queues of its clients.
func PublishAll(iso Isolate) {
	gctrace.Duration("MarkingBarrier::PublishAll", "gc", iso.TraceID(), func() {
		Log.Debug("publish all barriers of %s", iso.Name())
		iso.IterateLocalHeaps(func(b *Barrier) {
			b.PublishIfNeeded()
		})

		if iso.OwnsSharedHeap() {
			iso.IterateClientIsolates(func(client Isolate) {
				if client.OwnsSharedHeap() {
					return
				}
				client.IterateLocalHeaps(func(b *Barrier) {
					b.PublishSharedIfNeeded()
				})
			})
		}
	})
}
