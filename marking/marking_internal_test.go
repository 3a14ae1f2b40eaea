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

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// catchViolation runs fn with a non-exiting Abort and returns the violation
// it raised, or "" if none.
func catchViolation(t *testing.T, fn func()) (v Violation) {
	t.Helper()
	old := Abort
	Abort = func(Violation) {}
	defer func() {
		Abort = old
		if r := recover(); r != nil {
			var ok bool
			if v, ok = r.(Violation); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return ""
}

func TestLocalPublishMovesEverything(t *testing.T) {
	global := NewWorklist(4)
	local := NewLocal(global)
	for i := 1; i <= 10; i++ {
		local.Push(Ref(i))
	}
	require.Equal(t, 10, local.LocalLen())
	require.True(t, global.IsEmpty())

	local.Publish()
	require.True(t, local.IsLocalEmpty())
	require.Equal(t, 10, global.Len())
	require.Equal(t, []Ref{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, global.Snapshot())
	require.False(t, local.IsLocalAndGlobalEmpty())
}

func TestLocalPopPrefersLocalSegment(t *testing.T) {
	global := NewWorklist(0)
	publisher := NewLocal(global)
	publisher.Push(1)
	publisher.Publish()

	local := NewLocal(global)
	local.Push(2)
	ref, ok := local.Pop()
	require.True(t, ok)
	require.Equal(t, Ref(2), ref)
	ref, ok = local.Pop()
	require.True(t, ok)
	require.Equal(t, Ref(1), ref)
	_, ok = local.Pop()
	require.False(t, ok)
	require.True(t, local.IsLocalAndGlobalEmpty())
}

func TestConcurrentPublishers(t *testing.T) {
	const publishers = 8
	const perPublisher = 1000
	global := NewWorklist(16)
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			local := NewLocal(global)
			for i := 0; i < perPublisher; i++ {
				local.Push(Ref(p*perPublisher + i + 1))
				if i%100 == 99 {
					local.Publish()
				}
			}
			local.Publish()
		}(p)
	}
	wg.Wait()
	if global.Len() != publishers*perPublisher {
		t.Fatalf("expected %d entries, got %d", publishers*perPublisher, global.Len())
	}
	seen := make(map[Ref]bool)
	for {
		ref, ok := global.Pop()
		if !ok {
			break
		}
		if seen[ref] {
			t.Fatalf("entry %d popped twice", ref)
		}
		seen[ref] = true
	}
	require.Len(t, seen, publishers*perPublisher)
	require.True(t, global.IsEmpty())
}

func TestWorklistSizeNeverTrailsSegments(t *testing.T) {
	global := NewWorklist(1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		local := NewLocal(global)
		for i := 0; i < 5000; i++ {
			local.Push(Ref(i + 1))
			local.Publish()
		}
	}()
	popped := 0
	for popped < 5000 {
		if _, ok := global.Pop(); ok {
			popped++
		}
		if n := global.Len(); n < 0 {
			t.Fatalf("worklist size went negative: %d", n)
		}
	}
	wg.Wait()
	require.True(t, global.IsEmpty())
}

func TestTypedSlotsKeepInsertionOrder(t *testing.T) {
	var slots TypedSlots
	slots.Insert(CodeEntry, 32)
	slots.Insert(EmbeddedObjectFull, 16)
	slots.Insert(EmbeddedObjectFull, 16)
	var got []TypedSlot
	slots.Each(func(s TypedSlot) { got = append(got, s) })
	require.Equal(t, []TypedSlot{{CodeEntry, 32}, {EmbeddedObjectFull, 16}, {EmbeddedObjectFull, 16}}, got)
	require.Equal(t, 3, slots.Len())
}

func TestMarkedDescriptorsMonotonic(t *testing.T) {
	var m MarkedDescriptors
	require.Equal(t, 0, m.Update(0, 3))
	require.Equal(t, 3, m.Update(0, 2))
	require.Equal(t, 3, m.Get(0))
	require.Equal(t, 3, m.Update(0, 5))
	require.Equal(t, 5, m.Get(0))
}

func TestMarkedDescriptorsEpochReset(t *testing.T) {
	var m MarkedDescriptors
	m.Update(0, 5)
	if got := m.Get(1); got != 0 {
		t.Fatalf("stale epoch must decode as 0, got %d", got)
	}
	require.Equal(t, 0, m.Update(1, 2))
	require.Equal(t, 2, m.Get(1))
	require.Equal(t, 0, m.Get(0))
	require.Equal(t, 0, m.Get(5))
	// the low 16 epoch bits are stored
	require.Equal(t, 2, m.Get(1+1<<16))
}

func TestMarkedDescriptorsConcurrentRaise(t *testing.T) {
	var m MarkedDescriptors
	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Update(7, n)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 64, m.Get(7))
}

func TestMarkedDescriptorsCapacity(t *testing.T) {
	var m MarkedDescriptors
	v := catchViolation(t, func() { m.Update(0, MaxMarkedDescriptors+1) })
	require.NotEmpty(t, v)
	require.Equal(t, 0, m.Update(0, MaxMarkedDescriptors))
	require.Equal(t, MaxMarkedDescriptors, m.Get(0))
}

type testRegion struct {
	id uint32
	mu sync.Mutex
}

func (r *testRegion) RegionID() uint32   { return r.id }
func (r *testRegion) Mutex() *sync.Mutex { return &r.mu }

func TestRegionGuard(t *testing.T) {
	r := &testRegion{id: 1}

	unlock := NewRegionGuard(false).Lock(r)
	if !r.mu.TryLock() {
		t.Fatalf("no-op guard must not take the region mutex")
	}
	r.mu.Unlock()
	unlock()

	unlock = NewRegionGuard(true).Lock(r)
	if r.mu.TryLock() {
		t.Fatalf("mutex guard must hold the region mutex")
	}
	unlock()
	require.True(t, r.mu.TryLock())
	r.mu.Unlock()
}

func newBareBarrier(main bool) *Barrier {
	return NewBarrier(BarrierConfig{
		MajorWorklist: NewWorklist(0),
		MinorWorklist: NewWorklist(0),
		IsMainThread:  main,
	})
}

func TestActivateTwiceIsFatal(t *testing.T) {
	b := newBareBarrier(true)
	b.Activate(false, Major)
	require.NotEmpty(t, catchViolation(t, func() { b.Activate(false, Major) }))
}

func TestCompactingMinorIsFatal(t *testing.T) {
	b := newBareBarrier(true)
	require.NotEmpty(t, catchViolation(t, func() { b.Activate(true, Minor) }))
}

func TestActivateWithUnpublishedEntriesIsFatal(t *testing.T) {
	b := newBareBarrier(true)
	b.minorWorklist.Push(1)
	require.NotEmpty(t, catchViolation(t, func() { b.Activate(false, Major) }))
}

func TestDeactivateWithPendingEntriesIsFatal(t *testing.T) {
	b := newBareBarrier(true)
	b.Activate(false, Minor)
	b.current.Push(42)
	require.NotEmpty(t, catchViolation(t, b.Deactivate))

	b = newBareBarrier(true)
	b.Activate(false, Minor)
	b.current.Push(42)
	b.PublishIfNeeded()
	require.Empty(t, catchViolation(t, b.Deactivate))
	require.False(t, b.IsActivated())
}

func TestSharedSubStateTransitions(t *testing.T) {
	shared := NewWorklist(0)
	b := newBareBarrier(false)
	require.NotEmpty(t, catchViolation(t, b.DeactivateShared))

	b.ActivateShared(shared)
	require.True(t, b.IsSharedActivated())
	require.NotEmpty(t, catchViolation(t, func() { b.ActivateShared(shared) }))

	b.shared.(sharedEnabled).worklist.Push(9)
	require.NotEmpty(t, catchViolation(t, b.DeactivateShared))

	// published but not yet traced is still a violation
	b.PublishSharedIfNeeded()
	require.Equal(t, 0, b.SharedLocalLen())
	require.NotEmpty(t, catchViolation(t, b.DeactivateShared))

	shared.Clear()
	require.Empty(t, catchViolation(t, b.DeactivateShared))
	require.False(t, b.IsSharedActivated())
}

func TestTearDownWithTypedSlotsIsFatal(t *testing.T) {
	b := newBareBarrier(false)
	b.TearDown()
	b.typedSlots[&testRegion{id: 3}] = &TypedSlots{}
	require.NotEmpty(t, catchViolation(t, b.TearDown))
}

type recordingRemSet struct {
	merged map[uint32][]TypedSlot
}

func (r *recordingRemSet) MergeTyped(region Region, slots *TypedSlots) {
	slots.Each(func(s TypedSlot) {
		r.merged[region.RegionID()] = append(r.merged[region.RegionID()], s)
	})
}

func TestPublishDrainsTypedSlotsUnderGuard(t *testing.T) {
	remset := &recordingRemSet{merged: make(map[uint32][]TypedSlot)}
	b := NewBarrier(BarrierConfig{
		MajorWorklist: NewWorklist(0),
		MinorWorklist: NewWorklist(0),
		RememberedSet: remset,
		Guard:         NewRegionGuard(true),
	})
	b.Activate(true, Major)
	r1, r2 := &testRegion{id: 1}, &testRegion{id: 2}
	b.typedSlots[r1] = &TypedSlots{}
	b.typedSlots[r1].Insert(CodeEntry, 8)
	b.typedSlots[r2] = &TypedSlots{}
	b.typedSlots[r2].Insert(EmbeddedObjectFull, 16)

	b.PublishIfNeeded()
	require.Empty(t, b.TypedSlotRegions())
	require.Equal(t, []TypedSlot{{CodeEntry, 8}}, remset.merged[1])
	require.Equal(t, []TypedSlot{{EmbeddedObjectFull, 16}}, remset.merged[2])
	// every region mutex is released again
	for _, r := range []*testRegion{r1, r2} {
		require.True(t, r.mu.TryLock())
		r.mu.Unlock()
	}
	require.Equal(t, uint64(1), b.Stats().Publishes)
	require.Len(t, remset.merged, 2)
}
