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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/launix-de/markbarrier/marking"
	"github.com/stretchr/testify/require"
)

func newTestUniverse(t *testing.T) *Universe {
	t.Helper()
	Settings.SharedSpace = true
	return NewUniverse()
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	old := marking.Abort
	marking.Abort = func(marking.Violation) {}
	defer func() {
		marking.Abort = old
		if _, ok := recover().(marking.Violation); !ok {
			t.Fatalf("expected a marking invariant violation")
		}
	}()
	fn()
}

func TestRefEncoding(t *testing.T) {
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	a := iso.Alloc(marking.OldSpace, 3, "a")
	b := iso.Alloc(marking.OldSpace, 1, "b")
	require.NotZero(t, a.Ref())
	require.Same(t, a, u.Object(a.Ref()))
	require.Same(t, b, u.Object(b.Ref()))
	require.Same(t, a.Page(), b.Page())
	require.Equal(t, 3, b.base)
	require.Equal(t, uint32(3*8), u.SlotOffset(b.Ref(), 0))
	require.Nil(t, u.Object(0))
	require.Nil(t, u.Object(makeRef(9999, 0)))
	require.Nil(t, iso.PageOf(makeRef(9999, 0)))
}

func TestPagesFillUp(t *testing.T) {
	Settings.PageSize = "64"
	defer func() { Settings.PageSize = "4KiB" }()
	require.Equal(t, 8, PageSlots())
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	a := iso.Alloc(marking.OldSpace, 5, "a")
	b := iso.Alloc(marking.OldSpace, 3, "b")
	c := iso.Alloc(marking.OldSpace, 1, "c")
	require.Same(t, a.Page(), b.Page())
	require.NotSame(t, a.Page(), c.Page())
	require.Len(t, iso.Space(marking.OldSpace).Pages(), 2)

	large := iso.Alloc(marking.LargeObjectSpace, 100, "large")
	require.Equal(t, 100, large.Page().Capacity())
	require.Len(t, large.Page().Objects(), 1)
	require.Panics(t, func() { iso.Alloc(marking.OldSpace, 9, "too big") })
}

func TestColorTransitions(t *testing.T) {
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	var objs []*Object
	for i := 0; i < 40; i++ {
		objs = append(objs, iso.Alloc(marking.OldSpace, 0, ""))
	}
	state := u.MarkingState()
	obj := objs[17]
	require.Equal(t, marking.White, state.Color(obj.Ref()))
	require.False(t, state.GreyToBlack(obj.Ref()))
	require.True(t, state.WhiteToGrey(obj.Ref()))
	require.False(t, state.WhiteToGrey(obj.Ref()))
	require.True(t, state.GreyToBlack(obj.Ref()))
	require.True(t, state.IsBlack(obj.Ref()))
	// neighbours sharing the color word are untouched
	require.Equal(t, marking.White, objs[16].Color())
	require.Equal(t, marking.White, objs[18].Color())

	obj.Page().resetColors()
	require.Equal(t, marking.White, obj.Color())
}

func TestWhiteToGreyHasOneWinner(t *testing.T) {
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	var objs []*Object
	for i := 0; i < 64; i++ {
		objs = append(objs, iso.Alloc(marking.OldSpace, 0, ""))
	}
	state := u.MarkingState()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := make(map[marking.Ref]int)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, obj := range objs {
				if state.WhiteToGrey(obj.Ref()) {
					mu.Lock()
					wins[obj.Ref()]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	require.Len(t, wins, len(objs))
	for ref, n := range wins {
		if n != 1 {
			t.Fatalf("%#x turned grey %d times", uint64(ref), n)
		}
	}
}

func TestCodeHeaderNeedsWriteScope(t *testing.T) {
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	code := iso.AllocCode("code", false)
	expectViolation(t, func() { code.Page().SetOldGenerationPageFlags(true) })

	scope := iso.Space(marking.CodeSpace).(marking.HeaderWriteScope)
	closeScope := scope.OpenHeaderWriteScope("test")
	code.Page().SetOldGenerationPageFlags(true)
	closeScope()
	require.True(t, code.Page().IsMarking())
	_, ok := iso.Space(marking.OldSpace).(marking.HeaderWriteScope)
	require.False(t, ok)
}

func TestSharedSpacesBelongToOwner(t *testing.T) {
	u := newTestUniverse(t)
	owner := NewIsolate(u, "owner", SharedOwner, nil)
	client := NewIsolate(u, "client", Client, owner)
	require.Nil(t, client.Space(marking.SharedSpace))
	require.NotNil(t, owner.Space(marking.SharedSpace))

	obj := client.Alloc(marking.SharedSpace, 1, "shared")
	require.Same(t, owner, obj.Page().Owner())
	require.True(t, client.InSharedWritableHeap(obj.Ref()))
	require.Same(t, owner.Worklists().Major, client.SharedWorklist())

	var names []string
	owner.IterateClientIsolates(func(c marking.Isolate) { names = append(names, c.Name()) })
	require.Equal(t, []string{"client", "owner"}, names)

	standalone := NewIsolate(u, "alone", Standalone, nil)
	require.Panics(t, func() { standalone.Alloc(marking.SharedSpace, 1, "") })
	require.Panics(t, func() { NewIsolate(u, "orphan", Client, nil) })
	require.Panics(t, func() { NewIsolate(u, "owner", Standalone, nil) })
}

func TestCurrentBarrierFollowsBinding(t *testing.T) {
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	bg := iso.NewLocalHeap("bg", false)
	require.Same(t, iso.Main().Barrier(), iso.CurrentBarrier(0))
	bg.Run(func() {
		require.Same(t, bg.Barrier(), iso.CurrentBarrier(0))
	})
	bg.Go(func() {
		require.Same(t, bg.Barrier(), iso.CurrentBarrier(0))
	})()
	require.Same(t, iso.Main().Barrier(), iso.CurrentBarrier(0))
}

func TestSafepointWaitsForRunningLocalHeaps(t *testing.T) {
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	bg := iso.NewLocalHeap("bg", false)
	release := make(chan struct{})
	running := make(chan struct{})
	wait := bg.Go(func() {
		close(running)
		<-release
	})
	<-running

	paused := make(chan struct{})
	go iso.Safepoint(func() { close(paused) })
	select {
	case <-paused:
		t.Fatalf("safepoint ran while a local heap was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	wait()
	<-paused
}

func TestLocalHeapJoinsRunningCycle(t *testing.T) {
	u := newTestUniverse(t)
	iso := NewIsolate(u, "a", Standalone, nil)
	iso.StartMarking(marking.Major, true)
	late := iso.NewLocalHeap("late", false)
	require.True(t, late.Barrier().IsActivated())
	require.True(t, late.Barrier().IsCompacting())
	require.Len(t, iso.LocalHeaps(), 2)
	require.Same(t, late, iso.LocalHeap("late"))

	host := iso.Alloc(marking.OldSpace, 1, "host")
	value := iso.Alloc(marking.OldSpace, 0, "value")
	late.Run(func() { late.WriteField(host.Ref(), 0, value.Ref()) })
	late.Dispose()
	require.Len(t, iso.LocalHeaps(), 1)
	require.Equal(t, []marking.Ref{value.Ref()}, iso.Worklists().Major.Snapshot())
	require.Panics(t, iso.Main().Dispose)
	iso.StopMarking()
}

func TestActivateDeactivateRestoresPageFlags(t *testing.T) {
	u := newTestUniverse(t)
	owner := NewIsolate(u, "owner", SharedOwner, nil)
	var pages []*Page
	for kind := marking.SpaceKind(0); kind < marking.NumSpaceKinds; kind++ {
		var obj *Object
		switch kind {
		case marking.CodeSpace:
			obj = owner.AllocCode("", false)
		case marking.CodeLargeObjectSpace:
			obj = owner.AllocCode("", true)
		default:
			obj = owner.Alloc(kind, 1, "")
		}
		pages = append(pages, obj.Page())
	}
	before := make([]uint32, len(pages))
	for i, p := range pages {
		before[i] = p.flags.Load()
	}

	for _, mode := range []marking.Mode{marking.Minor, marking.Major} {
		marking.ActivateAll(owner, false, mode)
		for _, p := range pages {
			require.True(t, p.IsMarking(), "%s page", SpaceName(p.space.kind))
		}
		marking.DeactivateAll(owner)
		for i, p := range pages {
			require.Equal(t, before[i], p.flags.Load(), "%s page after %s cycle", SpaceName(p.space.kind), mode)
		}
	}
}

func TestSettings(t *testing.T) {
	NewUniverse()
	require.Panics(t, func() { ChangeSettings("ConcurrentCodeGeneration", "true") })
	require.Panics(t, func() { ChangeSettings("NoSuchSetting") })
	require.Panics(t, func() { ChangeSettings("PageSize", "lots") })

	require.Equal(t, true, ChangeSettings("TrackRetainingPath", "true"))
	require.Equal(t, true, ChangeSettings("TrackRetainingPath"))
	ChangeSettings("TrackRetainingPath", "false")
	require.Len(t, ChangeSettings().([]any), 18)

	old := Settings
	defer func() { Settings = old }()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"WorklistSegment": "128", "LogLevel": "DEBUG"}`), 0644))
	require.NoError(t, LoadSettings(path))
	require.Equal(t, 128, SegmentSize())
	require.Equal(t, "DEBUG", Settings.LogLevel)
	require.True(t, Settings.SharedSpace, "defaults survive")
	require.Error(t, LoadSettings(filepath.Join(t.TempDir(), "missing.json")))
}
