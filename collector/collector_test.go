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

import (
	"bytes"
	"sync"
	"testing"

	"github.com/launix-de/markbarrier/marking"
	"github.com/stretchr/testify/require"
)

type region struct {
	id    uint32
	young bool
	mu    sync.Mutex
}

func (r *region) RegionID() uint32   { return r.id }
func (r *region) Mutex() *sync.Mutex { return &r.mu }

// layout puts every reference into the region with id ref>>8.
type layout struct {
	regions map[uint32]*region
}

func newLayout(regions ...*region) *layout {
	l := &layout{regions: make(map[uint32]*region)}
	for _, r := range regions {
		l.regions[r.id] = r
	}
	return l
}

func (l *layout) RegionOf(ref marking.Ref) marking.Region {
	if r, ok := l.regions[uint32(ref>>8)]; ok {
		return r
	}
	return nil
}

func (l *layout) SlotOffset(host marking.Ref, slot int) uint32 {
	return uint32(host&0xff)*8 + uint32(slot)*8
}

func (l *layout) SkipsSlotRecording(r marking.Region) bool {
	return r.(*region).young
}

func TestRememberedSetIsASet(t *testing.T) {
	rs := NewRememberedSet()
	r := &region{id: 3}
	var slots marking.TypedSlots
	slots.Insert(marking.CodeEntry, 40)
	slots.Insert(marking.EmbeddedObjectFull, 16)
	slots.Insert(marking.EmbeddedObjectFull, 16)
	rs.MergeTyped(r, &slots)
	rs.InsertTyped(r, marking.EmbeddedObjectFull, 16)
	rs.Insert(r, 24)
	rs.Insert(r, 8)
	rs.Insert(r, 24)

	require.Equal(t, []marking.TypedSlot{
		{Kind: marking.EmbeddedObjectFull, Offset: 16},
		{Kind: marking.CodeEntry, Offset: 40},
	}, rs.TypedSlots(3))
	require.Equal(t, []uint32{8, 24}, rs.Slots(3))
	typed, untyped := rs.Len()
	require.Equal(t, 2, typed)
	require.Equal(t, 2, untyped)
	require.Equal(t, []uint32{3}, rs.Regions())

	rs.Clear()
	require.Nil(t, rs.TypedSlots(3))
	typed, untyped = rs.Len()
	require.Zero(t, typed+untyped)
}

func TestDumpCodecs(t *testing.T) {
	rs := NewRememberedSet()
	rs.InsertTyped(&region{id: 1}, marking.ConstPoolCodeEntry, 16)
	rs.Insert(&region{id: 1}, 32)
	rs.Insert(&region{id: 7}, 8)
	want := []DumpRecord{
		{Region: 1, Kind: "const-pool-code-entry", Offset: 16},
		{Region: 1, Offset: 32},
		{Region: 7, Offset: 8},
	}
	for _, codec := range []string{"none", "lz4", "xz"} {
		var buf bytes.Buffer
		if err := rs.Dump(&buf, codec); err != nil {
			t.Fatalf("%s: %v", codec, err)
		}
		got, err := Load(&buf, codec)
		if err != nil {
			t.Fatalf("%s: %v", codec, err)
		}
		require.Equal(t, want, got, codec)
	}
	require.Error(t, rs.Dump(&bytes.Buffer{}, "zip"))
}

func TestCompactorRecordsOnlyIntoCandidates(t *testing.T) {
	old, young, target := &region{id: 1}, &region{id: 2, young: true}, &region{id: 3}
	rs := NewRememberedSet()
	c := NewCompactor(newLayout(old, young, target), rs, nil)

	host := marking.Ref(1<<8 | 2)
	youngHost := marking.Ref(2<<8 | 0)
	value := marking.Ref(3<<8 | 1)

	c.RecordSlot(host, 1, value)
	_, untyped := rs.Len()
	require.Zero(t, untyped, "no candidate yet")

	c.SetEvacuationCandidate(target, true)
	require.True(t, c.IsEvacuationCandidate(target))
	require.Equal(t, []uint32{3}, c.EvacuationCandidates())
	c.RecordSlot(host, 1, value)
	c.RecordSlot(youngHost, 0, value)
	require.Equal(t, []uint32{24}, rs.Slots(1))
	require.Nil(t, rs.Slots(2))

	rinfo := marking.RelocInfo{Offset: 16, Mode: marking.CompressedEmbeddedObject}
	require.True(t, c.ShouldRecordRelocSlot(host, rinfo, value))
	require.False(t, c.ShouldRecordRelocSlot(youngHost, rinfo, value))
	c.RecordRelocSlot(host, rinfo, value)
	require.Equal(t, []marking.TypedSlot{{Kind: marking.EmbeddedObjectCompressed, Offset: 16}}, rs.TypedSlots(1))

	c.ResetEvacuationCandidates()
	require.False(t, c.IsEvacuationCandidate(target))
}

func TestEvacuationCandidateList(t *testing.T) {
	c := NewCompactor(newLayout(), NewRememberedSet(), nil)
	require.Empty(t, c.EvacuationCandidates())
	c.SetEvacuationCandidate(&region{id: 70}, true)
	c.SetEvacuationCandidate(&region{id: 5}, true)
	c.SetEvacuationCandidate(&region{id: 130}, true)
	c.SetEvacuationCandidate(&region{id: 70}, false)
	require.Equal(t, []uint32{5, 130}, c.EvacuationCandidates())
	c.ResetEvacuationCandidates()
	require.Empty(t, c.EvacuationCandidates())
	c.SetEvacuationCandidate(&region{id: 2}, true)
	require.Equal(t, []uint32{2}, c.EvacuationCandidates())
}

func TestProcessRelocInfoKinds(t *testing.T) {
	c := NewCompactor(newLayout(&region{id: 1}), NewRememberedSet(), nil)
	cases := []struct {
		mode   marking.RelocMode
		pool   bool
		expect marking.SlotKind
	}{
		{marking.FullEmbeddedObject, false, marking.EmbeddedObjectFull},
		{marking.FullEmbeddedObject, true, marking.ConstPoolEmbeddedObjectFull},
		{marking.CompressedEmbeddedObject, false, marking.EmbeddedObjectCompressed},
		{marking.CompressedEmbeddedObject, true, marking.ConstPoolEmbeddedObjectCompressed},
		{marking.DataEmbeddedObject, false, marking.EmbeddedObjectData},
		{marking.CodeTarget, false, marking.CodeEntry},
		{marking.CodeTarget, true, marking.ConstPoolCodeEntry},
	}
	for _, tc := range cases {
		info := c.ProcessRelocInfo(1<<8, marking.RelocInfo{Offset: 12, Mode: tc.mode, InConstantPool: tc.pool}, 0)
		if info.Kind != tc.expect {
			t.Fatalf("mode %d pool %v: expected %s, got %s", tc.mode, tc.pool, tc.expect, info.Kind)
		}
		require.Equal(t, uint32(12), info.Offset)
		require.Equal(t, uint32(1), info.Region.RegionID())
	}
}

func TestEpoch(t *testing.T) {
	c := NewCompactor(newLayout(), NewRememberedSet(), nil)
	require.Equal(t, uint32(0), c.Epoch())
	require.Equal(t, uint32(1), c.AdvanceEpoch())
	require.Equal(t, uint32(1), c.Epoch())
}

// colors is a map based color oracle.
type colors struct {
	m map[marking.Ref]marking.Color
}

func (c *colors) IsBlack(ref marking.Ref) bool { return c.m[ref] == marking.Black }

func (c *colors) WhiteToGrey(ref marking.Ref) bool {
	if c.m[ref] != marking.White {
		return false
	}
	c.m[ref] = marking.Grey
	return true
}

func (c *colors) GreyToBlack(ref marking.Ref) bool {
	if c.m[ref] != marking.Grey {
		return false
	}
	c.m[ref] = marking.Black
	return true
}

func TestDrain(t *testing.T) {
	lists := NewMarkingWorklists(2)
	require.Same(t, lists.Major, lists.For(marking.Major))
	require.Same(t, lists.Minor, lists.For(marking.Minor))

	oracle := &colors{m: make(map[marking.Ref]marking.Color)}
	local := marking.NewLocal(lists.Major)
	for _, ref := range []marking.Ref{1, 2, 3} {
		oracle.WhiteToGrey(ref)
		local.Push(ref)
	}
	local.Push(2) // duplicate entry of an object already queued
	local.Publish()
	require.Equal(t, 4, lists.Len())

	var visited []marking.Ref
	n := Drain(lists.Major, oracle, func(ref marking.Ref) { visited = append(visited, ref) })
	require.Equal(t, 3, n)
	require.ElementsMatch(t, []marking.Ref{1, 2, 3}, visited)
	require.True(t, lists.Major.IsEmpty())
	for _, ref := range visited {
		require.True(t, oracle.IsBlack(ref))
	}
}
