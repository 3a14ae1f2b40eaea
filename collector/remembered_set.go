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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/launix-de/markbarrier/marking"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

const btreeDegree = 8

type regionSlots struct {
	region  marking.Region
	typed   *btree.BTreeG[marking.TypedSlot]
	untyped *btree.BTreeG[uint32]
}

func lessTypedSlot(a, b marking.TypedSlot) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Kind < b.Kind
}

func lessOffset(a, b uint32) bool {
	return a < b
}

// RememberedSet is the old-to-old remembered set: per region, the typed
// slots inside code objects and the untyped slots inside ordinary objects
// that the compactor must update after objects move. Both are sets, so a
// slot recorded twice is fixed up once.
type RememberedSet struct {
	mu      sync.Mutex
	regions map[uint32]*regionSlots
}

func NewRememberedSet() *RememberedSet {
	return &RememberedSet{regions: make(map[uint32]*regionSlots)}
}

func (r *RememberedSet) slotsFor(region marking.Region) *regionSlots {
	rs, ok := r.regions[region.RegionID()]
	if !ok {
		rs = &regionSlots{
			region:  region,
			typed:   btree.NewG[marking.TypedSlot](btreeDegree, lessTypedSlot),
			untyped: btree.NewG[uint32](btreeDegree, lessOffset),
		}
		r.regions[region.RegionID()] = rs
	}
	return rs
}

// MergeTyped moves the slots recorded by one barrier into region's set.
func (r *RememberedSet) MergeTyped(region marking.Region, slots *marking.TypedSlots) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.slotsFor(region)
	slots.Each(func(s marking.TypedSlot) {
		rs.typed.ReplaceOrInsert(s)
	})
}

func (r *RememberedSet) InsertTyped(region marking.Region, kind marking.SlotKind, offset uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slotsFor(region).typed.ReplaceOrInsert(marking.TypedSlot{Kind: kind, Offset: offset})
}

func (r *RememberedSet) Insert(region marking.Region, offset uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slotsFor(region).untyped.ReplaceOrInsert(offset)
}

// TypedSlots returns the typed slots of a region ordered by offset.
func (r *RememberedSet) TypedSlots(regionID uint32) []marking.TypedSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.regions[regionID]
	if !ok {
		return nil
	}
	result := make([]marking.TypedSlot, 0, rs.typed.Len())
	rs.typed.Ascend(func(s marking.TypedSlot) bool {
		result = append(result, s)
		return true
	})
	return result
}

// Slots returns the untyped slot offsets of a region in ascending order.
func (r *RememberedSet) Slots(regionID uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.regions[regionID]
	if !ok {
		return nil
	}
	result := make([]uint32, 0, rs.untyped.Len())
	rs.untyped.Ascend(func(o uint32) bool {
		result = append(result, o)
		return true
	})
	return result
}

// Regions lists the ids of regions that have recorded slots.
func (r *RememberedSet) Regions() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]uint32, 0, len(r.regions))
	for id := range r.regions {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Len counts all typed and untyped slots.
func (r *RememberedSet) Len() (typed int, untyped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rs := range r.regions {
		typed += rs.typed.Len()
		untyped += rs.untyped.Len()
	}
	return
}

// Clear drops every slot, as the compactor does after updating pointers.
func (r *RememberedSet) Clear() {
	r.mu.Lock()
	r.regions = make(map[uint32]*regionSlots)
	r.mu.Unlock()
}

// DumpRecord is one line of a remembered set dump. Kind is empty for
// untyped slots.
type DumpRecord struct {
	Region uint32 `json:"region"`
	Kind   string `json:"kind,omitempty"`
	Offset uint32 `json:"offset"`
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case "", "none":
		return nopWriteCloser{w}, nil
	case "lz4":
		return lz4.NewWriter(w), nil
	case "xz":
		return xz.NewWriter(w)
	}
	return nil, fmt.Errorf("unknown dump codec %q", codec)
}

func decompressor(r io.Reader, codec string) (io.Reader, error) {
	switch codec {
	case "", "none":
		return r, nil
	case "lz4":
		return lz4.NewReader(r), nil
	case "xz":
		return xz.NewReader(r)
	}
	return nil, fmt.Errorf("unknown dump codec %q", codec)
}

// Dump writes every slot as JSON lines, ordered by region and offset.
func (r *RememberedSet) Dump(w io.Writer, codec string) error {
	zw, err := compressor(w, codec)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(zw)
	for _, id := range r.Regions() {
		for _, s := range r.TypedSlots(id) {
			if err := enc.Encode(DumpRecord{id, s.Kind.String(), s.Offset}); err != nil {
				return err
			}
		}
		for _, o := range r.Slots(id) {
			if err := enc.Encode(DumpRecord{Region: id, Offset: o}); err != nil {
				return err
			}
		}
	}
	return zw.Close()
}

// Load parses a dump written by Dump.
func Load(r io.Reader, codec string) ([]DumpRecord, error) {
	zr, err := decompressor(r, codec)
	if err != nil {
		return nil, err
	}
	var result []DumpRecord
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var rec DumpRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, scanner.Err()
}
