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
import "sync/atomic"

// DefaultSegmentSize is the number of entries per published segment.
const DefaultSegmentSize = 64

/*
Worklist is the shared (global) segment of a marking work queue.

properties:
 - publishers from many contexts may push segments concurrently
 - the tracer pops from it concurrently with publishers
 - entries only arrive here through Local.Publish
*/
type Worklist struct {
	mu          sync.Mutex
	segments    [][]Ref
	size        atomic.Int64
	segmentSize int
}

func NewWorklist(segmentSize int) *Worklist {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &Worklist{segmentSize: segmentSize}
}

func (w *Worklist) pushSegment(seg []Ref) {
	w.mu.Lock()
	w.segments = append(w.segments, seg)
	w.size.Add(int64(len(seg)))
	w.mu.Unlock()
}

// Pop removes one entry from the global segment.
func (w *Worklist) Pop() (Ref, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.segments) > 0 {
		last := len(w.segments) - 1
		seg := w.segments[last]
		if len(seg) == 0 {
			w.segments = w.segments[:last]
			continue
		}
		ref := seg[len(seg)-1]
		w.segments[last] = seg[:len(seg)-1]
		w.size.Add(-1)
		return ref, true
	}
	return 0, false
}

func (w *Worklist) Len() int {
	return int(w.size.Load())
}

func (w *Worklist) IsEmpty() bool {
	return w.size.Load() == 0
}

// Snapshot copies all globally visible entries, oldest segment first.
func (w *Worklist) Snapshot() []Ref {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := make([]Ref, 0, w.size.Load())
	for _, seg := range w.segments {
		result = append(result, seg...)
	}
	return result
}

// Clear drops every global entry. Only the collector calls this, at the
// end of a cycle.
func (w *Worklist) Clear() {
	w.mu.Lock()
	w.segments = nil
	w.size.Store(0)
	w.mu.Unlock()
}

// Local is the thread-private segment of a work queue. It has exactly one
// owner; nothing here is synchronized except the hand-off in Publish.
type Local struct {
	global *Worklist
	push   []Ref
}

func NewLocal(global *Worklist) *Local {
	return &Local{global: global}
}

func (l *Local) Push(ref Ref) {
	l.push = append(l.push, ref)
}

// Pop takes from the local segment first and falls back to the global one.
func (l *Local) Pop() (Ref, bool) {
	if n := len(l.push); n > 0 {
		ref := l.push[n-1]
		l.push = l.push[:n-1]
		return ref, true
	}
	return l.global.Pop()
}

func (l *Local) LocalLen() int {
	return len(l.push)
}

func (l *Local) IsLocalEmpty() bool {
	return len(l.push) == 0
}

func (l *Local) IsGlobalEmpty() bool {
	return l.global.IsEmpty()
}

func (l *Local) IsLocalAndGlobalEmpty() bool {
	return l.IsLocalEmpty() && l.IsGlobalEmpty()
}

// Global returns the shared segment this local publishes into.
func (l *Local) Global() *Worklist {
	return l.global
}

// Publish moves every local entry into the global segment.
func (l *Local) Publish() {
	if len(l.push) == 0 {
		return
	}
	size := l.global.segmentSize
	for start := 0; start < len(l.push); start += size {
		end := start + size
		if end > len(l.push) {
			end = len(l.push)
		}
		seg := make([]Ref, end-start)
		copy(seg, l.push[start:end])
		l.global.pushSegment(seg)
	}
	l.push = l.push[:0]
}
