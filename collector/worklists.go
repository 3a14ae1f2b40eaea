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

import "github.com/launix-de/markbarrier/marking"

// MarkingWorklists are the global queues of one isolate that the barriers
// publish into and the tracer consumes.
type MarkingWorklists struct {
	Major *marking.Worklist
	Minor *marking.Worklist
}

func NewMarkingWorklists(segmentSize int) MarkingWorklists {
	return MarkingWorklists{
		Major: marking.NewWorklist(segmentSize),
		Minor: marking.NewWorklist(segmentSize),
	}
}

func (w MarkingWorklists) For(mode marking.Mode) *marking.Worklist {
	if mode == marking.Minor {
		return w.Minor
	}
	return w.Major
}

func (w MarkingWorklists) Len() int {
	return w.Major.Len() + w.Minor.Len()
}

// Drain pops every published entry, turns it black and hands it to visit.
// visit may push more work through a barrier; it is drained as well once
// published. Returns the number of objects scanned.
func Drain(worklist *marking.Worklist, oracle marking.ColorOracle, visit func(ref marking.Ref)) int {
	count := 0
	for {
		ref, ok := worklist.Pop()
		if !ok {
			return count
		}
		if !oracle.GreyToBlack(ref) {
			// already scanned through another queue
			continue
		}
		if visit != nil {
			visit(ref)
		}
		count++
	}
}
