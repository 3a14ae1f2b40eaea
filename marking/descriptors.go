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

import "sync/atomic"

const (
	descriptorEpochBits = 16
	descriptorEpochMask = 1<<descriptorEpochBits - 1
	// MaxMarkedDescriptors is the largest count the mark word can hold.
	MaxMarkedDescriptors = 1<<16 - 1
)

// MarkedDescriptors is the per descriptor array high-water mark: how many
// descriptors are already marked and slot-recorded in the current major
// epoch. The low 16 bits of the epoch are stored next to the count, so a
// stale value from an older epoch decodes as zero without anyone clearing
// it. The tracer refreshes the mark of every live array it visits, which
// keeps stored epochs from wrapping around to the current one.
type MarkedDescriptors struct {
	raw atomic.Uint32
}

func encodeMarkedDescriptors(epoch uint32, marked int) uint32 {
	return uint32(marked)<<descriptorEpochBits | epoch&descriptorEpochMask
}

func decodeMarkedDescriptors(epoch uint32, raw uint32) int {
	if raw&descriptorEpochMask != epoch&descriptorEpochMask {
		return 0
	}
	return int(raw >> descriptorEpochBits)
}

// Get returns the mark as seen from epoch.
func (m *MarkedDescriptors) Get(epoch uint32) int {
	return decodeMarkedDescriptors(epoch, m.raw.Load())
}

// Update raises the mark to marked if it is lower and returns the mark
// that was in effect before. Concurrent callers never lower the mark.
func (m *MarkedDescriptors) Update(epoch uint32, marked int) int {
	if marked > MaxMarkedDescriptors {
		Fatalf("descriptor count %d exceeds mark capacity", marked)
	}
	oldRaw := m.raw.Load()
	oldMarked := decodeMarkedDescriptors(epoch, oldRaw)
	newRaw := encodeMarkedDescriptors(epoch, marked)
	for oldMarked < marked {
		if m.raw.CompareAndSwap(oldRaw, newRaw) {
			break
		}
		oldRaw = m.raw.Load()
		oldMarked = decodeMarkedDescriptors(epoch, oldRaw)
	}
	return oldMarked
}
