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

// RegionGuard serializes merges into a region's remembered set. Lock
// returns the matching unlock; callers release it with defer so every exit
// path unlocks.
type RegionGuard interface {
	Lock(region Region) (unlock func())
}

// NewRegionGuard picks the guard once, at configuration time. Without
// concurrent code generation only the owning thread appends to a region's
// relocation data, so no lock is taken.
func NewRegionGuard(concurrentCodeGeneration bool) RegionGuard {
	if concurrentCodeGeneration {
		return mutexGuard{}
	}
	return noopGuard{}
}

type noopGuard struct{}

func (noopGuard) Lock(Region) func() {
	return func() {}
}

type mutexGuard struct{}

func (mutexGuard) Lock(region Region) func() {
	mu := region.Mutex()
	mu.Lock()
	return mu.Unlock
}
