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
	"encoding/json"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"github.com/launix-de/markbarrier/gctrace"
	"github.com/launix-de/markbarrier/marking"
)

type SettingsT struct {
	SharedSpace              bool
	ConcurrentCodeGeneration bool // fixed once the first isolate exists
	TrackRetainingPath       bool
	PageSize                 string // human size, e.g. "4KiB"
	WorklistSegment          string // entries per published segment, e.g. "64"
	LogLevel                 string
	Trace                    bool
	TraceDir                 string
	TraceCompress            bool
}

var Settings SettingsT = SettingsT{true, false, false, "4KiB", "64", "INFO", false, ".", false}

// settingsFrozen is set by the first NewUniverse; the region guard is
// chosen there and cannot change afterwards.
var settingsFrozen atomic.Bool

// LoadSettings reads a JSON settings file over the defaults.
func LoadSettings(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &Settings)
}

// call this after you filled Settings
func InitSettings() error {
	marking.SetLogLevel(Settings.LogLevel)
	if err := gctrace.SetTrace(Settings.Trace, Settings.TraceDir, Settings.TraceCompress); err != nil {
		return err
	}
	onexit.Register(func() { gctrace.SetTrace(false, "", false) }) // close trace file on exit
	return nil
}

const slotSize = 8

// PageSlots is the number of pointer slots a regular page holds.
func PageSlots() int {
	size, err := units.RAMInBytes(Settings.PageSize)
	if err != nil || size < slotSize {
		return 512
	}
	return int(size / slotSize)
}

// SegmentSize is the chunk size of published worklist segments.
func SegmentSize() int {
	n, err := units.RAMInBytes(Settings.WorklistSegment)
	if err != nil || n <= 0 {
		return marking.DefaultSegmentSize
	}
	return int(n)
}

func toBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		panic("expected a boolean: " + s)
	}
	return b
}

// ChangeSettings lists all settings (no argument), reads one (name) or
// changes one (name, value).
func ChangeSettings(a ...string) any {
	if len(a) == 0 {
		return []any{
			"SharedSpace", Settings.SharedSpace,
			"ConcurrentCodeGeneration", Settings.ConcurrentCodeGeneration,
			"TrackRetainingPath", Settings.TrackRetainingPath,
			"PageSize", Settings.PageSize,
			"WorklistSegment", Settings.WorklistSegment,
			"LogLevel", Settings.LogLevel,
			"Trace", Settings.Trace,
			"TraceDir", Settings.TraceDir,
			"TraceCompress", Settings.TraceCompress,
		}
	} else if len(a) == 1 {
		switch a[0] {
		case "SharedSpace":
			return Settings.SharedSpace
		case "ConcurrentCodeGeneration":
			return Settings.ConcurrentCodeGeneration
		case "TrackRetainingPath":
			return Settings.TrackRetainingPath
		case "PageSize":
			return Settings.PageSize
		case "WorklistSegment":
			return Settings.WorklistSegment
		case "LogLevel":
			return Settings.LogLevel
		case "Trace":
			return Settings.Trace
		case "TraceDir":
			return Settings.TraceDir
		case "TraceCompress":
			return Settings.TraceCompress
		default:
			panic("unknown setting: " + a[0])
		}
	} else {
		switch a[0] {
		case "SharedSpace":
			Settings.SharedSpace = toBool(a[1])
		case "ConcurrentCodeGeneration":
			if settingsFrozen.Load() {
				panic("ConcurrentCodeGeneration cannot change after the first isolate was created")
			}
			Settings.ConcurrentCodeGeneration = toBool(a[1])
		case "TrackRetainingPath":
			Settings.TrackRetainingPath = toBool(a[1])
		case "PageSize":
			if _, err := units.RAMInBytes(a[1]); err != nil {
				panic(err)
			}
			Settings.PageSize = a[1]
		case "WorklistSegment":
			if _, err := units.RAMInBytes(a[1]); err != nil {
				panic(err)
			}
			Settings.WorklistSegment = a[1]
		case "LogLevel":
			Settings.LogLevel = a[1]
			marking.SetLogLevel(Settings.LogLevel)
		case "Trace":
			Settings.Trace = toBool(a[1])
			if err := gctrace.SetTrace(Settings.Trace, Settings.TraceDir, Settings.TraceCompress); err != nil {
				panic(err)
			}
		case "TraceDir":
			Settings.TraceDir = a[1]
		case "TraceCompress":
			Settings.TraceCompress = toBool(a[1])
		default:
			panic("unknown setting: " + a[0])
		}
		return true
	}
}
