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
package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/docker/go-units"
	"github.com/launix-de/markbarrier/heap"
	"github.com/launix-de/markbarrier/marking"
)

const newprompt = "\033[32m>\033[0m "
const resultprompt = "\033[31m=\033[0m "

const defaultSlots = 4

// Simulator drives a heap universe from textual commands. Objects and
// threads are addressed by name.
type Simulator struct {
	out     io.Writer
	u       *heap.Universe
	threads map[string]*heap.LocalHeap
	objects map[string]marking.Ref
	names   map[marking.Ref]string
}

func NewSimulator(out io.Writer) *Simulator {
	return &Simulator{
		out:     out,
		threads: make(map[string]*heap.LocalHeap),
		objects: make(map[string]marking.Ref),
		names:   make(map[marking.Ref]string),
	}
}

// universe is created on first use so settings can still change before.
func (s *Simulator) universe() *heap.Universe {
	if s.u == nil {
		s.u = heap.NewUniverse()
	}
	return s.u
}

func (s *Simulator) isolate(name string) *heap.Isolate {
	iso := s.universe().Isolate(name)
	if iso == nil {
		panic("unknown isolate: " + name)
	}
	return iso
}

func (s *Simulator) thread(name string) *heap.LocalHeap {
	lh, ok := s.threads[name]
	if !ok {
		panic("unknown thread: " + name)
	}
	return lh
}

func (s *Simulator) object(name string) marking.Ref {
	if name == "null" || name == "0" {
		return 0
	}
	ref, ok := s.objects[name]
	if !ok {
		panic("unknown object: " + name)
	}
	return ref
}

func (s *Simulator) define(name string, obj *heap.Object) {
	if _, ok := s.objects[name]; ok {
		panic("object already exists: " + name)
	}
	s.objects[name] = obj.Ref()
	s.names[obj.Ref()] = name
	fmt.Fprintf(s.out, "%s = %#x (%s page %d)\n", name, uint64(obj.Ref()), heap.SpaceName(obj.Page().Space().Kind()), obj.Page().RegionID())
}

func (s *Simulator) nameOf(ref marking.Ref) string {
	if n, ok := s.names[ref]; ok {
		return n
	}
	return fmt.Sprintf("%#x", uint64(ref))
}

func atoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		panic("expected a number: " + s)
	}
	return i
}

func args(fields []string, min int, usage string) {
	if len(fields)-1 < min {
		panic("usage: " + usage)
	}
}

var relocModes = map[string]marking.RelocMode{
	"full":       marking.FullEmbeddedObject,
	"compressed": marking.CompressedEmbeddedObject,
	"data":       marking.DataEmbeddedObject,
	"target":     marking.CodeTarget,
}

const help = `commands:
  isolate NAME [standalone|owner|client OWNER]
  thread ISOLATE NAME
  alloc ISOLATE SPACE NAME [SLOTS]        spaces: old code new shared new_lo lo code_lo shared_lo
  code ISOLATE NAME
  descriptors ISOLATE NAME HEADER CAP
  extension THREAD HOST
  evacuate ISOLATE OBJ
  activate ISOLATE major|minor [compacting]
  write THREAD HOST SLOT VALUE
  writecode THREAD CODE OFFSET VALUE [full|compressed|data|target] [pool]
  writedesc THREAD ARRAY N
  publish ISOLATE
  drain ISOLATE
  deactivate ISOLATE
  color OBJ
  stats
  dump FILE [none|lz4|xz]
  set [NAME [VALUE]]
  help`

// Exec runs one command. Mistakes panic with a message.
func (s *Simulator) Exec(line string) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	f := strings.Fields(line)
	if len(f) == 0 {
		return
	}
	switch f[0] {
	case "help":
		fmt.Fprintln(s.out, help)
	case "isolate":
		args(f, 1, "isolate NAME [standalone|owner|client OWNER]")
		role := heap.Standalone
		var owner *heap.Isolate
		if len(f) > 2 {
			switch f[2] {
			case "standalone":
			case "owner":
				role = heap.SharedOwner
			case "client":
				args(f, 3, "isolate NAME client OWNER")
				role = heap.Client
				owner = s.isolate(f[3])
			default:
				panic("unknown role: " + f[2])
			}
		}
		iso := heap.NewIsolate(s.universe(), f[1], role, owner)
		s.threads[f[1]+".main"] = iso.Main()
		fmt.Fprintf(s.out, "isolate %s (%s), main thread %s.main\n", f[1], role, f[1])
	case "thread":
		args(f, 2, "thread ISOLATE NAME")
		if _, ok := s.threads[f[2]]; ok {
			panic("thread already exists: " + f[2])
		}
		s.threads[f[2]] = s.isolate(f[1]).NewLocalHeap(f[2], false)
	case "alloc":
		args(f, 3, "alloc ISOLATE SPACE NAME [SLOTS]")
		kind, ok := heap.ParseSpace(f[2])
		if !ok {
			panic("unknown space: " + f[2])
		}
		slots := defaultSlots
		if len(f) > 4 {
			slots = atoi(f[4])
		}
		s.define(f[3], s.isolate(f[1]).Alloc(kind, slots, f[3]))
	case "code":
		args(f, 2, "code ISOLATE NAME")
		s.define(f[2], s.isolate(f[1]).AllocCode(f[2], false))
	case "descriptors":
		args(f, 4, "descriptors ISOLATE NAME HEADER CAP")
		s.define(f[2], s.isolate(f[1]).AllocDescriptorArray(marking.OldSpace, f[2], atoi(f[3]), atoi(f[4])))
	case "extension":
		args(f, 2, "extension THREAD HOST")
		lh := s.thread(f[1])
		ext := lh.Isolate().NewArrayBufferExtension()
		host := s.object(f[2])
		lh.Run(func() { lh.AttachExtension(host, ext) })
		fmt.Fprintf(s.out, "extension %d marked=%v young=%v\n", ext.ID(), ext.IsMarked(), ext.IsYoungMarked())
	case "evacuate":
		args(f, 2, "evacuate ISOLATE OBJ")
		s.isolate(f[1])
		s.universe().SetEvacuationCandidate(s.object(f[2]), true)
	case "activate":
		args(f, 2, "activate ISOLATE major|minor [compacting]")
		mode := marking.Major
		switch f[2] {
		case "major":
		case "minor":
			mode = marking.Minor
		default:
			panic("unknown mode: " + f[2])
		}
		compacting := len(f) > 3 && f[3] == "compacting"
		s.isolate(f[1]).StartMarking(mode, compacting)
	case "write":
		args(f, 4, "write THREAD HOST SLOT VALUE")
		lh := s.thread(f[1])
		host, slot, value := s.object(f[2]), atoi(f[3]), s.object(f[4])
		lh.Run(func() { lh.WriteField(host, slot, value) })
	case "writecode":
		args(f, 4, "writecode THREAD CODE OFFSET VALUE [MODE] [pool]")
		lh := s.thread(f[1])
		rinfo := marking.RelocInfo{Offset: uint32(atoi(f[3])), Mode: marking.FullEmbeddedObject}
		if len(f) > 5 {
			mode, ok := relocModes[f[5]]
			if !ok {
				panic("unknown reloc mode: " + f[5])
			}
			rinfo.Mode = mode
		}
		rinfo.InConstantPool = len(f) > 6 && f[6] == "pool"
		code, value := s.object(f[2]), s.object(f[4])
		lh.Run(func() { lh.WriteCodeTarget(code, rinfo, value) })
	case "writedesc":
		args(f, 3, "writedesc THREAD ARRAY N")
		lh := s.thread(f[1])
		arr, n := s.object(f[2]), atoi(f[3])
		lh.Run(func() { lh.GrowDescriptors(arr, n) })
	case "publish":
		args(f, 1, "publish ISOLATE")
		s.isolate(f[1]).PublishMarking()
	case "drain":
		args(f, 1, "drain ISOLATE")
		fmt.Fprintf(s.out, "%d objects scanned\n", s.isolate(f[1]).DrainMarking())
	case "deactivate":
		args(f, 1, "deactivate ISOLATE")
		s.isolate(f[1]).StopMarking()
	case "color":
		args(f, 1, "color OBJ")
		fmt.Fprintln(s.out, resultprompt+s.universe().MarkingState().Color(s.object(f[1])).String())
	case "stats":
		s.stats()
	case "dump":
		args(f, 1, "dump FILE [none|lz4|xz]")
		codec := "none"
		if len(f) > 2 {
			codec = f[2]
		}
		file, err := os.Create(f[1])
		if err != nil {
			panic(err)
		}
		defer file.Close()
		if err := s.universe().RememberedSet().Dump(file, codec); err != nil {
			panic(err)
		}
	case "set":
		a := f[1:]
		if len(a) > 2 {
			a = []string{a[0], strings.Join(a[1:], " ")}
		}
		fmt.Fprintln(s.out, resultprompt+fmt.Sprint(heap.ChangeSettings(a...)))
	default:
		panic("unknown command: " + f[0] + " (try help)")
	}
}

func (s *Simulator) stats() {
	u := s.universe()
	for _, iso := range u.Isolates() {
		var bytes float64
		for kind := marking.SpaceKind(0); kind < marking.NumSpaceKinds; kind++ {
			if space := iso.Space(kind); space != nil {
				for _, p := range space.Pages() {
					bytes += float64(p.(*heap.Page).Capacity() * 8)
				}
			}
		}
		fmt.Fprintf(s.out, "isolate %s (%s) marking=%v flag=%v pages=%s worklists major=%d minor=%d\n",
			iso.Name(), iso.Role(), iso.IsMarking(), iso.IsMarkingFlag(), units.HumanSize(bytes),
			iso.Worklists().Major.Len(), iso.Worklists().Minor.Len())
		for _, lh := range iso.LocalHeaps() {
			b := lh.Barrier()
			st := b.Stats()
			fmt.Fprintf(s.out, "  %s activated=%v mode=%s compacting=%v shared=%v local=%d shared-local=%d marked=%d shared-marked=%d slots=%d typed=%d publishes=%d\n",
				lh.Name, b.IsActivated(), b.Mode(), b.IsCompacting(), b.IsSharedActivated(), b.LocalLen(), b.SharedLocalLen(),
				st.Marked, st.SharedMarked, st.Slots, st.TypedSlots, st.Publishes)
		}
		if roots := iso.RetainingRoots(); len(roots) > 0 {
			names := make([]string, len(roots))
			for i, r := range roots {
				names[i] = s.nameOf(r)
			}
			fmt.Fprintf(s.out, "  retaining roots: %s\n", strings.Join(names, " "))
		}
	}
	typed, untyped := u.RememberedSet().Len()
	fmt.Fprintf(s.out, "remembered set: %d typed, %d untyped slots; epoch %d; evacuation candidates %v\n",
		typed, untyped, u.Compactor().Epoch(), u.Compactor().EvacuationCandidates())
	names := make([]string, 0, len(s.objects))
	for n := range s.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(s.out, "  %s %s\n", n, u.MarkingState().Color(s.objects[n]))
	}
}

// RunScript executes a scenario line by line; the first failing line
// stops it.
func (s *Simulator) RunScript(name string, text string) (err error) {
	lineno := 0
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s:%d: %v", name, lineno, r)
		}
	}()
	for _, line := range strings.Split(text, "\n") {
		lineno++
		s.Exec(line)
	}
	return nil
}

// Repl reads commands until EOF or an interrupt on an empty line.
func (s *Simulator) Repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".markbarrier-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		if line == "" {
			continue
		}

		// anti-panic func
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Println("panic:", r)
					if heap.Settings.LogLevel == "DEBUG" {
						fmt.Println(string(debug.Stack()))
					}
				}
			}()
			s.Exec(line)
		}()
	}
}
