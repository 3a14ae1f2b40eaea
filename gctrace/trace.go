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
package gctrace

import "io"
import "os"
import "fmt"
import "sync"
import "sync/atomic"
import "time"
import "path/filepath"
import "encoding/json"
import "github.com/pierrec/lz4/v4"

// Event is one record of the Chrome trace event format.
type Event struct {
	Name  string `json:"name"`
	Cat   string `json:"cat"`
	Phase string `json:"ph"` // B/E for begin/end, i for instant events
	Ts    int64  `json:"ts"` // microseconds since process start
	Pid   int    `json:"pid"`
	Tid   int    `json:"tid"`
	Scope string `json:"s"`
}

// Tracefile writes lifecycle events as a JSON array.
type Tracefile struct {
	m       sync.Mutex
	isFirst bool
	out     io.Writer
	closers []io.Closer
}

var current atomic.Pointer[Tracefile] // default trace file, nil when none is open
var setMu sync.Mutex

// Current returns the default trace file or nil.
func Current() *Tracefile {
	return current.Load()
}

var start time.Time = time.Now()

// Open creates a trace file in dir; compressed traces are lz4 framed.
func Open(dir string, compress bool) (*Tracefile, error) {
	name := "trace_" + fmt.Sprint(time.Now().Unix()) + ".json"
	if compress {
		name += ".lz4"
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	if !compress {
		return New(f), nil
	}
	zw := lz4.NewWriter(f)
	t := New(zw)
	t.closers = append(t.closers, f) // closed after the lz4 writer
	return t, nil
}

// New starts a trace on w. Close closes w if it is an io.Closer.
func New(w io.Writer) *Tracefile {
	t := &Tracefile{out: w, isFirst: true}
	if c, ok := w.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if w != nil {
		w.Write([]byte("["))
	}
	return t
}

func (t *Tracefile) Close() error {
	t.m.Lock()
	defer t.m.Unlock()
	if t.out != nil {
		t.out.Write([]byte("]"))
		t.out = nil
	}
	var firstErr error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.closers = nil
	return firstErr
}

func (t *Tracefile) Duration(name string, cat string, pid int, f func()) {
	t.Emit(name, cat, "B", pid)
	defer t.Emit(name, cat, "E", pid)
	f()
}

func (t *Tracefile) Instant(name string, cat string, pid int) {
	t.Emit(name, cat, "i", pid)
}

func (t *Tracefile) Emit(name string, cat string, phase string, pid int) {
	t.EmitEvent(Event{Name: name, Cat: cat, Phase: phase, Ts: time.Since(start).Microseconds(), Pid: pid, Scope: "g"})
}

// EmitEvent writes e and hands it to every subscriber.
func (t *Tracefile) EmitEvent(e Event) {
	t.m.Lock()
	if t.out != nil {
		if t.isFirst {
			t.isFirst = false
		} else {
			t.out.Write([]byte(",\n"))
		}
		b, _ := json.Marshal(e)
		t.out.Write(b)
	}
	t.m.Unlock()
	notify(e)
}

var subsMu sync.Mutex
var subs = make(map[int]func(Event))
var nextSub int

// Subscribe registers fn for every future event, whether or not a trace
// file is open. fn must not block. The returned function unsubscribes.
func Subscribe(fn func(Event)) func() {
	subsMu.Lock()
	id := nextSub
	nextSub++
	subs[id] = fn
	subsMu.Unlock()
	return func() {
		subsMu.Lock()
		delete(subs, id)
		subsMu.Unlock()
	}
}

func hasSubscribers() bool {
	subsMu.Lock()
	defer subsMu.Unlock()
	return len(subs) > 0
}

func notify(e Event) {
	subsMu.Lock()
	defer subsMu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func emit(name string, cat string, phase string, pid int) {
	if t := current.Load(); t != nil {
		t.Emit(name, cat, phase, pid)
	} else if hasSubscribers() {
		notify(Event{Name: name, Cat: cat, Phase: phase, Ts: time.Since(start).Microseconds(), Pid: pid, Scope: "g"})
	}
}

// Duration traces f on the default trace and the subscribers.
func Duration(name string, cat string, pid int, f func()) {
	emit(name, cat, "B", pid)
	defer emit(name, cat, "E", pid)
	f()
}

// Instant records an instant event on the default trace and the subscribers.
func Instant(name string, cat string, pid int) {
	emit(name, cat, "i", pid)
}

// SetTrace replaces the default trace: off closes it, on opens a new file.
func SetTrace(on bool, dir string, compress bool) error {
	setMu.Lock()
	defer setMu.Unlock()
	if old := current.Swap(nil); old != nil {
		old.Close()
	}
	if !on {
		return nil
	}
	t, err := Open(dir, compress)
	if err != nil {
		return err
	}
	current.Store(t)
	return nil
}
