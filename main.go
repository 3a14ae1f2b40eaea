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
/*
	markbarrier: marking write barrier simulator for a generational,
	concurrent collector with shared heap isolates

*/
package main

import "os"
import "fmt"
import "flag"
import "time"
import "syscall"
import "os/signal"
import "crypto/rand"
import "github.com/google/uuid"
import "github.com/fsnotify/fsnotify"
import "github.com/launix-de/markbarrier/heap"
import "github.com/launix-de/markbarrier/gctrace"

// workaround for flags package to allow multiple values
type arrayFlags []string

func (i *arrayFlags) String() string {
	return "dummy"
}

func (i *arrayFlags) Set(value string) error {
	*i = append(*i, value)
	return nil
}

func runFile(filename string) {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		fmt.Println(err)
		return
	}
	// every run starts from an empty universe
	if err := NewSimulator(os.Stdout).RunScript(filename, string(bytes)); err != nil {
		fmt.Println(err)
	}
}

// watchFile reruns a scenario whenever it changes on disk.
func watchFile(filename string) {
	runFile(filename)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		panic(err)
	}
	go func() {
		for {
			select {
			case <-watcher.Events:
				// flush all other events
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read empty files
					select {
					case <-watcher.Events:
						// ignore
					default:
						goto to_reread
					}
				}
			to_reread:
				fmt.Println("Rerunning " + filename + " ...")
				runFile(filename)
				watcher.Add(filename) // text editors rename, so we have to rewatch
			case err := <-watcher.Errors:
				fmt.Println(err)
			}
		}
	}()
	if err := watcher.Add(filename); err != nil {
		panic(err)
	}
}

func main() {
	fmt.Print(`markbarrier Copyright (C) 2026   markbarrier contributors
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// isolate ids are UUIDs
	uuid.SetRand(rand.Reader)

	// parse command line options
	var commands arrayFlags
	flag.Var(&commands, "c", "Execute simulator command")

	settings := ""
	flag.StringVar(&settings, "settings", "", "JSON settings file")

	watch := ""
	flag.StringVar(&watch, "watch", "", "Scenario file to rerun whenever it changes")

	port := 0
	flag.IntVar(&port, "serve", 0, "Stream trace events over websocket on this port (/events)")

	trace := false
	flag.BoolVar(&trace, "trace", false, "Write a Chrome trace of lifecycle events")

	batch := false
	flag.BoolVar(&batch, "batch", false, "Exit after scenarios and commands instead of starting the shell")

	flag.Parse()
	scenarios := flag.Args()

	if settings != "" {
		if err := heap.LoadSettings(settings); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
	if trace {
		heap.Settings.Trace = true
	}
	if err := heap.InitSettings(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// install exit handler
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	go (func() {
		<-cancelChan
		exitroutine()
		os.Exit(1)
	})()

	if port != 0 {
		serveEvents(port)
	}

	for _, scenario := range scenarios {
		fmt.Println("Running " + scenario + " ...")
		runFile(scenario)
	}

	sim := NewSimulator(os.Stdout)
	for _, command := range commands {
		fmt.Println("Executing " + command + " ...")
		if err := sim.RunScript("command line", command); err != nil {
			fmt.Println(err)
		}
	}

	if watch != "" {
		watchFile(watch)
	}

	if !batch {
		fmt.Print(`

    Type help to show help

`)
		sim.Repl()
	} else if watch != "" || port != 0 {
		// keep watching / serving until a signal arrives
		select {}
	}

	// normal shutdown
	exitroutine()
}

func exitroutine() {
	if err := gctrace.SetTrace(false, "", false); err != nil {
		fmt.Println(err)
	}
}
