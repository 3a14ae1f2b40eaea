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

import "fmt"
import "os"
import "strings"
import "github.com/launix-de/go-mysqlstack/xlog"

// Log is the logger of the marking subsystem.
var Log = xlog.NewStdLog(xlog.Level(xlog.INFO))

// SetLogLevel replaces Log with a logger of the given level
// (DEBUG, INFO, WARNING or ERROR). Unknown names select INFO.
func SetLogLevel(level string) {
	lvl := xlog.INFO
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = xlog.DEBUG
	case "WARNING", "WARN":
		lvl = xlog.WARNING
	case "ERROR":
		lvl = xlog.ERROR
	}
	Log = xlog.NewStdLog(xlog.Level(lvl))
}

// Violation is a broken marking protocol invariant.
type Violation string

func (v Violation) Error() string {
	return "marking invariant violated: " + string(v)
}

// Abort ends the process after a Violation. Continuing would leave the
// tri-color invariant broken and surface later as premature reclamation.
var Abort = func(v Violation) {
	os.Exit(1)
}

// Fatalf reports a violation and never returns normally.
func Fatalf(format string, args ...any) {
	v := Violation(fmt.Sprintf(format, args...))
	Log.Error("%s", v.Error())
	Abort(v)
	// Abort must not return; a replaced Abort that does is stopped here.
	panic(v)
}
