// Package monitoring holds the diagnostic logger shared by the fitting
// packages.
package monitoring

import (
	"fmt"
	"log"
)

// Logf is the package-level diagnostic logger used for fit progress, solver
// fallbacks and I/O summaries. It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil mutes all diagnostics.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Capture redirects Logf into the returned slice until restore is called.
// Tests use it to assert on solver diagnostics.
func Capture() (lines *[]string, restore func()) {
	original := Logf
	captured := []string{}
	Logf = func(format string, v ...interface{}) {
		captured = append(captured, fmt.Sprintf(format, v...))
	}
	return &captured, func() { Logf = original }
}
