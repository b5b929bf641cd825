// Package nodelog gives every stateful component the same bracketed
// *log.Logger every other package already builds by hand
// (log.New(log.Writer(), "[consensus] ", log.LstdFlags)). Centralizing
// the constructor here means cmd/node can point every component's
// output at one writer without each package reaching for os.Stdout
// itself.
package nodelog

import (
	"io"
	"log"
	"os"
)

// Output is where New writes by default; tests and cmd/node may
// override it before constructing loggers.
var Output io.Writer = os.Stderr

// New builds a *log.Logger prefixed with "[component] ", matching the
// convention used throughout this repository.
func New(component string) *log.Logger {
	return log.New(Output, "["+component+"] ", log.LstdFlags)
}
