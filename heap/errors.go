package heap

import (
	"errors"
	"io"
	"log"
	"os"

	"gengc/memory"
)

// ErrOutOfMemory is returned to the thread whose request could not be
// satisfied after collecting and growing the heap. Other threads go on.
var ErrOutOfMemory = errors.New("heap: out of memory")

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("heap: closed")

// FatalError is raised with panic when a heap invariant breaks.
type FatalError = memory.FatalError

var logger *log.Logger

func init() {
	SetLoggerOutput(os.Stderr)
}

func SetLoggerOutput(w io.Writer) {
	logger = log.New(w, "", log.LstdFlags)
}
