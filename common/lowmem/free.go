package lowmem

import (
	"runtime"
	"runtime/debug"
)

// Free returns as much memory as possible to the OS. Used before retrying an
// allocation that failed under memory pressure.
func Free() {
	runtime.GC()
	debug.FreeOSMemory()
}
