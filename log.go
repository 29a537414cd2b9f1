// log.go - Debug tracing, gated by the environment
package ecallhook

import (
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
)

// debugDumpsOn enables tracing of section discovery, jump-target marks
// and patch decisions on stderr. The library runs inside arbitrary host
// processes, so nothing is ever printed unless asked for.
var debugDumpsOn = env.Bool("INTERCEPT_DEBUG_DUMP")

func debugDumpf(format string, args ...any) {
	if !debugDumpsOn {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}
