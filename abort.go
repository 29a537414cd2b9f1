// abort.go - Fatal exits for structural impossibilities
package ecallhook

import (
	"fmt"
	"os"
)

// interceptorExitCode is used when the process cannot be safely
// patched: either patching completes for an object, or the process
// exits with this code.
const interceptorExitCode = 111

func xabort(msg string) {
	fmt.Fprintf(os.Stderr, "ecallhook: %s\n", msg)
	os.Exit(interceptorExitCode)
}

func xabortErr(err error, msg string) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "ecallhook: %s: %v\n", msg, err)
	os.Exit(interceptorExitCode)
}
