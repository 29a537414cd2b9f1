//go:build linux && riscv64

// flush_linux_riscv64.go - Instruction cache maintenance after writing code
package ecallhook

import "golang.org/x/sys/unix"

// flushICache makes freshly written instructions visible to the
// fetcher of every thread.
func flushICache(addr ProcAddr, length int) {
	start := uintptr(addr)
	end := start + uintptr(length)
	unix.Syscall(unix.SYS_RISCV_FLUSH_ICACHE, start, end, 0)
}
