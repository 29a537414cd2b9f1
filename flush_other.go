//go:build !(linux && riscv64)

// flush_other.go - Platform stub; only riscv64 Linux executes patched code
package ecallhook

func flushICache(addr ProcAddr, length int) {}
