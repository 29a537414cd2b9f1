// address_types.go - Strongly typed addresses to prevent mixing ELF virtual addresses, file offsets, and process addresses
package ecallhook

import "fmt"

// VirtualAddr represents an address as recorded in the ELF file
// (section headers, symbol values, relocation addends).
type VirtualAddr uint64

// FileOffset represents an offset in the on-disk ELF file (e.g., 0x3000)
type FileOffset uint64

// ProcAddr represents an address as observed by the current process.
// For the main executable it coincides with VirtualAddr; for shared
// objects the two differ by the load base.
type ProcAddr uintptr

func (v VirtualAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(v))
}

func (f FileOffset) String() string {
	return fmt.Sprintf("file:0x%x", uint64(f))
}

func (p ProcAddr) String() string {
	return fmt.Sprintf("mem:0x%x", uintptr(p))
}

// rebase translates an ELF virtual address into the process address
// space. base is the delta between the two spaces: zero for the main
// executable, the load base for shared objects.
func rebase(base ProcAddr, v VirtualAddr) ProcAddr {
	return base + ProcAddr(v)
}
