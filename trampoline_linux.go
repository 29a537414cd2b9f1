//go:build linux

// trampoline_linux.go - Trampoline placement, page mapping and patch activation
package ecallhook

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"
)

const pageSize ProcAddr = 0x1000

func roundDownAddress(addr ProcAddr) ProcAddr {
	return addr &^ (pageSize - 1)
}

var minAddress ProcAddr

// getMinAddress looks for the lowest address that might be mmapped,
// useful while looking for trampoline space close to a text section.
func getMinAddress() ProcAddr {
	if minAddress != 0 {
		return minAddress
	}

	minAddress = 0x10000 // best guess

	if data, err := os.ReadFile("/proc/sys/vm/mmap_min_addr"); err == nil {
		if v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
			minAddress = ProcAddr(v)
		}
	}

	return minAddress
}

var errTrampolineUnreachable = errors.New("unable to find place for trampoline")

// findTrampolineSlot picks a page-aligned gap in the address space
// listing that a 2 GiB displacement from the text section still
// reaches. The first candidate is the lowest reachable page; every
// overlapping mapping pushes the candidate to its end.
func findTrampolineSlot(maps io.Reader, textStart, textEnd ProcAddr) (ProcAddr, error) {
	var guess ProcAddr

	if uint64(textEnd) < math.MaxInt32 {
		// start from the bottom of memory
		guess = 0
	} else {
		guess = textEnd - ProcAddr(math.MaxInt32)
		guess = roundDownAddress(guess) + pageSize
	}

	if guess < getMinAddress() {
		guess = getMinAddress()
	}

	sc := bufio.NewScanner(maps)
	for sc.Scan() {
		var start, end uint64
		if _, err := fmt.Sscanf(sc.Text(), "%x-%x", &start, &end); err != nil {
			return 0, fmt.Errorf("parsing maps entry %q: %w", sc.Text(), err)
		}

		if ProcAddr(end) < guess {
			continue // no overlap, look at the next mapping
		}
		if ProcAddr(start) >= guess+pageSize {
			// the rest of the mappings cannot overlap
			break
		}

		// the next guess is the page following this mapping
		guess = ProcAddr(end)

		if guess >= textStart+ProcAddr(jump2GBPosReach) {
			return 0, errTrampolineUnreachable
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}

	return guess, nil
}

func mmapFixed(addr ProcAddr, length ProcAddr) (ProcAddr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(addr), uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANON),
		^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return ProcAddr(r), nil
}

// AllocateTrampoline maps the object's executable page within 2 GiB
// reach of its text section. The page carries the trampoline (unless
// INTERCEPT_NO_TRAMPOLINE starts with '0', which makes gateway
// patches jump straight to the entry code) and the displaced-original
// blocks of every patch.
func (d *Desc) AllocateTrampoline() {
	d.UsesTrampoline = !strings.HasPrefix(env.Str("INTERCEPT_NO_TRAMPOLINE"), "0")

	maps, err := os.Open("/proc/self/maps")
	xabortErr(err, "open /proc/self/maps")

	slot, err := findTrampolineSlot(maps, d.TextStart, d.TextEnd)
	maps.Close()
	xabortErr(err, "trampoline placement")

	addr, err := mmapFixed(slot, pageSize)
	xabortErr(err, "unable to allocate space for trampoline")

	d.relocPageAddr = addr
	d.relocPage = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), pageSize)
	d.relocUsed = 0
	d.TrampolineAddress = 0

	if !d.UsesTrampoline {
		return
	}

	d.TrampolineAddress = addr
	d.relocUsed = d.trampolineSize()

	// save ra to its scratch slot, then stage the absolute jump
	// through it
	n := d.enc.rvpcSdsp(d.relocPage, regRA, unusedOff1)
	abs := d.enc.rvpJumpAbs(d.relocPage[n:], regZero, regRA, d.AsmEntryPoint)
	if abs == 0 {
		xabort("entry point beyond 48-bit reach")
	}

	flushICache(addr, n+abs)
}

// ActivatePatches commits every prepared overwrite into the text
// section. The pages holding patched code are switched to
// read-write-execute first, and the instruction cache is flushed over
// everything written.
func (d *Desc) ActivatePatches() {
	for _, p := range d.items {
		if !p.Planned() {
			continue
		}

		first := roundDownAddress(p.overwriteStart)
		last := p.overwriteStart + ProcAddr(len(p.overwrite)) - 1
		length := roundDownAddress(last) + pageSize - first

		page := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(first))), length)
		xabortErr(unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
			"mprotect text")

		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p.overwriteStart))), len(p.overwrite))
		copy(dst, p.overwrite)

		flushICache(p.overwriteStart, len(p.overwrite))
	}

	flushICache(d.relocPageAddr, d.relocUsed)
}

// Intercept runs the whole pipeline for one loaded object. The
// bootstrap contract returns no errors to the host: patching either
// completes or the process exits.
func Intercept(d *Desc) {
	if err := d.FindSyscalls(); err != nil {
		xabortErr(err, "find syscalls")
	}
	d.AllocateTrampoline()
	d.CreatePatches()
	d.ActivatePatches()
}
