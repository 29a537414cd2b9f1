//go:build linux

// trampoline_linux_test.go - Trampoline placement walk tests
package ecallhook

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestTrampolineSlotHighText(t *testing.T) {
	// a text section above the 32-bit range: the first candidate is
	// the lowest page still reachable with a 2 GiB displacement
	textEnd := ProcAddr(0x1_0000_0000)
	textStart := textEnd - 0x10000

	maps := strings.NewReader(
		"00400000-00500000 r-xp 00000000 00:00 0\n" +
			"ffff0000-ffff1000 rw-p 00000000 00:00 0\n")

	slot, err := findTrampolineSlot(maps, textStart, textEnd)
	if err != nil {
		t.Fatal(err)
	}

	want := roundDownAddress(textEnd-ProcAddr(math.MaxInt32)) + pageSize
	if slot != want {
		t.Fatalf("slot = %#x, want %#x", uintptr(slot), uintptr(want))
	}
}

func TestTrampolineSlotSkipsMappings(t *testing.T) {
	textEnd := ProcAddr(0x1_0000_0000)
	textStart := textEnd - 0x10000
	first := roundDownAddress(textEnd-ProcAddr(math.MaxInt32)) + pageSize

	// the first candidate page is taken; the walk lands right after
	// the occupying mapping
	line := mapsLine(first-pageSize, first+3*pageSize)
	slot, err := findTrampolineSlot(strings.NewReader(line), textStart, textEnd)
	if err != nil {
		t.Fatal(err)
	}
	if slot != first+3*pageSize {
		t.Fatalf("slot = %#x", uintptr(slot))
	}
}

func TestTrampolineSlotUnreachable(t *testing.T) {
	textEnd := ProcAddr(0x1_0000_0000)
	textStart := textEnd - 0x10000
	first := roundDownAddress(textEnd-ProcAddr(math.MaxInt32)) + pageSize

	// one giant mapping pushes the candidate past the positive reach
	line := mapsLine(first, textStart+ProcAddr(jump2GBPosReach)+pageSize)
	_, err := findTrampolineSlot(strings.NewReader(line), textStart, textEnd)
	if err == nil {
		t.Fatal("expected placement failure")
	}
}

func TestTrampolineSlotLowText(t *testing.T) {
	// a text section below the 32-bit range starts the walk at the
	// bottom of memory, clamped to the mmap floor
	maps := strings.NewReader("00400000-00500000 r-xp 00000000 00:00 0\n")

	slot, err := findTrampolineSlot(maps, 0x10000, 0x20000)
	if err != nil {
		t.Fatal(err)
	}
	if slot != getMinAddress() {
		t.Fatalf("slot = %#x, want the mmap floor %#x",
			uintptr(slot), uintptr(getMinAddress()))
	}
}

func mapsLine(start, end ProcAddr) string {
	return fmt.Sprintf("%x-%x r-xp 00000000 00:00 0\n", uintptr(start), uintptr(end))
}
