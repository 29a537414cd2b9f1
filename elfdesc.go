// elfdesc.go - Per-object descriptor: ELF traversal, jump table, syscall crawl
package ecallhook

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	// surroundingInstrsNum is the width of the sliding window of
	// decoded instructions the crawler maintains: a syscall may need
	// up to six predecessors and six successors of context to reach
	// the minimum overwrite footprint.
	surroundingInstrsNum = 13
	syscallIdx           = 6
)

// maxSectionList bounds the symbol and relocation section lists.
// Generally only two sections of each kind exist, so 16 is plenty.
const maxSectionList = 16

// Relocation types consumed from RELA tables. The numeric values are
// the "adjust by program base" kinds; the constants carry the x86_64
// numbering the toolchains emit.
const (
	relaTypeRelative   = 8
	relaTypeRelative64 = 38
)

type sectionList struct {
	count    int
	sections [maxSectionList]*elf.Section
}

func (l *sectionList) add(sec *elf.Section) {
	if l.count >= maxSectionList {
		xabort("allocated section list exhausted")
	}
	l.sections[l.count] = sec
	l.count++
}

// Desc describes one object being patched. It is created by the
// loader hook, populated by FindSyscalls, consumed by the planner and
// emitter, and retained until process exit: the trampoline page must
// outlive all patched sites.
type Desc struct {
	// Path is where the object is in the filesystem.
	Path string

	// BaseAddr is the delta between addresses observed by the
	// current process and ELF virtual addresses: zero for the main
	// executable, non-zero for shared objects.
	BaseAddr ProcAddr

	// AsmEntryPoint is the address of the interception entry code
	// the patches divert control to.
	AsmEntryPoint ProcAddr

	// UsesTrampoline selects whether gateway patches jump through
	// the per-object trampoline. On by default; disabled when
	// INTERCEPT_NO_TRAMPOLINE is present and begins with '0'.
	UsesTrampoline bool

	// Compressed selects RVC-aware decoding and encoding.
	Compressed bool

	textSectionIndex int
	textOffset       FileOffset

	// TextStart and TextEnd delimit .text in the process address
	// space; TextEnd is the address of the last byte.
	TextStart ProcAddr
	TextEnd   ProcAddr

	// text holds the bytes of .text being analyzed. Normally this is
	// the live mapping attached by FindSyscalls; tests inject a
	// buffer together with synthetic addresses.
	text []byte

	symbolTables sectionList
	relaTables   sectionList

	jumpTable []byte

	items []*Patch

	// TrampolineAddress is where the per-object trampoline was
	// mapped, or zero when trampolines are disabled.
	TrampolineAddress ProcAddr

	// relocPage is the single executable region holding the
	// trampoline and the displaced-original blocks, with its address
	// and the emission cursor.
	relocPage     []byte
	relocPageAddr ProcAddr
	relocUsed     int

	// gateway is the first gateway patch planned for this object;
	// medium patches chain through it.
	gateway *Patch

	enc encoder
}

// NewDesc prepares a descriptor for one loaded object.
func NewDesc(path string, baseAddr ProcAddr, asmEntry ProcAddr, compressed bool) *Desc {
	return &Desc{
		Path:           path,
		BaseAddr:       baseAddr,
		AsmEntryPoint:  asmEntry,
		UsesTrampoline: true,
		Compressed:     compressed,
		enc:            encoder{rvc: compressed},
	}
}

// Patches returns the patch records collected by FindSyscalls.
func (d *Desc) Patches() []*Patch {
	return d.items
}

func (d *Desc) addTextInfo(sec *elf.Section, index int) {
	d.textOffset = FileOffset(sec.Offset)
	d.TextStart = rebase(d.BaseAddr, VirtualAddr(sec.Addr))
	d.TextEnd = d.TextStart + ProcAddr(sec.Size) - 1
	d.textSectionIndex = index
}

// findSections walks the section headers of the on-disk file. The
// loaded object is mmapped already of course, but not necessarily the
// whole file is mapped: section headers and symbol tables are often
// only present in the original file.
func (d *Desc) findSections(f *elf.File) error {
	d.symbolTables.count = 0
	d.relaTables.count = 0

	textFound := false

	for i, sec := range f.Sections {
		debugDumpf("looking at section: %q type: %d\n", sec.Name, sec.Type)
		switch {
		case sec.Name == ".text":
			textFound = true
			d.addTextInfo(sec, i)
		case sec.Type == elf.SHT_SYMTAB || sec.Type == elf.SHT_DYNSYM:
			debugDumpf("found symbol table: %s\n", sec.Name)
			d.symbolTables.add(sec)
		case sec.Type == elf.SHT_RELA:
			debugDumpf("found relocation table: %s\n", sec.Name)
			d.relaTables.add(sec)
		}
	}

	if !textFound {
		return fmt.Errorf("%s: text section not found", d.Path)
	}
	return nil
}

// allocateJumpTable allocates a bitmap with one bit for every even
// address of .text: all RISC-V instructions are aligned to 2 bytes, so
// the map divides by 16 instead of 8. Plus one, because integer
// division can come up short.
func (d *Desc) allocateJumpTable() {
	byteCount := uint64(d.TextEnd-d.TextStart) + 1
	d.jumpTable = make([]byte, byteCount/16+1)
}

func isBitSet(table []byte, offset uint64) bool {
	return table[offset/16]&(1<<(offset/2%8)) != 0
}

func setBit(table []byte, offset uint64) {
	table[offset/16] |= 1 << (offset / 2 % 8)
}

// HasJump reports whether addr is known to be the destination of some
// jump or subroutine call in the code. The address is the one seen by
// the current process, not an offset in the ELF file; anything outside
// .text is not a destination.
func (d *Desc) HasJump(addr ProcAddr) bool {
	if addr >= d.TextStart && addr <= d.TextEnd {
		return isBitSet(d.jumpTable, uint64(addr-d.TextStart))
	}
	return false
}

// markJump marks an address as a jump destination, see HasJump.
func (d *Desc) markJump(addr ProcAddr) {
	if addr >= d.TextStart && addr <= d.TextEnd {
		setBit(d.jumpTable, uint64(addr-d.TextStart))
	}
}

// elf64SymSize and elf64RelaSize are the on-disk record sizes.
const (
	elf64SymSize  = 24
	elf64RelaSize = 24
)

// findJumpsInSectionSyms reads a .symtab or .dynsym section. Symbols
// of functions in .text contribute jump destinations at their entry
// point, and at their end when the size is recorded.
func (d *Desc) findJumpsInSectionSyms(sec *elf.Section) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("%s: reading %s: %w", d.Path, sec.Name, err)
	}

	r := bytes.NewReader(data)
	for i := 0; i < len(data)/elf64SymSize; i++ {
		var sym elf.Sym64
		if err := binary.Read(r, binary.LittleEndian, &sym); err != nil {
			return fmt.Errorf("%s: parsing %s: %w", d.Path, sec.Name, err)
		}

		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue // it is not a function
		}
		if int(sym.Shndx) != d.textSectionIndex {
			continue // it is not in the text section
		}

		debugDumpf("jump target: %x\n", sym.Value)

		address := rebase(d.BaseAddr, VirtualAddr(sym.Value))

		// a function entry point in .text, mark it
		d.markJump(address)

		// a function's end in .text, mark it
		if sym.Size != 0 {
			d.markJump(address + ProcAddr(sym.Size))
		}
	}
	return nil
}

// findJumpsInSectionRela looks for addends in relocation entries of
// the "adjust by program base" kinds: those addends are addresses the
// dynamic linker plants somewhere, i.e. potential jump destinations.
func (d *Desc) findJumpsInSectionRela(sec *elf.Section) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("%s: reading %s: %w", d.Path, sec.Name, err)
	}

	r := bytes.NewReader(data)
	for i := 0; i < len(data)/elf64RelaSize; i++ {
		var rela elf.Rela64
		if err := binary.Read(r, binary.LittleEndian, &rela); err != nil {
			return fmt.Errorf("%s: parsing %s: %w", d.Path, sec.Name, err)
		}

		switch elf.R_TYPE64(rela.Info) {
		case relaTypeRelative, relaTypeRelative64:
			debugDumpf("jump target: %x\n", rela.Addend)
			d.markJump(rebase(d.BaseAddr, VirtualAddr(rela.Addend)))
		}
	}
	return nil
}

// addNewPatch acquires a new patch entry.
func (d *Desc) addNewPatch() *Patch {
	p := &Patch{}
	d.items = append(d.items, p)
	return p
}

func (d *Desc) fillUpPatch(p *Patch, surr *[surroundingInstrsNum]disasmResult, idx int) {
	p.ContainingLibPath = d.Path

	p.surroundingInstrs = make([]disasmResult, surroundingInstrsNum)
	copy(p.surroundingInstrs, surr[:])

	p.SyscallAddr = surr[idx].address
	p.SyscallOffset = FileOffset(uint64(p.SyscallAddr-d.TextStart) + uint64(d.textOffset))
	p.syscallIdx = idx
}

// crawlText disassembles the whole text section in one linear pass,
// collecting the addresses of all ecall instructions together with a
// description of the surrounding instructions, and building the
// lookup table of jump destinations. The actual patching cannot
// happen during this phase: it is not yet known which addresses are
// jump destinations.
func (d *Desc) crawlText() {
	var surr [surroundingInstrsNum]disasmResult

	ctx := newDisasmContext(d.enc, d.text, d.TextStart)

	off := 0
	for off < len(d.text) {
		result := ctx.nextInstruction(off)

		if result.length == 0 {
			// could not decode; resynchronize one byte further
			off++
			continue
		}

		if result.hasIPRelativeOpr {
			d.markJump(result.ripRefAddr)
		}

		if surr[syscallIdx].isSyscall {
			d.fillUpPatch(d.addNewPatch(), &surr, syscallIdx)
		}

		// shift each element to the left, FIFO
		copy(surr[:], surr[1:])
		surr[surroundingInstrsNum-1] = result

		off += result.length
	}

	// The last instructions of .text (from the center of the window
	// onward) could not be checked for ecall above, so it is done
	// here. Each trailing ecall is centered as far as the unset
	// leading slots allow, without discarding decoded predecessors.
	for i := syscallIdx; i < surroundingInstrsNum; i++ {
		if !surr[i].isSyscall {
			continue
		}

		unset := 0
		for unset < i && !surr[unset].isSet {
			unset++
		}

		shift := i - syscallIdx
		if shift > unset {
			shift = unset
		}
		if shift > 0 {
			copy(surr[:], surr[shift:])
			for j := surroundingInstrsNum - shift; j < surroundingInstrsNum; j++ {
				surr[j] = disasmResult{}
			}
			i -= shift
		}

		d.fillUpPatch(d.addNewPatch(), &surr, i)
	}
}

// FindSyscalls disassembles the object's text section: it locates
// every ecall, records the surrounding instructions for each, and
// fills the jump-destination table consulted by the planner. The
// metadata is read from the on-disk file named by Path.
func (d *Desc) FindSyscalls() error {
	debugDumpf("find syscalls in %s at base 0x%016x\n", d.Path, uintptr(d.BaseAddr))

	d.items = nil

	f, err := elf.Open(d.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", d.Path, err)
	}
	defer f.Close()

	if err := d.findSections(f); err != nil {
		return err
	}
	debugDumpf("%s .text mapped at 0x%016x - 0x%016x\n",
		d.Path, uintptr(d.TextStart), uintptr(d.TextEnd))

	d.allocateJumpTable()

	for i := 0; i < d.symbolTables.count; i++ {
		if err := d.findJumpsInSectionSyms(d.symbolTables.sections[i]); err != nil {
			return err
		}
	}
	for i := 0; i < d.relaTables.count; i++ {
		if err := d.findJumpsInSectionRela(d.relaTables.sections[i]); err != nil {
			return err
		}
	}

	if d.text == nil {
		d.attachText()
	}

	d.crawlText()

	return nil
}
