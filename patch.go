// patch.go - Patch shape selection, relocation-block emission and overwrite preparation
package ecallhook

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// patchKind is the shape of one patched site.
type patchKind int8

const (
	// patchSML overwrites just the ecall (and possibly the following
	// register setter) with a direct jump onto the detour head of the
	// site's relocation block, which performs the gateway sequence out
	// of line. The syscall number is a static immediate recovered from
	// the preceding instructions.
	patchSML patchKind = iota

	// patchMID is the same footprint as a gateway around a short JAL
	// that chains through the object's gateway patch. The stub reads
	// a7 from the live register.
	patchMID

	// patchGW reaches the trampoline (or the entry code directly)
	// with an AUIPC+JALR pair. The stub reads a7 from the live
	// register.
	patchGW
)

func (k patchKind) String() string {
	switch k {
	case patchSML:
		return "SML"
	case patchMID:
		return "MID"
	case patchGW:
		return "GW"
	}
	return "?"
}

// Patch describes one ecall site and, once planned, the exact bytes
// that replace it.
type Patch struct {
	// ReturnAddress is the address of the first instruction after
	// the patched region.
	ReturnAddress ProcAddr

	// RelocationAddress is where the displaced originals live.
	RelocationAddress ProcAddr

	// SyscallAddr is the address of the ecall instruction;
	// SyscallOffset its offset in the on-disk file, for diagnostics.
	SyscallAddr       ProcAddr
	SyscallOffset     FileOffset
	ContainingLibPath string

	kind patchKind

	// staticA7 is the a7 value found before the ecall; meaningful
	// only for small patches.
	staticA7 int16

	// dstJmpPatch is the first byte of the patch shape in .text,
	// excluding a leading c.nop used to align the patch block.
	dstJmpPatch    ProcAddr
	patchSizeBytes int

	// alignment with surrounding instructions, only needed with
	// compressed code
	startWithCNop bool
	endWithCNop   bool

	// surroundingInstrs describes up to thirteen instructions around
	// the ecall, which sits at syscallIdx (the center, except near
	// the edges of .text).
	surroundingInstrs []disasmResult
	syscallIdx        int

	isRaUsedBefore bool

	// returnRegister is the architectural number of a register
	// written immediately after the ecall, or -1. It is the only
	// register a 4-byte small patch may clobber as the link of its
	// in-place jal.
	returnRegister int8

	// overwrite holds the prepared replacement bytes, committed by
	// ActivatePatches starting at overwriteStart.
	overwriteStart ProcAddr
	overwrite      []byte

	// displaced are window indices of the instructions moved into
	// the relocation block (the ecall itself is never among them).
	displaced []int
}

// Kind returns the chosen patch shape.
func (p *Patch) Kind() patchKind {
	return p.kind
}

// StaticA7 returns the static syscall number of a small patch.
func (p *Patch) StaticA7() int16 {
	return p.staticA7
}

// PatchSize returns the number of .text bytes being overwritten,
// including any alignment nops.
func (p *Patch) PatchSize() int {
	if p.startWithCNop {
		return p.patchSizeBytes + rvcInsSize
	}
	return p.patchSizeBytes
}

// Planned reports whether a viable shape was found for this site.
func (p *Patch) Planned() bool {
	return p.overwrite != nil
}

// errUnsafePatch marks sites that cannot be patched without clobbering
// a jump destination or relocating an instruction the emitter refuses
// to move. Such sites are skipped; the ecall runs unintercepted.
var errUnsafePatch = errors.New("unsafe patch")

// shapePrologueSize / shapeEpilogueSize are the byte counts of the shape
// before and after the in-place jump. The jump's first word lands
// exactly on the ecall, so the displaced predecessors must cover the
// prologue and the displaced successors the epilogue plus the jump's
// tail word.
func (d *Desc) shapePrologueSize() int {
	return d.enc.modifySPSize() + d.enc.storeLoadSize()
}

func (d *Desc) shapeEpilogueSize(jumpSize int) int {
	return d.enc.storeLoadSize() + d.enc.modifySPSize() + (jumpSize - ecallInsSize)
}

// gwSize and midSize are the full shape sizes.
func (d *Desc) gwSize() int {
	return 2*d.shapePrologueSize() + jump2GBInsSize
}

func (d *Desc) midSize() int {
	return 2*d.shapePrologueSize() + jalInsSize
}

// trampolineSize bounds the per-object trampoline emission.
func (d *Desc) trampolineSize() int {
	return d.enc.modifySPSize() + d.enc.storeLoadSize() + d.enc.jumpAbsSize()
}

// directJumpOffset is applied to the entry address when the trampoline
// is disabled: the first instructions of the entry code only restore
// the ra value the trampoline clobbers, which a direct jump skips.
func (d *Desc) directJumpOffset() int {
	return d.enc.storeLoadSize() + d.enc.modifySPSize()
}

// analyzeA7 walks the predecessors of the ecall. Any dynamic write to
// a7 disqualifies the static analysis; otherwise the nearest immediate
// load into a7 provides the small patch's syscall number.
func analyzeA7(p *Patch) (num int16, ok bool) {
	num, ok = -1, true
	for i := p.syscallIdx - 1; i >= 0; i-- {
		ins := &p.surroundingInstrs[i]
		if !ins.isSet {
			continue
		}
		if ins.isA7Modified {
			ok = false
		}
		if num < 0 && ins.a7Set >= 0 {
			num = ins.a7Set
		}
	}
	if !ok || num < 0 {
		return -1, false
	}
	return num, true
}

// displaceable reports whether an instruction may be moved into the
// relocation block. AUIPC is rejected: relocating it would require
// loading the absolute address in the relocation space, which is
// costly. Compressed control transfers cannot be re-encoded against a
// new address, and a second ecall belongs to its own patch.
func displaceable(ins *disasmResult) bool {
	if !ins.isSet || ins.isSyscall || ins.hasIPRelativeOpr {
		return false
	}
	if ins.length == rvcInsSize && ins.ripRefAddr != 0 {
		return false
	}
	return true
}

// regionSplit describes the displaced instructions around the ecall:
// window indices [first, last], the byte counts on each side of the
// ecall, and the alignment nops needed to pad original instruction
// boundaries to the fixed shape layout.
type regionSplit struct {
	first, last         int
	startNop, endNop    bool
	beforeLen, afterLen int
}

// planSplit grows the displaced region until the predecessors cover
// beforeNeed bytes and the successors afterNeed bytes. Instruction
// lengths are 2 or 4, so each side overshoots by at most 2 bytes,
// absorbed by a compressed nop.
func (p *Patch) planSplit(beforeNeed, afterNeed int) (regionSplit, bool) {
	s := regionSplit{first: p.syscallIdx, last: p.syscallIdx}

	for s.beforeLen < beforeNeed && s.first > 0 {
		ins := &p.surroundingInstrs[s.first-1]
		if !displaceable(ins) {
			break
		}
		s.first--
		s.beforeLen += ins.length
	}
	for s.afterLen < afterNeed && s.last+1 < surroundingInstrsNum {
		ins := &p.surroundingInstrs[s.last+1]
		if !displaceable(ins) {
			break
		}
		s.last++
		s.afterLen += ins.length
	}

	if s.beforeLen < beforeNeed || s.afterLen < afterNeed {
		return s, false
	}

	s.startNop = s.beforeLen == beforeNeed+rvcInsSize
	s.endNop = s.afterLen == afterNeed+rvcInsSize

	return s, true
}

// checkOverwriteRegion enforces the jump-table rule: the overwritten
// region must not contain any destination byte other than its first.
// start is the detour entry (dst_jmp_patch); a jump landing exactly
// there, or on a leading alignment nop before it, still enters the
// patch at its head and is permitted.
func (d *Desc) checkOverwriteRegion(start, end ProcAddr) bool {
	for a := start + 2; a <= end; a += 2 {
		if d.HasJump(a) {
			return false
		}
	}
	return true
}

// displacedIndices lists the moved instructions in program order,
// excluding the ecall.
func (p *Patch) displacedIndices(s regionSplit) []int {
	idx := make([]int, 0, s.last-s.first)
	for i := s.first; i <= s.last; i++ {
		if i == p.syscallIdx {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

// CreatePatches plans and emits every patch record collected by
// FindSyscalls. Sites with no viable shape are skipped: those ecalls
// will execute unintercepted.
func (d *Desc) CreatePatches() {
	if d.relocPage == nil {
		xabort("no relocation area allocated")
	}
	for _, p := range d.items {
		if err := d.createPatch(p); err != nil {
			debugDumpf("skipping syscall at %s in %s: %v\n",
				p.SyscallAddr, p.ContainingLibPath, err)
		}
	}
}

func (d *Desc) createPatch(p *Patch) error {
	staticA7, smlEligible := analyzeA7(p)

	// The gateway shapes read a7 live and are preferred over the
	// fragile static analysis of the small shape; among the two, the
	// medium overwrite is smaller.
	if d.gateway != nil && d.planMid(p) {
		return d.emitPatch(p)
	}
	if d.planGw(p) {
		if err := d.emitPatch(p); err != nil {
			return err
		}
		if d.gateway == nil {
			d.gateway = p
		}
		return nil
	}
	if smlEligible && d.planSml(p, staticA7) {
		return d.emitPatch(p)
	}

	p.surroundingInstrs = nil
	return errUnsafePatch
}

// planGw lays a gateway shape over the site: prologue over the
// predecessors, AUIPC+JALR over the ecall and the word after it,
// epilogue over the remaining successors.
func (d *Desc) planGw(p *Patch) bool {
	before := d.shapePrologueSize()
	after := d.shapeEpilogueSize(jump2GBInsSize)

	s, ok := p.planSplit(before, after)
	if !ok {
		return false
	}

	return d.adoptSplit(p, patchGW, s)
}

// planMid is the gateway footprint around a short JAL into the
// object's gateway patch, entered past its stack adjustment since the
// medium prologue has already performed it.
func (d *Desc) planMid(p *Patch) bool {
	before := d.shapePrologueSize()
	after := d.shapeEpilogueSize(jalInsSize)

	s, ok := p.planSplit(before, after)
	if !ok {
		return false
	}

	target := d.gateway.dstJmpPatch + ProcAddr(d.enc.modifySPSize())
	var scratch [jalInsSize]byte
	if d.enc.rvpJal(scratch[:], regRA, p.SyscallAddr, target) == 0 {
		return false
	}

	return d.adoptSplit(p, patchMID, s)
}

// adoptSplit records the chosen region on the patch and runs the
// jump-destination check.
func (d *Desc) adoptSplit(p *Patch, kind patchKind, s regionSplit) bool {
	start := p.SyscallAddr - ProcAddr(s.beforeLen)
	end := p.SyscallAddr + ProcAddr(ecallInsSize+s.afterLen) - 1

	dst := start
	if s.startNop {
		dst += rvcInsSize
	}
	if !d.checkOverwriteRegion(dst, end) {
		return false
	}

	p.kind = kind
	p.startWithCNop = s.startNop
	p.endWithCNop = s.endNop
	p.overwriteStart = start
	p.dstJmpPatch = dst
	p.patchSizeBytes = int(end-p.dstJmpPatch) + 1
	p.ReturnAddress = end + 1
	p.displaced = p.displacedIndices(s)

	p.isRaUsedBefore = false
	for i := s.first; i < p.syscallIdx; i++ {
		if p.surroundingInstrs[i].isRaUsed {
			p.isRaUsedBefore = true
		}
	}

	return true
}

// planSml overwrites the ecall alone when the instruction after it
// provides a clobberable link register, or the ecall plus that
// instruction otherwise. The JAL targets the detour head of the
// site's own relocation block, so the block must be within a
// megabyte; the head hands control to the entry code the same way a
// gateway does.
func (d *Desc) planSml(p *Patch, staticA7 int16) bool {
	blockAddr := d.relocPageAddr + ProcAddr(d.relocUsed)

	var scratch [jalInsSize]byte
	if d.enc.rvpJal(scratch[:], regZero, p.SyscallAddr, blockAddr) == 0 {
		return false
	}

	var succ *disasmResult
	if p.syscallIdx+1 < surroundingInstrsNum {
		succ = &p.surroundingInstrs[p.syscallIdx+1]
	}

	// 4-byte form: the register written right after the ecall is
	// dead on entry, so the in-place jal may link through it. The
	// following instruction must not be a jump destination, or the
	// detour would be skipped by whoever jumps there.
	if succ != nil && succ.isSet && succ.regSet > 0 && !d.HasJump(succ.address) {
		p.kind = patchSML
		p.staticA7 = staticA7
		p.returnRegister = succ.regSet
		p.overwriteStart = p.SyscallAddr
		p.dstJmpPatch = p.SyscallAddr
		p.patchSizeBytes = ecallInsSize
		p.ReturnAddress = p.SyscallAddr + ecallInsSize
		p.displaced = nil
		return true
	}

	// 8-byte form: displace the following instruction as well.
	if succ == nil || !displaceable(succ) {
		return false
	}
	end := p.SyscallAddr + ProcAddr(ecallInsSize+succ.length) - 1
	if !d.checkOverwriteRegion(p.SyscallAddr, end) {
		return false
	}

	p.kind = patchSML
	p.staticA7 = staticA7
	p.returnRegister = -1
	p.overwriteStart = p.SyscallAddr
	p.dstJmpPatch = p.SyscallAddr
	p.patchSizeBytes = int(end-p.SyscallAddr) + 1
	p.ReturnAddress = end + 1
	p.displaced = []int{p.syscallIdx + 1}
	return true
}

// emitPatch writes the relocation block and prepares the overwrite
// bytes. Nothing touches .text until ActivatePatches commits.
func (d *Desc) emitPatch(p *Patch) error {
	if err := d.emitRelocation(p); err != nil {
		p.surroundingInstrs = nil
		return err
	}

	buf := make([]byte, 0, p.patchSizeBytes+rvcInsSize)
	var word [jump2GBInsSize]byte

	emit := func(n int) {
		buf = append(buf, word[:n]...)
	}

	if p.startWithCNop {
		emit(d.enc.rvcNop(word[:]))
	}

	switch p.kind {
	case patchGW, patchMID:
		saveOff := int32(origRaOff)
		if p.kind == patchMID {
			saveOff = midOrigRaOff
		}

		emit(d.enc.rvpcAddisp(word[:], -patchSPOff))
		emit(d.enc.rvpcSdsp(word[:], regRA, saveOff))

		if p.kind == patchGW {
			target := d.TrampolineAddress
			if !d.UsesTrampoline {
				target = d.AsmEntryPoint + ProcAddr(d.directJumpOffset())
			}
			n := d.enc.rvpJump2GB(word[:], regRA, regRA, p.SyscallAddr, target)
			if n == 0 {
				xabort("gateway jump out of reach")
			}
			emit(n)
			if n < jump2GBInsSize {
				emit(d.enc.rvcNop(word[:]))
			}
		} else {
			target := d.gateway.dstJmpPatch + ProcAddr(d.enc.modifySPSize())
			n := d.enc.rvpJal(word[:], regRA, p.SyscallAddr, target)
			if n == 0 {
				xabort("gateway chain jump out of reach")
			}
			emit(n)
		}

		emit(d.enc.rvpcLdsp(word[:], regRA, saveOff))
		emit(d.enc.rvpcAddisp(word[:], patchSPOff))

	case patchSML:
		rd := regZero
		if p.returnRegister > 0 {
			rd = reg(p.returnRegister)
		}
		// the jal lands on the block's detour head, which sits right
		// before the displaced originals
		head := p.RelocationAddress - ProcAddr(d.gwSize())
		n := d.enc.rvpJal(word[:], rd, p.SyscallAddr, head)
		if n == 0 {
			xabort("small patch jump out of reach")
		}
		emit(n)

		for pad := p.patchSizeBytes - len(buf); pad > 0; pad = p.patchSizeBytes - len(buf) {
			if d.enc.rvc {
				emit(d.enc.rvcNop(word[:]))
			} else {
				// jump over the dead word; the encoder has no
				// plain nop form
				emit(d.enc.rvJal(word[:], regZero, int32(pad)))
			}
		}
	}

	if p.endWithCNop {
		emit(d.enc.rvcNop(word[:]))
	}

	want := int(p.ReturnAddress - p.overwriteStart)
	if len(buf) != want {
		return fmt.Errorf("patch shape is %d bytes, overwrite region is %d: %w",
			len(buf), want, errUnsafePatch)
	}

	p.overwrite = buf
	p.surroundingInstrs = nil

	return nil
}

// emitRelocation writes the patch's relocation block. A small patch
// gets a detour head first: the site has no room for the gateway
// sequence, so the block performs it out of line. Then come the
// displaced originals — one fixed-width slot per instruction, chained
// with short jumps — and a 2 GiB jump tail resuming at the return
// address; that part only runs when the stub continues.
func (d *Desc) emitRelocation(p *Patch) error {
	stride := d.enc.maxPseudoSize()
	headSize := 0
	if p.kind == patchSML {
		headSize = d.gwSize()
	}
	need := headSize + len(p.displaced)*stride + jump2GBInsSize

	if d.relocUsed+need > len(d.relocPage) {
		xabort("relocation area exhausted")
	}

	base := d.relocPageAddr + ProcAddr(d.relocUsed)
	buf := d.relocPage[d.relocUsed : d.relocUsed+need]

	if p.kind == patchSML {
		d.emitDetourHead(buf[:headSize], base)
	}

	for k, i := range p.displaced {
		ins := &p.surroundingInstrs[i]
		off := headSize + k*stride
		slotAddr := base + ProcAddr(off)

		n, err := d.relocateInstr(buf[off:], ins, slotAddr)
		if err != nil {
			return err
		}

		// chain into the next slot
		next := headSize + (k+1)*stride
		if d.enc.rvJal(buf[off+n:], regZero, int32(next-(off+n))) == 0 {
			return errUnsafePatch
		}
	}

	tailOff := headSize + len(p.displaced)*stride
	tailAddr := base + ProcAddr(tailOff)
	if d.enc.rvpJump2GB(buf[tailOff:], regZero, regRA, tailAddr, p.ReturnAddress) == 0 {
		xabort("relocation return jump out of reach")
	}

	p.RelocationAddress = base + ProcAddr(headSize)
	d.relocUsed += need

	return nil
}

// emitDetourHead writes the gateway sequence a small patch's jal
// lands on: stack prologue, ra save, the 2 GiB jump that hands
// control to the trampoline (or the entry code directly), and the
// matching epilogue the stub returns through before the displaced
// originals. The static syscall number travels in the patch record,
// not in emitted code.
func (d *Desc) emitDetourHead(buf []byte, addr ProcAddr) {
	off := d.enc.rvpcAddisp(buf, -patchSPOff)
	off += d.enc.rvpcSdsp(buf[off:], regRA, origRaOff)

	target := d.TrampolineAddress
	if !d.UsesTrampoline {
		target = d.AsmEntryPoint + ProcAddr(d.directJumpOffset())
	}
	n := d.enc.rvpJump2GB(buf[off:], regRA, regRA, addr+ProcAddr(off), target)
	if n == 0 {
		xabort("small patch detour out of reach")
	}
	off += n
	if n < jump2GBInsSize {
		off += d.enc.rvcNop(buf[off:])
	}

	off += d.enc.rvpcLdsp(buf[off:], regRA, origRaOff)
	d.enc.rvpcAddisp(buf[off:], patchSPOff)
}

// relocateInstr re-emits one displaced instruction at its new address.
// PC-relative control transfers get their displacement rebuilt against
// the slot address; everything else is moved verbatim.
func (d *Desc) relocateInstr(buf []byte, ins *disasmResult, slotAddr ProcAddr) (int, error) {
	orig := d.text[ins.address-d.TextStart:]

	if ins.ripRefAddr == 0 || ins.isAbsJump {
		return copy(buf[:ins.length], orig[:ins.length]), nil
	}

	// 32-bit relative control transfer; the compressed ones were
	// rejected at planning time
	word := binary.LittleEndian.Uint32(orig)
	delta64 := int64(ins.ripRefAddr) - int64(slotAddr)
	if delta64 < jump2GBNegReach || delta64 > jump2GBPosReach {
		return 0, errUnsafePatch
	}
	delta := int32(delta64)

	if word&0x7f == 0x6f { // JAL
		rd := reg(word >> 7 & 0x1f)
		if n := d.enc.rvJal(buf, rd, delta); n != 0 {
			return n, nil
		}
		return 0, errUnsafePatch
	}

	reencoded, ok := reencodeBranch(word, delta)
	if !ok {
		return 0, errUnsafePatch
	}
	return put32(buf, reencoded), nil
}

// reencodeBranch rebuilds the immediate fields of a B-type word.
func reencodeBranch(word uint32, imm int32) (uint32, bool) {
	if word&0x7f != 0x63 {
		return 0, false
	}
	if imm < -0x1000 || imm >= 0x1000 {
		return 0, false
	}

	instr := word & 0x01fff07f
	instr |= uint32(imm>>12&0x1) << 31
	instr |= uint32(imm>>5&0x3f) << 25
	instr |= uint32(imm>>1&0xf) << 8
	instr |= uint32(imm>>11&0x1) << 7

	return instr, true
}
