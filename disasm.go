// disasm.go - Disassembler adapter producing per-instruction facts for the patch planner
package ecallhook

import (
	"encoding/binary"
	"strings"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// disasmResult deliberately lacks most information about the
// instruction seen, to make it easy to interface a different
// disassembler: only the facts the planner consumes are recorded.
//
// The zero value is an unset window slot (isSet false).
type disasmResult struct {
	address ProcAddr

	isSet     bool
	isSyscall bool

	// length in bytes, zero if decoding was not successful
	length int

	// hasIPRelativeOpr marks instructions whose operand is relative
	// to the instruction address. Only AUIPC is marked: a relocated
	// AUIPC would need the absolute address loaded in the relocation
	// space, which is costly, so such sites are rejected instead.
	hasIPRelativeOpr bool
	isAbsJump        bool

	ripDisp    int32
	ripRefAddr ProcAddr

	// a7Set holds an immediate loaded into a7, or -1. A syscall
	// number can be 0, hence the sentinel.
	a7Set        int16
	isA7Modified bool
	isRaUsed     bool

	// regSet is the architectural number of the register written by a
	// plain two-operand instruction, or -1. Writes to the zero
	// register are not recorded.
	regSet int8

	// mnemonic is filled only when debug dumps are enabled
	mnemonic string
}

// disasmContext decodes instructions out of one text section. The
// third-party decoder covers the 32-bit encodings; the 16-bit
// compressed quadrants are handled by decodeCompressed.
type disasmContext struct {
	enc  encoder
	text []byte
	base ProcAddr
}

func newDisasmContext(enc encoder, text []byte, base ProcAddr) *disasmContext {
	return &disasmContext{enc: enc, text: text, base: base}
}

// nextInstruction examines a single instruction at the given offset
// into the text section. A result with length zero means the bytes
// could not be decoded; the caller skips one byte and retries.
func (c *disasmContext) nextInstruction(off int) disasmResult {
	res := disasmResult{
		address: c.base + ProcAddr(off),
		a7Set:   -1,
		regSet:  -1,
	}

	code := c.text[off:]
	if len(code) < rvcInsSize {
		return res
	}

	if code[0]&0x3 != 0x3 {
		// 16-bit encoding; meaningless outside a compressed build
		if !c.enc.rvc {
			return res
		}
		c.decodeCompressed(&res, binary.LittleEndian.Uint16(code))
		return res
	}

	if code[0]&0x1f == 0x1f || len(code) < rvInsSize {
		// 48-bit-or-wider encoding, or a truncated word at the end
		return res
	}

	inst, err := riscv64asm.Decode(code[:rvInsSize])
	if err != nil {
		return res
	}

	res.length = inst.Len
	res.isSyscall = inst.Op == riscv64asm.ECALL
	res.hasIPRelativeOpr = inst.Op == riscv64asm.AUIPC

	c.checkA7(&res, inst)
	c.checkRa(&res, inst)
	c.checkRegSet(&res, inst)
	c.checkJump(&res, inst)

	if debugDumpsOn {
		res.mnemonic = strings.ToLower(inst.Op.String())
	}

	res.isSet = true

	return res
}

// xreg extracts an integer register number from an operand.
func xreg(a riscv64asm.Arg) (reg, bool) {
	r, ok := a.(riscv64asm.Reg)
	if !ok || r > riscv64asm.X31 {
		return 0, false
	}
	return reg(r - riscv64asm.X0), true
}

func simm(a riscv64asm.Arg) (int32, bool) {
	s, ok := a.(riscv64asm.Simm)
	if !ok {
		return 0, false
	}
	return s.Imm, true
}

// writesFirstArg reports whether the instruction's first operand is a
// destination. Stores, branches, fences and the environment
// instructions only read their operands; everything else in the base
// sets writes operand zero.
func writesFirstArg(op riscv64asm.Op) bool {
	switch op {
	case riscv64asm.BEQ, riscv64asm.BNE, riscv64asm.BLT, riscv64asm.BGE,
		riscv64asm.BLTU, riscv64asm.BGEU,
		riscv64asm.SB, riscv64asm.SH, riscv64asm.SW, riscv64asm.SD,
		riscv64asm.FSW, riscv64asm.FSD,
		riscv64asm.FENCE, riscv64asm.ECALL, riscv64asm.EBREAK:
		return false
	}
	return true
}

// checkA7 finds an immediate loaded into a7, which the SML patch
// relies on. Any other write to a7 disqualifies the static analysis,
// so it is recorded as a modification.
func (c *disasmContext) checkA7(res *disasmResult, inst riscv64asm.Inst) {
	rd, ok := xreg(inst.Args[0])
	if !ok || rd != regA7 || !writesFirstArg(inst.Op) {
		return
	}

	if inst.Op == riscv64asm.ADDI {
		if rs, ok := xreg(inst.Args[1]); ok && rs == regZero {
			if imm, ok := simm(inst.Args[2]); ok {
				res.a7Set = int16(imm)
				return
			}
		}
	}

	res.isA7Modified = true
}

// checkRa reports whether any operand of the instruction references
// ra. The interception entry code uses ra for jumping back and forth
// between relocated instructions, so displaced instructions that read
// it need the original value restored first.
func (c *disasmContext) checkRa(res *disasmResult, inst riscv64asm.Inst) {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if r, ok := xreg(a); ok && r == regRA {
			res.isRaUsed = true
			return
		}
		if ro, ok := a.(riscv64asm.RegOffset); ok && ro.OfsReg == riscv64asm.X1 {
			res.isRaUsed = true
			return
		}
	}
}

// checkRegSet records the register a plain two-operand instruction
// writes, when it is distinct from the first source. A register set
// immediately after ecall can serve as the scratch register of the
// small patch, shrinking the overwrite to the ecall alone.
func (c *disasmContext) checkRegSet(res *disasmResult, inst riscv64asm.Inst) {
	rd, ok := xreg(inst.Args[0])
	if !ok || rd == regZero || !writesFirstArg(inst.Op) {
		return
	}
	if rs, ok := xreg(inst.Args[1]); ok && rs == rd {
		return
	}
	res.regSet = int8(rd)
}

// checkJump classifies control transfers: register-indirect jumps are
// absolute, everything else carries a PC-relative displacement in its
// last operand, recorded for the jump table and for relocation.
func (c *disasmContext) checkJump(res *disasmResult, inst riscv64asm.Inst) {
	switch inst.Op {
	case riscv64asm.JALR:
		res.isAbsJump = true
	case riscv64asm.JAL,
		riscv64asm.BEQ, riscv64asm.BNE, riscv64asm.BLT,
		riscv64asm.BGE, riscv64asm.BLTU, riscv64asm.BGEU:
		for i := len(inst.Args) - 1; i >= 0; i-- {
			if inst.Args[i] == nil {
				continue
			}
			if imm, ok := simm(inst.Args[i]); ok {
				res.ripDisp = imm
				res.ripRefAddr = res.address + ProcAddr(imm)
			}
			break
		}
	}
}
