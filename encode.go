// encode.go - RISC-V instruction encoders for patch and trampoline emission
package ecallhook

import (
	"encoding/binary"
	"math"
)

// Generic instruction sizes. RISC-V base instructions are fixed 32-bit
// little-endian words; the C extension interleaves 16-bit words on
// 2-byte alignment.
const (
	rvInsSize  = 4
	rvcInsSize = 2

	luiInsSize   = rvInsSize
	addiInsSize  = rvInsSize
	addiwInsSize = rvInsSize
	ecallInsSize = rvInsSize
	jalInsSize   = rvInsSize
	jalrInsSize  = rvInsSize
	auipcInsSize = rvInsSize

	jump2GBInsSize = auipcInsSize + jalrInsSize
)

// JAL reach lies in between +/- offset: the positive offset is 0xffffe
// and the negative is 0x100000. The bias is 2 because of the implicit bit.
const jalMidReach = 0xfffff

// The 2 GiB reach applies to the negative offset while the positive
// offset stops 4 KiB short of 2 GiB because of 2's complement bias and
// auipc shifting (1 << 12).
const (
	jump2GBNegReach = math.MinInt32
	jump2GBPosReach = math.MaxInt32 - 0xfff
)

// encoder emits RISC-V instructions into caller buffers. When rvc is
// set, the potentially-compressed forms prefer the 2-byte encoding
// whenever the operands allow it; the decision is per instruction, not
// per sequence.
type encoder struct {
	rvc bool
}

// Sizes of some frequently used instructions; these depend only on
// whether compressed encodings are in use.
func (e encoder) modifySPSize() int {
	if e.rvc {
		return rvcInsSize
	}
	return rvInsSize
}

func (e encoder) storeLoadSize() int {
	if e.rvc {
		return rvcInsSize
	}
	return rvInsSize
}

func (e encoder) slliSize() int {
	if e.rvc {
		return rvcInsSize
	}
	return rvInsSize
}

// jumpAbsSize is the worst case for the 48-bit absolute jump. The
// final size is 20-24 bytes depending only on SLLI because the
// compressed version can shift the same as the non-compressed one.
func (e encoder) jumpAbsSize() int {
	return luiInsSize + addiwInsSize + e.slliSize() + addiInsSize + e.slliSize() + jalrInsSize
}

// maxPseudoSize is the size of the biggest pseudo instruction,
// currently the absolute jump. Relocation slots are this wide.
func (e encoder) maxPseudoSize() int {
	return e.jumpAbsSize()
}

func put16(b []byte, instr uint16) int {
	binary.LittleEndian.PutUint16(b, instr)
	return rvcInsSize
}

func put32(b []byte, instr uint32) int {
	binary.LittleEndian.PutUint32(b, instr)
	return rvInsSize
}

// auipcOffsets splits a PC-relative displacement into the upper 20 bits
// for AUIPC and the sign-corrected lower 12 bits for the dependent
// instruction. A pair of zeroes signals an out-of-reach displacement
// (and is indistinguishable from a genuine zero displacement, as in the
// reference encoder).
func auipcOffsets(from, to ProcAddr) (hi int32, lo int16) {
	delta := int64(to) - int64(from)

	if delta < jump2GBNegReach || delta > jump2GBPosReach {
		return 0, 0
	}

	hi = int32(delta >> 12 & 0xfffff)
	lo = int16(delta & 0xfff)

	if lo >= 0x800 {
		// if the address is canonical, there shouldn't be an overflow
		hi++
		lo -= 0x1000
	}

	// sign-extend 20 bits
	if hi&0x80000 != 0 {
		hi |= ^int32(0xfffff)
	} else {
		hi &= 0xfffff
	}

	// sign-extend 12 bits
	if lo&0x800 != 0 {
		lo |= ^int16(0xfff)
	} else {
		lo &= 0xfff
	}

	return hi, lo
}

/* Base instructions */

// LUI: opcode=0110111
func (e encoder) rvLui(b []byte, rd reg, imm int32) int {
	if rd == regZero || imm < -0x80000 || imm >= 0x80000 {
		return 0
	}
	return put32(b, uint32(imm)<<12|uint32(rd)<<7|0x37)
}

// ADDI: opcode=0010011, funct3=000
func (e encoder) rvAddi(b []byte, rd, rs reg, imm int32) int {
	if rd == regZero || imm < -0x800 || imm >= 0x800 {
		return 0
	}
	return put32(b, uint32(imm)<<20|uint32(rs)<<15|uint32(rd)<<7|0x13)
}

// ADDIW: opcode=0011011, funct3=000
func (e encoder) rvAddiw(b []byte, rd, rs reg, imm int32) int {
	if rd == regZero || imm < -0x800 || imm >= 0x800 {
		return 0
	}
	return put32(b, uint32(imm)<<20|uint32(rs)<<15|uint32(rd)<<7|0x1b)
}

// SLLI: opcode=0010011, funct3=001
func (e encoder) rvSlli(b []byte, rd, rs reg, imm int32) int {
	if rd == regZero || imm < 0 || imm >= 0x40 {
		return 0
	}
	return put32(b, uint32(imm)<<20|uint32(rs)<<15|0x1<<12|uint32(rd)<<7|0x13)
}

// SD: opcode=0100011, funct3=011; rs is the stored register, base the
// address register.
func (e encoder) rvSd(b []byte, rs, base reg, imm int32) int {
	if imm < -0x800 || imm >= 0x800 {
		return 0
	}
	instr := uint32(imm>>5&0x7f)<<25 | uint32(rs)<<20 | uint32(base)<<15
	instr |= 0x3<<12 | uint32(imm&0x1f)<<7 | 0x23
	return put32(b, instr)
}

// LD: opcode=0000011, funct3=011
func (e encoder) rvLd(b []byte, rd, rs reg, imm int32) int {
	if imm < -0x800 || imm >= 0x800 {
		return 0
	}
	return put32(b, uint32(imm)<<20|uint32(rs)<<15|0x3<<12|uint32(rd)<<7|0x3)
}

// AUIPC: opcode=0010111
func (e encoder) rvAuipc(b []byte, rd reg, imm int32) int {
	if rd == regZero || imm < -0x80000 || imm >= 0x80000 {
		return 0
	}
	return put32(b, uint32(imm)<<12|uint32(rd)<<7|0x17)
}

// JAL: opcode=1101111. The reach is asymmetric: [-0x100000, 0xfffff).
func (e encoder) rvJal(b []byte, rd reg, imm int32) int {
	if imm < -jalMidReach-1 || imm >= jalMidReach {
		return 0
	}
	imm >>= 1
	instr := uint32(imm>>19&0x1)<<31 | uint32(imm&0x3ff)<<21
	instr |= uint32(imm>>10&0x1)<<20 | uint32(imm>>11&0xff)<<12
	instr |= uint32(rd)<<7 | 0x6f
	return put32(b, instr)
}

// JALR: opcode=1100111, funct3=000
func (e encoder) rvJalr(b []byte, rd, rs reg, imm int32) int {
	if imm < -0x800 || imm >= 0x800 {
		return 0
	}
	return put32(b, uint32(imm)<<20|uint32(rs)<<15|uint32(rd)<<7|0x67)
}

/* Compressed instructions */

// C.LI: quadrant 01, funct3=010
func (e encoder) rvcLi(b []byte, rd reg, imm int32) int {
	if imm < -0x20 || imm >= 0x20 {
		return 0
	}
	instr := uint16(0x2)<<13 | uint16(imm>>5&0x1)<<12
	instr |= uint16(rd)<<7 | uint16(imm&0x1f)<<2 | 0x1
	return put16(b, instr)
}

// C.SDSP: quadrant 10, funct3=111
func (e encoder) rvcSdsp(b []byte, rs reg, imm int32) int {
	if imm < 0 || imm%8 != 0 || imm/8 >= 0x40 {
		return 0
	}
	imm /= 8
	instr := uint16(0x7)<<13 | uint16(imm&0x7)<<10
	instr |= uint16(imm>>3&0x7)<<7 | uint16(rs)<<2 | 0x2
	return put16(b, instr)
}

// C.LDSP: quadrant 10, funct3=011
func (e encoder) rvcLdsp(b []byte, rd reg, imm int32) int {
	if imm < 0 || imm%8 != 0 || imm/8 >= 0x40 {
		return 0
	}
	imm /= 8
	instr := uint16(0x3)<<13 | uint16(imm>>2&0x1)<<12 | uint16(rd)<<7
	instr |= uint16(imm&0x3)<<5 | uint16(imm>>3&0x7)<<2 | 0x2
	return put16(b, instr)
}

// C.ADDI16SP: quadrant 01, funct3=011, rd=sp
func (e encoder) rvcAddi16sp(b []byte, imm int32) int {
	if imm == 0 || imm%16 != 0 || imm/16 < -0x20 || imm/16 >= 0x20 {
		return 0
	}
	imm /= 16
	instr := uint16(0x3)<<13 | uint16(imm>>5&0x1)<<12 | uint16(0x2)<<7
	instr |= uint16(imm&0x1)<<6 | uint16(imm>>2&0x1)<<5
	instr |= uint16(imm>>3&0x3)<<3 | uint16(imm>>1&0x1)<<2 | 0x1
	return put16(b, instr)
}

// C.ADDI: quadrant 01, funct3=000
func (e encoder) rvcAddi(b []byte, rd reg, imm int32) int {
	if rd == regZero || imm == 0 || imm < -0x20 || imm >= 0x20 {
		return 0
	}
	instr := uint16(imm>>5&0x1)<<12 | uint16(rd)<<7 | uint16(imm&0x1f)<<2 | 0x1
	return put16(b, instr)
}

// C.ADDIW: quadrant 01, funct3=001
func (e encoder) rvcAddiw(b []byte, rd reg, imm int32) int {
	if rd == regZero || imm < -0x20 || imm >= 0x20 {
		return 0
	}
	instr := uint16(0x1)<<13 | uint16(imm>>5&0x1)<<12 | uint16(rd)<<7
	instr |= uint16(imm&0x1f)<<2 | 0x1
	return put16(b, instr)
}

// C.SLLI: quadrant 10, funct3=000
func (e encoder) rvcSlli(b []byte, rd reg, imm int32) int {
	if rd == regZero || imm <= 0 || imm >= 40 {
		return 0
	}
	instr := uint16(imm>>5&0x1)<<12 | uint16(rd)<<7 | uint16(imm&0x1f)<<2 | 0x2
	return put16(b, instr)
}

// C.JALR: quadrant 10, funct4=1001
func (e encoder) rvcJalr(b []byte, rs reg) int {
	if rs == regZero {
		return 0
	}
	return put16(b, uint16(0x9)<<12|uint16(rs)<<7|0x2)
}

// C.JR: quadrant 10, funct4=1000
func (e encoder) rvcJr(b []byte, rs reg) int {
	if rs == regZero {
		return 0
	}
	return put16(b, uint16(0x8)<<12|uint16(rs)<<7|0x2)
}

// C.NOP
func (e encoder) rvcNop(b []byte) int {
	return put16(b, 0x1)
}

/*
 * Potentially compressed instructions.
 * Encode only one instruction, either compressed or non-compressed,
 * based on configuration and operands.
 */

func (e encoder) rvpcAddi(b []byte, rd, rs reg, imm int32) int {
	if e.rvc && rd == rs {
		if n := e.rvcAddi(b, rd, imm); n != 0 {
			return n
		}
	}
	return e.rvAddi(b, rd, rs, imm)
}

func (e encoder) rvpcAddiw(b []byte, rd, rs reg, imm int32) int {
	if e.rvc && rd == rs {
		if n := e.rvcAddiw(b, rd, imm); n != 0 {
			return n
		}
	}
	return e.rvAddiw(b, rd, rs, imm)
}

func (e encoder) rvpcSlli(b []byte, rd, rs reg, imm int32) int {
	if e.rvc && rd == rs {
		return e.rvcSlli(b, rd, imm)
	}
	return e.rvSlli(b, rd, rs, imm)
}

func (e encoder) rvpcLi(b []byte, rd reg, imm int32) int {
	if e.rvc {
		if n := e.rvcLi(b, rd, imm); n != 0 {
			return n
		}
	}
	return e.rvAddi(b, rd, regZero, imm)
}

func (e encoder) rvpcAddisp(b []byte, imm int32) int {
	if e.rvc {
		if n := e.rvcAddi16sp(b, imm); n != 0 {
			return n
		}
	}
	return e.rvAddi(b, regSP, regSP, imm)
}

func (e encoder) rvpcSdsp(b []byte, rs reg, imm int32) int {
	if e.rvc {
		if n := e.rvcSdsp(b, rs, imm); n != 0 {
			return n
		}
	}
	return e.rvSd(b, rs, regSP, imm)
}

func (e encoder) rvpcLdsp(b []byte, rd reg, imm int32) int {
	if e.rvc {
		if n := e.rvcLdsp(b, rd, imm); n != 0 {
			return n
		}
	}
	return e.rvLd(b, rd, regSP, imm)
}

func (e encoder) rvpcJalr(b []byte, rd, rs reg, imm int32) int {
	if e.rvc && imm == 0 {
		if rd == regZero {
			return e.rvcJr(b, rs)
		}
		if rd == regRA {
			return e.rvcJalr(b, rs)
		}
	}
	return e.rvJalr(b, rd, rs, imm)
}

/*
 * Pseudo instruction sequences. Not following the RV standard pseudo
 * instructions necessarily; these serve the patching templates.
 */

// rvpJal encodes a single direct jump from one address to another,
// or nothing when the displacement exceeds the JAL reach.
func (e encoder) rvpJal(b []byte, rd reg, from, to ProcAddr) int {
	delta := int64(to) - int64(from)
	if delta < math.MinInt32 || delta > math.MaxInt32 {
		return 0
	}
	return e.rvJal(b, rd, int32(delta))
}

// rvpSdToSym stores rs at a symbol within AUIPC reach of from, using
// tmp as the address staging register.
func (e encoder) rvpSdToSym(b []byte, tmp, rs reg, from, sym ProcAddr) int {
	hi, lo := auipcOffsets(from, sym)
	if hi == 0 && lo == 0 {
		return 0
	}

	total := e.rvAuipc(b, tmp, hi)
	total += e.rvSd(b[total:], rs, tmp, int32(lo))

	return total
}

// rvpLdFromSym loads rd from a symbol within AUIPC reach of from.
func (e encoder) rvpLdFromSym(b []byte, rd reg, from, sym ProcAddr) int {
	hi, lo := auipcOffsets(from, sym)
	if hi == 0 && lo == 0 {
		return 0
	}

	total := e.rvAuipc(b, rd, hi)
	total += e.rvLd(b[total:], rd, rd, int32(lo))

	return total
}

// rvpJump2GB encodes AUIPC+JALR reaching anywhere within
// [jump2GBNegReach, jump2GBPosReach] of from. rs stages the address,
// rd receives the link address (zero for a plain jump).
func (e encoder) rvpJump2GB(b []byte, rd, rs reg, from, to ProcAddr) int {
	hi, lo := auipcOffsets(from, to)
	if hi == 0 && lo == 0 {
		return 0
	}

	total := e.rvAuipc(b, rs, hi)
	total += e.rvpcJalr(b[total:], rd, rs, int32(lo))

	return total
}

// rvpJumpAbs encodes an absolute jump to any 48-bit destination by
// staging the address in rs:
//
//	lui   rs, to[47:28]
//	addiw rs, rs, to[27:16]   (when non-zero)
//	slli  rs, rs, 4
//	addi  rs, rs, to[15:12]   (when non-zero)
//	slli  rs, rs, 12
//	jalr  rd, rs, to[11:0]
//
// with sign corrections between each pair of fields. When to[15:0] is
// zero the tail collapses to a single 16-bit shift plus jalr.
func (e encoder) rvpJumpAbs(b []byte, rd, rs reg, to ProcAddr) int {
	// either kernel space or just too big an address
	if uint64(to)>>48 != 0 {
		return 0
	}

	addrHi := int32(uint64(to) >> 28)
	addrMid := int32(uint64(to) & 0xfff0000 >> 16)
	addrLo := int32(uint64(to) & 0xffff)

	if addrMid >= 0x800 {
		addrHi++
		addrMid -= 0x1000
	}

	total := e.rvLui(b, rs, addrHi)
	if total == 0 {
		return 0
	}

	if addrMid != 0 {
		total += e.rvpcAddiw(b[total:], rs, rs, addrMid)
	}

	if addrLo == 0 {
		total += e.rvpcSlli(b[total:], rs, rs, 16)
		total += e.rvpcJalr(b[total:], rd, rs, 0)
		return total
	}

	addrLoUpper4 := addrLo & 0xf000 >> 12
	addrLoLower12 := addrLo & 0xfff

	total += e.rvpcSlli(b[total:], rs, rs, 4)

	if addrLoLower12 >= 0x800 {
		addrLoUpper4++
		addrLoLower12 -= 0x1000
	}

	if addrLoUpper4 != 0 {
		total += e.rvpcAddi(b[total:], rs, rs, addrLoUpper4)
	}

	total += e.rvpcSlli(b[total:], rs, rs, 12)
	total += e.rvpcJalr(b[total:], rd, rs, addrLoLower12)

	return total
}
