// disasm_rvc.go - Decoder for the 16-bit compressed quadrants
package ecallhook

// The third-party decoder covers the 32-bit encodings; the compressed
// quadrants are small enough to decode here, extracting the same facts
// nextInstruction extracts for base instructions. Only RV64C forms are
// recognized (quadrant 1, funct3 001 is c.addiw, not the RV32 c.jal).

// cjOffset extracts the CJ-format jump offset:
// imm[11|4|9:8|10|6|7|3:1|5] from instruction bits 12..2.
func cjOffset(w uint16) int32 {
	off := int32(w>>12&0x1) << 11
	off |= int32(w>>11&0x1) << 4
	off |= int32(w>>9&0x3) << 8
	off |= int32(w>>8&0x1) << 10
	off |= int32(w>>7&0x1) << 6
	off |= int32(w>>6&0x1) << 7
	off |= int32(w>>3&0x7) << 1
	off |= int32(w>>2&0x1) << 5
	if off&(1<<11) != 0 {
		off |= ^int32(0xfff)
	}
	return off
}

// cbOffset extracts the CB-format branch offset:
// imm[8|4:3] from bits 12..10, imm[7:6|2:1|5] from bits 6..2.
func cbOffset(w uint16) int32 {
	off := int32(w>>12&0x1) << 8
	off |= int32(w>>10&0x3) << 3
	off |= int32(w>>5&0x3) << 6
	off |= int32(w>>3&0x3) << 1
	off |= int32(w>>2&0x1) << 5
	if off&(1<<8) != 0 {
		off |= ^int32(0x1ff)
	}
	return off
}

// ciImm extracts the 6-bit signed CI-format immediate.
func ciImm(w uint16) int32 {
	imm := int32(w>>12&0x1)<<5 | int32(w>>2&0x1f)
	if imm&0x20 != 0 {
		imm |= ^int32(0x3f)
	}
	return imm
}

// markWrite records a full-range register write with the reg-set and
// a7 bookkeeping shared by several compressed forms.
func markWrite(res *disasmResult, rd reg, distinct bool) {
	if rd == regA7 {
		res.isA7Modified = true
	}
	if rd != regZero && distinct {
		res.regSet = int8(rd)
	}
}

// decodeCompressed fills res from a 16-bit instruction word. A word
// the decoder does not recognize leaves length at zero, and the
// crawler resynchronizes one byte further.
func (c *disasmContext) decodeCompressed(res *disasmResult, w uint16) {
	if w == 0 {
		// the all-zero word is defined illegal
		return
	}

	quadrant := w & 0x3
	funct3 := w >> 13 & 0x7
	rd := reg(w >> 7 & 0x1f)
	rs2 := reg(w >> 2 & 0x1f)
	rdPrime := reg(8 + w>>2&0x7)

	name := ""

	switch quadrant {
	case 0x0:
		switch funct3 {
		case 0x0: // c.addi4spn
			name = "c.addi4spn"
			markWrite(res, rdPrime, true)
		case 0x1: // c.fld
			name = "c.fld"
		case 0x2: // c.lw
			name = "c.lw"
			markWrite(res, rdPrime, true)
		case 0x3: // c.ld
			name = "c.ld"
			markWrite(res, rdPrime, true)
		case 0x5: // c.fsd
			name = "c.fsd"
		case 0x6: // c.sw
			name = "c.sw"
		case 0x7: // c.sd
			name = "c.sd"
		default: // reserved
			return
		}

	case 0x1:
		switch funct3 {
		case 0x0: // c.nop / c.addi
			name = "c.addi"
			if rd == regZero {
				name = "c.nop"
			} else {
				markWrite(res, rd, false)
			}
		case 0x1: // c.addiw
			if rd == regZero {
				return
			}
			name = "c.addiw"
			markWrite(res, rd, false)
		case 0x2: // c.li
			name = "c.li"
			if rd == regA7 {
				res.a7Set = int16(ciImm(w))
			}
			if rd != regZero {
				res.regSet = int8(rd)
			}
		case 0x3: // c.addi16sp / c.lui
			if rd == regSP {
				name = "c.addi16sp"
			} else {
				name = "c.lui"
				markWrite(res, rd, true)
			}
		case 0x4: // c.srli / c.srai / c.andi / c.sub / ...
			name = "c.alu"
		case 0x5: // c.j
			name = "c.j"
			res.ripDisp = cjOffset(w)
			res.ripRefAddr = res.address + ProcAddr(res.ripDisp)
		case 0x6: // c.beqz
			name = "c.beqz"
			res.ripDisp = cbOffset(w)
			res.ripRefAddr = res.address + ProcAddr(res.ripDisp)
		case 0x7: // c.bnez
			name = "c.bnez"
			res.ripDisp = cbOffset(w)
			res.ripRefAddr = res.address + ProcAddr(res.ripDisp)
		}

	case 0x2:
		switch funct3 {
		case 0x0: // c.slli
			name = "c.slli"
			markWrite(res, rd, false)
		case 0x1: // c.fldsp
			name = "c.fldsp"
		case 0x2: // c.lwsp
			if rd == regZero {
				return
			}
			name = "c.lwsp"
			markWrite(res, rd, true)
		case 0x3: // c.ldsp
			if rd == regZero {
				return
			}
			name = "c.ldsp"
			markWrite(res, rd, true)
		case 0x4:
			if w>>12&0x1 == 0 {
				if rs2 == regZero { // c.jr
					if rd == regZero {
						return
					}
					name = "c.jr"
					res.isAbsJump = true
					if rd == regRA {
						res.isRaUsed = true
					}
				} else { // c.mv
					name = "c.mv"
					markWrite(res, rd, true)
					if rd == regRA || rs2 == regRA {
						res.isRaUsed = true
					}
				}
			} else {
				switch {
				case rd == regZero && rs2 == regZero: // c.ebreak
					name = "c.ebreak"
				case rs2 == regZero: // c.jalr
					name = "c.jalr"
					res.isAbsJump = true
					// ra implicitly overwritten
					if rd != regRA {
						res.regSet = int8(regRA)
					} else {
						res.isRaUsed = true
					}
				default: // c.add
					name = "c.add"
					markWrite(res, rd, false)
					if rd == regRA || rs2 == regRA {
						res.isRaUsed = true
					}
				}
			}
		case 0x5: // c.fsdsp
			name = "c.fsdsp"
		case 0x6: // c.swsp
			name = "c.swsp"
			if rs2 == regRA {
				res.isRaUsed = true
			}
		case 0x7: // c.sdsp
			name = "c.sdsp"
			if rs2 == regRA {
				res.isRaUsed = true
			}
		}
	}

	if debugDumpsOn {
		res.mnemonic = name
	}

	res.length = rvcInsSize
	res.isSet = true
}
