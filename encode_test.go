// encode_test.go - Encoder boundary and round-trip tests
package ecallhook

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeWords splits an emitted buffer into instruction words.
func decodeWords(t *testing.T, buf []byte) []uint32 {
	t.Helper()
	var words []uint32
	for len(buf) > 0 {
		require.GreaterOrEqual(t, len(buf), 2)
		if buf[0]&0x3 != 0x3 {
			words = append(words, uint32(binary.LittleEndian.Uint16(buf)))
			buf = buf[2:]
			continue
		}
		require.GreaterOrEqual(t, len(buf), 4)
		words = append(words, binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
	}
	return words
}

// evalStagedJump interprets the register-staging sequences the
// encoder produces (lui/addiw/slli/addi/auipc followed by jalr) and
// returns the final jump target. It understands just enough of the
// ISA to re-derive the destination from the emitted bytes.
func evalStagedJump(t *testing.T, buf []byte, pc int64) int64 {
	t.Helper()

	var v int64
	off := int64(0)

	for _, w := range decodeWords(t, buf) {
		if w&0x3 != 0x3 { // compressed
			switch {
			case w&0x3 == 0x2 && w>>13 == 0: // c.slli
				sh := int64(w>>12&0x1)<<5 | int64(w>>2&0x1f)
				v <<= sh
				off += 2
				continue
			case w&0x3 == 0x1 && w>>13 == 0: // c.addi
				v += int64(ciImm(uint16(w)))
				off += 2
				continue
			case w&0x3 == 0x1 && w>>13 == 1: // c.addiw
				v = int64(int32(v) + ciImm(uint16(w)))
				off += 2
				continue
			case w>>12 == 0x8 && w>>2&0x1f == 0: // c.jr
				return v
			case w>>12 == 0x9 && w>>2&0x1f == 0: // c.jalr
				return v
			}
			t.Fatalf("unexpected compressed word %#x", w)
		}

		imm12 := int64(int32(w) >> 20)
		switch w & 0x7f {
		case 0x37: // lui
			v = int64(int32(w & 0xfffff000))
		case 0x17: // auipc
			v = pc + off + int64(int32(w&0xfffff000))
		case 0x1b: // addiw
			v = int64(int32(v + imm12))
		case 0x13:
			if w>>12&0x7 == 0x1 { // slli
				v <<= int64(w >> 20 & 0x3f)
			} else { // addi
				v += imm12
			}
		case 0x67: // jalr
			return v + imm12
		default:
			t.Fatalf("unexpected word %#x", w)
		}
		off += 4
	}

	t.Fatal("sequence did not end in a jump")
	return 0
}

func TestEncoderKnownWords(t *testing.T) {
	e := encoder{rvc: true}
	buf := make([]byte, 8)

	// li a7, 64
	n := e.rvAddi(buf, regA7, regZero, 64)
	if n != 4 || binary.LittleEndian.Uint32(buf) != 0x04000893 {
		t.Fatalf("addi a7, zero, 64 = %d bytes %#x", n, binary.LittleEndian.Uint32(buf))
	}

	// c.li a0, 0
	n = e.rvcLi(buf, regA0, 0)
	if n != 2 || binary.LittleEndian.Uint16(buf) != 0x4501 {
		t.Fatalf("c.li a0, 0 = %d bytes %#x", n, binary.LittleEndian.Uint16(buf))
	}

	// ret
	n = e.rvcJr(buf, regRA)
	if n != 2 || binary.LittleEndian.Uint16(buf) != 0x8082 {
		t.Fatalf("c.jr ra = %d bytes %#x", n, binary.LittleEndian.Uint16(buf))
	}

	// c.nop
	n = e.rvcNop(buf)
	if n != 2 || binary.LittleEndian.Uint16(buf) != 0x0001 {
		t.Fatalf("c.nop = %d bytes %#x", n, binary.LittleEndian.Uint16(buf))
	}

	// j +8
	n = e.rvJal(buf, regZero, 8)
	if n != 4 || binary.LittleEndian.Uint32(buf) != 0x0080006f {
		t.Fatalf("jal zero, 8 = %d bytes %#x", n, binary.LittleEndian.Uint32(buf))
	}
}

func TestEncoderOperandRanges(t *testing.T) {
	e := encoder{rvc: true}
	buf := make([]byte, 8)

	tests := []struct {
		name string
		n    int
		want bool
	}{
		{"lui zero rejected", e.rvLui(buf, regZero, 1), false},
		{"lui max", e.rvLui(buf, regT0, 0x7ffff), true},
		{"lui over", e.rvLui(buf, regT0, 0x80000), false},
		{"lui min", e.rvLui(buf, regT0, -0x80000), true},
		{"addi zero rejected", e.rvAddi(buf, regZero, regZero, 0), false},
		{"addi max", e.rvAddi(buf, regT0, regT0, 0x7ff), true},
		{"addi over", e.rvAddi(buf, regT0, regT0, 0x800), false},
		{"slli max", e.rvSlli(buf, regT0, regT0, 0x3f), true},
		{"slli over", e.rvSlli(buf, regT0, regT0, 0x40), false},
		{"sd max", e.rvSd(buf, regRA, regSP, 0x7ff), true},
		{"sd under", e.rvSd(buf, regRA, regSP, -0x801), false},
		{"jalr max", e.rvJalr(buf, regRA, regRA, 0x7ff), true},
		{"jalr over", e.rvJalr(buf, regRA, regRA, 0x800), false},
		{"c.li max", e.rvcLi(buf, regA0, 0x1f), true},
		{"c.li over", e.rvcLi(buf, regA0, 0x20), false},
		{"c.li min", e.rvcLi(buf, regA0, -0x20), true},
		{"c.sdsp unaligned", e.rvcSdsp(buf, regRA, 4), false},
		{"c.sdsp max", e.rvcSdsp(buf, regRA, 8*0x3f), true},
		{"c.sdsp over", e.rvcSdsp(buf, regRA, 8*0x40), false},
		{"c.addi16sp zero rejected", e.rvcAddi16sp(buf, 0), false},
		{"c.addi16sp unaligned", e.rvcAddi16sp(buf, 24), false},
		{"c.addi16sp 48", e.rvcAddi16sp(buf, -48), true},
		{"c.slli shift cap", e.rvcSlli(buf, regT0, 40), false},
		{"c.slli max", e.rvcSlli(buf, regT0, 39), true},
		{"c.jr zero rejected", e.rvcJr(buf, regZero), false},
	}
	for _, tt := range tests {
		got := tt.n > 0
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestJalReachAsymmetry(t *testing.T) {
	e := encoder{}
	buf := make([]byte, 4)

	// the positive boundary is rejected, the negative accepted
	assert.Zero(t, e.rvJal(buf, regZero, jalMidReach))
	assert.NotZero(t, e.rvJal(buf, regZero, jalMidReach-1))
	assert.NotZero(t, e.rvJal(buf, regZero, -jalMidReach-1))
	assert.Zero(t, e.rvJal(buf, regZero, -jalMidReach-3))
}

func TestJalRoundTrip(t *testing.T) {
	e := encoder{}
	buf := make([]byte, 4)

	for _, off := range []int32{-0x100000, -4096, -2, 0, 2, 4096, 0xffffe} {
		n := e.rvJal(buf, regRA, off)
		require.Equal(t, 4, n, "offset %#x", off)

		word := binary.LittleEndian.Uint32(buf)
		require.Equal(t, uint32(0x6f), word&0x7f)
		require.Equal(t, uint32(regRA), word>>7&0x1f)

		// reassemble the J-type immediate
		imm := int32(word>>31&0x1) << 20
		imm |= int32(word>>12&0xff) << 12
		imm |= int32(word>>20&0x1) << 11
		imm |= int32(word>>21&0x3ff) << 1
		if imm&(1<<20) != 0 {
			imm |= ^int32(0x1fffff)
		}
		assert.Equal(t, off, imm, "offset %#x", off)
	}
}

func TestJump2GBReach(t *testing.T) {
	e := encoder{}
	buf := make([]byte, jump2GBInsSize)
	from := ProcAddr(0x10_0000_0000)

	accepted := []int64{jump2GBNegReach, -1, 1, jump2GBPosReach}
	for _, delta := range accepted {
		to := ProcAddr(int64(from) + delta)
		n := e.rvpJump2GB(buf, regRA, regRA, from, to)
		require.NotZero(t, n, "delta %#x", delta)
		assert.Equal(t, int64(to), evalStagedJump(t, buf[:n], int64(from)), "delta %#x", delta)
	}

	rejected := []int64{int64(jump2GBNegReach) - 1, jump2GBPosReach + 1}
	for _, delta := range rejected {
		to := ProcAddr(int64(from) + delta)
		assert.Zero(t, e.rvpJump2GB(buf, regRA, regRA, from, to), "delta %#x", delta)
	}

	// zero displacement is indistinguishable from failure
	assert.Zero(t, e.rvpJump2GB(buf, regRA, regRA, from, from))
}

func TestJump2GBCompressedTail(t *testing.T) {
	e := encoder{rvc: true}
	buf := make([]byte, jump2GBInsSize)
	from := ProcAddr(0x2000)

	// low twelve bits of the displacement are zero and rd is ra:
	// the tail compresses to c.jalr
	n := e.rvpJump2GB(buf, regRA, regRA, from, from+0x3000)
	require.Equal(t, auipcInsSize+rvcInsSize, n)
	assert.Equal(t, int64(from+0x3000), evalStagedJump(t, buf[:n], int64(from)))

	// plain jump compresses to c.jr
	n = e.rvpJump2GB(buf, regZero, regRA, from, from+0x3000)
	require.Equal(t, auipcInsSize+rvcInsSize, n)
}

func TestSdLdToSym(t *testing.T) {
	e := encoder{}
	buf := make([]byte, 8)
	from := ProcAddr(0x40_0000)

	for _, delta := range []int64{-0x1000, 0x7fe, 0x801, 0x7fffe7ff} {
		sym := ProcAddr(int64(from) + delta)

		n := e.rvpSdToSym(buf, regT0, regA0, from, sym)
		require.Equal(t, 8, n, "delta %#x", delta)

		words := decodeWords(t, buf[:n])
		require.Len(t, words, 2)
		require.Equal(t, uint32(0x17), words[0]&0x7f, "auipc first")
		require.Equal(t, uint32(0x23), words[1]&0x7f, "sd second")

		// effective address = from + hi20 + simm12
		hi := int64(int32(words[0] & 0xfffff000))
		imm := int64(int32(words[1])>>25)<<5 | int64(words[1]>>7&0x1f)
		assert.Equal(t, int64(sym), int64(from)+hi+imm, "delta %#x", delta)

		n = e.rvpLdFromSym(buf, regA0, from, sym)
		require.Equal(t, 8, n)
	}

	// out of AUIPC reach
	assert.Zero(t, e.rvpSdToSym(buf, regT0, regA0, from, from+ProcAddr(jump2GBPosReach)+1))
}

func TestJumpAbs(t *testing.T) {
	for _, rvc := range []bool{false, true} {
		e := encoder{rvc: rvc}
		buf := make([]byte, e.jumpAbsSize())

		targets := []uint64{
			0x10000,          // 16-bit aligned, low half zero
			0x123456789ab0,   // full 48-bit address
			0x7ffff0000,      // mid field carries
			0x2aaa8000,       // low-12 sign correction
			0x7fff_0000_0000, // highest signed staging field
		}
		for _, to := range targets {
			n := e.rvpJumpAbs(buf, regZero, regRA, ProcAddr(to))
			require.NotZero(t, n, "target %#x rvc=%v", to, rvc)
			require.LessOrEqual(t, n, e.jumpAbsSize())
			assert.Equal(t, int64(to), evalStagedJump(t, buf[:n], 0),
				"target %#x rvc=%v", to, rvc)
		}

		// bits above 47 are out of reach
		assert.Zero(t, e.rvpJumpAbs(buf, regZero, regRA, ProcAddr(uint64(1)<<48)))
	}
}

func TestPotentiallyCompressedSelection(t *testing.T) {
	buf := make([]byte, 4)

	c := encoder{rvc: true}
	nc := encoder{rvc: false}

	// same-register small immediates compress
	assert.Equal(t, 2, c.rvpcAddi(buf, regA0, regA0, 4))
	assert.Equal(t, 4, c.rvpcAddi(buf, regA0, regA1, 4))
	assert.Equal(t, 4, c.rvpcAddi(buf, regA0, regA0, 0x40))
	assert.Equal(t, 4, nc.rvpcAddi(buf, regA0, regA0, 4))

	assert.Equal(t, 2, c.rvpcLi(buf, regA7, 31))
	assert.Equal(t, 4, c.rvpcLi(buf, regA7, 64))
	assert.Equal(t, 4, nc.rvpcLi(buf, regA7, 31))

	assert.Equal(t, 2, c.rvpcAddisp(buf, -48))
	assert.Equal(t, 4, nc.rvpcAddisp(buf, -48))

	assert.Equal(t, 2, c.rvpcSdsp(buf, regRA, 0))
	assert.Equal(t, 4, c.rvpcSdsp(buf, regRA, 8*0x40))

	assert.Equal(t, 2, c.rvpcJalr(buf, regZero, regRA, 0))
	assert.Equal(t, 2, c.rvpcJalr(buf, regRA, regT0, 0))
	assert.Equal(t, 4, c.rvpcJalr(buf, regRA, regT0, 8))

	// the compressed slli path does not fall back past its shift cap
	assert.Equal(t, 2, c.rvpcSlli(buf, regT0, regT0, 12))
	assert.Equal(t, 0, c.rvpcSlli(buf, regT0, regT0, 40))
	assert.Equal(t, 4, nc.rvpcSlli(buf, regT0, regT0, 40))
}

func TestAuipcOffsets(t *testing.T) {
	from := ProcAddr(0x1000_0000)

	hi, lo := auipcOffsets(from, from+0x12345)
	assert.Equal(t, int64(0x12345), int64(hi)<<12+int64(lo))

	// low half >= 0x800 borrows from the upper field
	hi, lo = auipcOffsets(from, from+0x1801)
	assert.Equal(t, int32(0x2), hi)
	assert.Equal(t, int16(-0x7ff), lo)

	hi, lo = auipcOffsets(from, from-0x1000)
	assert.Equal(t, int64(-0x1000), int64(hi)<<12+int64(lo))

	hi, lo = auipcOffsets(from, from+ProcAddr(jump2GBPosReach)+1)
	assert.True(t, hi == 0 && lo == 0)
}

func TestShapeSizes(t *testing.T) {
	c := &Desc{enc: encoder{rvc: true}}
	nc := &Desc{enc: encoder{rvc: false}}

	assert.Equal(t, 16, c.gwSize())
	assert.Equal(t, 12, c.midSize())
	assert.Equal(t, 24, nc.gwSize())
	assert.Equal(t, 20, nc.midSize())

	assert.Equal(t, 20, c.enc.maxPseudoSize())
	assert.Equal(t, 24, nc.enc.maxPseudoSize())

	assert.Equal(t, 4, c.directJumpOffset())
	assert.Equal(t, 8, nc.directJumpOffset())

	assert.Equal(t, 2+2+20, c.trampolineSize())
	assert.Equal(t, 4+4+24, nc.trampolineSize())

	assert.Equal(t, math.MaxInt32-0xfff, jump2GBPosReach)
}
