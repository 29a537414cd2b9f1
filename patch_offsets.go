// patch_offsets.go - Stack layout contract between patches and the interception entry code
package ecallhook

const (
	// patchSPOff is the amount sp is reduced by in patched code.
	// Before executing relocated instructions, sp is increased by
	// this constant to restore the original value. All other offsets
	// refer to the reduced sp.
	patchSPOff = 48

	// origRaOff is where all patches store the original ra value
	// while in the interception entry code; the gateway patch also
	// stores its ra here.
	origRaOff = 0

	// midOrigRaOff is the reserved spot for the medium patch's
	// saved ra.
	midOrigRaOff = 8

	// retAddrOff holds the address of the instruction after the
	// patch, used both to identify the patch and to return to it.
	retAddrOff = 16

	// relocAddrOff holds the address of the displaced-original block
	// generated at patch time.
	relocAddrOff = 24

	// unusedOff1 is scratch; the trampoline uses it to store ra
	// before overwriting it.
	unusedOff1 = 32

	// unusedOff2 is scratch, typically for a fake prologue/epilogue.
	unusedOff2 = 40
)
