// live.go - View of the live text section being analyzed
package ecallhook

import "unsafe"

// attachText points the analysis at the object's mapped text section.
// Tests bypass this by injecting a buffer with synthetic addresses.
func (d *Desc) attachText() {
	size := uintptr(d.TextEnd-d.TextStart) + 1
	d.text = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(d.TextStart))), size)
}
