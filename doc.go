// doc.go - Package overview
//
// Package ecallhook rewrites the machine code of a loaded ELF object
// so that every ecall instruction in its text section is diverted to
// an interception entry point, and resumed transparently when the
// hook declines.
//
// The package is the analysis and patch-planning engine of the
// interceptor: it locates every ecall on disk and in memory,
// disassembles the surrounding code, chooses one of three patch
// shapes per site under size and reachability constraints, and emits
// the exact instruction sequences realizing the detour. The loader
// hook that enumerates objects, the assembly entry code receiving
// control from patched sites, and the user-facing hook registration
// live outside this package.
package ecallhook
