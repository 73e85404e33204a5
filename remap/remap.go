//go:build linux

// Package remap rewrites export operations so their source paths resolve
// correctly from wherever the sandbox helper ends up running.
//
// The process that builds an operation list is not necessarily the process
// that invokes the helper: any number of namespace hops may separate them
// (the host, a Flatpak sub-sandbox, a user-space CPU/ABI emulator presenting
// a translated root). Destination paths are container-relative and therefore
// namespace-agnostic by construction; only source paths need rewriting.
//
// Translation is all-or-nothing: the whole list is translated before any of
// it is used, and there is no partial-failure mode. The set of operation
// kinds the upstream exports component can produce is closed and known, so
// an unsupported kind reaching the translator is a contract violation and
// panics.
package remap

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/openvessel/vessel/bwrap"
)

// InterpreterRootMount is the fixed in-container mount point reserved for
// the emulator's root filesystem when an interpreter root is configured.
const InterpreterRootMount = "/run/vessel/interpreter-root"

// DefaultRealRoot is the path alias known to refer to the unmediated root
// filesystem, bypassing any emulator-imposed path rewriting.
const DefaultRealRoot = "/proc/self/root"

// Translator rewrites the source side of export operations.
//
// The zero value translates nothing but passes every supported operation
// through unchanged; configure the fields that apply to the current
// namespace arrangement.
type Translator struct {
	// InterpreterRoot is the root filesystem presented by a user-space
	// emulator, when the current process runs under one. Paths that also
	// exist under it produce a second, parallel operation targeting
	// InterpreterRootMount.
	InterpreterRoot string

	// RealRoot is a path alias resolving to the unmediated root filesystem.
	// Defaults to DefaultRealRoot when InterpreterRoot is set.
	RealRoot string

	// HomeDir is the logical home directory in the current namespace, and
	// HomeOnHost its physical location on the host. When both are set,
	// sources under HomeDir are remapped onto HomeOnHost, because the
	// helper may be invoked from inside an outer container whose view of
	// home differs physically from the true host path.
	//
	// Paths outside home are passed through unchanged on the assumption
	// that they already denote the same physical location in every
	// namespace the helper might run in. That is a documented
	// simplification, not a proven invariant.
	HomeDir    string
	HomeOnHost string

	// Exists overrides existence probing, for tests. Defaults to an lstat
	// check.
	Exists func(path string) bool

	// Debugf receives rewrite diagnostics. May be nil.
	Debugf func(format string, args ...any)
}

// Translate rewrites ops for the helper's namespace.
//
// Input order is preserved exactly; only operand strings change, except
// that a source existing under both the interpreter root and the real root
// yields one additional, parallel operation. Backing files embedded in data
// operations are carried over untouched: ownership transfers exactly once
// from the input list to the output list, with no duplication.
func (t *Translator) Translate(ops []bwrap.Op) []bwrap.Op {
	out := make([]bwrap.Op, 0, len(ops))

	for _, op := range ops {
		switch op.Kind {
		case bwrap.OpDir, bwrap.OpTmpfs, bwrap.OpMqueue, bwrap.OpProc, bwrap.OpDev,
			bwrap.OpRemountRo, bwrap.OpPerms:
			// No operand relevant to namespace hops.
			out = append(out, op)

		case bwrap.OpBindData, bwrap.OpRoBindData, bwrap.OpFile:
			// The source is an inherited fd; fds are namespace-agnostic and
			// transfer untouched.
			out = append(out, op)

		case bwrap.OpBind, bwrap.OpRoBind, bwrap.OpDevBind,
			bwrap.OpBindTry, bwrap.OpRoBindTry, bwrap.OpDevBindTry,
			bwrap.OpSymlink:
			out = t.translateSource(out, op, op.Src, func(op bwrap.Op, src string) bwrap.Op {
				op.Src = src
				return op
			})

		case bwrap.OpChmod:
			out = t.translateSource(out, op, op.Dst, func(op bwrap.Op, src string) bwrap.Op {
				op.Dst = src
				return op
			})

		default:
			panic(fmt.Sprintf("remap: unsupported op kind %q reached the translator", op.Kind))
		}
	}

	return out
}

// translateSource applies the source rewrite rules to one operation, in
// priority order: an interpreter-root copy first, then the real-root
// rewrite of the original.
func (t *Translator) translateSource(out []bwrap.Op, op bwrap.Op, src string, withSrc func(bwrap.Op, string) bwrap.Op) []bwrap.Op {
	if !path.IsAbs(src) {
		// Relative operands, such as symlink targets, are resolved inside
		// the container at runtime; no host namespace applies to them.
		return append(out, op)
	}

	if t.InterpreterRoot != "" && t.existsUnder(t.InterpreterRoot, src) {
		// Both an emulated and a real version of the path may exist and
		// differ; expose the emulated one under the reserved mount point.
		dup := withSrc(op, filepath.Join(t.InterpreterRoot, src))
		dup.Dst = path.Join(InterpreterRootMount, op.Dst)

		if t.Debugf != nil {
			t.Debugf("remap: %s %q duplicated under interpreter root", op.Kind, src)
		}

		out = append(out, dup)

		if !t.existsUnder(t.realRoot(), src) {
			// Only the emulated version exists; the original operation
			// would bind a path the helper cannot see.
			return append(out, withSrc(op, src))
		}
	}

	return append(out, withSrc(op, t.mapHome(src)))
}

// mapHome rewrites a current-namespace path under the logical home
// directory to its host location.
func (t *Translator) mapHome(src string) string {
	if t.HomeDir == "" || t.HomeOnHost == "" || t.HomeDir == t.HomeOnHost {
		return src
	}

	if src == t.HomeDir {
		return t.HomeOnHost
	}

	if rest, ok := strings.CutPrefix(src, t.HomeDir+"/"); ok {
		mapped := filepath.Join(t.HomeOnHost, rest)

		if t.Debugf != nil {
			t.Debugf("remap: home path %q -> %q", src, mapped)
		}

		return mapped
	}

	return src
}

func (t *Translator) realRoot() string {
	if t.RealRoot != "" {
		return t.RealRoot
	}

	return DefaultRealRoot
}

func (t *Translator) existsUnder(root, src string) bool {
	probe := filepath.Join(root, src)

	if t.Exists != nil {
		return t.Exists(probe)
	}

	_, err := os.Lstat(probe)

	return err == nil
}
