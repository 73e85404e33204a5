//go:build linux

// Package bwrap models the flattened argument list consumed by the
// bubblewrap sandbox helper.
//
// Export operations are a closed set of typed records rather than flag
// strings, so downstream consumers (notably the namespace path translator in
// package remap) can match exhaustively over a compile-time-checked set. The
// ordering of an operation list is semantically significant: later
// operations can shadow earlier ones, and mount-point creation must precede
// placing something on top of it. Nothing in this package reorders a list.
package bwrap

import (
	"fmt"
	"os"
	"strconv"
)

// OpKind identifies one export operation. The set is closed; an OpKind
// outside it reaching argument rendering or translation is a bug in the
// producing component, not a runtime condition.
type OpKind int

const (
	// OpBind is a read-write bind mount (--bind SRC DEST).
	OpBind OpKind = iota + 1

	// OpRoBind is a read-only bind mount (--ro-bind SRC DEST).
	OpRoBind

	// OpDevBind is a device-capable bind mount (--dev-bind SRC DEST).
	OpDevBind

	// OpBindTry is OpBind, skipped by the helper if SRC is missing.
	OpBindTry

	// OpRoBindTry is OpRoBind, skipped by the helper if SRC is missing.
	OpRoBindTry

	// OpDevBindTry is OpDevBind, skipped by the helper if SRC is missing.
	OpDevBindTry

	// OpSymlink creates a symlink inside the container
	// (--symlink TARGET LINKNAME).
	OpSymlink

	// OpDir creates a directory inside the container (--dir DEST).
	OpDir

	// OpTmpfs mounts a tmpfs (--tmpfs DEST).
	OpTmpfs

	// OpMqueue mounts a new mqueue (--mqueue DEST).
	OpMqueue

	// OpProc mounts a new procfs (--proc DEST).
	OpProc

	// OpDev mounts a minimal /dev (--dev DEST).
	OpDev

	// OpRemountRo remounts a path read-only (--remount-ro DEST).
	OpRemountRo

	// OpBindData bind-mounts file content from an inherited fd
	// (--bind-data FD DEST).
	OpBindData

	// OpRoBindData is the read-only variant of OpBindData
	// (--ro-bind-data FD DEST).
	OpRoBindData

	// OpFile copies file content from an inherited fd (--file FD DEST).
	OpFile

	// OpChmod changes permissions of an already-materialized path
	// (--chmod OCTAL PATH).
	OpChmod

	// OpPerms sets the permissions used by the next operation
	// (--perms OCTAL).
	OpPerms
)

// String returns the bubblewrap flag spelling of k.
func (k OpKind) String() string {
	switch k {
	case OpBind:
		return "--bind"
	case OpRoBind:
		return "--ro-bind"
	case OpDevBind:
		return "--dev-bind"
	case OpBindTry:
		return "--bind-try"
	case OpRoBindTry:
		return "--ro-bind-try"
	case OpDevBindTry:
		return "--dev-bind-try"
	case OpSymlink:
		return "--symlink"
	case OpDir:
		return "--dir"
	case OpTmpfs:
		return "--tmpfs"
	case OpMqueue:
		return "--mqueue"
	case OpProc:
		return "--proc"
	case OpDev:
		return "--dev"
	case OpRemountRo:
		return "--remount-ro"
	case OpBindData:
		return "--bind-data"
	case OpRoBindData:
		return "--ro-bind-data"
	case OpFile:
		return "--file"
	case OpChmod:
		return "--chmod"
	case OpPerms:
		return "--perms"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Op is one export operation.
//
// For the bind family and OpSymlink, Src is the first operand (host source
// path, or target the symlink points to) and Dst the container destination.
// Single-path operations use Dst only. Data-backed operations (OpBindData,
// OpRoBindData, OpFile) carry the backing file in File; the child fd number
// is assigned during command construction.
type Op struct {
	Kind OpKind

	Src string
	Dst string

	// Perms is the mode operand of OpChmod and OpPerms.
	Perms os.FileMode

	// File backs data operations. Ownership is exactly-once: whichever list
	// the Op currently belongs to owns the file, and command construction
	// transfers it into the exec.Cmd's ExtraFiles.
	File *os.File

	// FD is the child fd number rendered into the argument list. It is
	// assigned by command construction; producers leave it zero.
	FD int
}

// Constructors, one per kind the exports planner emits.

// Bind returns a read-write bind mount of host src at container dst.
func Bind(src, dst string) Op { return Op{Kind: OpBind, Src: src, Dst: dst} }

// RoBind returns a read-only bind mount of host src at container dst.
func RoBind(src, dst string) Op { return Op{Kind: OpRoBind, Src: src, Dst: dst} }

// DevBind returns a device-capable bind mount of host src at container dst.
func DevBind(src, dst string) Op { return Op{Kind: OpDevBind, Src: src, Dst: dst} }

// BindTry is Bind, tolerating a missing source.
func BindTry(src, dst string) Op { return Op{Kind: OpBindTry, Src: src, Dst: dst} }

// RoBindTry is RoBind, tolerating a missing source.
func RoBindTry(src, dst string) Op { return Op{Kind: OpRoBindTry, Src: src, Dst: dst} }

// DevBindTry is DevBind, tolerating a missing source.
func DevBindTry(src, dst string) Op { return Op{Kind: OpDevBindTry, Src: src, Dst: dst} }

// Symlink creates dst inside the container pointing at target.
func Symlink(target, dst string) Op { return Op{Kind: OpSymlink, Src: target, Dst: dst} }

// Dir creates directory dst inside the container.
func Dir(dst string) Op { return Op{Kind: OpDir, Dst: dst} }

// Tmpfs mounts a tmpfs at dst.
func Tmpfs(dst string) Op { return Op{Kind: OpTmpfs, Dst: dst} }

// Mqueue mounts a new mqueue at dst.
func Mqueue(dst string) Op { return Op{Kind: OpMqueue, Dst: dst} }

// Proc mounts a new procfs at dst.
func Proc(dst string) Op { return Op{Kind: OpProc, Dst: dst} }

// Dev mounts a minimal /dev at dst.
func Dev(dst string) Op { return Op{Kind: OpDev, Dst: dst} }

// RemountRo remounts dst read-only.
func RemountRo(dst string) Op { return Op{Kind: OpRemountRo, Dst: dst} }

// BindData bind-mounts the content of f read-write at dst. The operation
// takes ownership of f.
func BindData(f *os.File, dst string) Op { return Op{Kind: OpBindData, File: f, Dst: dst} }

// RoBindData bind-mounts the content of f read-only at dst. The operation
// takes ownership of f.
func RoBindData(f *os.File, dst string) Op { return Op{Kind: OpRoBindData, File: f, Dst: dst} }

// FileData copies the content of f to dst. The operation takes ownership
// of f.
func FileData(f *os.File, dst string) Op { return Op{Kind: OpFile, File: f, Dst: dst} }

// Chmod changes the permissions of path inside the container.
func Chmod(perms os.FileMode, path string) Op { return Op{Kind: OpChmod, Perms: perms, Dst: path} }

// Perms sets the permissions applied by the next operation.
func Perms(perms os.FileMode) Op { return Op{Kind: OpPerms, Perms: perms} }

// Args renders the operation as bubblewrap arguments. For data-backed
// operations the child fd number must have been assigned first; rendering
// them without one is a programming error.
func (o Op) Args() []string {
	switch o.Kind {
	case OpBind, OpRoBind, OpDevBind, OpBindTry, OpRoBindTry, OpDevBindTry, OpSymlink:
		return []string{o.Kind.String(), o.Src, o.Dst}
	case OpDir, OpTmpfs, OpMqueue, OpProc, OpDev, OpRemountRo:
		return []string{o.Kind.String(), o.Dst}
	case OpBindData, OpRoBindData, OpFile:
		if o.FD < firstExtraFD {
			panic(fmt.Sprintf("bwrap: %s for %q rendered without an assigned child fd", o.Kind, o.Dst))
		}

		return []string{o.Kind.String(), strconv.Itoa(o.FD), o.Dst}
	case OpChmod:
		return []string{o.Kind.String(), fmt.Sprintf("%04o", o.Perms.Perm()), o.Dst}
	case OpPerms:
		return []string{o.Kind.String(), fmt.Sprintf("%04o", o.Perms.Perm())}
	default:
		panic(fmt.Sprintf("bwrap: unknown op kind %d", int(o.Kind)))
	}
}
