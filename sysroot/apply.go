//go:build linux

// Package sysroot reconciles a directory tree against a deployment manifest.
//
// Apply reads a constrained mtree manifest (see package mtree) line by line
// and materializes each entry under a caller-supplied root fd: directories
// are created, regular files are reused from a source tree via hard link or
// content copy, symlinks are created if absent, and permissions and mtimes
// are normalized. All filesystem work is fd-relative so that concurrent
// modification of the tree cannot redirect an operation outside the root.
//
// The externally visible contract is bit-exact for reproducible images:
// directories and executable files are mode 0755, other regular files 0644,
// unless an entry is flagged nochange.
package sysroot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openvessel/vessel/mtree"
)

// Debugf receives timing and progress diagnostics. It may be nil.
type Debugf func(format string, args ...any)

// Options configures a manifest application.
type Options struct {
	// SourceDir is a directory holding source files for regular-file
	// entries. When set, a file that already exists at its destination is
	// assumed correct and left alone (no content verification, even when
	// the manifest supplied a digest); otherwise the source is hard-linked
	// into place, falling back to a copy across filesystem boundaries.
	//
	// When empty, every non-optional regular file must already exist at its
	// destination.
	SourceDir string

	// Gzip selects transparent gzip decompression of the manifest.
	Gzip bool

	// FollowAncestorSymlinks permits symlinked directories on the path to an
	// entry's parent. Off by default: a symlinked ancestor is normally a
	// sign the tree is not the one the manifest describes.
	FollowAncestorSymlinks bool

	// Warnf receives non-fatal diagnostics: unknown manifest keywords and
	// mtime-set failures. May be nil.
	Warnf mtree.Warnf

	// Debugf receives timing and progress diagnostics. May be nil.
	Debugf Debugf
}

// Apply reconciles the tree under root against the manifest at manifestPath.
//
// Entries are applied strictly in file order; parents are created on demand,
// so the manifest need not list a directory before its contents. A parse
// error on any line aborts the whole application: no further entries are
// applied once the manifest's later semantics are unknown.
func Apply(manifestPath string, root *os.File, opts Options) error {
	start := time.Now()

	manifest, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("sysroot: %w", err)
	}
	defer func() { _ = manifest.Close() }()

	reader, err := mtree.NewReader(manifest, manifestPath, mtree.ReaderOptions{
		Gzip:  opts.Gzip,
		Warnf: opts.Warnf,
	})
	if err != nil {
		return fmt.Errorf("sysroot: %w", err)
	}
	defer func() { _ = reader.Close() }()

	sourceFD := -1

	if opts.SourceDir != "" {
		sourceFD, err = unix.Open(opts.SourceDir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("sysroot: open source directory %q: %w", opts.SourceDir, err)
		}

		defer func() { _ = unix.Close(sourceFD) }()
	}

	entries := 0

	for {
		entry, nextErr := reader.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}

		if nextErr != nil {
			return fmt.Errorf("sysroot %q: %w", root.Name(), nextErr)
		}

		entries++

		if err := applyEntry(int(root.Fd()), sourceFD, entry, opts); err != nil {
			return fmt.Errorf("sysroot %q: entry %q: %w", root.Name(), entry.Name, err)
		}
	}

	if opts.Debugf != nil {
		opts.Debugf("sysroot(apply): manifest=%q root=%q entries=%d elapsed=%s",
			manifestPath, root.Name(), entries, time.Since(start).Round(time.Microsecond))
	}

	return nil
}

// applyEntry materializes one manifest entry. The entry fd used for
// permission normalization is opened relative to the parent fd returned by
// openParent, never via an absolute path.
func applyEntry(rootFD, sourceFD int, entry *mtree.Entry, opts Options) error {
	// The root itself is represented by "." and needs no work.
	if entry.IsRoot() {
		return nil
	}

	parentFD, base, err := openParent(rootFD, entry.Name, opts.FollowAncestorSymlinks)
	if err != nil {
		return err
	}
	defer func() { _ = unix.Close(parentFD) }()

	var entryFD int

	switch entry.Kind {
	case mtree.KindDir:
		entryFD, err = applyDir(parentFD, base)

	case mtree.KindFile:
		entryFD, err = applyFile(parentFD, sourceFD, base, entry)
		if err == nil && entryFD < 0 {
			// Optional file, absent: nothing to normalize.
			return nil
		}

	case mtree.KindSymlink:
		// Created only if nothing occupies the path; an existing symlink is
		// never retargeted, it may have been customized. Symlinks are exempt
		// from permission and mtime handling.
		err = unix.Symlinkat(entry.Link, parentFD, base)
		if err == unix.EEXIST {
			err = nil
		}

		if err != nil {
			return fmt.Errorf("create symlink to %q: %w", entry.Link, err)
		}

		return nil

	default:
		return fmt.Errorf("special file type %s is not supported", entry.Kind)
	}

	if err != nil {
		return err
	}

	defer func() { _ = unix.Close(entryFD) }()

	if entry.NoChange {
		return nil
	}

	// The manifest's literal mode is consulted only for its executable bit:
	// the materialized tree uses exactly two file modes.
	mode := uint32(0o644)
	if entry.Kind == mtree.KindDir || (entry.Mode >= 0 && entry.Mode&0o111 != 0) {
		mode = 0o755
	}

	if err := unix.Fchmod(entryFD, mode); err != nil {
		return fmt.Errorf("set permissions %04o: %w", mode, err)
	}

	if entry.Kind == mtree.KindFile && entry.HaveMtime {
		// atime is left untouched via UTIME_OMIT. Failure here is cosmetic
		// and downgraded to a warning.
		times := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Sec: entry.Mtime, Nsec: int64(entry.MtimeNsec)},
		}

		if err := unix.UtimesNanoAt(parentFD, base, times, unix.AT_SYMLINK_NOFOLLOW); err != nil && opts.Warnf != nil {
			opts.Warnf("entry %q: set mtime: %v", entry.Name, err)
		}
	}

	return nil
}

// applyDir creates the directory if absent and returns an fd to it,
// asserting that whatever occupies the slot really is a directory.
func applyDir(parentFD int, base string) (int, error) {
	if err := unix.Mkdirat(parentFD, base, 0o755); err != nil && err != unix.EEXIST {
		return -1, fmt.Errorf("create directory: %w", err)
	}

	fd, err := unix.Openat(parentFD, base, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOTDIR || err == unix.ELOOP {
			return -1, fmt.Errorf("directory slot is occupied by a non-directory: %w", err)
		}

		return -1, fmt.Errorf("open directory: %w", err)
	}

	return fd, nil
}

// applyFile materializes a regular-file entry and returns an fd to it.
//
// A returned fd of -1 with a nil error means the entry was optional and
// absent.
func applyFile(parentFD, sourceFD int, base string, entry *mtree.Entry) (int, error) {
	if entry.Size == 0 {
		fd, err := unix.Openat(parentFD, base,
			unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o644)
		if err != nil {
			return -1, fmt.Errorf("create empty file: %w", err)
		}

		return fd, nil
	}

	// Ordered fallback chain: an existing destination is assumed correct
	// (cheap repeated runs), then a hard link from the source tree (cheap
	// same-filesystem materialization), then a content copy (correct across
	// filesystem boundaries).
	fd, err := unix.Openat(parentFD, base, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err == nil {
		return fd, nil
	}

	if err != unix.ENOENT {
		return -1, fmt.Errorf("open file: %w", err)
	}

	if sourceFD < 0 {
		if entry.Optional {
			return -1, nil
		}

		return -1, fmt.Errorf("expected file is missing and no source directory was given")
	}

	sourceName := entry.Name
	if entry.Contents != "" {
		sourceName = entry.Contents
	}

	components, err := splitEntryName(sourceName)
	if err != nil {
		return -1, err
	}

	sourceRel := strings.Join(components, "/")

	if err := unix.Linkat(sourceFD, sourceRel, parentFD, base, 0); err == nil {
		fd, err = unix.Openat(parentFD, base, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, fmt.Errorf("open hard-linked file: %w", err)
		}

		return fd, nil
	}

	// Hard link failed (cross-device, permissions, ...): silently fall back
	// to a copy. Only a copy failure surfaces as fatal.
	return copyFromSource(parentFD, sourceFD, base, sourceRel)
}

func copyFromSource(parentFD, sourceFD int, base, sourceRel string) (int, error) {
	srcFD, err := unix.Openat(sourceFD, sourceRel, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open source file %q: %w", sourceRel, err)
	}

	src := os.NewFile(uintptr(srcFD), sourceRel)
	defer func() { _ = src.Close() }()

	dstFD, err := unix.Openat(parentFD, base,
		unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return -1, fmt.Errorf("create file for copy: %w", err)
	}

	dst := os.NewFile(uintptr(dstFD), base)

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return -1, fmt.Errorf("copy from source %q: %w", sourceRel, err)
	}

	// Hand the fd back without closing: reopen read-only via the parent so
	// the caller gets a clean fd for normalization.
	if err := dst.Close(); err != nil {
		return -1, fmt.Errorf("finish copy from source %q: %w", sourceRel, err)
	}

	fd, err := unix.Openat(parentFD, base, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open copied file: %w", err)
	}

	return fd, nil
}
