//go:build linux

package bwrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/openvessel/vessel/envlock"
)

// firstExtraFD is the child fd number of the first exec.Cmd ExtraFile.
const firstExtraFD = 3

// CommandOptions configures final command construction.
type CommandOptions struct {
	// Helper is the path to the bubblewrap executable. When empty it is
	// resolved from PATH.
	Helper string

	// DieWithParent ties the container's lifetime to the launcher
	// (--die-with-parent).
	DieWithParent bool

	// UnshareAll requests all namespaces be unshared (--unshare-all);
	// ShareNet re-shares the network namespace afterwards.
	UnshareAll bool
	ShareNet   bool

	// Chdir is the container working directory (--chdir), if non-empty.
	Chdir string

	// Debugf receives a construction summary. May be nil.
	Debugf func(format string, args ...any)
}

// Command builds the final unstarted exec.Cmd that runs argv inside the
// container described by ops.
//
// ops must already be namespace-translated (package remap). Data-backed
// operations transfer their backing files into the command's ExtraFiles;
// ownership moves exactly once, and the returned cleanup function closes
// them. Cleanup is idempotent and must be called even if the command is
// never started.
//
// The container environment is read exactly once from the frozen env
// snapshot: every explicitly-set variable becomes --setenv, every
// forced-unset variable --unsetenv, and inherited variables are left to the
// helper's own environment.
func Command(ctx context.Context, ops []Op, env *envlock.Snapshot, argv []string, opts CommandOptions) (*exec.Cmd, func() error, error) {
	noCleanup := func() error { return nil }

	if len(argv) == 0 {
		return nil, noCleanup, errors.New("bwrap: no command provided")
	}

	helper := opts.Helper
	if helper == "" {
		resolved, err := exec.LookPath("bwrap")
		if err != nil {
			return nil, noCleanup, fmt.Errorf("bwrap: helper not found in PATH: %w", err)
		}

		helper = resolved
	}

	args := make([]string, 0, 8+len(ops)*3+len(argv))

	if opts.DieWithParent {
		args = append(args, "--die-with-parent")
	}

	if opts.UnshareAll {
		args = append(args, "--unshare-all")
		if opts.ShareNet {
			args = append(args, "--share-net")
		}
	}

	var files []*os.File

	for _, op := range ops {
		if op.File != nil {
			op.FD = firstExtraFD + len(files)
			files = append(files, op.File)
		}

		args = append(args, op.Args()...)
	}

	for _, name := range env.Variables() {
		if value, ok := env.Get(name); ok {
			args = append(args, "--setenv", name, value)
		} else {
			args = append(args, "--unsetenv", name)
		}
	}

	if opts.Chdir != "" {
		args = append(args, "--chdir", opts.Chdir)
	}

	args = append(args, "--")
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, helper, args...)
	if len(files) > 0 {
		cmd.ExtraFiles = files
	}

	if opts.Debugf != nil {
		opts.Debugf("bwrap(command): helper=%q args=%d extraFiles=%d argv0=%q",
			helper, len(args), len(files), argv[0])
	}

	return cmd, closeFilesOnce(files), nil
}

// NewDataFile returns a file pre-loaded with data, positioned at the start,
// suitable for a data-backed operation. An anonymous in-memory file is
// preferred; if memfd creation fails an unlinked temp file is used, since
// the helper reads the content through the inherited fd, not by path.
func NewDataFile(name string, data []byte) (*os.File, error) {
	f, err := newDataBackingFile(name)
	if err != nil {
		return nil, err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bwrap: write data for %q: %w", name, err)
	}

	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bwrap: rewind data for %q: %w", name, err)
	}

	return f, nil
}

func newDataBackingFile(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err == nil {
		return os.NewFile(uintptr(fd), name), nil
	}

	tempFile, tmpErr := os.CreateTemp("", name+"-*")
	if tmpErr != nil {
		return nil, errors.Join(
			fmt.Errorf("memfd_create: %w", err),
			fmt.Errorf("create temp file: %w", tmpErr),
		)
	}

	// Best-effort unlink; the file stays usable via its fd.
	_ = os.Remove(tempFile.Name())

	return tempFile, nil
}

func closeFilesOnce(files []*os.File) func() error {
	var (
		once   sync.Once
		outErr error
	)

	return func() error {
		once.Do(func() {
			var errs []error

			for _, f := range files {
				if f == nil {
					continue
				}

				if err := f.Close(); err != nil {
					errs = append(errs, err)
				}
			}

			outErr = errors.Join(errs...)
		})

		return outErr
	}
}
