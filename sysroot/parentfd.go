//go:build linux

package sysroot

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// openParent resolves the parent directory of the manifest entry name under
// rootFD, creating missing ancestors with mode 0755, and returns an open fd
// to that parent plus the entry's base component. The caller owns the
// returned fd.
//
// This is the single place where "never escape the sysroot" is enforced.
// Every component is opened relative to the previous fd with
// O_DIRECTORY|O_NOFOLLOW (unless followSymlinks permits symlinked
// ancestors), so a concurrent rename or symlink swap cannot redirect the
// operation outside the tree rooted at rootFD. Subsequent opens use the
// returned fd and the base name, never a re-derived absolute path.
func openParent(rootFD int, name string, followSymlinks bool) (parentFD int, base string, err error) {
	components, err := splitEntryName(name)
	if err != nil {
		return -1, "", err
	}

	openFlags := unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC
	if !followSymlinks {
		openFlags |= unix.O_NOFOLLOW
	}

	// Walk one component at a time; rootFD itself is borrowed, every
	// intermediate fd is closed as soon as its child is open.
	fd := rootFD

	for _, component := range components[:len(components)-1] {
		if mkdirErr := unix.Mkdirat(fd, component, 0o755); mkdirErr != nil && mkdirErr != unix.EEXIST {
			closeIfOwned(fd, rootFD)
			return -1, "", fmt.Errorf("create ancestor %q: %w", component, mkdirErr)
		}

		next, openErr := unix.Openat(fd, component, openFlags, 0)

		closeIfOwned(fd, rootFD)

		if openErr != nil {
			if openErr == unix.ELOOP || openErr == unix.ENOTDIR {
				return -1, "", fmt.Errorf("ancestor %q is not a directory: %w", component, openErr)
			}

			return -1, "", fmt.Errorf("open ancestor %q: %w", component, openErr)
		}

		fd = next
	}

	if fd == rootFD {
		// The entry sits directly under the root; hand back a duplicate so
		// the caller can close it unconditionally.
		fd, err = unix.Dup(rootFD)
		if err != nil {
			return -1, "", fmt.Errorf("dup sysroot fd: %w", err)
		}

		unix.CloseOnExec(fd)
	}

	return fd, components[len(components)-1], nil
}

func closeIfOwned(fd, rootFD int) {
	if fd != rootFD {
		_ = unix.Close(fd)
	}
}

// splitEntryName validates a "."-rooted manifest path and splits it into
// components. The root entry "." is not a valid argument here; callers skip
// it before resolving.
func splitEntryName(name string) ([]string, error) {
	rel, ok := strings.CutPrefix(name, "./")
	if !ok || rel == "" {
		return nil, fmt.Errorf("entry name %q is not below the manifest root", name)
	}

	components := strings.Split(rel, "/")
	for _, component := range components {
		switch component {
		case "", ".":
			return nil, fmt.Errorf("entry name %q has an empty or dot component", name)
		case "..":
			return nil, fmt.Errorf("entry name %q escapes the manifest root", name)
		}
	}

	return components, nil
}
