// Package mtree parses the constrained BSD mtree(5) subset used by runtime
// deployment manifests.
//
// The supported grammar is deliberately narrow: one entry per line, rooted at
// ".", with backslash escapes limited to octal sequences and the C-style
// letter escapes. /set and other special commands, continuation lines and
// full-path entries are rejected. Digest and ownership keywords that carry no
// weight for filesystem reconciliation are recognized and ignored; genuinely
// unknown keywords produce a warning for forward compatibility with mtree
// extensions.
package mtree

// Kind is the filesystem object type named by a manifest entry.
type Kind int

const (
	// KindUnknown is an unrecognized type= value. Entries of this kind are
	// rejected after parsing.
	KindUnknown Kind = iota

	// KindFile is a regular file (type=file).
	KindFile

	// KindDir is a directory (type=dir).
	KindDir

	// KindSymlink is a symbolic link (type=link).
	KindSymlink

	// KindBlock is a block device (type=block). Parsed, never materialized.
	KindBlock

	// KindChar is a character device (type=char). Parsed, never materialized.
	KindChar

	// KindFifo is a named pipe (type=fifo). Parsed, never materialized.
	KindFifo

	// KindSocket is a socket (type=socket). Parsed, never materialized.
	KindSocket
)

// String returns the manifest spelling of k.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "link"
	case KindBlock:
		return "block"
	case KindChar:
		return "char"
	case KindFifo:
		return "fifo"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Entry is one parsed manifest line.
//
// Entries are transient: each drives one reconciliation step and is then
// discarded, so manifests of unbounded size never build an in-memory tree.
type Entry struct {
	// Name is the entry path relative to the manifest root. It is either
	// "." (the root itself) or begins with "./".
	Name string

	// Kind is the filesystem object type.
	Kind Kind

	// Mode holds the 9-bit permission bits from mode=, or -1 if absent.
	//
	// Reconciliation consults only the executable bits; see package sysroot.
	Mode int32

	// Size is the file size in bytes from size=, or -1 if absent.
	Size int64

	// Mtime and MtimeNsec hold the modification time from time=.
	// Valid only when HaveMtime is true.
	Mtime     int64
	MtimeNsec int32
	HaveMtime bool

	// Link is the symlink target. Required iff Kind is KindSymlink.
	Link string

	// Contents is an alternate source-file name used for hard-link/copy
	// materialization, from contents= (or the content= spelling).
	Contents string

	// SHA256 is the informational content digest from sha256= and/or
	// sha256digest=. When both keywords appear they must agree.
	SHA256 string

	// IgnoreBelow is the ignore flag: consumers comparing trees should not
	// descend below this entry. Reconciliation treats the entry normally.
	IgnoreBelow bool

	// NoChange indicates the entry's permissions and modification time must
	// be left exactly as found.
	NoChange bool

	// Optional indicates a missing file is tolerated during reconciliation.
	Optional bool
}

// IsRoot reports whether the entry names the manifest root itself.
func (e *Entry) IsRoot() bool {
	return e.Name == "."
}
