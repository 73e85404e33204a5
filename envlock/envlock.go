// Package envlock tracks the environment variables a container launcher
// touches, and whether each decision may be overridden later.
//
// Every variable is in one of three states:
//
//   - set: the launcher chose an explicit value
//   - forced-unset: the launcher decided the variable must not exist
//   - inherited (the default): the launcher never touched it, and whatever
//     value the launching process naturally has wins
//
// Independently of its state, a variable may be locked. A locked variable's
// state must survive being passed through a second, less-trusted launcher
// (for example a companion "run a command inside the already-running
// container" service) unchanged. Locking never implies an explicit value:
// locking an inherited variable keeps it inherited, but still locked.
//
// A Builder is populated incrementally while exposure decisions are made,
// then consumed exactly once by Freeze, which returns an immutable Snapshot.
// Using the Builder after Freeze is a bug in the caller's sequencing and
// panics.
package envlock

import (
	"fmt"
	"sort"
)

// state is the explicit state of a variable that has been touched.
//
// Variables that were never touched have no state at all ("inherited");
// they are simply absent from the Builder's value map.
type state struct {
	// value is the explicit value. Meaningless when unset is true.
	value string

	// unset marks the variable as forced-unset: it must not exist in the
	// container environment, even if the launching process has a value.
	unset bool
}

// Builder accumulates environment decisions.
//
// The zero value is not usable; construct with New. A Builder is not safe
// for concurrent use; the surrounding setup sequence is single-threaded by
// design.
type Builder struct {
	values map[string]state
	locked map[string]struct{}
}

// New returns an empty Builder: every variable is inherited and unlocked.
func New() *Builder {
	return &Builder{
		values: make(map[string]state),
		locked: make(map[string]struct{}),
	}
}

func (b *Builder) mutable(op string) {
	if b == nil || b.values == nil {
		panic(fmt.Sprintf("envlock: %s called after Freeze", op))
	}
}

// Set records an explicit value for name and clears any lock, making the
// decision overridable by a later, less-trusted launcher.
func (b *Builder) Set(name, value string) {
	b.mutable("Set")
	b.values[name] = state{value: value}
	delete(b.locked, name)
}

// Unset records that name must not exist in the container environment, and
// clears any lock.
func (b *Builder) Unset(name string) {
	b.mutable("Unset")
	b.values[name] = state{unset: true}
	delete(b.locked, name)
}

// Lock records an explicit value for name and marks it locked.
func (b *Builder) Lock(name, value string) {
	b.mutable("Lock")
	b.values[name] = state{value: value}
	b.locked[name] = struct{}{}
}

// LockUnset records that name must not exist in the container environment
// and marks that decision locked.
func (b *Builder) LockUnset(name string) {
	b.mutable("LockUnset")
	b.values[name] = state{unset: true}
	b.locked[name] = struct{}{}
}

// LockInherited removes any explicit state for name, reverting it to
// inherited, and marks it locked.
//
// This is for variables whose correct value is not knowable from here (for
// example a host D-Bus address): whatever the trusted launching process
// naturally has wins, but nothing less trusted may override it.
func (b *Builder) LockInherited(name string) {
	b.mutable("LockInherited")
	delete(b.values, name)
	b.locked[name] = struct{}{}
}

// IsLocked reports whether name is locked.
func (b *Builder) IsLocked(name string) bool {
	b.mutable("IsLocked")
	_, ok := b.locked[name]
	return ok
}

// Get returns the explicit value for name.
//
// ok is false both for inherited and for forced-unset variables; callers
// that need to tell those apart must consult Variables (forced-unset
// variables are listed, inherited ones are not).
func (b *Builder) Get(name string) (value string, ok bool) {
	b.mutable("Get")
	return b.get(name)
}

func (b *Builder) get(name string) (string, bool) {
	st, ok := b.values[name]
	if !ok || st.unset {
		return "", false
	}
	return st.value, true
}

// Freeze consumes the Builder and returns an immutable Snapshot of its
// state. Any use of the Builder afterwards panics.
func (b *Builder) Freeze() *Snapshot {
	b.mutable("Freeze")

	s := &Snapshot{
		values: b.values,
		locked: b.locked,
	}
	b.values = nil
	b.locked = nil

	return s
}

// Snapshot is the read-only view of a consumed Builder, read exactly once
// when the final argument list and the lock manifest are built.
type Snapshot struct {
	values map[string]state
	locked map[string]struct{}
}

// Get returns the explicit value for name; ok is false for inherited and
// forced-unset variables alike.
func (s *Snapshot) Get(name string) (value string, ok bool) {
	st, present := s.values[name]
	if !present || st.unset {
		return "", false
	}
	return st.value, true
}

// IsLocked reports whether name is locked.
func (s *Snapshot) IsLocked(name string) bool {
	_, ok := s.locked[name]
	return ok
}

// Variables returns every variable with an explicit state (set or
// forced-unset), lexicographically sorted. Variables that are merely
// inherited-and-locked are not listed.
func (s *Snapshot) Variables() []string {
	out := make([]string, 0, len(s.values))
	for name := range s.values {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Locked returns every locked variable, lexicographically sorted.
//
// The sort exists for reproducible diagnostics and deterministic
// serialization of the lock manifest, not for semantics.
func (s *Snapshot) Locked() []string {
	out := make([]string, 0, len(s.locked))
	for name := range s.locked {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
