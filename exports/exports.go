//go:build linux

// Package exports decides which parts of the host a container may see and
// turns those decisions into an ordered operation list.
//
// Build is the planning step: it inspects the host environment it is given
// (never process-global state), emits bubblewrap operations in shadowing
// order, and records every environment consequence of an exposure decision
// in the caller's envlock.Builder. Sharing the X11 socket, for example, is
// only half the job; the other half is locking DISPLAY so a later,
// less-trusted launcher cannot repoint it.
//
// The resulting list is not yet runnable: it must pass through the
// namespace path translator (package remap) before command construction.
package exports

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/openvessel/vessel/bwrap"
	"github.com/openvessel/vessel/envlock"
)

// RuntimeMount is the in-container directory reserved for launcher-owned
// runtime files.
const RuntimeMount = "/run/vessel"

// HomeMode selects how the container sees a home directory.
type HomeMode string

const (
	// HomeShared binds the real home directory read-write.
	HomeShared HomeMode = "shared"

	// HomePrivate binds an alternate host directory over the home path, so
	// the application gets a persistent but isolated home.
	HomePrivate HomeMode = "private"

	// HomeTmpfs gives the container an empty, discarded-on-exit home.
	HomeTmpfs HomeMode = "tmpfs"
)

// Config describes one exposure plan. Everything Build needs is explicit
// here; the planner reads no process-wide state.
type Config struct {
	// RuntimeDir is a host directory holding a materialized runtime tree
	// (see package sysroot) to be used as the container's /usr. When empty,
	// the host's /usr is exposed read-only instead.
	RuntimeDir string

	// HomeDir is the logical home directory path, used both as bind
	// destination and for the HOME variable.
	HomeDir string

	// HomeMode selects home handling; empty defaults to HomeTmpfs.
	HomeMode HomeMode

	// PrivateHome is the host directory bound over HomeDir in HomePrivate
	// mode.
	PrivateHome string

	// ShareX11 exposes the X11 socket directory and locks DISPLAY (and
	// XAUTHORITY when present) to the values in HostEnv.
	ShareX11 bool

	// SharePulse exposes the PulseAudio native socket and locks
	// PULSE_SERVER to its in-container location.
	SharePulse bool

	// ExtraRO and ExtraRW are additional host paths exposed read-only or
	// read-write at their own locations. They must be absolute.
	ExtraRO []string
	ExtraRW []string

	// HostEnv is a snapshot of the launcher's environment variables.
	HostEnv map[string]string

	// Less orders paths of equal depth for deterministic output. Defaults
	// to lexicographic ordering.
	Less func(a, b string) bool

	// Debugf receives planning diagnostics. May be nil.
	Debugf func(format string, args ...any)
}

func (c *Config) debugf(format string, args ...any) {
	if c.Debugf != nil {
		c.Debugf("exports: "+format, args...)
	}
}

func (c *Config) hostEnv(name string) string {
	if c.HostEnv == nil {
		return ""
	}

	return c.HostEnv[name]
}

// Build computes the exposure plan, appending every environment decision
// to env. The caller freezes env once all decisions (including its own CLI
// overrides) have been made.
//
// The returned operations are in shadowing order: base mounts, the runtime
// tree, sockets, home, then the extra paths sorted shallowest-first so a
// deeper path can re-expose content inside a shallower one.
func Build(cfg Config, env *envlock.Builder) ([]bwrap.Op, error) {
	if cfg.HomeDir == "" || !path.IsAbs(cfg.HomeDir) {
		return nil, fmt.Errorf("exports: home directory %q is not absolute", cfg.HomeDir)
	}

	ops := make([]bwrap.Op, 0, 32)

	// Base layout. /run is a fresh tmpfs, so everything below it must be
	// re-created explicitly.
	ops = append(ops,
		bwrap.Proc("/proc"),
		bwrap.Dev("/dev"),
		bwrap.Tmpfs("/run"),
		bwrap.Dir(RuntimeMount),
		bwrap.Tmpfs("/tmp"),
	)

	ops = append(ops, runtimeOps(cfg)...)

	// The launcher's own runtime dir is unknowable from in here but must
	// survive into a trusted companion launch untouched.
	env.LockInherited("XDG_RUNTIME_DIR")
	env.LockInherited("DBUS_SESSION_BUS_ADDRESS")

	ops = append(ops, x11Ops(cfg, env)...)
	ops = append(ops, pulseOps(cfg, env)...)

	homeOps, err := buildHomeOps(cfg, env)
	if err != nil {
		return nil, err
	}

	ops = append(ops, homeOps...)

	extraOps, err := buildExtraOps(cfg)
	if err != nil {
		return nil, err
	}

	ops = append(ops, extraOps...)

	cfg.debugf("plan ops=%d runtime=%q homeMode=%q x11=%t pulse=%t extraRO=%d extraRW=%d",
		len(ops), cfg.RuntimeDir, cfg.HomeMode, cfg.ShareX11, cfg.SharePulse, len(cfg.ExtraRO), len(cfg.ExtraRW))

	return ops, nil
}

// runtimeOps exposes either the substituted runtime tree or the host's own
// /usr, plus the usual merged-/usr symlinks.
func runtimeOps(cfg Config) []bwrap.Op {
	usr := cfg.RuntimeDir
	if usr == "" {
		usr = "/usr"
	}

	ops := []bwrap.Op{
		bwrap.RoBind(usr, "/usr"),
		bwrap.Symlink("usr/bin", "/bin"),
		bwrap.Symlink("usr/sbin", "/sbin"),
		bwrap.Symlink("usr/lib", "/lib"),
		bwrap.Symlink("usr/lib64", "/lib64"),
		bwrap.RoBindTry("/etc", "/etc"),
	}

	return ops
}

func x11Ops(cfg Config, env *envlock.Builder) []bwrap.Op {
	if !cfg.ShareX11 {
		// The socket is not there; make sure nothing later pretends it is.
		env.LockUnset("DISPLAY")
		return nil
	}

	display := cfg.hostEnv("DISPLAY")
	if display == "" {
		cfg.debugf("x11 requested but DISPLAY is not set; skipping")
		env.LockUnset("DISPLAY")

		return nil
	}

	env.Lock("DISPLAY", display)

	ops := []bwrap.Op{bwrap.RoBind("/tmp/.X11-unix", "/tmp/.X11-unix")}

	if xauth := cfg.hostEnv("XAUTHORITY"); xauth != "" {
		dst := path.Join(RuntimeMount, "Xauthority")
		ops = append(ops, bwrap.RoBindTry(xauth, dst))
		env.Lock("XAUTHORITY", dst)
	}

	return ops
}

func pulseOps(cfg Config, env *envlock.Builder) []bwrap.Op {
	if !cfg.SharePulse {
		return nil
	}

	runtimeDir := cfg.hostEnv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		cfg.debugf("pulse requested but XDG_RUNTIME_DIR is not set; skipping")
		return nil
	}

	socket := path.Join(runtimeDir, "pulse", "native")
	dst := path.Join(RuntimeMount, "pulse", "native")

	env.Lock("PULSE_SERVER", "unix:"+dst)

	return []bwrap.Op{bwrap.BindTry(socket, dst)}
}

func buildHomeOps(cfg Config, env *envlock.Builder) ([]bwrap.Op, error) {
	mode := cfg.HomeMode
	if mode == "" {
		mode = HomeTmpfs
	}

	env.Lock("HOME", cfg.HomeDir)

	switch mode {
	case HomeShared:
		return []bwrap.Op{bwrap.Bind(cfg.HomeDir, cfg.HomeDir)}, nil

	case HomePrivate:
		if cfg.PrivateHome == "" || !path.IsAbs(cfg.PrivateHome) {
			return nil, fmt.Errorf("exports: private home %q is not absolute", cfg.PrivateHome)
		}

		return []bwrap.Op{bwrap.Bind(cfg.PrivateHome, cfg.HomeDir)}, nil

	case HomeTmpfs:
		return []bwrap.Op{bwrap.Tmpfs(cfg.HomeDir)}, nil

	default:
		return nil, fmt.Errorf("exports: unknown home mode %q", mode)
	}
}

// buildExtraOps validates and deterministically orders the caller's extra
// paths: shallowest destination first so parents mount before children,
// ties broken by the configured comparator, read-only before read-write at
// the same path so the more permissive mount wins.
func buildExtraOps(cfg Config) ([]bwrap.Op, error) {
	type extra struct {
		path  string
		write bool
	}

	all := make([]extra, 0, len(cfg.ExtraRO)+len(cfg.ExtraRW))

	for _, p := range cfg.ExtraRO {
		all = append(all, extra{path: p})
	}

	for _, p := range cfg.ExtraRW {
		all = append(all, extra{path: p, write: true})
	}

	for _, e := range all {
		if !path.IsAbs(e.path) || path.Clean(e.path) != e.path {
			return nil, fmt.Errorf("exports: extra path %q is not absolute and clean", e.path)
		}
	}

	less := cfg.Less
	if less == nil {
		less = func(a, b string) bool { return a < b }
	}

	sort.SliceStable(all, func(i, j int) bool {
		di, dj := pathDepth(all[i].path), pathDepth(all[j].path)
		if di != dj {
			return di < dj
		}

		if all[i].path != all[j].path {
			return less(all[i].path, all[j].path)
		}

		return !all[i].write && all[j].write
	})

	ops := make([]bwrap.Op, 0, len(all))

	for _, e := range all {
		if e.write {
			ops = append(ops, bwrap.Bind(e.path, e.path))
		} else {
			ops = append(ops, bwrap.RoBind(e.path, e.path))
		}
	}

	return ops, nil
}

func pathDepth(p string) int {
	if p == "/" {
		return 0
	}

	return strings.Count(p, "/")
}
