//go:build linux

package exports_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openvessel/vessel/bwrap"
	"github.com/openvessel/vessel/envlock"
	"github.com/openvessel/vessel/exports"
)

func mustBuild(t *testing.T, cfg exports.Config, env *envlock.Builder) []bwrap.Op {
	t.Helper()

	ops, err := exports.Build(cfg, env)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	return ops
}

func opStrings(ops []bwrap.Op) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, strings.Join(op.Args(), " "))
	}

	return out
}

func mustContainInOrder(t *testing.T, got []string, want ...string) {
	t.Helper()

	i := 0

	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}

	if i != len(want) {
		t.Fatalf("ops %v\ndo not contain, in order, %v", got, want)
	}
}

func Test_Build_ExposesSubstitutedRuntime_When_RuntimeDirSet(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{
		RuntimeDir: "/var/lib/vessel/runtimes/soldier",
		HomeDir:    "/home/user",
	}, env)

	mustContainInOrder(t, opStrings(ops),
		"--proc /proc",
		"--tmpfs /run",
		"--dir /run/vessel",
		"--ro-bind /var/lib/vessel/runtimes/soldier /usr",
		"--symlink usr/bin /bin",
		"--symlink usr/lib /lib",
	)
}

func Test_Build_FallsBackToHostUsr_When_NoRuntimeDir(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{HomeDir: "/home/user"}, env)

	mustContainInOrder(t, opStrings(ops), "--ro-bind /usr /usr", "--ro-bind-try /etc /etc")
}

func Test_Build_LocksDisplayAndBindsSocket_When_X11Shared(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{
		HomeDir:  "/home/user",
		ShareX11: true,
		HostEnv: map[string]string{
			"DISPLAY":    ":0",
			"XAUTHORITY": "/home/user/.Xauthority",
		},
	}, env)

	mustContainInOrder(t, opStrings(ops),
		"--ro-bind /tmp/.X11-unix /tmp/.X11-unix",
		"--ro-bind-try /home/user/.Xauthority /run/vessel/Xauthority",
	)

	if got, ok := env.Get("DISPLAY"); !ok || got != ":0" {
		t.Fatalf("DISPLAY = %q, %t; want :0, true", got, ok)
	}

	if got, ok := env.Get("XAUTHORITY"); !ok || got != "/run/vessel/Xauthority" {
		t.Fatalf("XAUTHORITY = %q, %t; want container path, true", got, ok)
	}

	for _, name := range []string{"DISPLAY", "XAUTHORITY"} {
		if !env.IsLocked(name) {
			t.Fatalf("%s is not locked", name)
		}
	}
}

func Test_Build_ForcesDisplayUnset_When_X11NotShared(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{
		HomeDir: "/home/user",
		HostEnv: map[string]string{"DISPLAY": ":0"},
	}, env)

	for _, s := range opStrings(ops) {
		if strings.Contains(s, ".X11-unix") {
			t.Fatalf("X11 socket exposed without sharing: %s", s)
		}
	}

	if _, ok := env.Get("DISPLAY"); ok {
		t.Fatal("DISPLAY survived with sharing disabled")
	}

	if !env.IsLocked("DISPLAY") {
		t.Fatal("DISPLAY unset is not locked")
	}
}

func Test_Build_SkipsX11_When_HostHasNoDisplay(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{HomeDir: "/home/user", ShareX11: true}, env)

	for _, s := range opStrings(ops) {
		if strings.Contains(s, ".X11-unix") {
			t.Fatalf("X11 socket exposed without a host DISPLAY: %s", s)
		}
	}

	if _, ok := env.Get("DISPLAY"); ok {
		t.Fatal("DISPLAY set despite no host display")
	}
}

func Test_Build_RedirectsPulseServer_When_PulseShared(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{
		HomeDir:    "/home/user",
		SharePulse: true,
		HostEnv:    map[string]string{"XDG_RUNTIME_DIR": "/run/user/1000"},
	}, env)

	mustContainInOrder(t, opStrings(ops),
		"--bind-try /run/user/1000/pulse/native /run/vessel/pulse/native")

	if got, _ := env.Get("PULSE_SERVER"); got != "unix:/run/vessel/pulse/native" {
		t.Fatalf("PULSE_SERVER = %q", got)
	}
}

func Test_Build_LocksInheritedSessionVariables_Always(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	mustBuild(t, exports.Config{HomeDir: "/home/user"}, env)

	for _, name := range []string{"XDG_RUNTIME_DIR", "DBUS_SESSION_BUS_ADDRESS"} {
		if !env.IsLocked(name) {
			t.Fatalf("%s is not locked", name)
		}

		// Inherited: locked against later edits but carrying no value.
		if _, ok := env.Get(name); ok {
			t.Fatalf("%s has a value; want inherited", name)
		}
	}
}

func Test_Build_BindsHomePerMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  exports.Config
		want string
	}{
		{
			"shared",
			exports.Config{HomeDir: "/home/user", HomeMode: exports.HomeShared},
			"--bind /home/user /home/user",
		},
		{
			"private",
			exports.Config{HomeDir: "/home/user", HomeMode: exports.HomePrivate, PrivateHome: "/var/data/homes/game"},
			"--bind /var/data/homes/game /home/user",
		},
		{
			"tmpfs default",
			exports.Config{HomeDir: "/home/user"},
			"--tmpfs /home/user",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := envlock.New()
			ops := mustBuild(t, tc.cfg, env)

			if !slices.Contains(opStrings(ops), tc.want) {
				t.Fatalf("ops %v missing %q", opStrings(ops), tc.want)
			}

			if got, _ := env.Get("HOME"); got != "/home/user" {
				t.Fatalf("HOME = %q", got)
			}

			if !env.IsLocked("HOME") {
				t.Fatal("HOME is not locked")
			}
		})
	}
}

func Test_Build_Fails_When_PrivateHomeMissing(t *testing.T) {
	t.Parallel()

	_, err := exports.Build(exports.Config{
		HomeDir:  "/home/user",
		HomeMode: exports.HomePrivate,
	}, envlock.New())
	if err == nil {
		t.Fatal("expected an error for private mode without a private home")
	}
}

func Test_Build_OrdersExtraPaths_ShallowestFirst(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{
		HomeDir: "/home/user",
		ExtraRO: []string{"/srv/library/steamapps/common", "/opt"},
		ExtraRW: []string{"/srv/library", "/mnt/scratch"},
	}, env)

	mustContainInOrder(t, opStrings(ops),
		"--ro-bind /opt /opt",
		"--bind /mnt/scratch /mnt/scratch",
		"--bind /srv/library /srv/library",
		"--ro-bind /srv/library/steamapps/common /srv/library/steamapps/common",
	)
}

func Test_Build_OrdersEqualDepthPaths_With_Comparator(t *testing.T) {
	t.Parallel()

	env := envlock.New()
	ops := mustBuild(t, exports.Config{
		HomeDir: "/home/user",
		ExtraRO: []string{"/aaa", "/zzz"},
		// Reverse-lexicographic, to prove the comparator is honored.
		Less: func(a, b string) bool { return a > b },
	}, env)

	mustContainInOrder(t, opStrings(ops), "--ro-bind /zzz /zzz", "--ro-bind /aaa /aaa")
}

func Test_Build_Fails_When_ExtraPathRelativeOrUnclean(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"relative/path", "/trailing/", "/a/../b", ""} {
		if _, err := exports.Build(exports.Config{
			HomeDir: "/home/user",
			ExtraRO: []string{bad},
		}, envlock.New()); err == nil {
			t.Fatalf("path %q accepted; want error", bad)
		}
	}
}

func Test_Build_IsDeterministic(t *testing.T) {
	t.Parallel()

	cfg := exports.Config{
		HomeDir:    "/home/user",
		ShareX11:   true,
		SharePulse: true,
		ExtraRO:    []string{"/opt/tools", "/srv/games"},
		ExtraRW:    []string{"/mnt/scratch"},
		HostEnv: map[string]string{
			"DISPLAY":         ":1",
			"XDG_RUNTIME_DIR": "/run/user/1000",
		},
	}

	first := opStrings(mustBuild(t, cfg, envlock.New()))
	second := opStrings(mustBuild(t, cfg, envlock.New()))

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("plans differ between runs (-first +second):\n%s", diff)
	}
}
