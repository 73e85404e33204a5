//go:build linux

package bwrap_test

import (
	"context"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openvessel/vessel/bwrap"
	"github.com/openvessel/vessel/envlock"
)

func Test_Op_Args_RendersEachKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		op   bwrap.Op
		want []string
	}{
		{"bind", bwrap.Bind("/src", "/dst"), []string{"--bind", "/src", "/dst"}},
		{"ro-bind", bwrap.RoBind("/src", "/dst"), []string{"--ro-bind", "/src", "/dst"}},
		{"dev-bind", bwrap.DevBind("/dev/dri", "/dev/dri"), []string{"--dev-bind", "/dev/dri", "/dev/dri"}},
		{"bind-try", bwrap.BindTry("/maybe", "/maybe"), []string{"--bind-try", "/maybe", "/maybe"}},
		{"ro-bind-try", bwrap.RoBindTry("/maybe", "/maybe"), []string{"--ro-bind-try", "/maybe", "/maybe"}},
		{"dev-bind-try", bwrap.DevBindTry("/maybe", "/maybe"), []string{"--dev-bind-try", "/maybe", "/maybe"}},
		{"symlink", bwrap.Symlink("usr/lib", "/lib"), []string{"--symlink", "usr/lib", "/lib"}},
		{"dir", bwrap.Dir("/run/host"), []string{"--dir", "/run/host"}},
		{"tmpfs", bwrap.Tmpfs("/run"), []string{"--tmpfs", "/run"}},
		{"mqueue", bwrap.Mqueue("/dev/mqueue"), []string{"--mqueue", "/dev/mqueue"}},
		{"proc", bwrap.Proc("/proc"), []string{"--proc", "/proc"}},
		{"dev", bwrap.Dev("/dev"), []string{"--dev", "/dev"}},
		{"remount-ro", bwrap.RemountRo("/"), []string{"--remount-ro", "/"}},
		{"chmod", bwrap.Chmod(0o555, "/run/vessel"), []string{"--chmod", "0555", "/run/vessel"}},
		{"perms", bwrap.Perms(0o111), []string{"--perms", "0111"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if diff := cmp.Diff(tc.want, tc.op.Args()); diff != "" {
				t.Fatalf("Args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Op_Args_Panics_When_DataOpHasNoAssignedFd(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected rendering an unassigned data op to panic")
		}
	}()

	f, err := bwrap.NewDataFile("test", []byte("x"))
	if err != nil {
		t.Fatalf("NewDataFile: %v", err)
	}

	defer func() { _ = f.Close() }()

	_ = bwrap.RoBindData(f, "/etc/x").Args()
}

func Test_Command_AssignsChildFds_In_OperationOrder(t *testing.T) {
	t.Parallel()

	first, err := bwrap.NewDataFile("first", []byte("aaa"))
	if err != nil {
		t.Fatalf("NewDataFile: %v", err)
	}

	second, err := bwrap.NewDataFile("second", []byte("bbb"))
	if err != nil {
		t.Fatalf("NewDataFile: %v", err)
	}

	ops := []bwrap.Op{
		bwrap.Tmpfs("/run"),
		bwrap.RoBindData(first, "/run/a"),
		bwrap.RoBind("/usr", "/usr"),
		bwrap.FileData(second, "/run/b"),
	}

	env := envlock.New().Freeze()

	cmd, cleanup, err := bwrap.Command(context.Background(), ops, env, []string{"true"}, bwrap.CommandOptions{Helper: "/bin/true"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	defer func() { _ = cleanup() }()

	if len(cmd.ExtraFiles) != 2 {
		t.Fatalf("ExtraFiles = %d, want 2", len(cmd.ExtraFiles))
	}

	mustContainSubsequence(t, cmd.Args, []string{"--ro-bind-data", "3", "/run/a"})
	mustContainSubsequence(t, cmd.Args, []string{"--file", "4", "/run/b"})
}

func Test_Command_BuildsEnvironmentArgs_From_FrozenSnapshot(t *testing.T) {
	t.Parallel()

	b := envlock.New()
	b.Set("PATH", "/usr/bin")
	b.Lock("DISPLAY", ":0")
	b.LockUnset("XAUTHORITY")
	b.LockInherited("XDG_RUNTIME_DIR")

	cmd, cleanup, err := bwrap.Command(context.Background(), nil, b.Freeze(), []string{"sh"}, bwrap.CommandOptions{Helper: "/bin/true"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	defer func() { _ = cleanup() }()

	mustContainSubsequence(t, cmd.Args, []string{"--setenv", "DISPLAY", ":0"})
	mustContainSubsequence(t, cmd.Args, []string{"--setenv", "PATH", "/usr/bin"})
	mustContainSubsequence(t, cmd.Args, []string{"--unsetenv", "XAUTHORITY"})

	// Inherited-and-locked variables produce no argument at all.
	if slices.Contains(cmd.Args, "XDG_RUNTIME_DIR") {
		t.Fatalf("inherited variable leaked into args: %v", cmd.Args)
	}

	// argv follows the -- separator.
	sep := slices.Index(cmd.Args, "--")
	if sep < 0 || sep+1 >= len(cmd.Args) || cmd.Args[sep+1] != "sh" {
		t.Fatalf("args = %v, want argv after --", cmd.Args)
	}
}

func Test_Command_EmitsNamespaceFlags_From_Options(t *testing.T) {
	t.Parallel()

	env := envlock.New().Freeze()

	cmd, cleanup, err := bwrap.Command(context.Background(), nil, env, []string{"sh"}, bwrap.CommandOptions{
		Helper:        "/bin/true",
		DieWithParent: true,
		UnshareAll:    true,
		ShareNet:      true,
		Chdir:         "/home/user",
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	defer func() { _ = cleanup() }()

	mustContainSubsequence(t, cmd.Args, []string{"--die-with-parent", "--unshare-all", "--share-net"})
	mustContainSubsequence(t, cmd.Args, []string{"--chdir", "/home/user"})
}

// mustContainSubsequence asserts that want appears as a contiguous run
// inside got.
func mustContainSubsequence(t *testing.T, got, want []string) {
	t.Helper()

	for i := 0; i+len(want) <= len(got); i++ {
		if slices.Equal(got[i:i+len(want)], want) {
			return
		}
	}

	t.Fatalf("args %v do not contain %v", got, want)
}
