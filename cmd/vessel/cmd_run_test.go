//go:build linux

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// skipIfRoot skips tests that exercise the full run path, which refuses to
// operate as root.
func skipIfRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() == 0 {
		t.Skip("requires an unprivileged user")
	}
}

func Test_Run_DryRun_PrintsComposedCommand(t *testing.T) {
	t.Parallel()
	skipIfRoot(t)

	workDir := t.TempDir()
	home := t.TempDir()

	env := isolatedEnv(t)
	env["HOME"] = home
	env["DISPLAY"] = ":0"

	code, stdout, stderr := runCLI(t, []string{
		"vessel", "-C", workDir,
		"run", "--dry-run",
		"--home-mode", "shared",
		"--x11",
		"--setenv", "PROTON_LOG=1",
		"sh", "-c", "exit 0",
	}, env)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}

	for _, want := range []string{
		"bwrap",
		"--die-with-parent",
		"--unshare-all",
		"--share-net",
		"--proc",
		"--ro-bind",
		"/tmp/.X11-unix",
		"--bind",
		home,
		"--setenv",
		"PROTON_LOG",
		"--ro-bind-data",
		LockedEnvMount,
		"sh",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("dry-run output missing %q:\n%s", want, stdout)
		}
	}

	// Nothing was executed.
	if strings.Contains(stderr, "running helper") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func Test_Run_DryRun_WritesLockedEnvOutput(t *testing.T) {
	t.Parallel()
	skipIfRoot(t)

	workDir := t.TempDir()
	home := t.TempDir()
	lockedOut := filepath.Join(t.TempDir(), "locked-env")

	env := isolatedEnv(t)
	env["HOME"] = home

	code, _, stderr := runCLI(t, []string{
		"vessel", "-C", workDir,
		"run", "--dry-run",
		"--locked-env-output", lockedOut,
		"true",
	}, env)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}

	data, err := os.ReadFile(lockedOut)
	if err != nil {
		t.Fatalf("reading locked-env output: %v", err)
	}

	// Exposure planning always locks the session variables and HOME, and
	// forces DISPLAY unset when X11 is not shared.
	for _, name := range []string{"HOME", "DISPLAY", "XDG_RUNTIME_DIR", "DBUS_SESSION_BUS_ADDRESS"} {
		if !strings.Contains(string(data), name+"\n") {
			t.Fatalf("locked-env manifest %q missing %s", data, name)
		}
	}
}

func Test_Run_Fails_When_NoCommandGiven(t *testing.T) {
	t.Parallel()
	skipIfRoot(t)

	env := isolatedEnv(t)
	env["HOME"] = t.TempDir()

	code, _, stderr := runCLI(t, []string{
		"vessel", "-C", t.TempDir(), "run", "--dry-run",
	}, env)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(stderr, "no command") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func Test_Run_Fails_When_ManifestConfiguredWithoutRuntimeDir(t *testing.T) {
	t.Parallel()
	skipIfRoot(t)

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, ".vessel.json"),
		`{"runtime": {"manifest": "/nonexistent.mtree"}}`)

	env := isolatedEnv(t)
	env["HOME"] = t.TempDir()

	code, _, stderr := runCLI(t, []string{
		"vessel", "-C", workDir, "run", "--dry-run", "true",
	}, env)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(stderr, "runtime.manifest requires runtime.dir") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func Test_Run_ReconcilesRuntime_Before_DryRunOutput(t *testing.T) {
	t.Parallel()
	skipIfRoot(t)

	workDir := t.TempDir()
	runtimeDir := filepath.Join(t.TempDir(), "runtime")

	manifest := filepath.Join(workDir, "runtime.mtree")
	writeFile(t, manifest, ". type=dir\n./bin type=dir\n./bin/launcher type=file size=0\n")

	writeFile(t, filepath.Join(workDir, ".vessel.jsonc"), `{
		"runtime": {
			"dir": `+strconv.Quote(runtimeDir)+`,
			"manifest": `+strconv.Quote(manifest)+`,
		},
	}`)

	env := isolatedEnv(t)
	env["HOME"] = t.TempDir()

	code, stdout, stderr := runCLI(t, []string{
		"vessel", "-C", workDir, "run", "--dry-run", "true",
	}, env)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}

	// The runtime tree was materialized and is exposed as /usr.
	info, err := os.Stat(filepath.Join(runtimeDir, "bin", "launcher"))
	if err != nil {
		t.Fatalf("runtime file not materialized: %v", err)
	}

	if info.Mode().Perm() != 0o644 {
		t.Fatalf("mode = %o, want 0644", info.Mode().Perm())
	}

	if !strings.Contains(stdout, runtimeDir) || !strings.Contains(stdout, "/usr") {
		t.Fatalf("dry-run output does not expose the runtime tree:\n%s", stdout)
	}
}
