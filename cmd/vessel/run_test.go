//go:build linux

package main

import (
	"strings"
	"testing"
)

// runCLI invokes Run with captured output and no signal handling.
func runCLI(t *testing.T, args []string, env map[string]string) (exitCode int, stdout, stderr string) {
	t.Helper()

	var outBuf, errBuf strings.Builder

	code := Run(strings.NewReader(""), &outBuf, &errBuf, args, env, nil)

	return code, outBuf.String(), errBuf.String()
}

func Test_Run_PrintsVersion(t *testing.T) {
	t.Parallel()

	code, stdout, _ := runCLI(t, []string{"vessel", "--version"}, isolatedEnv(t))

	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	if !strings.HasPrefix(stdout, "vessel dev") {
		t.Fatalf("version output = %q", stdout)
	}
}

func Test_Run_PrintsUsage_When_NoCommand(t *testing.T) {
	t.Parallel()

	code, stdout, _ := runCLI(t, []string{"vessel"}, isolatedEnv(t))

	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	for _, want := range []string{"Usage: vessel", "run", "check", "passed to 'run'"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("usage output %q missing %q", stdout, want)
		}
	}
}

func Test_Run_Fails_When_GlobalFlagUnknown(t *testing.T) {
	t.Parallel()

	code, _, stderr := runCLI(t, []string{"vessel", "--no-such-flag"}, isolatedEnv(t))

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(stderr, "error:") {
		t.Fatalf("stderr = %q, want an error message", stderr)
	}
}

func Test_Run_ShowsCommandHelp(t *testing.T) {
	t.Parallel()

	code, stdout, _ := runCLI(t, []string{"vessel", "run", "--help"}, isolatedEnv(t))

	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	for _, want := range []string{"Usage: vessel run", "--dry-run", "--home-mode"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("help output %q missing %q", stdout, want)
		}
	}
}
