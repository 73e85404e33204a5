//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"runtime"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/openvessel/vessel/bwrap"
	"github.com/openvessel/vessel/envlock"
	"github.com/openvessel/vessel/exports"
	"github.com/openvessel/vessel/remap"
	"github.com/openvessel/vessel/sysroot"
)

// LockedEnvMount is the in-container path of the locked-variable manifest.
const LockedEnvMount = exports.RuntimeMount + "/locked-env"

// Static errors for platform prerequisites.
var (
	// ErrNoCommand is returned when run is called without a command.
	ErrNoCommand = errors.New("no command specified")
	// ErrNotLinux is returned when running on a non-Linux platform.
	ErrNotLinux = errors.New("vessel requires Linux")
	// ErrRunningAsRoot is returned when running as root user.
	ErrRunningAsRoot = errors.New("vessel cannot run as root")
	// ErrBwrapNotFound is returned when bwrap is not in PATH.
	ErrBwrapNotFound = errors.New("bwrap not found in PATH (try installing with: sudo apt install bubblewrap)")
	// ErrHomeNotFound is returned when the home directory cannot be determined.
	ErrHomeNotFound = errors.New("cannot determine home directory")
	// ErrManifestWithoutRuntimeDir is returned when a manifest is configured
	// but no runtime directory to reconcile.
	ErrManifestWithoutRuntimeDir = errors.New("runtime.manifest requires runtime.dir")
)

// RunCmd creates the run command for launching a command in the container.
func RunCmd(cfg *Config, env map[string]string) *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetInterspersed(false) // Stop parsing at command
	flags.BoolP("help", "h", false, "Show help")
	flags.Bool("dry-run", false, "Print the helper command without executing")
	flags.Bool("debug", false, "Print composition details to stderr")
	flags.Bool("x11", false, "Share the X11 socket")
	flags.Bool("pulse", false, "Share the PulseAudio socket")
	flags.Bool("network", true, "Enable network access")
	flags.String("home-mode", "", "Home handling: shared, private or tmpfs")
	flags.StringArray("ro", nil, "Add read-only path")
	flags.StringArray("rw", nil, "Add read-write path")
	flags.StringArray("setenv", nil, "Set container variable (KEY=VALUE, repeatable)")
	flags.StringArray("unsetenv", nil, "Remove variable from the container (repeatable)")
	flags.String("bwrap", "", "Path to the bubblewrap executable")
	flags.String("chdir", "", "Container working directory (defaults to home)")
	flags.String("locked-env-output", "", "Also write the locked-variable manifest to `file`")
	flags.BoolP("null", "0", false, "NUL-delimit the locked-variable manifest")

	return &Command{
		Flags:   flags,
		Usage:   "run [flags] <command> [args]",
		Short:   "Run command in the container",
		Long:    "Reconcile the runtime tree, compose the container and run a command inside it.",
		Aliases: []string{},
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			debugEnabled, _ := flags.GetBool("debug")
			dryRun, _ := flags.GetBool("dry-run")

			var debugf func(format string, args ...any)
			if debugEnabled {
				debugf = func(format string, args ...any) {
					fprintf(stderr, format+"\n", args...)
				}
			}

			helper, _ := flags.GetString("bwrap")

			err := checkPlatformPrerequisites(dryRun, helper)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				return ErrNoCommand
			}

			applyRunFlags(cfg, flags)

			homeDir, err := resolveHomeDir(cfg, env)
			if err != nil {
				return err
			}

			// Environment layering, least to most trusted: dotenv files and
			// config first, CLI flags second, exposure locks last. Locks win
			// because nothing mutates the Builder after Freeze.
			envb := envlock.New()

			err = applyEnvConfig(envb, cfg.Env, cfg.EffectiveCwd)
			if err != nil {
				return err
			}

			if setenvs, _ := flags.GetStringArray("setenv"); len(setenvs) > 0 {
				err = applySetenvFlags(envb, setenvs)
				if err != nil {
					return err
				}
			}

			if unsets, _ := flags.GetStringArray("unsetenv"); len(unsets) > 0 {
				for _, name := range unsets {
					envb.Unset(name)
				}
			}

			err = reconcileRuntime(cfg, stderr, debugf)
			if err != nil {
				return err
			}

			ops, err := exports.Build(exports.Config{
				RuntimeDir:  cfg.Runtime.Dir,
				HomeDir:     homeDir,
				HomeMode:    exports.HomeMode(cfg.Home.Mode),
				PrivateHome: cfg.Home.Private,
				ShareX11:    cfg.Share.X11 != nil && *cfg.Share.X11,
				SharePulse:  cfg.Share.Pulse != nil && *cfg.Share.Pulse,
				ExtraRO:     cfg.Paths.Ro,
				ExtraRW:     cfg.Paths.Rw,
				HostEnv:     env,
				Debugf:      debugf,
			}, envb)
			if err != nil {
				return err
			}

			snap := envb.Freeze()

			nulDelimited, _ := flags.GetBool("null")
			lockData := lockManifestBytes(snap, nulDelimited)

			if output, _ := flags.GetString("locked-env-output"); output != "" {
				err = os.WriteFile(output, lockData, 0o644)
				if err != nil {
					return fmt.Errorf("writing locked-env manifest: %w", err)
				}
			}

			if len(lockData) > 0 {
				lockFile, err := bwrap.NewDataFile("locked-env", lockData)
				if err != nil {
					return err
				}

				ops = append(ops, bwrap.RoBindData(lockFile, LockedEnvMount))
			}

			translator := &remap.Translator{
				InterpreterRoot: cfg.Namespace.InterpreterRoot,
				RealRoot:        cfg.Namespace.RealRoot,
				HomeDir:         homeDir,
				HomeOnHost:      cfg.Namespace.HomeOnHost,
				Debugf:          debugf,
			}
			ops = translator.Translate(ops)

			chdir, _ := flags.GetString("chdir")
			if chdir == "" {
				chdir = homeDir
			}

			cmd, cleanup, err := bwrap.Command(ctx, ops, snap, args, bwrap.CommandOptions{
				Helper:        helperForDryRun(helper, dryRun),
				DieWithParent: true,
				UnshareAll:    true,
				ShareNet:      cfg.Share.Network == nil || *cfg.Share.Network,
				Chdir:         chdir,
				Debugf:        debugf,
			})
			if err != nil {
				return err
			}

			defer func() { _ = cleanup() }()

			if dryRun {
				printDryRunOutput(stdout, cmd.Args)

				return nil
			}

			exitCode, err := executeContainer(ctx, cmd, env, stdin, stdout, stderr)
			if err != nil {
				return err
			}

			return NewExitCodeError(exitCode)
		},
	}
}

// applyRunFlags applies CLI flag overrides to the config.
// Only flags that were explicitly set override config values.
func applyRunFlags(cfg *Config, flags *flag.FlagSet) {
	if flags.Changed("x11") {
		val, _ := flags.GetBool("x11")
		cfg.Share.X11 = &val
	}

	if flags.Changed("pulse") {
		val, _ := flags.GetBool("pulse")
		cfg.Share.Pulse = &val
	}

	if flags.Changed("network") {
		val, _ := flags.GetBool("network")
		cfg.Share.Network = &val
	}

	if flags.Changed("home-mode") {
		val, _ := flags.GetString("home-mode")
		cfg.Home.Mode = val
	}

	if flags.Changed("ro") {
		vals, _ := flags.GetStringArray("ro")
		cfg.Paths.Ro = append(cfg.Paths.Ro, vals...)
	}

	if flags.Changed("rw") {
		vals, _ := flags.GetStringArray("rw")
		cfg.Paths.Rw = append(cfg.Paths.Rw, vals...)
	}
}

// reconcileRuntime brings the configured runtime tree in line with its
// manifest before the container is composed. A no-op without a manifest.
func reconcileRuntime(cfg *Config, stderr io.Writer, debugf func(format string, args ...any)) error {
	if cfg.Runtime.Manifest == "" {
		return nil
	}

	if cfg.Runtime.Dir == "" {
		return ErrManifestWithoutRuntimeDir
	}

	err := os.MkdirAll(cfg.Runtime.Dir, 0o755)
	if err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}

	root, err := os.Open(cfg.Runtime.Dir)
	if err != nil {
		return fmt.Errorf("opening runtime dir: %w", err)
	}

	defer func() { _ = root.Close() }()

	return sysroot.Apply(cfg.Runtime.Manifest, root, sysroot.Options{
		SourceDir: cfg.Runtime.Source,
		Gzip:      strings.HasSuffix(cfg.Runtime.Manifest, ".gz"),
		Warnf: func(format string, args ...any) {
			fprintf(stderr, "warning: "+format+"\n", args...)
		},
		Debugf: debugf,
	})
}

// resolveHomeDir picks the container home path: config first, then $HOME,
// then the user database.
func resolveHomeDir(cfg *Config, env map[string]string) (string, error) {
	if cfg.Home.Dir != "" {
		if !path.IsAbs(cfg.Home.Dir) {
			return "", fmt.Errorf("%w: home.dir %q is not absolute", ErrHomeNotFound, cfg.Home.Dir)
		}

		return cfg.Home.Dir, nil
	}

	if home := env["HOME"]; home != "" {
		return home, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %w (set $HOME environment variable)", ErrHomeNotFound, err)
	}

	return home, nil
}

// checkPlatformPrerequisites validates the runtime environment. The PATH
// lookup is skipped in dry-run mode, where nothing is executed, and when an
// explicit helper path was given.
func checkPlatformPrerequisites(dryRun bool, helper string) error {
	if runtime.GOOS != "linux" {
		return ErrNotLinux
	}

	if os.Getuid() == 0 {
		return ErrRunningAsRoot
	}

	if !dryRun && helper == "" {
		if _, err := exec.LookPath("bwrap"); err != nil {
			return ErrBwrapNotFound
		}
	}

	return nil
}

// helperForDryRun avoids a PATH lookup failure when the command is only
// printed, never executed.
func helperForDryRun(helper string, dryRun bool) string {
	if helper == "" && dryRun {
		return "bwrap"
	}

	return helper
}

// executeContainer starts the composed command and waits for it.
// Returns the exit code from the containerized process.
//
// When the context is cancelled, SIGTERM is sent to allow graceful
// shutdown; context cancellation is signaled separately via the error.
func executeContainer(ctx context.Context, cmd *exec.Cmd, env map[string]string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Pass all environment variables through; the helper applies the
	// --setenv/--unsetenv decisions on top.
	cmd.Env = make([]string, 0, len(env))
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return exitErr.ExitCode(), ctxErr
			}

			return exitErr.ExitCode(), nil
		}

		return 1, fmt.Errorf("running helper: %w", err)
	}

	return 0, nil
}

// printDryRunOutput formats and prints the helper command for dry-run mode.
// The output is shell-compatible and can be copy-pasted to run manually.
func printDryRunOutput(output io.Writer, cmdArgs []string) {
	fprintf(output, "%s \\\n", shellQuoteIfNeeded(cmdArgs[0]))

	for i, arg := range cmdArgs[1:] {
		if i < len(cmdArgs)-2 {
			fprintf(output, "  %s \\\n", shellQuoteIfNeeded(arg))
		} else {
			fprintf(output, "  %s\n", shellQuoteIfNeeded(arg))
		}
	}
}

// shellQuoteIfNeeded returns the string quoted if it contains special
// characters, otherwise returns it unchanged.
func shellQuoteIfNeeded(str string) string {
	if str == "" {
		return "''"
	}

	for _, c := range str {
		if !isShellSafeChar(c) {
			escaped := strings.ReplaceAll(str, "'", "'\"'\"'")

			return "'" + escaped + "'"
		}
	}

	return str
}

// isShellSafeChar returns true if the character doesn't need quoting in shell.
func isShellSafeChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/' || c == ':' || c == '='
}
