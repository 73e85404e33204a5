//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/openvessel/vessel/mtree"
)

// ErrNoManifest is returned when check has no manifest to validate.
var ErrNoManifest = errors.New("no manifest: pass --manifest or configure runtime.manifest")

// CheckCmd creates the check command for validating a runtime manifest
// without touching the runtime tree.
func CheckCmd(cfg *Config) *Command {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("quiet", "q", false, "Quiet mode, no output")
	flags.String("manifest", "", "Manifest `file` to validate (defaults to runtime.manifest)")

	return &Command{
		Flags:   flags,
		Usage:   "check [flags]",
		Short:   "Validate the runtime manifest",
		Long:    "Parse the runtime manifest end to end without applying it.\nExits 0 if the manifest is well-formed, 1 otherwise.",
		Aliases: []string{},
		Exec: func(_ context.Context, _ io.Reader, stdout, stderr io.Writer, _ []string) error {
			quiet, _ := flags.GetBool("quiet")

			manifest, _ := flags.GetString("manifest")
			if manifest == "" {
				manifest = cfg.Runtime.Manifest
			}

			if manifest == "" {
				return ErrNoManifest
			}

			entries, warnings, err := validateManifest(manifest, stderr, quiet)
			if err != nil {
				if quiet {
					return ErrSilentExit
				}

				return err
			}

			if !quiet {
				fprintf(stdout, "%s: %d entries, %d warnings\n", manifest, entries, warnings)
			}

			return nil
		},
	}
}

func validateManifest(manifest string, stderr io.Writer, quiet bool) (entries, warnings int, err error) {
	f, err := os.Open(manifest)
	if err != nil {
		return 0, 0, fmt.Errorf("opening manifest: %w", err)
	}

	defer func() { _ = f.Close() }()

	r, err := mtree.NewReader(f, manifest, mtree.ReaderOptions{
		Gzip: strings.HasSuffix(manifest, ".gz"),
		Warnf: func(format string, args ...any) {
			warnings++

			if !quiet {
				fprintf(stderr, "warning: "+format+"\n", args...)
			}
		},
	})
	if err != nil {
		return 0, 0, err
	}

	defer func() { _ = r.Close() }()

	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries, warnings, nil
		}

		if err != nil {
			return entries, warnings, err
		}

		entries++
	}
}
