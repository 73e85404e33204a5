//go:build linux

package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/openvessel/vessel/envlock"
)

// ErrInvalidEnvFlag is returned when a --setenv flag value is malformed.
var ErrInvalidEnvFlag = errors.New("invalid --setenv format: expected KEY=VALUE")

// applyEnvConfig layers environment decisions from config onto b: dotenv
// files in order, then explicit sets, then unsets. All of these are plain
// (unlocked) decisions; exposure planning locks what it must afterwards.
func applyEnvConfig(b *envlock.Builder, cfg EnvConfig, workDir string) error {
	for _, file := range cfg.Files {
		path := file
		if !strings.HasPrefix(path, "/") {
			path = workDir + "/" + path
		}

		vars, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("env file %s: %w", file, err)
		}

		for _, name := range sortedKeys(vars) {
			b.Set(name, vars[name])
		}
	}

	for _, name := range sortedKeys(cfg.Set) {
		b.Set(name, cfg.Set[name])
	}

	for _, name := range cfg.Unset {
		b.Unset(name)
	}

	return nil
}

// applySetenvFlags applies --setenv KEY=VALUE pairs to b.
func applySetenvFlags(b *envlock.Builder, pairs []string) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("%w: %q", ErrInvalidEnvFlag, pair)
		}

		b.Set(key, value)
	}

	return nil
}

// lockManifestBytes serializes the locked-variable list for consumption by
// a companion launch service. One name per record, trailing delimiter
// included, so an empty manifest is zero bytes.
func lockManifestBytes(snap *envlock.Snapshot, nulDelimited bool) []byte {
	delim := byte('\n')
	if nulDelimited {
		delim = 0
	}

	var out []byte

	for _, name := range snap.Locked() {
		out = append(out, name...)
		out = append(out, delim)
	}

	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
