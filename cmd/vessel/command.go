//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit signals a non-zero exit without printing an error message.
// Commands return it when they have already written their own diagnostics.
var ErrSilentExit = errors.New("silent exit")

// ExitCodeError carries the exit code of the containerized process so the
// launcher can propagate it unchanged.
type ExitCodeError struct {
	Code int
}

// NewExitCodeError returns nil for code 0, an ExitCodeError otherwise.
func NewExitCodeError(code int) error {
	if code == 0 {
		return nil
	}

	return &ExitCodeError{Code: code}
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// Command is one CLI subcommand.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name returns the command name (the first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine returns the one-line usage summary for the command list.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-10s %s", c.Name(), c.Short)
}

// Run parses the command's flags and executes it. Returns exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		c.printHelp(stderr)

		return 1
	}

	if help, _ := c.Flags.GetBool("help"); help {
		c.printHelp(stdout)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err == nil {
		return 0
	}

	if errors.Is(err, ErrSilentExit) {
		return 1
	}

	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	fprintError(stderr, err)

	return 1
}

func (c *Command) printHelp(output io.Writer) {
	fprintln(output, "Usage: vessel", c.Usage)
	fprintln(output)
	fprintln(output, c.Long)
	fprintln(output)
	fprintln(output, "Flags:")
	fprintln(output, strings.TrimRight(c.Flags.FlagUsages(), "\n"))
}
