package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-kit/kit/log"
	"github.com/kolide/kit/logutil"
	"github.com/mixer/clock"
	"github.com/pkg/errors"
)

func main() {
	var logger log.Logger
	logger = log.NewJSONLogger(os.Stderr) // only used until flags are parsed.

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		os.Exit(0)
	}

	r := &runner{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		connect: connectPortal,
		clock:   clock.DefaultClock{},
	}
	if err := r.run(context.Background(), name, os.Args[2:]); err != nil {
		logutil.Fatal(logger, "err", errors.Wrapf(err, "running subcommand %s", name))
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: portalctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
}
