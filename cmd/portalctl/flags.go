package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/logutil"
	"github.com/kolide/portal/pkg/log/filelogger"
	"github.com/kolide/portal/pkg/log/teelogger"
	"github.com/kolide/portal/pkg/portal/wire"
	"github.com/pkg/errors"
)

const envPrefix = "PORTALCTL"

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	debug   *bool
	logFile *string
	dbPath  *string
	timeout *time.Duration
	config  *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		debug: fs.Bool(
			"debug",
			false,
			"enable debug logging",
		),
		logFile: fs.String(
			"log_file",
			"",
			"also write JSON logs to this file, rotated",
		),
		dbPath: fs.String(
			"db",
			defaultDBPath(),
			"path of the installed launcher database",
		),
		timeout: fs.Duration(
			"timeout",
			0,
			"give up after this long, 0 waits for the user indefinitely",
		),
		config: fs.String(
			"config",
			"",
			"read flags from this file, one per line",
		),
	}
}

// newLogger builds the stderr CLI logger, teed to a rotated file when
// --log_file is set. The returned closer releases the file.
func (c *commonFlags) newLogger(base log.Logger) (log.Logger, io.Closer) {
	if base == nil {
		base = logutil.NewCLILogger(*c.debug)
	}

	// caller is bound on the outermost context so DefaultCaller's depth
	// holds for every sink
	if *c.logFile == "" {
		return log.With(base, "caller", log.DefaultCaller), io.NopCloser(nil)
	}

	fl := filelogger.New(*c.logFile)
	return log.With(teelogger.New(base, fl), "caller", log.DefaultCaller), fl
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	dataHome := env.String("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	return filepath.Join(dataHome, "portalctl", "launchers.db")
}

// flagWasSet reports whether name was given on the command line, in the
// environment or in a config file.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// parseIcon reads an icon flag of the form themed:name[,name...],
// file:URI or bytes:PATH. bytes reads PATH now.
func parseIcon(s string) (wire.Icon, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return wire.Icon{}, errors.Errorf("icon %q is not themed:NAMES, file:URI or bytes:PATH", s)
	}

	switch kind {
	case "themed":
		return wire.IconFromNames(strings.Split(value, ",")...), nil
	case "file":
		if !strings.Contains(value, "://") {
			abs, err := filepath.Abs(value)
			if err != nil {
				return wire.Icon{}, errors.Wrapf(err, "resolving icon path %s", value)
			}
			value = "file://" + abs
		}
		return wire.IconFromURI(value), nil
	case "bytes":
		b, err := os.ReadFile(value)
		if err != nil {
			return wire.Icon{}, errors.Wrap(err, "reading icon")
		}
		return wire.IconFromBytes(b), nil
	default:
		return wire.Icon{}, errors.Errorf("unknown icon kind %q", kind)
	}
}
