package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/portal/pkg/launcherstore"
	"github.com/kolide/portal/pkg/portal/dynamiclauncher"
	"github.com/mixer/clock"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

type needs int

const (
	needProxy needs = 1 << iota
	needStore
)

// action runs a subcommand once its flags are parsed.
type action func(ctx context.Context, a *app) error

type command struct {
	summary string
	needs   needs
	// setup registers the subcommand flags and returns its action.
	setup func(fs *flag.FlagSet) action
}

// app is what an action works with.
type app struct {
	logger   log.Logger
	out      io.Writer
	clock    clock.Clock
	launcher *dynamiclauncher.Proxy
	store    *launcherstore.Store
}

type runner struct {
	stdout io.Writer
	stderr io.Writer
	// logger replaces the stderr server logger when set.
	logger  log.Logger
	connect func(logger log.Logger) (*dynamiclauncher.Proxy, error)
	// clock stamps installed launchers. Nil uses the wall clock.
	clock clock.Clock
	// signals is the delivery channel for interrupts. Nil uses os/signal.
	signals chan os.Signal
}

func connectPortal(logger log.Logger) (*dynamiclauncher.Proxy, error) {
	return dynamiclauncher.Connect(logger)
}

func (r *runner) run(ctx context.Context, name string, args []string) error {
	cmd, ok := commands[name]
	if !ok {
		return errors.Errorf("unknown command %q", name)
	}

	fs := flag.NewFlagSet("portalctl "+name, flag.ContinueOnError)
	fs.SetOutput(r.stderr)
	common := addCommonFlags(fs)
	act := cmd.setup(fs)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(envPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		return errors.Wrap(err, "parsing flags")
	}

	logger, logCloser := common.newLogger(r.logger)
	defer logCloser.Close()
	logger = log.With(logger, "command", name)

	a := &app{logger: logger, out: r.stdout, clock: r.clock}
	if a.clock == nil {
		a.clock = clock.DefaultClock{}
	}

	if cmd.needs&needStore != 0 {
		if err := os.MkdirAll(filepath.Dir(*common.dbPath), 0700); err != nil {
			return errors.Wrap(err, "creating database directory")
		}
		store, err := launcherstore.Open(logger, *common.dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		a.store = store
	}

	if cmd.needs&needProxy != 0 {
		proxy, err := r.connect(logger)
		if err != nil {
			return errors.Wrap(err, "connecting to the desktop portal")
		}
		defer proxy.Close()
		a.launcher = proxy
	}

	if *common.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *common.timeout)
		defer cancel()
	}

	return r.execute(ctx, logger, func(ctx context.Context) error {
		return act(ctx, a)
	})
}

// execute runs fn alongside a signal listener. An interrupt cancels fn's
// context, which withdraws any dialog still waiting on the user.
func (r *runner) execute(ctx context.Context, logger log.Logger, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := r.signals
	if signals == nil {
		signals = make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)
	}

	var runGroup run.Group

	runGroup.Add(func() error {
		return fn(ctx)
	}, func(error) {
		cancel()
	})

	stop := make(chan struct{})
	runGroup.Add(func() error {
		select {
		case sig := <-signals:
			level.Debug(logger).Log(
				"msg", "received signal",
				"signal", sig,
			)
			return errors.Errorf("interrupted by %s", sig)
		case <-stop:
			return nil
		}
	}, func(error) {
		close(stop)
	})

	return runGroup.Run()
}
