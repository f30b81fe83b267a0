package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/dynamiclauncher"
	"github.com/kolide/portal/pkg/portal/portaltest"
	"github.com/kolide/portal/pkg/portal/request"
	"github.com/kolide/portal/pkg/portal/wire"
	"github.com/mixer/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	methodPrepareInstall  = dynamiclauncher.Interface + ".PrepareInstall"
	methodInstall         = dynamiclauncher.Interface + ".Install"
	methodUninstall       = dynamiclauncher.Interface + ".Uninstall"
	methodGetDesktopEntry = dynamiclauncher.Interface + ".GetDesktopEntry"
	methodGetIcon         = dynamiclauncher.Interface + ".GetIcon"
)

// installedAt is the mock clock's time in every test.
var installedAt = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	r         *runner
	transport *portaltest.Transport
	out       *bytes.Buffer
	db        string
}

func newTestEnv(t *testing.T) *testEnv {
	transport := portaltest.New()
	tracker := request.NewTracker(log.NewNopLogger(), transport)
	t.Cleanup(func() { tracker.Close() })

	out := &bytes.Buffer{}
	return &testEnv{
		r: &runner{
			stdout: out,
			stderr: io.Discard,
			logger: log.NewNopLogger(),
			connect: func(logger log.Logger) (*dynamiclauncher.Proxy, error) {
				return dynamiclauncher.New(logger, transport, tracker), nil
			},
			clock:   clock.NewMockClock(installedAt),
			signals: make(chan os.Signal, 1),
		},
		transport: transport,
		out:       out,
		db:        filepath.Join(t.TempDir(), "launchers.db"),
	}
}

func (e *testEnv) run(name string, args ...string) error {
	e.out.Reset()
	args = append([]string{"--db", e.db, "--timeout", "5s"}, args...)
	return e.r.run(context.Background(), name, args)
}

// confirmWith answers every PrepareInstall with status and results, and
// passes the decoded options to seen when it is not nil.
func (e *testEnv) confirmWith(t *testing.T, status uint32, results map[string]dbus.Variant, seen chan<- dynamiclauncher.PrepareInstallOptions) {
	e.transport.Handle(methodPrepareInstall, func(ctx context.Context, call portaltest.Call) ([]interface{}, error) {
		opts, err := dynamiclauncher.DecodePrepareInstallOptions(call.Args[3].(map[string]dbus.Variant))
		require.NoError(t, err)
		if seen != nil {
			seen <- opts
		}

		path := portaltest.RequestPath(e.transport.UniqueName(), opts.HandleToken)
		go e.transport.Respond(path, status, results)
		return []interface{}{path}, nil
	})
}

func acceptInstalls(e *testEnv) {
	ok := func(context.Context, portaltest.Call) ([]interface{}, error) { return nil, nil }
	e.transport.Handle(methodInstall, ok)
	e.transport.Handle(methodUninstall, ok)
}

func TestInstall_ConfirmsThenRecords(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.confirmWith(t, 0, portaltest.Strings("name", "Docs", "token", "tok1"), nil)
	acceptInstalls(e)

	require.NoError(t, e.run("install",
		"--id", "org.example.Docs.desktop",
		"--name", "Documents",
		"--icon", "themed:text-x-generic",
		"--type", "webapp",
		"--target", "https://docs.example.com",
	))
	assert.Equal(t, "org.example.Docs.desktop\n", e.out.String())

	installs := e.transport.CallsTo(methodInstall)
	require.Len(t, installs, 1)
	assert.Equal(t, "tok1", installs[0].Args[0])
	assert.Equal(t, "org.example.Docs.desktop", installs[0].Args[1])
	assert.Contains(t, installs[0].Args[2], "Name=Docs", "the confirmed name is used")

	require.NoError(t, e.run("list"))
	assert.Equal(t, "org.example.Docs.desktop\tDocs\twebapp\thttps://docs.example.com\t2026-10-14T09:30:00Z\n", e.out.String())
}

func TestInstall_WithTokenSkipsDialog(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	acceptInstalls(e)

	entryFile := filepath.Join(t.TempDir(), "app.desktop")
	entry := "[Desktop Entry]\nType=Application\nName=Notes\nExec=notes\n"
	require.NoError(t, os.WriteFile(entryFile, []byte(entry), 0644))

	require.NoError(t, e.run("install", "--token", "granted", "--id", "org.example.Notes.desktop", "--name", "Notes", "--entry_file", entryFile))

	assert.Empty(t, e.transport.CallsTo(methodPrepareInstall))
	installs := e.transport.CallsTo(methodInstall)
	require.Len(t, installs, 1)
	assert.Equal(t, "granted", installs[0].Args[0])
	assert.Equal(t, entry, installs[0].Args[2])

	require.NoError(t, e.run("uninstall", "--id", "org.example.Notes.desktop"))
	require.Len(t, e.transport.CallsTo(methodUninstall), 1)

	require.NoError(t, e.run("list"))
	assert.Empty(t, e.out.String())
}

func TestInstall_RequiresID(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	err := e.run("install", "--token", "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--id is required")
	assert.Empty(t, e.transport.Calls())
}

func TestPrepareInstall_PrintsResult(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	seen := make(chan dynamiclauncher.PrepareInstallOptions, 1)
	e.confirmWith(t, 0, portaltest.Strings("name", "My App.desktop", "token", "tok123"), seen)

	require.NoError(t, e.run("prepare-install", "--name", "My App", "--icon", "themed:dialog-symbolic", "--editable_icon"))
	assert.Equal(t, "My App.desktop\ttok123\n", e.out.String())

	opts := <-seen
	assert.NotEmpty(t, opts.HandleToken)
	require.NotNil(t, opts.LauncherType)
	assert.Equal(t, dynamiclauncher.Application, *opts.LauncherType)
	require.NotNil(t, opts.EditableIcon)
	assert.True(t, *opts.EditableIcon)
	assert.Nil(t, opts.Modal, "unset booleans are left to the portal")
	assert.Nil(t, opts.EditableName)
	assert.Nil(t, opts.Target)
}

func TestPrepareInstall_Declined(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.confirmWith(t, 1, nil, nil)

	err := e.run("prepare-install", "--name", "My App", "--icon", "themed:dialog-symbolic")
	require.Error(t, err)
	assert.ErrorIs(t, err, request.ErrDeclined)
	assert.Empty(t, e.out.String())
}

func TestPrepareInstall_BadFlags(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name string
		args []string
		want string
	}{
		{name: "no name", args: []string{"--icon", "themed:x"}, want: "--name is required"},
		{name: "no icon", args: []string{"--name", "x"}, want: "--icon is required"},
		{name: "bad icon", args: []string{"--name", "x", "--icon", "svg:x"}, want: "unknown icon kind"},
		{name: "bad type", args: []string{"--name", "x", "--icon", "themed:x", "--type", "applet"}, want: "parsing --type"},
		{name: "webapp without target", args: []string{"--name", "x", "--icon", "themed:x", "--type", "webapp"}, want: "needs a target"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t)
			err := e.run("prepare-install", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, e.transport.Calls())
		})
	}
}

func TestRequestToken(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.transport.Handle(dynamiclauncher.Interface+".RequestInstallToken", func(ctx context.Context, call portaltest.Call) ([]interface{}, error) {
		return []interface{}{"direct-token"}, nil
	})

	require.NoError(t, e.run("request-token", "--name", "Docs", "--icon", "themed:text-x-generic"))
	assert.Equal(t, "direct-token\n", e.out.String())
}

func TestEntry(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.transport.Handle(methodGetDesktopEntry, func(ctx context.Context, call portaltest.Call) ([]interface{}, error) {
		return []interface{}{"[Desktop Entry]\nName=Docs"}, nil
	})

	require.NoError(t, e.run("entry", "--id", "org.example.Docs.desktop"))
	assert.Equal(t, "[Desktop Entry]\nName=Docs\n", e.out.String())
}

func TestIcon(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

	var tests = []struct {
		name    string
		icon    wire.Icon
		format  wire.IconFormat
		save    bool
		wantErr string
	}{
		{name: "describe", icon: wire.IconFromNames("docs"), format: wire.FormatSVG},
		{name: "save bytes", icon: wire.IconFromBytes(png), format: wire.FormatPNG, save: true},
		{name: "save themed", icon: wire.IconFromNames("docs"), format: wire.FormatSVG, save: true, wantErr: "not image data"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t)
			e.transport.Handle(methodGetIcon, func(ctx context.Context, call portaltest.Call) ([]interface{}, error) {
				return wire.LauncherIcon{Icon: tt.icon, Format: tt.format, Size: 64}.Body()
			})

			args := []string{"--id", "org.example.Docs.desktop"}
			outFile := filepath.Join(t.TempDir(), "icon")
			if tt.save {
				args = append(args, "--out", outFile)
			}

			err := e.run("icon", args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, e.out.String(), "\t"+tt.format.String()+"\t64\n")

			if tt.save {
				saved, err := os.ReadFile(outFile)
				require.NoError(t, err)
				assert.Equal(t, png, saved)
			}
		})
	}
}

func TestLaunch(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.transport.Handle(dynamiclauncher.Interface+".Launch", func(ctx context.Context, call portaltest.Call) ([]interface{}, error) {
		return nil, nil
	})

	require.NoError(t, e.run("launch", "--id", "org.example.Docs.desktop"))
	launches := e.transport.CallsTo(dynamiclauncher.Interface + ".Launch")
	require.Len(t, launches, 1)
	assert.Equal(t, "org.example.Docs.desktop", launches[0].Args[0])
}

func TestSupportedTypes(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.transport.SetProperty(dynamiclauncher.Interface, "SupportedLauncherTypes", uint32(3))
	e.transport.SetProperty(dynamiclauncher.Interface, "version", uint32(1))

	require.NoError(t, e.run("supported-types"))
	assert.Equal(t, "version\t1\napplication\nwebapp\n", e.out.String())
}

func TestVersion(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	require.NoError(t, e.run("version"))
	assert.Contains(t, e.out.String(), "portalctl - version")
	assert.Empty(t, e.transport.Calls())
}

func TestRun_UnknownCommand(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	err := e.run("frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestExecute_SignalCancels(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	started := make(chan struct{})
	finished := make(chan error, 1)

	go func() {
		finished <- e.r.execute(context.Background(), log.NewNopLogger(), func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	<-started
	e.r.signals <- os.Interrupt

	select {
	case err := <-finished:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "interrupted")
	case <-time.After(5 * time.Second):
		t.Fatal("command was not cancelled")
	}
}

func TestExecute_TimeoutIsReported(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := e.r.execute(ctx, log.NewNopLogger(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseIcon(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "icon.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("img"), 0644))

	var tests = []struct {
		in      string
		want    wire.Icon
		wantErr bool
	}{
		{in: "themed:a,b", want: wire.IconFromNames("a", "b")},
		{in: "file:file:///usr/share/icons/x.png", want: wire.IconFromURI("file:///usr/share/icons/x.png")},
		{in: "file:" + imgPath, want: wire.IconFromURI("file://" + imgPath)},
		{in: "bytes:" + imgPath, want: wire.IconFromBytes([]byte("img"))},
		{in: "bytes:" + filepath.Join(dir, "missing.png"), wantErr: true},
		{in: "themed:", wantErr: true},
		{in: "plain", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := parseIcon(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestNewLogger_LogFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "portalctl.log")
	debug := false
	common := &commonFlags{debug: &debug, logFile: &path}

	var stderr bytes.Buffer
	logger, closer := common.newLogger(log.NewLogfmtLogger(&stderr))
	logger = log.With(logger, "command", "list")
	require.NoError(t, level.Info(logger).Log("msg", "hello"))
	require.NoError(t, closer.Close())

	assert.Contains(t, stderr.String(), "caller=portalctl_test.go:")
	assert.Contains(t, stderr.String(), "msg=hello")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var contents map[string]string
	require.NoError(t, json.Unmarshal(raw, &contents))
	assert.Equal(t, "hello", contents["msg"])
	assert.Equal(t, "list", contents["command"])
	assert.True(t, strings.HasPrefix(contents["caller"], "portalctl_test.go:"), "caller is %q", contents["caller"])
}

func TestUsageListsCommands(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	usage(&buf)
	for name := range commands {
		assert.Contains(t, buf.String(), name)
	}
}
