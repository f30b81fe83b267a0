package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/version"
	"github.com/kolide/portal/pkg/launcherstore"
	"github.com/kolide/portal/pkg/portal/dynamiclauncher"
	"github.com/kolide/portal/pkg/portal/request"
	"github.com/kolide/portal/pkg/portal/wire"
	"github.com/pkg/errors"
)

var commands = map[string]command{
	"prepare-install": {
		summary: "ask the user to confirm a new launcher, print its name and install token",
		needs:   needProxy,
		setup:   prepareInstallCmd,
	},
	"request-token": {
		summary: "get an install token without a dialog",
		needs:   needProxy,
		setup:   requestTokenCmd,
	},
	"install": {
		summary: "install a launcher, confirming with the user unless --token is given",
		needs:   needProxy | needStore,
		setup:   installCmd,
	},
	"uninstall": {
		summary: "remove an installed launcher",
		needs:   needProxy | needStore,
		setup:   uninstallCmd,
	},
	"entry": {
		summary: "print the desktop entry of an installed launcher",
		needs:   needProxy,
		setup:   entryCmd,
	},
	"icon": {
		summary: "describe the icon of an installed launcher, or save it with --out",
		needs:   needProxy,
		setup:   iconCmd,
	},
	"launch": {
		summary: "start an installed launcher",
		needs:   needProxy,
		setup:   launchCmd,
	},
	"supported-types": {
		summary: "print the interface version and launcher types the portal supports",
		needs:   needProxy,
		setup:   supportedTypesCmd,
	},
	"list": {
		summary: "list launchers installed with portalctl",
		needs:   needStore,
		setup:   listCmd,
	},
	"version": {
		summary: "print version information",
		setup:   versionCmd,
	},
}

// prepareFlags describe the launcher to confirm with the user.
type prepareFlags struct {
	fs           *flag.FlagSet
	parentWindow *string
	name         *string
	icon         *string
	launcherType *string
	target       *string
	handleToken  *string
	modal        *bool
	editableName *bool
	editableIcon *bool
}

func addPrepareFlags(fs *flag.FlagSet) *prepareFlags {
	return &prepareFlags{
		fs: fs,
		parentWindow: fs.String(
			"parent_window",
			"",
			"parent window identifier, such as x11:XID or wayland:HANDLE",
		),
		name: fs.String(
			"name",
			"",
			"launcher name shown to the user",
		),
		icon: fs.String(
			"icon",
			"",
			"launcher icon as themed:NAME[,NAME], file:PATH or bytes:PATH",
		),
		launcherType: fs.String(
			"type",
			dynamiclauncher.Application.String(),
			"launcher type, application or webapp",
		),
		target: fs.String(
			"target",
			"",
			"URL a webapp launcher opens",
		),
		handleToken: fs.String(
			"handle_token",
			"",
			"request handle token, generated when empty",
		),
		modal: fs.Bool(
			"modal",
			true,
			"make the confirmation dialog modal",
		),
		editableName: fs.Bool(
			"editable_name",
			true,
			"let the user edit the name",
		),
		editableIcon: fs.Bool(
			"editable_icon",
			false,
			"let the user edit the icon",
		),
	}
}

func (p *prepareFlags) launcher() (string, wire.Icon, dynamiclauncher.LauncherType, error) {
	if *p.name == "" {
		return "", wire.Icon{}, 0, errors.New("--name is required")
	}
	if *p.icon == "" {
		return "", wire.Icon{}, 0, errors.New("--icon is required")
	}

	icon, err := parseIcon(*p.icon)
	if err != nil {
		return "", wire.Icon{}, 0, err
	}

	lt, err := dynamiclauncher.ParseLauncherType(*p.launcherType)
	if err != nil {
		return "", wire.Icon{}, 0, errors.Wrap(err, "parsing --type")
	}

	return *p.name, icon, lt, nil
}

// options only carries booleans that were set explicitly, leaving the
// rest to the portal's defaults.
func (p *prepareFlags) options(lt dynamiclauncher.LauncherType) []dynamiclauncher.PrepareInstallOption {
	opts := []dynamiclauncher.PrepareInstallOption{dynamiclauncher.WithLauncherType(lt)}

	if *p.target != "" {
		opts = append(opts, dynamiclauncher.WithTarget(*p.target))
	}
	if *p.handleToken != "" {
		opts = append(opts, dynamiclauncher.WithHandleToken(*p.handleToken))
	}
	if flagWasSet(p.fs, "modal") {
		opts = append(opts, dynamiclauncher.WithModal(*p.modal))
	}
	if flagWasSet(p.fs, "editable_name") {
		opts = append(opts, dynamiclauncher.WithEditableName(*p.editableName))
	}
	if flagWasSet(p.fs, "editable_icon") {
		opts = append(opts, dynamiclauncher.WithEditableIcon(*p.editableIcon))
	}

	return opts
}

func (p *prepareFlags) prepare(ctx context.Context, a *app) (dynamiclauncher.PrepareInstallResult, dynamiclauncher.LauncherType, error) {
	name, icon, lt, err := p.launcher()
	if err != nil {
		return dynamiclauncher.PrepareInstallResult{}, 0, err
	}

	res, err := a.launcher.PrepareInstall(ctx, *p.parentWindow, name, icon, p.options(lt)...)
	if errors.Is(err, request.ErrDeclined) {
		level.Info(a.logger).Log("msg", "launcher was not confirmed", "name", name)
	}
	return res, lt, err
}

func prepareInstallCmd(fs *flag.FlagSet) action {
	p := addPrepareFlags(fs)

	return func(ctx context.Context, a *app) error {
		res, _, err := p.prepare(ctx, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s\t%s\n", res.Name, res.Token)
		return nil
	}
}

func requestTokenCmd(fs *flag.FlagSet) action {
	p := addPrepareFlags(fs)

	return func(ctx context.Context, a *app) error {
		name, icon, _, err := p.launcher()
		if err != nil {
			return err
		}

		tok, err := a.launcher.RequestInstallToken(ctx, name, icon)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, tok)
		return nil
	}
}

func installCmd(fs *flag.FlagSet) action {
	var (
		p           = addPrepareFlags(fs)
		flToken     = fs.String("token", "", "install token from prepare-install or request-token")
		flID        = fs.String("id", "", "desktop file id, such as org.example.App.Docs.desktop")
		flEntryFile = fs.String("entry_file", "", "desktop entry to install, a minimal one is written when empty")
	)

	return func(ctx context.Context, a *app) error {
		if *flID == "" {
			return errors.New("--id is required")
		}

		name := *p.name
		tok := *flToken
		lt, err := dynamiclauncher.ParseLauncherType(*p.launcherType)
		if err != nil {
			return errors.Wrap(err, "parsing --type")
		}

		if tok == "" {
			res, confirmedType, err := p.prepare(ctx, a)
			if err != nil {
				return err
			}
			name, tok, lt = res.Name, res.Token, confirmedType
		}

		entry, err := desktopEntry(*flEntryFile, name)
		if err != nil {
			return err
		}

		if err := a.launcher.Install(ctx, tok, *flID, entry); err != nil {
			return err
		}

		if err := a.store.Put(launcherstore.Launcher{
			DesktopFileID: *flID,
			Name:          name,
			Type:          lt.String(),
			Target:        *p.target,
			InstalledAt:   a.clock.Now().UTC(),
		}); err != nil {
			return errors.Wrap(err, "recording installed launcher")
		}

		level.Debug(a.logger).Log("msg", "recorded launcher", "desktop_file_id", *flID, "desktop_entry", entry)
		fmt.Fprintln(a.out, *flID)
		return nil
	}
}

func desktopEntry(path, name string) (string, error) {
	if path == "" {
		return fmt.Sprintf("[Desktop Entry]\nType=Application\nName=%s\n", name), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "reading desktop entry")
	}
	return string(b), nil
}

func uninstallCmd(fs *flag.FlagSet) action {
	flID := fs.String("id", "", "desktop file id to remove")

	return func(ctx context.Context, a *app) error {
		if err := a.launcher.Uninstall(ctx, *flID); err != nil {
			return err
		}

		if _, found, err := a.store.Get(*flID); err == nil && !found {
			level.Debug(a.logger).Log("msg", "launcher was not installed by portalctl", "desktop_file_id", *flID)
		}
		return errors.Wrap(a.store.Delete(*flID), "forgetting launcher")
	}
}

func entryCmd(fs *flag.FlagSet) action {
	flID := fs.String("id", "", "desktop file id")

	return func(ctx context.Context, a *app) error {
		entry, err := a.launcher.DesktopEntry(ctx, *flID)
		if err != nil {
			return err
		}

		fmt.Fprint(a.out, entry)
		if !strings.HasSuffix(entry, "\n") {
			fmt.Fprintln(a.out)
		}
		return nil
	}
}

func iconCmd(fs *flag.FlagSet) action {
	var (
		flID  = fs.String("id", "", "desktop file id")
		flOut = fs.String("out", "", "write the icon image to this file")
	)

	return func(ctx context.Context, a *app) error {
		li, err := a.launcher.Icon(ctx, *flID)
		if err != nil {
			return err
		}

		fmt.Fprintf(a.out, "%s\t%s\t%d\n", li.Icon, li.Format, li.Size)

		if *flOut == "" {
			return nil
		}
		if li.Icon.Kind() != wire.IconBytes {
			return errors.Errorf("icon of %s is %s, not image data", *flID, li.Icon)
		}
		return errors.Wrap(os.WriteFile(*flOut, li.Icon.Bytes(), 0644), "writing icon")
	}
}

func launchCmd(fs *flag.FlagSet) action {
	flID := fs.String("id", "", "desktop file id to launch")

	return func(ctx context.Context, a *app) error {
		return a.launcher.Launch(ctx, *flID)
	}
}

func supportedTypesCmd(fs *flag.FlagSet) action {
	return func(ctx context.Context, a *app) error {
		v, err := a.launcher.Version(ctx)
		if err != nil {
			return err
		}

		types, err := a.launcher.SupportedLauncherTypes(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(a.out, "version\t%d\n", v)
		for _, lt := range types.Members() {
			fmt.Fprintln(a.out, lt)
		}
		return nil
	}
}

func listCmd(fs *flag.FlagSet) action {
	return func(ctx context.Context, a *app) error {
		launchers, err := a.store.List()
		if err != nil {
			return err
		}

		for _, l := range launchers {
			fmt.Fprintf(a.out, "%s\t%s\t%s\t%s\t%s\n",
				l.DesktopFileID,
				l.Name,
				l.Type,
				l.Target,
				l.InstalledAt.Format(time.RFC3339),
			)
		}
		return nil
	}
}

func versionCmd(fs *flag.FlagSet) action {
	return func(ctx context.Context, a *app) error {
		v := version.Version()
		fmt.Fprintf(a.out, "portalctl - version %s\n", v.Version)
		fmt.Fprintf(a.out, "  branch: \t%s\n", v.Branch)
		fmt.Fprintf(a.out, "  revision: \t%s\n", v.Revision)
		fmt.Fprintf(a.out, "  build date: \t%s\n", v.BuildDate)
		fmt.Fprintf(a.out, "  build user: \t%s\n", v.BuildUser)
		fmt.Fprintf(a.out, "  go version: \t%s\n", v.GoVersion)
		return nil
	}
}
