// Package dynamiclauncher is a client for the
// org.freedesktop.portal.DynamicLauncher interface, which lets a sandboxed
// application install launchers such as web application shortcuts.
//
// PrepareInstall may show a confirmation dialog, so it goes through a
// portal Request and waits for the Response signal. Everything else is a
// plain method call or property read.
package dynamiclauncher

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/bus"
	"github.com/kolide/portal/pkg/portal/request"
	"github.com/kolide/portal/pkg/portal/token"
	"github.com/kolide/portal/pkg/portal/wire"
	"github.com/pkg/errors"
)

const (
	Interface = "org.freedesktop.portal.DynamicLauncher"

	methodPrepareInstall      = Interface + ".PrepareInstall"
	methodRequestInstallToken = Interface + ".RequestInstallToken"
	methodInstall             = Interface + ".Install"
	methodUninstall           = Interface + ".Uninstall"
	methodGetDesktopEntry     = Interface + ".GetDesktopEntry"
	methodGetIcon             = Interface + ".GetIcon"
	methodLaunch              = Interface + ".Launch"

	propSupportedLauncherTypes = "SupportedLauncherTypes"
	propVersion                = "version"

	resultName  = "name"
	resultToken = "token"
)

// ErrInvalidArgument is returned before any call is made when an argument
// cannot be sent.
var ErrInvalidArgument = errors.New("invalid argument")

// PrepareInstallResult is what the user confirmed: the launcher name, which
// they may have edited, and the token to pass to Install.
type PrepareInstallResult struct {
	Name  string
	Token string
}

type Proxy struct {
	logger    log.Logger
	transport bus.Transport
	tracker   *request.Tracker
	path      dbus.ObjectPath
	owned     bool
}

// New returns a proxy over an existing transport and tracker. The caller
// keeps ownership of both.
func New(logger log.Logger, transport bus.Transport, tracker *request.Tracker) *Proxy {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Proxy{
		logger:    log.With(logger, "component", "dynamic_launcher"),
		transport: transport,
		tracker:   tracker,
		path:      bus.PortalObjectPath,
	}
}

type connectConfig struct {
	busOpts     []bus.Option
	trackerOpts []request.Option
}

type ConnectOption func(*connectConfig)

func WithBusOptions(opts ...bus.Option) ConnectOption {
	return func(c *connectConfig) {
		c.busOpts = append(c.busOpts, opts...)
	}
}

func WithTrackerOptions(opts ...request.Option) ConnectOption {
	return func(c *connectConfig) {
		c.trackerOpts = append(c.trackerOpts, opts...)
	}
}

// Connect dials the session bus and returns a proxy that owns the
// connection. Close releases it.
func Connect(logger log.Logger, opts ...ConnectOption) (*Proxy, error) {
	cfg := &connectConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	conn, err := bus.Connect(logger, cfg.busOpts...)
	if err != nil {
		return nil, err
	}

	p := New(logger, conn, request.NewTracker(logger, conn, cfg.trackerOpts...))
	p.owned = true
	return p, nil
}

// Close stops request tracking. For a proxy made by Connect it also closes
// the bus connection.
func (p *Proxy) Close() error {
	if !p.owned {
		return nil
	}

	p.tracker.Close()
	return p.transport.Close()
}

// PrepareInstall asks the broker to confirm installing a launcher named
// name with icon. It blocks until the user answers the dialog or ctx ends.
// A dismissed dialog is reported as an error matching request.ErrDeclined.
func (p *Proxy) PrepareInstall(ctx context.Context, parentWindow, name string, icon wire.Icon, opts ...PrepareInstallOption) (PrepareInstallResult, error) {
	if name == "" {
		return PrepareInstallResult{}, errors.Wrap(ErrInvalidArgument, "launcher name is empty")
	}

	iconVariant, err := p.encodeIcon(icon)
	if err != nil {
		return PrepareInstallResult{}, err
	}

	o := PrepareInstallOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.HandleToken == "" {
		o.HandleToken = token.New()
	} else if !token.Valid(o.HandleToken) {
		return PrepareInstallResult{}, errors.Wrapf(ErrInvalidArgument, "handle token %q is not a valid path element", o.HandleToken)
	}

	if o.LauncherType != nil && *o.LauncherType == WebApplication && (o.Target == nil || *o.Target == "") {
		return PrepareInstallResult{}, errors.Wrap(ErrInvalidArgument, "a web application launcher needs a target")
	}

	options := o.Options().Wire()

	level.Debug(p.logger).Log(
		"msg", "preparing install",
		"name", name,
		"icon", icon.String(),
		"handle_token", o.HandleToken,
	)

	resp, err := p.tracker.Do(ctx, o.HandleToken, func(ctx context.Context) (dbus.ObjectPath, error) {
		body, err := p.transport.Call(ctx, p.path, methodPrepareInstall, parentWindow, name, iconVariant, options)
		if err != nil {
			return "", err
		}
		if err := wire.Expect("PrepareInstall reply", body, "o"); err != nil {
			return "", err
		}
		return body[0].(dbus.ObjectPath), nil
	})
	if err != nil {
		return PrepareInstallResult{}, errors.Wrap(err, "preparing install")
	}

	if err := resp.Err(); err != nil {
		level.Info(p.logger).Log("msg", "install not confirmed", "name", name, "status", resp.Status)
		return PrepareInstallResult{}, errors.Wrap(err, "preparing install")
	}

	result := PrepareInstallResult{}
	if result.Name, err = resp.Results.RequiredString(resultName); err != nil {
		return PrepareInstallResult{}, errors.Wrap(err, "preparing install")
	}
	if result.Token, err = resp.Results.RequiredString(resultToken); err != nil {
		return PrepareInstallResult{}, errors.Wrap(err, "preparing install")
	}

	return result, nil
}

// RequestInstallToken gets an install token without a dialog. The broker
// only grants this to some applications.
func (p *Proxy) RequestInstallToken(ctx context.Context, name string, icon wire.Icon) (string, error) {
	if name == "" {
		return "", errors.Wrap(ErrInvalidArgument, "launcher name is empty")
	}

	iconVariant, err := p.encodeIcon(icon)
	if err != nil {
		return "", err
	}

	// no options are defined for this method yet
	body, err := p.transport.Call(ctx, p.path, methodRequestInstallToken, name, iconVariant, wire.NewOptions().Wire())
	if err != nil {
		return "", errors.Wrap(err, "requesting install token")
	}

	if err := wire.Expect("RequestInstallToken reply", body, "s"); err != nil {
		return "", errors.Wrap(err, "requesting install token")
	}
	return body[0].(string), nil
}

// Install writes the desktop entry for desktopFileID using a token from
// PrepareInstall or RequestInstallToken. The broker rewrites Name, Icon and
// Exec in desktopEntry.
func (p *Proxy) Install(ctx context.Context, installToken, desktopFileID, desktopEntry string) error {
	if installToken == "" {
		return errors.Wrap(ErrInvalidArgument, "install token is empty")
	}
	if err := requireID(desktopFileID); err != nil {
		return err
	}

	body, err := p.transport.Call(ctx, p.path, methodInstall, installToken, desktopFileID, desktopEntry, wire.NewOptions().Wire())
	if err != nil {
		return errors.Wrapf(err, "installing %s", desktopFileID)
	}
	if err := wire.Expect("Install reply", body, ""); err != nil {
		return errors.Wrapf(err, "installing %s", desktopFileID)
	}

	level.Debug(p.logger).Log("msg", "installed launcher", "desktop_file_id", desktopFileID)
	return nil
}

func (p *Proxy) Uninstall(ctx context.Context, desktopFileID string) error {
	if err := requireID(desktopFileID); err != nil {
		return err
	}

	body, err := p.transport.Call(ctx, p.path, methodUninstall, desktopFileID, wire.NewOptions().Wire())
	if err != nil {
		return errors.Wrapf(err, "uninstalling %s", desktopFileID)
	}
	if err := wire.Expect("Uninstall reply", body, ""); err != nil {
		return errors.Wrapf(err, "uninstalling %s", desktopFileID)
	}

	level.Debug(p.logger).Log("msg", "uninstalled launcher", "desktop_file_id", desktopFileID)
	return nil
}

// DesktopEntry returns the installed desktop entry for desktopFileID.
func (p *Proxy) DesktopEntry(ctx context.Context, desktopFileID string) (string, error) {
	if err := requireID(desktopFileID); err != nil {
		return "", err
	}

	body, err := p.transport.Call(ctx, p.path, methodGetDesktopEntry, desktopFileID)
	if err != nil {
		return "", errors.Wrapf(err, "getting desktop entry for %s", desktopFileID)
	}
	if err := wire.Expect("GetDesktopEntry reply", body, "s"); err != nil {
		return "", errors.Wrapf(err, "getting desktop entry for %s", desktopFileID)
	}
	return body[0].(string), nil
}

// Icon returns the icon of an installed launcher with its format and size.
func (p *Proxy) Icon(ctx context.Context, desktopFileID string) (wire.LauncherIcon, error) {
	if err := requireID(desktopFileID); err != nil {
		return wire.LauncherIcon{}, err
	}

	body, err := p.transport.Call(ctx, p.path, methodGetIcon, desktopFileID)
	if err != nil {
		return wire.LauncherIcon{}, errors.Wrapf(err, "getting icon for %s", desktopFileID)
	}

	icon, err := wire.DecodeLauncherIcon(body)
	if err != nil {
		return wire.LauncherIcon{}, errors.Wrapf(err, "getting icon for %s", desktopFileID)
	}
	return icon, nil
}

// Launch starts an installed launcher. The activation_token option is not
// supported; the options record is always empty.
func (p *Proxy) Launch(ctx context.Context, desktopFileID string) error {
	if err := requireID(desktopFileID); err != nil {
		return err
	}

	body, err := p.transport.Call(ctx, p.path, methodLaunch, desktopFileID, wire.NewOptions().Wire())
	if err != nil {
		return errors.Wrapf(err, "launching %s", desktopFileID)
	}
	if err := wire.Expect("Launch reply", body, ""); err != nil {
		return errors.Wrapf(err, "launching %s", desktopFileID)
	}
	return nil
}

// SupportedLauncherTypes reads which launcher types the broker can install.
func (p *Proxy) SupportedLauncherTypes(ctx context.Context) (LauncherTypes, error) {
	v, err := p.transport.GetProperty(ctx, p.path, Interface, propSupportedLauncherTypes)
	if err != nil {
		return 0, errors.Wrap(err, "reading supported launcher types")
	}

	types, err := DecodeLauncherTypes(v)
	if err != nil {
		return 0, errors.Wrap(err, "reading supported launcher types")
	}
	return types, nil
}

// Version reads the interface version the broker implements.
func (p *Proxy) Version(ctx context.Context) (uint32, error) {
	v, err := p.transport.GetProperty(ctx, p.path, Interface, propVersion)
	if err != nil {
		return 0, errors.Wrap(err, "reading interface version")
	}

	u, ok := v.Value().(uint32)
	if !ok {
		return 0, errors.Wrap(wire.Mismatch(propVersion, "u", v.Signature().String()), "reading interface version")
	}
	return u, nil
}

func (p *Proxy) encodeIcon(icon wire.Icon) (dbus.Variant, error) {
	if icon.IsZero() {
		return dbus.Variant{}, errors.Wrap(ErrInvalidArgument, "icon is empty")
	}

	v, err := icon.Variant()
	if err != nil {
		return dbus.Variant{}, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	return v, nil
}

func requireID(desktopFileID string) error {
	if desktopFileID == "" {
		return errors.Wrap(ErrInvalidArgument, "desktop file id is empty")
	}
	return nil
}
