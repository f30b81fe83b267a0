package dynamiclauncher

import (
	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/wire"
)

const (
	optHandleToken  = "handle_token"
	optModal        = "modal"
	optLauncherType = "launcher_type"
	optTarget       = "target"
	optEditableName = "editable_name"
	optEditableIcon = "editable_icon"
)

// PrepareInstallOptions are the optional parameters of PrepareInstall. Nil
// fields are left out of the call so the broker uses its defaults.
type PrepareInstallOptions struct {
	HandleToken  string
	Modal        *bool
	LauncherType *LauncherType
	Target       *string
	EditableName *bool
	EditableIcon *bool
}

type PrepareInstallOption func(*PrepareInstallOptions)

// WithHandleToken sets the token the request path is derived from. One is
// generated when this is not used.
func WithHandleToken(tok string) PrepareInstallOption {
	return func(o *PrepareInstallOptions) {
		o.HandleToken = tok
	}
}

// WithModal sets whether the confirmation dialog is modal.
func WithModal(modal bool) PrepareInstallOption {
	return func(o *PrepareInstallOptions) {
		o.Modal = &modal
	}
}

func WithLauncherType(lt LauncherType) PrepareInstallOption {
	return func(o *PrepareInstallOptions) {
		o.LauncherType = &lt
	}
}

// WithTarget sets the URL a WebApplication launcher opens.
func WithTarget(target string) PrepareInstallOption {
	return func(o *PrepareInstallOptions) {
		o.Target = &target
	}
}

// WithEditableName sets whether the user may change the name in the dialog.
func WithEditableName(editable bool) PrepareInstallOption {
	return func(o *PrepareInstallOptions) {
		o.EditableName = &editable
	}
}

// WithEditableIcon sets whether the user may change the icon in the dialog.
func WithEditableIcon(editable bool) PrepareInstallOption {
	return func(o *PrepareInstallOptions) {
		o.EditableIcon = &editable
	}
}

// Options encodes o as the a{sv} record sent with the call.
func (o PrepareInstallOptions) Options() *wire.Options {
	rec := wire.NewOptions()
	if o.HandleToken != "" {
		rec.Set(optHandleToken, o.HandleToken)
	}
	rec.SetBool(optModal, o.Modal)
	if o.LauncherType != nil {
		rec.Set(optLauncherType, uint32(*o.LauncherType))
	}
	rec.SetString(optTarget, o.Target)
	rec.SetBool(optEditableName, o.EditableName)
	rec.SetBool(optEditableIcon, o.EditableIcon)
	return rec
}

// DecodePrepareInstallOptions reverses Options. Unrecognized keys are
// ignored, as a broker would.
func DecodePrepareInstallOptions(m map[string]dbus.Variant) (PrepareInstallOptions, error) {
	rec := wire.OptionsFromWire(m)

	var o PrepareInstallOptions

	tok, _, err := rec.String(optHandleToken)
	if err != nil {
		return o, err
	}
	o.HandleToken = tok

	if o.Modal, err = optionalBool(rec, optModal); err != nil {
		return o, err
	}
	if o.EditableName, err = optionalBool(rec, optEditableName); err != nil {
		return o, err
	}
	if o.EditableIcon, err = optionalBool(rec, optEditableIcon); err != nil {
		return o, err
	}

	target, present, err := rec.String(optTarget)
	if err != nil {
		return o, err
	}
	if present {
		o.Target = &target
	}

	u, present, err := rec.Uint32(optLauncherType)
	if err != nil {
		return o, err
	}
	if present {
		lt, err := decodeLauncherType(optLauncherType, u)
		if err != nil {
			return o, err
		}
		o.LauncherType = &lt
	}

	return o, nil
}

func optionalBool(rec *wire.Options, key string) (*bool, error) {
	b, present, err := rec.Bool(key)
	if err != nil || !present {
		return nil, err
	}
	return &b, nil
}
