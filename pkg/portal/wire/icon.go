package wire

import (
	"bytes"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// IconKind tags which member of the Icon union is populated.
type IconKind int

const (
	IconNone IconKind = iota
	IconBytes
	IconNames
	IconFile
)

// Serialized GIcon tags. The broker deserializes with
// g_icon_deserialize, which accepts these three from a sandboxed caller.
const (
	iconTagBytes  = "bytes"
	iconTagThemed = "themed"
	iconTagFile   = "file"

	iconSignature = "(sv)"
)

// Icon is an icon exchanged with the broker: raw image data, a list of
// themed icon names, or a file URI. The image data itself is opaque here.
type Icon struct {
	kind  IconKind
	data  []byte
	names []string
	uri   string
}

func IconFromBytes(b []byte) Icon {
	return Icon{kind: IconBytes, data: append([]byte(nil), b...)}
}

func IconFromNames(names ...string) Icon {
	return Icon{kind: IconNames, names: append([]string(nil), names...)}
}

func IconFromURI(uri string) Icon {
	return Icon{kind: IconFile, uri: uri}
}

func (i Icon) Kind() IconKind  { return i.kind }
func (i Icon) Bytes() []byte   { return i.data }
func (i Icon) Names() []string { return i.names }
func (i Icon) URI() string     { return i.uri }
func (i Icon) IsZero() bool    { return i.kind == IconNone }

func (i Icon) Equal(other Icon) bool {
	if i.kind != other.kind || i.uri != other.uri || !bytes.Equal(i.data, other.data) {
		return false
	}
	if len(i.names) != len(other.names) {
		return false
	}
	for n := range i.names {
		if i.names[n] != other.names[n] {
			return false
		}
	}
	return true
}

func (i Icon) String() string {
	switch i.kind {
	case IconBytes:
		return fmt.Sprintf("bytes(%d)", len(i.data))
	case IconNames:
		return fmt.Sprintf("themed%v", i.names)
	case IconFile:
		return "file(" + i.uri + ")"
	default:
		return "none"
	}
}

// serializedIcon encodes as the (sv) struct g_icon_serialize produces.
type serializedIcon struct {
	Tag   string
	Value dbus.Variant
}

// Variant encodes the icon as the "v" argument the portal expects.
func (i Icon) Variant() (dbus.Variant, error) {
	var s serializedIcon
	switch i.kind {
	case IconBytes:
		s = serializedIcon{Tag: iconTagBytes, Value: dbus.MakeVariant(i.data)}
	case IconNames:
		s = serializedIcon{Tag: iconTagThemed, Value: dbus.MakeVariant(i.names)}
	case IconFile:
		s = serializedIcon{Tag: iconTagFile, Value: dbus.MakeVariant(i.uri)}
	default:
		return dbus.Variant{}, fmt.Errorf("cannot encode an empty icon")
	}
	return dbus.MakeVariant(s), nil
}

// DecodeIcon reverses Icon.Variant. The variant may hold the struct as
// decoded off the wire ([]interface{}) or as encoded in process.
func DecodeIcon(field string, v dbus.Variant) (Icon, error) {
	if sig := v.Signature().String(); sig != iconSignature {
		return Icon{}, mismatch(field, iconSignature, sig)
	}

	var (
		tag   string
		inner dbus.Variant
	)
	switch s := v.Value().(type) {
	case serializedIcon:
		tag, inner = s.Tag, s.Value
	case []interface{}:
		if len(s) < 2 {
			return Icon{}, truncated(field, 2, len(s))
		}
		var ok bool
		if tag, ok = s[0].(string); !ok {
			return Icon{}, mismatch(field, "s", fmt.Sprintf("%T", s[0]))
		}
		if inner, ok = s[1].(dbus.Variant); !ok {
			return Icon{}, mismatch(field, "v", fmt.Sprintf("%T", s[1]))
		}
	default:
		return Icon{}, mismatch(field, iconSignature, fmt.Sprintf("%T", v.Value()))
	}

	switch tag {
	case iconTagBytes:
		b, ok := inner.Value().([]byte)
		if !ok {
			return Icon{}, mismatch(field+".bytes", "ay", inner.Signature().String())
		}
		return IconFromBytes(b), nil
	case iconTagThemed:
		names, ok := inner.Value().([]string)
		if !ok {
			return Icon{}, mismatch(field+".themed", "as", inner.Signature().String())
		}
		return IconFromNames(names...), nil
	case iconTagFile:
		uri, ok := inner.Value().(string)
		if !ok {
			return Icon{}, mismatch(field+".file", "s", inner.Signature().String())
		}
		return IconFromURI(uri), nil
	default:
		return Icon{}, unknown(field, tag)
	}
}

// IconFormat is the image format tag that accompanies icon data.
type IconFormat int

const (
	FormatPNG IconFormat = iota
	FormatJPEG
	FormatSVG
)

var iconFormatNames = [...]string{
	FormatPNG:  "png",
	FormatJPEG: "jpeg",
	FormatSVG:  "svg",
}

func (f IconFormat) String() string {
	if f < 0 || int(f) >= len(iconFormatNames) {
		return fmt.Sprintf("IconFormat(%d)", int(f))
	}
	return iconFormatNames[f]
}

// ParseIconFormat maps the wire tag to a format. Only the exact lowercase
// tags are accepted.
func ParseIconFormat(field, s string) (IconFormat, error) {
	for f, name := range iconFormatNames {
		if s == name {
			return IconFormat(f), nil
		}
	}
	return 0, unknown(field, s)
}

// LauncherIcon is the (v s u) triple returned for an installed launcher.
type LauncherIcon struct {
	Icon   Icon
	Format IconFormat
	Size   uint32
}

// Body encodes the triple as reply values.
func (li LauncherIcon) Body() ([]interface{}, error) {
	v, err := li.Icon.Variant()
	if err != nil {
		return nil, err
	}
	return []interface{}{v, li.Format.String(), li.Size}, nil
}

// DecodeLauncherIcon decodes a GetIcon reply body.
func DecodeLauncherIcon(body []interface{}) (LauncherIcon, error) {
	if err := Expect("icon", body, "vsu"); err != nil {
		return LauncherIcon{}, err
	}

	icon, err := DecodeIcon("icon", body[0].(dbus.Variant))
	if err != nil {
		return LauncherIcon{}, err
	}

	format, err := ParseIconFormat("icon_format", body[1].(string))
	if err != nil {
		return LauncherIcon{}, err
	}

	return LauncherIcon{
		Icon:   icon,
		Format: format,
		Size:   body[2].(uint32),
	}, nil
}
