package dynamiclauncher

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/wire"
)

// LauncherType is the kind of launcher being installed. Values are the
// flag bits the portal declares, in declaration order.
type LauncherType uint32

const (
	Application LauncherType = 1 << iota
	WebApplication
)

var launcherTypes = []LauncherType{Application, WebApplication}

func (lt LauncherType) String() string {
	switch lt {
	case Application:
		return "application"
	case WebApplication:
		return "webapp"
	default:
		return "unknown"
	}
}

// ParseLauncherType accepts the names String returns.
func ParseLauncherType(s string) (LauncherType, error) {
	for _, lt := range launcherTypes {
		if s == lt.String() {
			return lt, nil
		}
	}
	return 0, wire.Unknown("launcher_type", s)
}

func decodeLauncherType(field string, u uint32) (LauncherType, error) {
	for _, lt := range launcherTypes {
		if u == uint32(lt) {
			return lt, nil
		}
	}
	return 0, wire.Unknown(field, u)
}

// LauncherTypes is a set of launcher types, packed as on the wire.
type LauncherTypes uint32

func NewLauncherTypes(types ...LauncherType) LauncherTypes {
	var s LauncherTypes
	for _, lt := range types {
		s |= LauncherTypes(lt)
	}
	return s
}

func (s LauncherTypes) Has(lt LauncherType) bool {
	return uint32(s)&uint32(lt) != 0
}

// Members lists the set's types in declaration order.
func (s LauncherTypes) Members() []LauncherType {
	var out []LauncherType
	for _, lt := range launcherTypes {
		if s.Has(lt) {
			out = append(out, lt)
		}
	}
	return out
}

func (s LauncherTypes) String() string {
	members := s.Members()
	names := make([]string, 0, len(members))
	for _, lt := range members {
		names = append(names, lt.String())
	}
	return strings.Join(names, "|")
}

// DecodeLauncherTypes decodes the SupportedLauncherTypes property.
func DecodeLauncherTypes(v dbus.Variant) (LauncherTypes, error) {
	u, ok := v.Value().(uint32)
	if !ok {
		return 0, wire.Mismatch(propSupportedLauncherTypes, "u", v.Signature().String())
	}

	bits, err := wire.DecodeFlags(propSupportedLauncherTypes, u, len(launcherTypes))
	if err != nil {
		return 0, err
	}
	return LauncherTypes(bits), nil
}
