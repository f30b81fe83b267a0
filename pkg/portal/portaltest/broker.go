package portaltest

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	requestInterface = "org.freedesktop.portal.Request"
	responseSignal   = requestInterface + ".Response"
	requestPrefix    = "/org/freedesktop/portal/desktop/request/"
)

// RequestPath is the path a broker gives the Request created for sender
// with token.
func RequestPath(sender, token string) dbus.ObjectPath {
	sender = strings.ReplaceAll(strings.TrimPrefix(sender, ":"), ".", "_")
	return dbus.ObjectPath(requestPrefix + sender + "/" + token)
}

// HandleToken pulls handle_token out of an a{sv} options argument.
func HandleToken(options interface{}) string {
	m, ok := options.(map[string]dbus.Variant)
	if !ok {
		return ""
	}
	v, ok := m["handle_token"]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

// ResponseSignal builds the Response signal a broker emits on path.
func ResponseSignal(path dbus.ObjectPath, status uint32, results map[string]dbus.Variant) *dbus.Signal {
	if results == nil {
		results = map[string]dbus.Variant{}
	}
	return &dbus.Signal{
		Sender: "org.freedesktop.portal.Desktop",
		Path:   path,
		Name:   responseSignal,
		Body:   []interface{}{status, results},
	}
}

// Respond emits a Response on path and reports whether a subscriber's match
// rule routed it.
func (t *Transport) Respond(path dbus.ObjectPath, status uint32, results map[string]dbus.Variant) bool {
	return t.Emit(ResponseSignal(path, status, results))
}

// Strings builds an a{sv} results map of string values.
func Strings(kv ...string) map[string]dbus.Variant {
	m := make(map[string]dbus.Variant, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = dbus.MakeVariant(kv[i+1])
	}
	return m
}
