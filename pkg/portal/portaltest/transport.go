// Package portaltest provides an in-memory bus.Transport with a scriptable
// broker, for testing portal clients without a session bus.
package portaltest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/bus"
)

// DefaultUniqueName is the bus name a Transport reports unless overridden.
const DefaultUniqueName = ":1.42"

// Call is one method call the broker received.
type Call struct {
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

// HandlerFunc answers a method call with a reply body or an error. Errors
// should be dbus.Error values to mimic a remote error reply.
type HandlerFunc func(ctx context.Context, call Call) ([]interface{}, error)

type match struct {
	path   dbus.ObjectPath
	iface  string
	member string
}

// Transport is a fake broker and bus in one.
type Transport struct {
	mu         sync.Mutex
	uniqueName string
	handlers   map[string]HandlerFunc
	properties map[string]dbus.Variant
	matches    map[match]int
	channels   []chan<- *dbus.Signal
	calls      []Call
	closed     bool

	// serializes sends against Disconnect closing channels
	emitMu sync.Mutex
}

var _ bus.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		uniqueName: DefaultUniqueName,
		handlers:   make(map[string]HandlerFunc),
		properties: make(map[string]dbus.Variant),
		matches:    make(map[match]int),
	}
}

func (t *Transport) SetUniqueName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uniqueName = name
}

// Handle installs fn for the fully qualified method.
func (t *Transport) Handle(method string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = fn
}

func (t *Transport) SetProperty(iface, name string, v interface{}) {
	variant, ok := v.(dbus.Variant)
	if !ok {
		variant = dbus.MakeVariant(v)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.properties[iface+"."+name] = variant
}

// Calls returns every call received, in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsTo returns the calls received for one method.
func (t *Transport) CallsTo(method string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Matches returns the number of active match rules.
func (t *Transport) Matches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, count := range t.matches {
		n += count
	}
	return n
}

// Subscribed reports whether a match rule for path is active.
func (t *Transport) Subscribed(path dbus.ObjectPath, iface, member string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matches[match{path, iface, member}] > 0
}

func (t *Transport) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, bus.NewTransportError(fmt.Sprintf("calling %s", method), err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, bus.NewTransportError(fmt.Sprintf("calling %s", method), bus.ErrConnectionLost)
	}
	call := Call{Path: path, Method: method, Args: args}
	t.calls = append(t.calls, call)
	fn, ok := t.handlers[method]
	t.mu.Unlock()

	if !ok {
		err := dbus.Error{
			Name: "org.freedesktop.DBus.Error.UnknownMethod",
			Body: []interface{}{fmt.Sprintf("no such method %s", method)},
		}
		return nil, bus.NewTransportError(fmt.Sprintf("calling %s", method), err)
	}

	body, err := fn(ctx, call)
	if err != nil {
		return nil, bus.NewTransportError(fmt.Sprintf("calling %s", method), err)
	}
	return body, nil
}

func (t *Transport) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := fmt.Sprintf("reading %s.%s", iface, name)
	if t.closed {
		return dbus.Variant{}, bus.NewTransportError(op, bus.ErrConnectionLost)
	}

	v, ok := t.properties[iface+"."+name]
	if !ok {
		return dbus.Variant{}, bus.NewTransportError(op, dbus.Error{
			Name: "org.freedesktop.DBus.Error.UnknownProperty",
			Body: []interface{}{fmt.Sprintf("no such property %s", name)},
		})
	}
	return v, nil
}

func (t *Transport) AddMatch(path dbus.ObjectPath, iface, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return bus.NewTransportError("adding match rule", bus.ErrConnectionLost)
	}
	t.matches[match{path, iface, member}]++
	return nil
}

func (t *Transport) RemoveMatch(path dbus.ObjectPath, iface, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := match{path, iface, member}
	if t.matches[m] == 0 {
		return bus.NewTransportError("removing match rule", dbus.Error{
			Name: "org.freedesktop.DBus.Error.MatchRuleNotFound",
		})
	}
	t.matches[m]--
	if t.matches[m] == 0 {
		delete(t.matches, m)
	}
	return nil
}

func (t *Transport) Signal(ch chan<- *dbus.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = append(t.channels, ch)
}

func (t *Transport) RemoveSignal(ch chan<- *dbus.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.channels {
		if c == ch {
			t.channels = append(t.channels[:i], t.channels[i+1:]...)
			return
		}
	}
}

func (t *Transport) UniqueName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uniqueName
}

// Close marks the transport closed without closing signal channels, like
// closing a connection the caller does not own.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Emit routes sig to every registered channel if a match rule covers it,
// the way the bus daemon would. It reports whether the signal was routed.
func (t *Transport) Emit(sig *dbus.Signal) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	routed := !t.closed && t.matches[match{sig.Path, ifaceOf(sig.Name), memberOf(sig.Name)}] > 0
	channels := append([]chan<- *dbus.Signal(nil), t.channels...)
	t.mu.Unlock()

	if !routed {
		return false
	}
	for _, ch := range channels {
		ch <- sig
	}
	return true
}

// EmitUnfiltered delivers sig to every registered channel regardless of
// match rules, as happens when another rule on the same connection covers
// it.
func (t *Transport) EmitUnfiltered(sig *dbus.Signal) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	channels := append([]chan<- *dbus.Signal(nil), t.channels...)
	t.mu.Unlock()

	for _, ch := range channels {
		ch <- sig
	}
}

// Disconnect simulates the connection dropping: signal channels are closed
// and further calls fail.
func (t *Transport) Disconnect() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed && t.channels == nil {
		return
	}
	t.closed = true
	for _, ch := range t.channels {
		close(ch)
	}
	t.channels = nil
}

func ifaceOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return ""
}

func memberOf(name string) string {
	return name[strings.LastIndex(name, ".")+1:]
}
