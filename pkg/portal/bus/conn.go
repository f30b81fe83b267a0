package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// Conn adapts a godbus connection to Transport. It is aimed at one broker
// destination; every call, property read and match rule targets it.
type Conn struct {
	logger      log.Logger
	conn        *dbus.Conn
	destination string
	owned       bool
}

type Option func(*Conn)

// WithDestination overrides the broker bus name.
func WithDestination(dest string) Option {
	return func(c *Conn) {
		c.destination = dest
	}
}

// WithConn uses an existing connection instead of dialing the session bus.
// The caller keeps ownership; Close will not close it.
func WithConn(conn *dbus.Conn) Option {
	return func(c *Conn) {
		c.conn = conn
		c.owned = false
	}
}

// Connect returns a transport on the session bus.
func Connect(logger log.Logger, opts ...Option) (*Conn, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &Conn{
		logger:      log.With(logger, "component", "portal_bus"),
		destination: PortalDestination,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.conn == nil {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			level.Error(c.logger).Log("msg", "couldn't connect to session bus", "err", err)
			return nil, NewTransportError("connecting to session bus", err)
		}
		c.conn = conn
		c.owned = true
	}

	level.Debug(c.logger).Log(
		"msg", "connected",
		"unique_name", c.UniqueName(),
		"destination", c.destination,
	)

	return c, nil
}

func (c *Conn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	call := c.conn.Object(c.destination, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		level.Debug(c.logger).Log("msg", "call failed", "method", method, "path", path, "err", call.Err)
		return nil, NewTransportError(fmt.Sprintf("calling %s", method), call.Err)
	}
	return call.Body, nil
}

func (c *Conn) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	body, err := c.Call(ctx, path, propertiesGet, iface, name)
	if err != nil {
		return dbus.Variant{}, err
	}

	return propertyValue(iface, name, body)
}

// propertyValue unwraps a Properties.Get reply, which is a single variant.
func propertyValue(iface, name string, body []interface{}) (dbus.Variant, error) {
	op := fmt.Sprintf("reading %s.%s", iface, name)
	if len(body) != 1 {
		return dbus.Variant{}, NewTransportError(op, errors.Errorf("property reply has %d values", len(body)))
	}

	v, ok := body[0].(dbus.Variant)
	if !ok {
		return dbus.Variant{}, NewTransportError(op, errors.Errorf("property reply is %T, not a variant", body[0]))
	}
	return v, nil
}

func (c *Conn) matchOptions(path dbus.ObjectPath, iface, member string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
		dbus.WithMatchSender(c.destination),
	}
}

func (c *Conn) AddMatch(path dbus.ObjectPath, iface, member string) error {
	if err := c.conn.AddMatchSignal(c.matchOptions(path, iface, member)...); err != nil {
		level.Error(c.logger).Log("msg", "couldn't add match signal", "path", path, "err", err)
		return NewTransportError("adding match rule", err)
	}
	return nil
}

func (c *Conn) RemoveMatch(path dbus.ObjectPath, iface, member string) error {
	if err := c.conn.RemoveMatchSignal(c.matchOptions(path, iface, member)...); err != nil {
		return NewTransportError("removing match rule", err)
	}
	return nil
}

func (c *Conn) Signal(ch chan<- *dbus.Signal) {
	c.conn.Signal(ch)
}

func (c *Conn) RemoveSignal(ch chan<- *dbus.Signal) {
	c.conn.RemoveSignal(ch)
}

func (c *Conn) UniqueName() string {
	return uniqueName(c.conn.Names())
}

// uniqueName picks the unique name from Names, which lists it first. It
// is empty before the Hello reply.
func uniqueName(names []string) string {
	if len(names) == 0 || !strings.HasPrefix(names[0], ":") {
		return ""
	}
	return names[0]
}

func (c *Conn) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}
