// Package bus is the transport boundary for portal clients: issuing method
// calls, reading properties and receiving signals from the broker. The
// production implementation wraps a godbus session bus connection.
package bus

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	PortalDestination = "org.freedesktop.portal.Desktop"
	PortalObjectPath  = dbus.ObjectPath("/org/freedesktop/portal/desktop")

	propertiesGet = "org.freedesktop.DBus.Properties.Get"
)

// Transport is what portal clients need from the bus.
type Transport interface {
	// Call invokes a fully qualified method ("iface.Member") on the broker
	// object at path and returns the reply body.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error)

	// GetProperty reads a property of iface on the broker object at path.
	GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)

	// AddMatch asks the bus to route matching signals to this connection.
	AddMatch(path dbus.ObjectPath, iface, member string) error
	RemoveMatch(path dbus.ObjectPath, iface, member string) error

	// Signal registers ch to receive every routed signal. The channel is
	// closed when the connection goes away.
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)

	// UniqueName is this connection's bus name, e.g. ":1.42".
	UniqueName() string

	Close() error
}

// ErrConnectionLost is returned for requests still pending when the bus
// connection closes.
var ErrConnectionLost = errors.New("bus connection lost")

// TransportError is a failure to reach the broker or a remote error reply.
// Name is the D-Bus error name when the broker replied with one.
type TransportError struct {
	Op   string
	Name string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err, keeping the D-Bus error name if err is a
// remote error.
func NewTransportError(op string, err error) *TransportError {
	te := &TransportError{Op: op, Err: err}

	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.As(err, &dbusErr):
		te.Name = dbusErr.Name
	case errors.As(err, &dbusErrPtr):
		te.Name = dbusErrPtr.Name
	}
	return te
}
