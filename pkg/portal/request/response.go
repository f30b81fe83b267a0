package request

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/wire"
	"github.com/pkg/errors"
)

// Status is the response code carried by a Request's Response signal.
type Status uint32

const (
	Success Status = iota
	Cancelled
	Other

	statusCount = 3
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Cancelled:
		return "cancelled"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Response is the completed outcome of an interactive call.
type Response struct {
	Status  Status
	Results *wire.Options
}

// Err is nil for a successful response and a *DeclinedError otherwise.
func (r Response) Err() error {
	if r.Status == Success {
		return nil
	}
	return &DeclinedError{Status: r.Status}
}

// DecodeResponse decodes the (u a{sv}) body of a Response signal.
func DecodeResponse(body []interface{}) (Response, error) {
	if err := wire.Expect("response", body, "ua{sv}"); err != nil {
		return Response{}, err
	}

	code, err := wire.DecodeEnum("response", body[0].(uint32), statusCount)
	if err != nil {
		return Response{}, err
	}

	return Response{
		Status:  Status(code),
		Results: wire.OptionsFromWire(body[1].(map[string]dbus.Variant)),
	}, nil
}

var (
	// ErrDeclined matches any *DeclinedError.
	ErrDeclined = errors.New("request declined")

	// ErrDuplicateWaiter means a handle already has a waiter. It is a
	// programming error in the caller and is reported before any call is
	// issued.
	ErrDuplicateWaiter = errors.New("request handle already has a waiter")

	// ErrCancelled is what a cancelled request resolves with.
	ErrCancelled = errors.New("request cancelled")
)

// DeclinedError means the broker completed the request without success:
// the user dismissed the dialog, or the broker refused.
type DeclinedError struct {
	Status Status
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("request declined: %s", e.Status)
}

func (e *DeclinedError) Is(target error) bool {
	return target == ErrDeclined
}
