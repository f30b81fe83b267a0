// Package request correlates interactive portal calls with their
// completion. An interactive call returns the object path of a Request at
// once; the real result arrives later as a Response signal emitted on that
// path. The Tracker owns the path to waiter table and resolves each waiter
// exactly once: with the decoded response, with a cancellation, or with
// bus.ErrConnectionLost.
package request

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/bus"
	"github.com/pkg/errors"
)

const (
	Interface = "org.freedesktop.portal.Request"

	responseMember = "Response"
	signalResponse = Interface + "." + responseMember
	closeMethod    = Interface + ".Close"

	requestPathPrefix = "/org/freedesktop/portal/desktop/request/"

	closeTimeout = 5 * time.Second
)

// State is where a Request is in its life cycle.
type State int

const (
	StateCreated State = iota
	StateAwaiting
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaiting:
		return "awaiting_completion"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PredictPath returns the object path the broker will use for a Request
// created by sender with the given handle token.
func PredictPath(sender, token string) dbus.ObjectPath {
	sender = strings.TrimPrefix(sender, ":")
	sender = strings.ReplaceAll(sender, ".", "_")
	return dbus.ObjectPath(requestPathPrefix + sender + "/" + token)
}

type Tracker struct {
	logger        log.Logger
	transport     bus.Transport
	closeOnCancel bool

	mu      sync.Mutex
	pending map[dbus.ObjectPath]*Request
	lost    bool

	signals   chan *dbus.Signal
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type Option func(*Tracker)

// WithCloseOnCancel makes Cancel also call Request.Close so the broker can
// dismiss its dialog. Without it, cancellation only stops waiting.
func WithCloseOnCancel() Option {
	return func(t *Tracker) {
		t.closeOnCancel = true
	}
}

// NewTracker registers for signals on transport and starts dispatching
// them. Close stops it.
func NewTracker(logger log.Logger, transport bus.Transport, opts ...Option) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	t := &Tracker{
		logger:    log.With(logger, "component", "request_tracker"),
		transport: transport,
		pending:   make(map[dbus.ObjectPath]*Request),
		signals:   make(chan *dbus.Signal, 16),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	transport.Signal(t.signals)
	go t.dispatch()

	return t
}

// Sender is the bus name request paths are predicted from.
func (t *Tracker) Sender() string {
	return t.transport.UniqueName()
}

// Pending returns the number of requests still waiting for a response.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Register creates a waiter for path before the call that creates it is
// issued, so a fast response cannot be missed.
func (t *Tracker) Register(path dbus.ObjectPath) (*Request, error) {
	t.mu.Lock()
	if t.lost {
		t.mu.Unlock()
		return nil, bus.ErrConnectionLost
	}
	if _, exists := t.pending[path]; exists {
		t.mu.Unlock()
		level.Error(t.logger).Log("msg", "duplicate waiter registration", "path", path)
		return nil, errors.Wrapf(ErrDuplicateWaiter, "registering %s", path)
	}

	r := &Request{
		tracker: t,
		path:    path,
		state:   StateCreated,
		done:    make(chan struct{}),
	}
	t.pending[path] = r
	t.mu.Unlock()

	if err := t.transport.AddMatch(path, Interface, responseMember); err != nil {
		r.abandon(err)
		return nil, err
	}

	return r, nil
}

// Do drives one interactive call: it registers the path predicted from
// tok, runs issue to make the call, and waits for the response. issue
// returns the Request handle from the call's reply.
func (t *Tracker) Do(ctx context.Context, tok string, issue func(ctx context.Context) (dbus.ObjectPath, error)) (Response, error) {
	r, err := t.Register(PredictPath(t.Sender(), tok))
	if err != nil {
		return Response{}, err
	}

	handle, err := issue(ctx)
	if err != nil {
		r.abandon(err)
		return Response{}, err
	}

	if err := r.Issued(handle); err != nil {
		r.abandon(err)
		return Response{}, err
	}

	return r.Wait(ctx)
}

// Close stops dispatching and resolves every pending request with
// bus.ErrConnectionLost. It does not close the transport.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.stopped
		t.transport.RemoveSignal(t.signals)
		t.fail(bus.ErrConnectionLost)
	})
	return nil
}

func (t *Tracker) dispatch() {
	defer close(t.stopped)

	for {
		select {
		case sig, ok := <-t.signals:
			if !ok {
				level.Info(t.logger).Log("msg", "signal channel closed, failing pending requests")
				t.fail(bus.ErrConnectionLost)
				return
			}
			t.deliver(sig)
		case <-t.stop:
			return
		}
	}
}

func (t *Tracker) deliver(sig *dbus.Signal) {
	if sig == nil || sig.Name != signalResponse {
		return
	}

	t.mu.Lock()
	r, ok := t.pending[sig.Path]
	if !ok {
		t.mu.Unlock()
		// Late responses for cancelled requests land here.
		level.Debug(t.logger).Log("msg", "dropping response for unknown request", "path", sig.Path)
		return
	}
	delete(t.pending, sig.Path)
	r.state = StateCompleted
	t.mu.Unlock()

	t.unsubscribe(sig.Path)

	resp, err := DecodeResponse(sig.Body)
	if err != nil {
		level.Error(t.logger).Log("msg", "could not decode response", "path", sig.Path, "err", err)
	} else {
		level.Debug(t.logger).Log("msg", "request completed", "path", sig.Path, "status", resp.Status)
	}
	r.finish(resp, err)
}

func (t *Tracker) fail(err error) {
	t.mu.Lock()
	t.lost = true
	failed := make([]*Request, 0, len(t.pending))
	for path, r := range t.pending {
		delete(t.pending, path)
		r.state = StateCompleted
		failed = append(failed, r)
	}
	t.mu.Unlock()

	for _, r := range failed {
		r.finish(Response{}, err)
	}
}

func (t *Tracker) unsubscribe(path dbus.ObjectPath) {
	if err := t.transport.RemoveMatch(path, Interface, responseMember); err != nil {
		level.Debug(t.logger).Log("msg", "couldn't remove match rule", "path", path, "err", err)
	}
}

func (t *Tracker) closeRequest(path dbus.ObjectPath) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if _, err := t.transport.Call(ctx, path, closeMethod); err != nil {
		level.Debug(t.logger).Log("msg", "couldn't close request", "path", path, "err", err)
	}
}

// Request is one outstanding interactive call.
type Request struct {
	tracker *Tracker

	// guarded by tracker.mu
	path  dbus.ObjectPath
	state State

	// written once, before done is closed
	resp Response
	err  error
	done chan struct{}
}

func (r *Request) Path() dbus.ObjectPath {
	r.tracker.mu.Lock()
	defer r.tracker.mu.Unlock()
	return r.path
}

func (r *Request) State() State {
	r.tracker.mu.Lock()
	defer r.tracker.mu.Unlock()
	return r.state
}

// Issued records the handle the broker returned. Brokers that predate
// handle tokens return a different path; the waiter moves to it.
func (r *Request) Issued(handle dbus.ObjectPath) error {
	t := r.tracker

	t.mu.Lock()
	if r.state != StateCreated {
		// The response or a connection loss beat the reply here.
		t.mu.Unlock()
		return nil
	}

	old := r.path
	if handle != "" && handle != old {
		if _, exists := t.pending[handle]; exists {
			t.mu.Unlock()
			return errors.Wrapf(ErrDuplicateWaiter, "rekeying %s to %s", old, handle)
		}
		delete(t.pending, old)
		t.pending[handle] = r
		r.path = handle
	}
	r.state = StateAwaiting
	t.mu.Unlock()

	if handle != "" && handle != old {
		level.Debug(t.logger).Log("msg", "request handle differs from prediction", "predicted", old, "handle", handle)
		err := t.transport.AddMatch(handle, Interface, responseMember)
		t.unsubscribe(old)
		if err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the request resolves. If ctx ends first the request is
// cancelled, unless the response already arrived, in which case that
// response is returned.
func (r *Request) Wait(ctx context.Context) (Response, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-ctx.Done():
		if r.Cancel() {
			return Response{}, errors.Wrap(ctx.Err(), "waiting for response")
		}
		<-r.done
		return r.resp, r.err
	}
}

// Cancel withdraws interest in the request. It reports false if the
// request had already resolved. A response arriving afterwards is
// discarded.
func (r *Request) Cancel() bool {
	if !r.withdraw(ErrCancelled) {
		return false
	}
	if r.tracker.closeOnCancel {
		r.tracker.closeRequest(r.Path())
	}
	return true
}

// abandon withdraws a request whose call never produced a handle.
func (r *Request) abandon(err error) {
	r.withdraw(err)
}

func (r *Request) withdraw(err error) bool {
	t := r.tracker

	t.mu.Lock()
	if r.state != StateCreated && r.state != StateAwaiting {
		t.mu.Unlock()
		return false
	}
	if t.pending[r.path] == r {
		delete(t.pending, r.path)
	}
	r.state = StateCancelled
	path := r.path
	t.mu.Unlock()

	r.finish(Response{}, err)
	t.unsubscribe(path)

	return true
}

func (r *Request) finish(resp Response, err error) {
	r.resp = resp
	r.err = err
	close(r.done)
}
