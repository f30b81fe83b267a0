package request

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/godbus/dbus/v5"
	"github.com/kolide/portal/pkg/portal/bus"
	"github.com/kolide/portal/pkg/portal/portaltest"
	"github.com/kolide/portal/pkg/portal/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testTracker(t *testing.T, opts ...Option) (*Tracker, *portaltest.Transport) {
	transport := portaltest.New()
	tracker := NewTracker(log.NewNopLogger(), transport, opts...)
	t.Cleanup(func() { tracker.Close() })
	return tracker, transport
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// flush waits until the dispatcher has handled every signal emitted so far,
// by pushing one more response through a throwaway request.
func flush(t *testing.T, tracker *Tracker, transport *portaltest.Transport) {
	path := PredictPath(transport.UniqueName(), fmt.Sprintf("flush%d", time.Now().UnixNano()))
	r, err := tracker.Register(path)
	require.NoError(t, err)
	require.True(t, transport.Respond(path, 0, nil))
	_, err = r.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestPredictPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/portalABC"),
		PredictPath(":1.42", "portalABC"),
	)
	assert.True(t, PredictPath(":1.42", "portalABC").IsValid())
}

func TestTracker_Success(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)

	path := PredictPath(transport.UniqueName(), "tok1")
	r, err := tracker.Register(path)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, r.State())
	assert.True(t, transport.Subscribed(path, Interface, "Response"))

	require.NoError(t, r.Issued(path))
	assert.Equal(t, StateAwaiting, r.State())

	require.True(t, transport.Respond(path, 0, portaltest.Strings("name", "My App.desktop", "token", "tok123")))

	resp, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, Success, resp.Status)

	name, err := resp.Results.RequiredString("name")
	require.NoError(t, err)
	assert.Equal(t, "My App.desktop", name)

	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, 0, tracker.Pending())
	assert.False(t, transport.Subscribed(path, Interface, "Response"))

	// Waiting again returns the same outcome.
	again, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, resp.Status, again.Status)
}

func TestTracker_Declined(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status uint32
		want   Status
	}{
		{name: "cancelled", status: 1, want: Cancelled},
		{name: "other", status: 2, want: Other},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tracker, transport := testTracker(t)
			path := PredictPath(transport.UniqueName(), "tok")
			r, err := tracker.Register(path)
			require.NoError(t, err)
			require.NoError(t, r.Issued(path))

			require.True(t, transport.Respond(path, tt.status, nil))

			resp, err := r.Wait(waitCtx(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Status)

			declineErr := resp.Err()
			require.Error(t, declineErr)
			assert.True(t, errors.Is(declineErr, ErrDeclined))

			var declined *DeclinedError
			require.True(t, errors.As(declineErr, &declined))
			assert.Equal(t, tt.want, declined.Status)
		})
	}
}

func TestTracker_MalformedResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    []interface{}
		wantErr error
	}{
		{name: "unknown status", body: []interface{}{uint32(7), map[string]dbus.Variant{}}, wantErr: wire.ErrUnknownVariant},
		{name: "missing results", body: []interface{}{uint32(0)}, wantErr: wire.ErrTruncated},
		{name: "signed status", body: []interface{}{int32(0), map[string]dbus.Variant{}}, wantErr: wire.ErrSignatureMismatch},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tracker, transport := testTracker(t)
			path := PredictPath(transport.UniqueName(), "tok")
			r, err := tracker.Register(path)
			require.NoError(t, err)
			require.NoError(t, r.Issued(path))

			require.True(t, transport.Emit(&dbus.Signal{Path: path, Name: signalResponse, Body: tt.body}))

			_, err = r.Wait(waitCtx(t))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestTracker_CancelThenLateSignal(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	path := PredictPath(transport.UniqueName(), "tok")
	r, err := tracker.Register(path)
	require.NoError(t, err)
	require.NoError(t, r.Issued(path))

	assert.True(t, r.Cancel())
	assert.False(t, r.Cancel(), "second cancel should be a no-op")
	assert.Equal(t, StateCancelled, r.State())
	assert.Equal(t, 0, tracker.Pending())
	assert.False(t, transport.Subscribed(path, Interface, "Response"))

	// The bus no longer routes it, but one already in flight still arrives.
	assert.False(t, transport.Respond(path, 0, portaltest.Strings("token", "late")))
	transport.EmitUnfiltered(portaltest.ResponseSignal(path, 0, portaltest.Strings("token", "late")))
	flush(t, tracker, transport)

	_, err = r.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, StateCancelled, r.State())
}

func TestTracker_WaitContextCancelled(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t, WithCloseOnCancel())
	transport.Handle(closeMethod, func(ctx context.Context, call portaltest.Call) ([]interface{}, error) {
		return nil, nil
	})

	path := PredictPath(transport.UniqueName(), "tok")
	r, err := tracker.Register(path)
	require.NoError(t, err)
	require.NoError(t, r.Issued(path))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateCancelled, r.State())

	closes := transport.CallsTo(closeMethod)
	require.Len(t, closes, 1)
	assert.Equal(t, path, closes[0].Path)
}

func TestTracker_CancelIsLocalByDefault(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	path := PredictPath(transport.UniqueName(), "tok")
	r, err := tracker.Register(path)
	require.NoError(t, err)

	require.True(t, r.Cancel())
	assert.Empty(t, transport.Calls())
}

func TestTracker_DuplicateWaiter(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	path := PredictPath(transport.UniqueName(), "tok")

	_, err := tracker.Register(path)
	require.NoError(t, err)

	_, err = tracker.Register(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateWaiter))
	assert.Equal(t, 1, tracker.Pending())
}

func TestTracker_ConnectionLost(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	path := PredictPath(transport.UniqueName(), "tok")
	r, err := tracker.Register(path)
	require.NoError(t, err)
	require.NoError(t, r.Issued(path))

	transport.Disconnect()

	_, err = r.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, bus.ErrConnectionLost))

	_, err = tracker.Register(PredictPath(transport.UniqueName(), "tok2"))
	assert.True(t, errors.Is(err, bus.ErrConnectionLost))
}

func TestTracker_CloseResolvesPending(t *testing.T) {
	t.Parallel()

	transport := portaltest.New()
	tracker := NewTracker(log.NewNopLogger(), transport)

	r, err := tracker.Register(PredictPath(transport.UniqueName(), "tok"))
	require.NoError(t, err)

	require.NoError(t, tracker.Close())
	require.NoError(t, tracker.Close())

	_, err = r.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, bus.ErrConnectionLost))
}

func TestTracker_RoutesByHandle(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)

	const n = 20
	requests := make([]*Request, n)
	for i := 0; i < n; i++ {
		path := PredictPath(transport.UniqueName(), fmt.Sprintf("tok%d", i))
		r, err := tracker.Register(path)
		require.NoError(t, err)
		require.NoError(t, r.Issued(path))
		requests[i] = r
	}

	// A response for someone else's request must not resolve anything.
	transport.EmitUnfiltered(portaltest.ResponseSignal(
		PredictPath(":1.99", "tok0"), 0, portaltest.Strings("token", "stranger"),
	))

	var g errgroup.Group
	for i := n - 1; i >= 0; i-- {
		i := i
		g.Go(func() error {
			resp, err := requests[i].Wait(waitCtx(t))
			if err != nil {
				return err
			}
			got, err := resp.Results.RequiredString("token")
			if err != nil {
				return err
			}
			if want := fmt.Sprintf("result%d", i); got != want {
				return fmt.Errorf("request %d got %q, want %q", i, got, want)
			}
			return nil
		})
	}

	for i := n - 1; i >= 0; i-- {
		require.True(t, transport.Respond(requests[i].Path(), 0, portaltest.Strings("token", fmt.Sprintf("result%d", i))))
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, 0, tracker.Pending())
	assert.Equal(t, 0, transport.Matches())
}

func TestTracker_RekeyToReturnedHandle(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	predicted := PredictPath(transport.UniqueName(), "tok")
	actual := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/legacy7")

	r, err := tracker.Register(predicted)
	require.NoError(t, err)
	require.NoError(t, r.Issued(actual))

	assert.Equal(t, actual, r.Path())
	assert.False(t, transport.Subscribed(predicted, Interface, "Response"))
	assert.True(t, transport.Subscribed(actual, Interface, "Response"))

	require.True(t, transport.Respond(actual, 0, nil))
	_, err = r.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestTracker_RekeyFailureReleasesPrediction(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	predicted := PredictPath(transport.UniqueName(), "tok")
	actual := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/legacy8")

	r, err := tracker.Register(predicted)
	require.NoError(t, err)

	// a closed connection refuses the match rule for the returned handle
	require.NoError(t, transport.Close())
	issueErr := r.Issued(actual)
	require.Error(t, issueErr)
	r.abandon(issueErr)

	assert.Equal(t, 0, tracker.Pending())
	assert.False(t, transport.Subscribed(predicted, Interface, "Response"))
	assert.Equal(t, 0, transport.Matches())
}

func TestTracker_RekeyCollision(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	first := PredictPath(transport.UniqueName(), "a")
	second := PredictPath(transport.UniqueName(), "b")

	_, err := tracker.Register(first)
	require.NoError(t, err)
	r, err := tracker.Register(second)
	require.NoError(t, err)

	err = r.Issued(first)
	assert.True(t, errors.Is(err, ErrDuplicateWaiter))
}

func TestTracker_ResponseBeforeReply(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)
	path := PredictPath(transport.UniqueName(), "fast")

	r, err := tracker.Register(path)
	require.NoError(t, err)

	require.True(t, transport.Respond(path, 0, portaltest.Strings("token", "early")))
	flush(t, tracker, transport)

	require.NoError(t, r.Issued(path))
	resp, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	tok, err := resp.Results.RequiredString("token")
	require.NoError(t, err)
	assert.Equal(t, "early", tok)
}

func TestTracker_Do(t *testing.T) {
	t.Parallel()

	tracker, transport := testTracker(t)

	resp, err := tracker.Do(waitCtx(t), "dotok", func(ctx context.Context) (dbus.ObjectPath, error) {
		path := PredictPath(transport.UniqueName(), "dotok")
		go transport.Respond(path, 0, portaltest.Strings("token", "done"))
		return path, nil
	})
	require.NoError(t, err)
	tok, err := resp.Results.RequiredString("token")
	require.NoError(t, err)
	assert.Equal(t, "done", tok)

	issueErr := errors.New("call failed")
	_, err = tracker.Do(waitCtx(t), "failtok", func(ctx context.Context) (dbus.ObjectPath, error) {
		return "", issueErr
	})
	assert.True(t, errors.Is(err, issueErr))
	assert.Equal(t, 0, tracker.Pending())
	assert.Equal(t, 0, transport.Matches())
}

func TestTracker_LogsDroppedResponses(t *testing.T) {
	t.Parallel()

	var logBytes bytes.Buffer
	transport := portaltest.New()
	tracker := NewTracker(log.NewLogfmtLogger(log.NewSyncWriter(&logBytes)), transport)
	defer tracker.Close()

	transport.EmitUnfiltered(portaltest.ResponseSignal(PredictPath(":1.7", "nobody"), 0, nil))
	flush(t, tracker, transport)
	tracker.Close()

	assert.Contains(t, logBytes.String(), "dropping response for unknown request")
}
