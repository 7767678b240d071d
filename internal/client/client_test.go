package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/orbital/internal/wire"
)

// startFakeServer accepts a single connection and answers every request
// frame it reads by calling handler, looping until the connection closes.
func startFakeServer(t *testing.T, handler func(req wire.RequestBody) wire.ResponseBody) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			frame, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			var req wire.RequestBody
			if err := wire.DecodeBody(frame, &req); err != nil {
				return
			}
			resp := handler(req)
			body, _ := wire.EncodeBody(resp)
			if err := wire.WriteFrame(conn, wire.Frame{RequestID: frame.RequestID, Kind: wire.KindResponse, Body: body}); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, Jitter: 0.1}
}

func TestSendSucceedsAgainstLocalServer(t *testing.T) {
	addr := startFakeServer(t, func(req wire.RequestBody) wire.ResponseBody {
		return wire.OK([]byte("hello " + req.MessageType))
	})

	c := New(Options{Seeds: []string{addr}, Backoff: fastBackoff()})
	defer c.Close()

	resp, err := c.Send(context.Background(), "Counter", "a", "Ping", nil)
	require.NoError(t, err)
	require.Equal(t, "hello Ping", string(resp))
}

func TestSendFollowsRedirectWithinBudget(t *testing.T) {
	var second string
	first := startFakeServer(t, func(req wire.RequestBody) wire.ResponseBody {
		return wire.Redirect(second)
	})
	second = startFakeServer(t, func(req wire.RequestBody) wire.ResponseBody {
		return wire.OK([]byte("owner"))
	})

	c := New(Options{Seeds: []string{first}, RedirectBudget: 3, Backoff: fastBackoff()})
	defer c.Close()

	resp, err := c.Send(context.Background(), "Counter", "a", "Ping", nil)
	require.NoError(t, err)
	require.Equal(t, "owner", string(resp))
}

func TestSendFailsAfterExceedingRedirectBudget(t *testing.T) {
	addr := startFakeServer(t, func(req wire.RequestBody) wire.ResponseBody {
		return wire.Redirect("127.0.0.1:1") // always redirects, never resolves
	})

	c := New(Options{Seeds: []string{addr}, RedirectBudget: 2, Backoff: fastBackoff()})
	defer c.Close()

	_, err := c.Send(context.Background(), "Counter", "a", "Ping", nil)
	require.Error(t, err)
	var ie *wire.InternalError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, wire.CodeTooManyRedirects, ie.Code)
}

func TestSendRetriesOnBusyThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	addr := startFakeServer(t, func(req wire.RequestBody) wire.ResponseBody {
		if calls.Add(1) <= 2 {
			return wire.Busy()
		}
		return wire.OK([]byte("ok"))
	})

	c := New(Options{Seeds: []string{addr}, RetryBudget: 5, Backoff: fastBackoff()})
	defer c.Close()

	resp, err := c.Send(context.Background(), "Counter", "a", "Ping", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp))
	require.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestSendPropagatesUserError(t *testing.T) {
	addr := startFakeServer(t, func(req wire.RequestBody) wire.ResponseBody {
		return wire.UserErr("NotFound", []byte(`"missing"`))
	})

	c := New(Options{Seeds: []string{addr}, Backoff: fastBackoff()})
	defer c.Close()

	_, err := c.Send(context.Background(), "Counter", "a", "Ping", nil)
	require.Error(t, err)
	var ue *wire.UserError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "NotFound", ue.Type)
}

func TestSendWithNoSeedsAndNoCacheFails(t *testing.T) {
	c := New(Options{Backoff: fastBackoff()})
	defer c.Close()

	_, err := c.Send(context.Background(), "Counter", "a", "Ping", nil)
	require.Error(t, err)
}

func TestBackoffDurationStaysWithinBounds(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Cap: 100 * time.Millisecond, Jitter: 0.5}
	for attempt := 0; attempt < 10; attempt++ {
		d := b.Duration(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, b.Cap+time.Duration(float64(b.Cap)*b.Jitter))
	}
}
