package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/hyperbrowserai/cdpdrive/pkg/cdp"
	"github.com/hyperbrowserai/cdpdrive/pkg/cdp/cdptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dialTestConn(t *testing.T, server *cdptest.Server) *cdp.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cdp.Dial(ctx, server.URL(), zap.NewNop())
	require.NoError(t, err)
	return conn
}

func TestSendCorrelatesConcurrentCalls(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	server.Handle("Echo.one", func(req cdptest.Request) (interface{}, *cdp.Error) {
		return map[string]string{"value": "one"}, nil
	})
	server.Handle("Echo.two", func(req cdptest.Request) (interface{}, *cdp.Error) {
		return map[string]string{"value": "two"}, nil
	})

	conn := dialTestConn(t, server)
	defer conn.Close()
	root := conn.RootSession()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type reply struct {
		raw json.RawMessage
		err error
	}
	one := make(chan reply, 1)
	two := make(chan reply, 1)
	go func() {
		raw, err := root.Send(ctx, "Echo.one", nil)
		one <- reply{raw, err}
	}()
	go func() {
		raw, err := root.Send(ctx, "Echo.two", nil)
		two <- reply{raw, err}
	}()

	r1 := <-one
	r2 := <-two
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `{"value":"one"}`, string(r1.raw))
	assert.JSONEq(t, `{"value":"two"}`, string(r2.raw))
}

func TestSendSurfacesProtocolError(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	server.Handle("DOM.resolveNode", func(req cdptest.Request) (interface{}, *cdp.Error) {
		return nil, &cdp.Error{Code: -32000, Message: "No node with given id found"}
	})

	conn := dialTestConn(t, server)
	defer conn.Close()

	ctx := context.Background()
	_, err := conn.RootSession().Send(ctx, "DOM.resolveNode", nil)
	require.Error(t, err)

	var cerr *cdp.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, -32000, cerr.Code)
	assert.Equal(t, "-32000 No node with given id found", cerr.Error())
}

func TestEventRoutingSessionIsolation(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	conn := dialTestConn(t, server)
	defer conn.Close()

	rootEvents := make(chan json.RawMessage, 4)
	childEvents := make(chan json.RawMessage, 4)
	conn.RootSession().On("Page.frameNavigated", func(params json.RawMessage) {
		rootEvents <- params
	})
	conn.Session("child-1").On("Page.frameNavigated", func(params json.RawMessage) {
		childEvents <- params
	})

	require.NoError(t, server.SendEvent("Page.frameNavigated", map[string]string{"who": "child"}, "child-1"))
	require.NoError(t, server.SendEvent("Page.frameNavigated", map[string]string{"who": "root"}, ""))

	select {
	case params := <-childEvents:
		assert.JSONEq(t, `{"who":"child"}`, string(params))
	case <-time.After(2 * time.Second):
		t.Fatal("child session never received its event")
	}
	select {
	case params := <-rootEvents:
		assert.JSONEq(t, `{"who":"root"}`, string(params))
	case <-time.After(2 * time.Second):
		t.Fatal("root session never received its event")
	}

	// Neither session should have seen the other's event.
	assert.Empty(t, childEvents)
	assert.Empty(t, rootEvents)
}

func TestAttachedToTargetCreatesSessionBeforeDelivery(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	conn := dialTestConn(t, server)
	defer conn.Close()

	attached := make(chan cdp.AttachedToTargetEvent, 1)
	conn.RootSession().On("Target.attachedToTarget", func(params json.RawMessage) {
		var evt cdp.AttachedToTargetEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		attached <- evt
	})

	require.NoError(t, server.SendEvent("Target.attachedToTarget", cdp.AttachedToTargetEvent{
		SessionID:  "frame-session",
		TargetInfo: cdp.TargetInfo{TargetID: "frame-1", Type: "iframe"},
	}, ""))

	select {
	case evt := <-attached:
		assert.Equal(t, "frame-session", evt.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("attach event never delivered")
	}

	// The new session is registered: events addressed to it are delivered.
	got := make(chan struct{}, 1)
	conn.Session("frame-session").On("Runtime.executionContextCreated", func(json.RawMessage) {
		got <- struct{}{}
	})
	require.NoError(t, server.SendEvent("Runtime.executionContextCreated", map[string]any{}, "frame-session"))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("child session not registered after attach")
	}
}

func TestDetachedFromTargetRemovesSession(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	conn := dialTestConn(t, server)
	defer conn.Close()

	child := conn.Session("gone-session")

	detached := make(chan struct{}, 1)
	conn.RootSession().On("Target.detachedFromTarget", func(json.RawMessage) {
		detached <- struct{}{}
	})

	require.NoError(t, server.SendEvent("Target.detachedFromTarget", cdp.DetachedFromTargetEvent{
		SessionID: "gone-session",
	}, ""))

	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("detach event never delivered")
	}

	// A detached session refuses further sends.
	require.Eventually(t, func() bool {
		_, err := child.Send(context.Background(), "Runtime.enable", nil)
		return errors.Is(err, cdp.ErrDetached)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseRejectsPendingAndFailsLaterSends(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	server.Handle("Hang.forever", func(req cdptest.Request) (interface{}, *cdp.Error) {
		return cdptest.NoReply, nil
	})

	conn := dialTestConn(t, server)
	defer conn.Close()
	root := conn.RootSession()

	pending := make(chan error, 1)
	go func() {
		_, err := root.Send(context.Background(), "Hang.forever", nil)
		pending <- err
	}()

	require.Eventually(t, func() bool {
		return server.CallCount("Hang.forever") == 1
	}, 2*time.Second, 10*time.Millisecond)

	server.DropConnection()

	select {
	case err := <-pending:
		require.Error(t, err)
		assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
		assert.Contains(t, err.Error(), "Hang.forever")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never rejected after transport closure")
	}

	_, err := root.Send(context.Background(), "Page.enable", nil)
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
}

func TestCloseObserversFireExactlyOnce(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	conn := dialTestConn(t, server)

	var fired atomic.Int32
	notified := make(chan struct{}, 2)
	conn.OnClose(func(error) {
		fired.Add(1)
		notified <- struct{}{}
	})

	server.DropConnection()
	<-notified

	// A second closure path must not re-notify.
	_ = conn.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	// Late registration observes the stored cause immediately.
	late := make(chan error, 1)
	conn.OnClose(func(err error) { late <- err })
	select {
	case err := <-late:
		assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("late observer never notified")
	}
}

func TestSendHonorsContextCancellation(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	server.Handle("Hang.forever", func(req cdptest.Request) (interface{}, *cdp.Error) {
		return cdptest.NoReply, nil
	})

	conn := dialTestConn(t, server)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.RootSession().Send(ctx, "Hang.forever", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
