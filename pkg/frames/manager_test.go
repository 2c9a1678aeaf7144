package frames_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/hyperbrowserai/cdpdrive/pkg/cdp"
	"github.com/hyperbrowserai/cdpdrive/pkg/cdp/cdptest"
	"github.com/hyperbrowserai/cdpdrive/pkg/frames"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, server *cdptest.Server) (*frames.Manager, *cdp.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cdp.Dial(ctx, server.URL(), zap.NewNop())
	require.NoError(t, err)
	return frames.NewManager(conn, conn.RootSession(), zap.NewNop()), conn
}

func scriptFrameTree(server *cdptest.Server, tree cdp.FrameTree) {
	server.Handle("Page.getFrameTree", func(cdptest.Request) (interface{}, *cdp.Error) {
		return cdp.GetFrameTreeResult{FrameTree: tree}, nil
	})
}

func scriptTargets(server *cdptest.Server, infos ...cdp.TargetInfo) {
	server.Handle("Target.getTargets", func(cdptest.Request) (interface{}, *cdp.Error) {
		return cdp.GetTargetsResult{TargetInfos: infos}, nil
	})
}

func TestEnsureInitializedBuildsGraph(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	scriptFrameTree(server, cdp.FrameTree{
		Frame: cdp.Frame{ID: "root-frame", URL: "https://page.example"},
		ChildFrames: []cdp.FrameTree{
			{Frame: cdp.Frame{ID: "child-frame", ParentID: "root-frame", URL: "https://ad.example"}},
		},
	})
	scriptTargets(server, cdp.TargetInfo{
		TargetID: "oop-frame", Type: "iframe", URL: "https://widget.example",
	})
	server.Handle("Target.attachToTarget", func(cdptest.Request) (interface{}, *cdp.Error) {
		return cdp.AttachToTargetResult{SessionID: "oop-session"}, nil
	})
	server.Handle("DOM.getFrameOwner", func(cdptest.Request) (interface{}, *cdp.Error) {
		return cdp.GetFrameOwnerResult{BackendNodeID: 77}, nil
	})

	mgr, conn := newTestManager(t, server)
	defer conn.Close()

	require.NoError(t, mgr.EnsureInitialized(context.Background()))

	root, ok := mgr.GetFrameByIndex(0)
	require.True(t, ok)
	assert.Equal(t, "root-frame", root.FrameID)

	child, ok := mgr.GetFrameByID("child-frame")
	require.True(t, ok)
	assert.Equal(t, 1, child.Index)
	assert.Equal(t, "root-frame", child.ParentFrameID)
	assert.Equal(t, int64(77), child.BackendNodeID)

	oop, ok := mgr.GetFrameByID("oop-frame")
	require.True(t, ok)
	assert.Equal(t, 2, oop.Index)
	assert.Equal(t, "oop-session", oop.SessionID)

	assert.Equal(t, 1, server.CallCount("Target.setAutoAttach"))
}

func TestEnsureInitializedRunsOnce(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	scriptFrameTree(server, cdp.FrameTree{Frame: cdp.Frame{ID: "root-frame"}})
	scriptTargets(server)

	mgr, conn := newTestManager(t, server)
	defer conn.Close()

	require.NoError(t, mgr.EnsureInitialized(context.Background()))
	require.NoError(t, mgr.EnsureInitialized(context.Background()))

	assert.Equal(t, 1, server.CallCount("Page.getFrameTree"))
	assert.Equal(t, 1, server.CallCount("Target.setAutoAttach"))
	assert.Equal(t, 1, server.CallCount("Page.enable"))
	assert.Equal(t, 1, server.CallCount("Runtime.enable"))
}

func TestEnsureInitializedRetriesAutoAttachAfterFailure(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	scriptFrameTree(server, cdp.FrameTree{Frame: cdp.Frame{ID: "root-frame"}})
	scriptTargets(server)

	var attempts int
	server.Handle("Target.setAutoAttach", func(cdptest.Request) (interface{}, *cdp.Error) {
		attempts++
		if attempts == 1 {
			return nil, &cdp.Error{Code: -32000, Message: "transient failure"}
		}
		return struct{}{}, nil
	})

	mgr, conn := newTestManager(t, server)
	defer conn.Close()

	require.Error(t, mgr.EnsureInitialized(context.Background()))

	// The failed attempt must not latch auto-attach: the retry re-issues it.
	require.NoError(t, mgr.EnsureInitialized(context.Background()))
	assert.Equal(t, 2, server.CallCount("Target.setAutoAttach"))

	_, ok := mgr.GetFrameByIndex(0)
	assert.True(t, ok)
}

func TestAttachAndDetachEventsMaintainGraph(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	scriptFrameTree(server, cdp.FrameTree{Frame: cdp.Frame{ID: "root-frame"}})
	scriptTargets(server)

	mgr, conn := newTestManager(t, server)
	defer conn.Close()
	require.NoError(t, mgr.EnsureInitialized(context.Background()))

	require.NoError(t, server.SendEvent("Target.attachedToTarget", cdp.AttachedToTargetEvent{
		SessionID:  "late-session",
		TargetInfo: cdp.TargetInfo{TargetID: "late-frame", Type: "iframe", URL: "https://late.example"},
	}, ""))

	require.Eventually(t, func() bool {
		rec, ok := mgr.GetFrameByID("late-frame")
		return ok && rec.SessionID == "late-session" && rec.Index == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, server.SendEvent("Target.detachedFromTarget", cdp.DetachedFromTargetEvent{
		SessionID: "late-session", TargetID: "late-frame",
	}, ""))

	require.Eventually(t, func() bool {
		_, ok := mgr.GetFrameByID("late-frame")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// The burned index is never reassigned to a newcomer.
	require.NoError(t, server.SendEvent("Target.attachedToTarget", cdp.AttachedToTargetEvent{
		SessionID:  "next-session",
		TargetInfo: cdp.TargetInfo{TargetID: "next-frame", Type: "iframe"},
	}, ""))
	require.Eventually(t, func() bool {
		rec, ok := mgr.GetFrameByID("next-frame")
		return ok && rec.Index == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFrameNavigatedKeepsIndex(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	scriptFrameTree(server, cdp.FrameTree{Frame: cdp.Frame{ID: "root-frame", URL: "https://a.example"}})
	scriptTargets(server)

	mgr, conn := newTestManager(t, server)
	defer conn.Close()
	require.NoError(t, mgr.EnsureInitialized(context.Background()))

	require.NoError(t, server.SendEvent("Page.frameNavigated", cdp.FrameNavigatedEvent{
		Frame: cdp.Frame{ID: "root-frame", URL: "https://b.example", LoaderID: "loader-2"},
	}, ""))

	require.Eventually(t, func() bool {
		rec, ok := mgr.GetFrameByID("root-frame")
		return ok && rec.URL == "https://b.example"
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := mgr.GetFrameByID("root-frame")
	assert.Equal(t, 0, rec.Index)
	assert.Equal(t, "loader-2", rec.LoaderID)
}

func TestWaitForExecutionContext(t *testing.T) {
	server := cdptest.NewServer()
	defer server.Close()

	scriptFrameTree(server, cdp.FrameTree{Frame: cdp.Frame{ID: "root-frame"}})
	scriptTargets(server)

	mgr, conn := newTestManager(t, server)
	defer conn.Close()
	require.NoError(t, mgr.EnsureInitialized(context.Background()))

	// Isolated-world contexts never satisfy waiters.
	require.NoError(t, server.SendEvent("Runtime.executionContextCreated", cdp.ExecutionContextCreatedEvent{
		Context: cdp.ExecutionContextDescription{
			ID:      5,
			AuxData: cdp.ExecutionContextAuxData{FrameID: "root-frame", IsDefault: false, Type: "isolated"},
		},
	}, ""))

	id, ok := mgr.WaitForExecutionContext(context.Background(), "root-frame", 100*time.Millisecond)
	assert.False(t, ok)
	assert.Zero(t, id)

	// A waiter parked before the default context arrives is woken by it.
	type result struct {
		id int64
		ok bool
	}
	got := make(chan result, 1)
	go func() {
		id, ok := mgr.WaitForExecutionContext(context.Background(), "root-frame", 2*time.Second)
		got <- result{id, ok}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.SendEvent("Runtime.executionContextCreated", cdp.ExecutionContextCreatedEvent{
		Context: cdp.ExecutionContextDescription{
			ID:      9,
			AuxData: cdp.ExecutionContextAuxData{FrameID: "root-frame", IsDefault: true, Type: "default"},
		},
	}, ""))

	select {
	case r := <-got:
		assert.True(t, r.ok)
		assert.Equal(t, int64(9), r.id)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woken by context creation")
	}

	// Once recorded, the wait returns immediately.
	id, ok = mgr.WaitForExecutionContext(context.Background(), "root-frame", time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)

	// Destruction clears the binding and later waits time out again.
	require.NoError(t, server.SendEvent("Runtime.executionContextDestroyed", cdp.ExecutionContextDestroyedEvent{
		ExecutionContextID: 9,
	}, ""))
	require.Eventually(t, func() bool {
		rec, ok := mgr.GetFrameByID("root-frame")
		return ok && rec.ExecutionContextID == 0
	}, 2*time.Second, 10*time.Millisecond)
}
