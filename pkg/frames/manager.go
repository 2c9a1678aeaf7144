package frames

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperbrowserai/cdpdrive/pkg/cdp"
)

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateInitialized
)

// attachSetupTimeout bounds the protocol work done for a target that attaches
// after initialization; the attach handler itself never blocks on it.
const attachSetupTimeout = 10 * time.Second

// Manager tracks the frame tree of one top-level target: it builds the Graph
// from a frame-tree snapshot, keeps it current from live attach/detach,
// navigation and execution-context events, and binds every frame to the
// session that can talk to it.
type Manager struct {
	log   *zap.Logger
	conn  *cdp.Conn
	root  *cdp.Session
	graph *Graph

	subscribeOnce sync.Once

	mu             sync.Mutex
	state          initState
	initDone       chan struct{}
	initErr        error
	autoAttach     bool
	pageEnabled    map[string]bool
	runtimeEnabled map[string]bool
	waiters        map[string][]chan int64
	ctxOwner       map[int64]string
}

// NewManager creates a manager over the given top-level session. The root
// session is the one already attached to the page target.
func NewManager(conn *cdp.Conn, root *cdp.Session, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:            log,
		conn:           conn,
		root:           root,
		graph:          NewGraph(),
		pageEnabled:    make(map[string]bool),
		runtimeEnabled: make(map[string]bool),
		waiters:        make(map[string][]chan int64),
		ctxOwner:       make(map[int64]string),
	}
}

// Graph exposes the frame graph. The manager is its only writer.
func (m *Manager) Graph() *Graph {
	return m.graph
}

// GetFrameByIndex looks a frame up by its stable index.
func (m *Manager) GetFrameByIndex(index int) (Record, bool) {
	return m.graph.ByIndex(index)
}

// GetFrameByID looks a frame up by its protocol frame id.
func (m *Manager) GetFrameByID(frameID string) (Record, bool) {
	return m.graph.ByID(frameID)
}

// SessionForFrame returns the session bound to a tracked frame.
func (m *Manager) SessionForFrame(frameID string) (*cdp.Session, bool) {
	rec, ok := m.graph.ByID(frameID)
	if !ok {
		return nil, false
	}
	return m.conn.Session(rec.SessionID), true
}

// EnsureInitialized captures the frame tree and enables live tracking.
// Initialization runs once; concurrent callers share the in-flight attempt,
// and the initialized state is sticky.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateInitialized:
		m.mu.Unlock()
		return nil
	case stateInitializing:
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			err := m.initErr
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.state = stateInitializing
	m.initDone = make(chan struct{})
	done := m.initDone
	m.mu.Unlock()

	err := m.initialize(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = stateUninitialized
	} else {
		m.state = stateInitialized
	}
	m.initErr = err
	close(done)
	m.mu.Unlock()
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	// Subscribe before enabling auto-attach so no attach event is missed.
	m.subscribeOnce.Do(func() {
		m.root.On("Target.attachedToTarget", m.onAttachedToTarget)
		m.root.On("Target.detachedFromTarget", m.onDetachedFromTarget)
	})

	m.mu.Lock()
	needAutoAttach := !m.autoAttach
	m.mu.Unlock()
	if needAutoAttach {
		_, err := m.root.Send(ctx, "Target.setAutoAttach", &cdp.SetAutoAttachParams{
			AutoAttach:             true,
			WaitForDebuggerOnStart: false,
			Flatten:                true,
		})
		if err != nil {
			return fmt.Errorf("failed to enable auto-attach: %w", err)
		}
		// Latched only on success so a failed attempt is retried.
		m.mu.Lock()
		m.autoAttach = true
		m.mu.Unlock()
	}

	raw, err := m.root.Send(ctx, "Page.getFrameTree", nil)
	if err != nil {
		return fmt.Errorf("failed to fetch frame tree: %w", err)
	}
	var tree cdp.GetFrameTreeResult
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("failed to decode frame tree: %w", err)
	}
	m.traverseFrameTree(ctx, &tree.FrameTree, "")

	// Auto-attach can lag behind for already-present isolated frames;
	// attach those explicitly.
	raw, err = m.root.Send(ctx, "Target.getTargets", nil)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	var targets cdp.GetTargetsResult
	if err := json.Unmarshal(raw, &targets); err != nil {
		return fmt.Errorf("failed to decode target list: %w", err)
	}
	for _, ti := range targets.TargetInfos {
		if ti.Type != "iframe" || ti.Attached {
			continue
		}
		if err := m.attachFrameTarget(ctx, ti); err != nil {
			m.log.Warn("failed to attach frame target",
				zap.String("targetId", ti.TargetID), zap.Error(err))
		}
	}

	m.setupSession(ctx, m.root)
	return nil
}

// traverseFrameTree walks the snapshot depth-first, records every frame and
// binds it to the session the snapshot was taken on.
func (m *Manager) traverseFrameTree(ctx context.Context, node *cdp.FrameTree, parentID string) {
	f := node.Frame
	m.graph.Upsert(Record{
		FrameID:       f.ID,
		ParentFrameID: firstNonEmpty(f.ParentID, parentID),
		SessionID:     m.root.ID(),
		LoaderID:      f.LoaderID,
		URL:           f.URL,
		Name:          f.Name,
	})
	m.graph.AssignIndex(f.ID)

	if parentID != "" || f.ParentID != "" {
		// The owner element is cosmetic metadata; failure is fine.
		if owner, err := m.frameOwner(ctx, f.ID); err == nil && owner != 0 {
			m.graph.Upsert(Record{FrameID: f.ID, BackendNodeID: owner})
		} else if err != nil {
			m.log.Debug("frame owner lookup failed",
				zap.String("frameId", f.ID), zap.Error(err))
		}
	}

	for i := range node.ChildFrames {
		m.traverseFrameTree(ctx, &node.ChildFrames[i], f.ID)
	}
}

func (m *Manager) frameOwner(ctx context.Context, frameID string) (int64, error) {
	raw, err := m.root.Send(ctx, "DOM.getFrameOwner", &cdp.GetFrameOwnerParams{FrameID: frameID})
	if err != nil {
		return 0, err
	}
	var res cdp.GetFrameOwnerResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, err
	}
	return res.BackendNodeID, nil
}

func (m *Manager) attachFrameTarget(ctx context.Context, ti cdp.TargetInfo) error {
	raw, err := m.root.Send(ctx, "Target.attachToTarget", &cdp.AttachToTargetParams{
		TargetID: ti.TargetID,
		Flatten:  true,
	})
	if err != nil {
		return err
	}
	var res cdp.AttachToTargetResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}
	sess := m.conn.Session(res.SessionID)
	m.graph.Upsert(Record{
		FrameID:   ti.TargetID,
		SessionID: res.SessionID,
		URL:       ti.URL,
	})
	m.graph.AssignIndex(ti.TargetID)
	m.setupSession(ctx, sess)
	return nil
}

// setupSession subscribes the frame/runtime lifecycle handlers and enables
// the Page and Runtime domains, once per session. Handlers are registered
// before the enable call so the initial event burst is not missed.
func (m *Manager) setupSession(ctx context.Context, sess *cdp.Session) {
	key := sess.ID()

	m.mu.Lock()
	needPage := !m.pageEnabled[key]
	m.pageEnabled[key] = true
	needRuntime := !m.runtimeEnabled[key]
	m.runtimeEnabled[key] = true
	m.mu.Unlock()

	if needPage {
		sess.On("Page.frameAttached", m.frameAttachedHandler(key))
		sess.On("Page.frameDetached", m.onFrameDetached)
		sess.On("Page.frameNavigated", m.frameNavigatedHandler(key))
		if _, err := sess.Send(ctx, "Page.enable", nil); err != nil {
			m.log.Warn("Page.enable failed", zap.String("sessionId", key), zap.Error(err))
		}
	}
	if needRuntime {
		sess.On("Runtime.executionContextCreated", m.onExecutionContextCreated)
		sess.On("Runtime.executionContextDestroyed", m.onExecutionContextDestroyed)
		sess.On("Runtime.executionContextsCleared", m.contextsClearedHandler(key))
		if _, err := sess.Send(ctx, "Runtime.enable", nil); err != nil {
			m.log.Warn("Runtime.enable failed", zap.String("sessionId", key), zap.Error(err))
		}
	}
}

// onAttachedToTarget records the new frame and binds its session. The
// protocol calls needed to finish setup run off the event path so a slow or
// dead child target cannot stall event delivery.
func (m *Manager) onAttachedToTarget(params json.RawMessage) {
	var evt cdp.AttachedToTargetEvent
	if err := json.Unmarshal(params, &evt); err != nil {
		m.log.Warn("malformed attachedToTarget event", zap.Error(err))
		return
	}
	sess := m.conn.Session(evt.SessionID)
	m.graph.Upsert(Record{
		FrameID:       evt.TargetInfo.TargetID,
		ParentFrameID: evt.TargetInfo.OpenerFrameID,
		SessionID:     evt.SessionID,
		URL:           evt.TargetInfo.URL,
	})
	idx, _ := m.graph.AssignIndex(evt.TargetInfo.TargetID)
	m.log.Debug("frame target attached",
		zap.String("targetId", evt.TargetInfo.TargetID),
		zap.String("sessionId", evt.SessionID),
		zap.Int("frameIndex", idx))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("attach setup panicked", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), attachSetupTimeout)
		defer cancel()
		m.setupSession(ctx, sess)
	}()
}

// onDetachedFromTarget drops the bound session's frames from the graph. A
// late or malformed detach must not disturb tracking for other frames.
func (m *Manager) onDetachedFromTarget(params json.RawMessage) {
	var evt cdp.DetachedFromTargetEvent
	if err := json.Unmarshal(params, &evt); err != nil {
		m.log.Warn("malformed detachedFromTarget event", zap.Error(err))
		return
	}
	for _, rec := range m.graph.FramesForSession(evt.SessionID) {
		m.graph.Remove(rec.FrameID)
	}
	m.mu.Lock()
	delete(m.pageEnabled, evt.SessionID)
	delete(m.runtimeEnabled, evt.SessionID)
	m.mu.Unlock()
	m.log.Debug("frame target detached", zap.String("sessionId", evt.SessionID))
}

func (m *Manager) frameAttachedHandler(sessionID string) cdp.Handler {
	return func(params json.RawMessage) {
		var evt cdp.FrameAttachedEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			m.log.Warn("malformed frameAttached event", zap.Error(err))
			return
		}
		m.graph.Upsert(Record{
			FrameID:       evt.FrameID,
			ParentFrameID: evt.ParentFrameID,
			SessionID:     sessionID,
		})
		m.graph.AssignIndex(evt.FrameID)
	}
}

func (m *Manager) onFrameDetached(params json.RawMessage) {
	var evt cdp.FrameDetachedEvent
	if err := json.Unmarshal(params, &evt); err != nil {
		m.log.Warn("malformed frameDetached event", zap.Error(err))
		return
	}
	m.graph.Remove(evt.FrameID)
}

// frameNavigatedHandler refreshes loader id and url. The frame keeps its
// assigned index across navigations.
func (m *Manager) frameNavigatedHandler(sessionID string) cdp.Handler {
	return func(params json.RawMessage) {
		var evt cdp.FrameNavigatedEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			m.log.Warn("malformed frameNavigated event", zap.Error(err))
			return
		}
		f := evt.Frame
		m.graph.Upsert(Record{
			FrameID:       f.ID,
			ParentFrameID: f.ParentID,
			SessionID:     sessionID,
			LoaderID:      f.LoaderID,
			URL:           f.URL,
			Name:          f.Name,
		})
		m.graph.AssignIndex(f.ID)
	}
}

// onExecutionContextCreated binds default page contexts to their frame and
// wakes any waiters. Isolated worlds are ignored.
func (m *Manager) onExecutionContextCreated(params json.RawMessage) {
	var evt cdp.ExecutionContextCreatedEvent
	if err := json.Unmarshal(params, &evt); err != nil {
		m.log.Warn("malformed executionContextCreated event", zap.Error(err))
		return
	}
	aux := evt.Context.AuxData
	if aux.FrameID == "" {
		return
	}
	if !aux.IsDefault && aux.Type != "default" {
		return
	}
	m.graph.SetExecutionContext(aux.FrameID, evt.Context.ID)

	m.mu.Lock()
	m.ctxOwner[evt.Context.ID] = aux.FrameID
	waiting := m.waiters[aux.FrameID]
	delete(m.waiters, aux.FrameID)
	m.mu.Unlock()

	for _, ch := range waiting {
		ch <- evt.Context.ID
	}
}

func (m *Manager) onExecutionContextDestroyed(params json.RawMessage) {
	var evt cdp.ExecutionContextDestroyedEvent
	if err := json.Unmarshal(params, &evt); err != nil {
		m.log.Warn("malformed executionContextDestroyed event", zap.Error(err))
		return
	}
	m.mu.Lock()
	frameID, ok := m.ctxOwner[evt.ExecutionContextID]
	delete(m.ctxOwner, evt.ExecutionContextID)
	m.mu.Unlock()
	if ok {
		m.graph.ClearExecutionContext(frameID)
	}
}

func (m *Manager) contextsClearedHandler(sessionID string) cdp.Handler {
	return func(json.RawMessage) {
		for _, rec := range m.graph.FramesForSession(sessionID) {
			m.graph.ClearExecutionContext(rec.FrameID)
			m.mu.Lock()
			for id, owner := range m.ctxOwner {
				if owner == rec.FrameID {
					delete(m.ctxOwner, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// WaitForExecutionContext returns the frame's default execution context id,
// waiting up to timeout for it to appear. Contexts are created
// asynchronously relative to frame creation and some frames are torn down
// before ever getting one, so the wait is bounded and a miss is reported as
// ok=false rather than an error.
func (m *Manager) WaitForExecutionContext(ctx context.Context, frameID string, timeout time.Duration) (int64, bool) {
	if rec, ok := m.graph.ByID(frameID); ok && rec.ExecutionContextID != 0 {
		return rec.ExecutionContextID, true
	}

	ch := make(chan int64, 1)
	m.mu.Lock()
	m.waiters[frameID] = append(m.waiters[frameID], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-ch:
		return id, true
	case <-timer.C:
		m.removeWaiter(frameID, ch)
		return 0, false
	case <-ctx.Done():
		m.removeWaiter(frameID, ch)
		return 0, false
	}
}

func (m *Manager) removeWaiter(frameID string, ch chan int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiting := m.waiters[frameID]
	for i, w := range waiting {
		if w == ch {
			m.waiters[frameID] = append(waiting[:i:i], waiting[i+1:]...)
			break
		}
	}
	if len(m.waiters[frameID]) == 0 {
		delete(m.waiters, frameID)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
