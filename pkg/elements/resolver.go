// Package elements turns encoded element ids into actionable protocol
// handles, healing stale backend node ids by replaying the element's
// recorded XPath.
package elements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperbrowserai/cdpdrive/pkg/cdp"
)

// Session is the protocol channel an element is bound to. *cdp.Session
// satisfies it; tests substitute scripted fakes.
type Session interface {
	ID() string
	Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// SessionProvider hands out sessions for the whole page or for one frame.
type SessionProvider interface {
	PageSession(ctx context.Context) (Session, error)
	FrameSession(ctx context.Context, frameID string) (Session, error)
}

// FrameInfo is the caller's snapshot metadata for one frame index.
type FrameInfo struct {
	FrameID            string
	ExecutionContextID int64
}

// ResolveContext carries the caller's lookup tables captured at DOM snapshot
// time: encoded id to backend node id, encoded id to XPath, and frame index
// to frame metadata.
type ResolveContext struct {
	BackendNodeIDs map[string]int64
	XPaths         map[string]string
	Frames         map[int]FrameInfo
	Sessions       SessionProvider
}

// ResolvedElement is a bound, actionable node handle inside its frame's
// session.
type ResolvedElement struct {
	Session       Session
	FrameID       string
	BackendNodeID int64
	ObjectID      string
}

// ParseEncodedID splits "<frameIndex>-<backendNodeId>" into its parts.
func ParseEncodedID(encodedID string) (int, int64, error) {
	idx := strings.Index(encodedID, "-")
	if idx <= 0 || idx == len(encodedID)-1 {
		return 0, 0, fmt.Errorf("malformed encoded element id %q", encodedID)
	}
	frameIndex, err := strconv.Atoi(encodedID[:idx])
	if err != nil || frameIndex < 0 {
		return 0, 0, fmt.Errorf("malformed frame index in encoded id %q", encodedID)
	}
	backendID, err := strconv.ParseInt(encodedID[idx+1:], 10, 64)
	if err != nil || backendID <= 0 {
		return 0, 0, fmt.Errorf("malformed backend node id in encoded id %q", encodedID)
	}
	return frameIndex, backendID, nil
}

type cacheEntry struct {
	backendNodeID int64
	element       *ResolvedElement
}

// Resolver owns a resolution cache scoped to one page lifetime. The caller
// invalidates it on navigation.
type Resolver struct {
	log *zap.Logger

	mu            sync.Mutex
	cache         map[string]*cacheEntry
	frameSessions map[string]Session
}

// NewResolver creates an empty resolver.
func NewResolver(log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		log:           log,
		cache:         make(map[string]*cacheEntry),
		frameSessions: make(map[string]Session),
	}
}

// InvalidateAll drops every cached resolution and frame session binding.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]*cacheEntry)
	r.frameSessions = make(map[string]Session)
	r.mu.Unlock()
}

// xpathLookupExpr evaluates a recorded XPath and yields the first matching
// node, or null on no match or evaluation error.
const xpathLookupExpr = `(() => {
	try {
		const r = document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
		return r.singleNodeValue;
	} catch (e) {
		return null;
	}
})()`

// Resolve turns an encoded id into a bound element handle. Repeated calls
// with an unchanged backend-node map return the cached handle; a changed map
// value means the caller re-captured the DOM, so the cache entry is dropped
// and resolution starts over.
func (r *Resolver) Resolve(ctx context.Context, encodedID string, rc ResolveContext) (*ResolvedElement, error) {
	frameIndex, _, err := ParseEncodedID(encodedID)
	if err != nil {
		return nil, err
	}

	mapped, hasMapped := rc.BackendNodeIDs[encodedID]

	r.mu.Lock()
	if entry, ok := r.cache[encodedID]; ok {
		// Absence is not disagreement: callers may pass partial tables, and
		// only a conflicting map value proves the DOM was re-captured.
		if !hasMapped || entry.backendNodeID == mapped {
			el := entry.element
			r.mu.Unlock()
			return el, nil
		}
		delete(r.cache, encodedID)
	}
	r.mu.Unlock()

	sess, info, err := r.frameSession(ctx, frameIndex, rc)
	if err != nil {
		return nil, err
	}

	backendID := mapped
	if !hasMapped {
		backendID, err = r.replayXPath(ctx, sess, encodedID, info, rc)
		if err != nil {
			return nil, err
		}
	}

	objectID, err := r.resolveNode(ctx, sess, backendID)
	if err != nil && isNoSuchNode(err) {
		// The backend id went stale under us: the browser recreated the
		// node while the XPath still addresses the same logical element.
		r.log.Debug("backend node id stale, replaying xpath",
			zap.String("encodedId", encodedID),
			zap.Int64("backendNodeId", backendID))
		backendID, err = r.replayXPath(ctx, sess, encodedID, info, rc)
		if err != nil {
			return nil, fmt.Errorf("stale node recovery for %s: %w", encodedID, err)
		}
		objectID, err = r.resolveNode(ctx, sess, backendID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve element %s: %w", encodedID, err)
	}

	el := &ResolvedElement{
		Session:       sess,
		FrameID:       info.FrameID,
		BackendNodeID: backendID,
		ObjectID:      objectID,
	}
	cachedBackend := backendID
	if hasMapped {
		cachedBackend = mapped
	}
	r.mu.Lock()
	r.cache[encodedID] = &cacheEntry{backendNodeID: cachedBackend, element: el}
	r.mu.Unlock()
	return el, nil
}

// frameSession picks the session for a frame index. Index 0 is always the
// page itself; any other index must have frame metadata, a miss is fatal so
// an action never silently lands on the wrong frame.
func (r *Resolver) frameSession(ctx context.Context, frameIndex int, rc ResolveContext) (Session, FrameInfo, error) {
	if rc.Sessions == nil {
		return nil, FrameInfo{}, errors.New("no session provider in resolve context")
	}
	info, hasInfo := rc.Frames[frameIndex]
	if frameIndex == 0 {
		sess, err := rc.Sessions.PageSession(ctx)
		if err != nil {
			return nil, FrameInfo{}, fmt.Errorf("failed to get page session: %w", err)
		}
		return sess, info, nil
	}
	if !hasInfo {
		return nil, FrameInfo{}, fmt.Errorf("no frame info for frame index %d", frameIndex)
	}

	r.mu.Lock()
	sess, ok := r.frameSessions[info.FrameID]
	r.mu.Unlock()
	if ok {
		return sess, info, nil
	}
	sess, err := rc.Sessions.FrameSession(ctx, info.FrameID)
	if err != nil {
		return nil, FrameInfo{}, fmt.Errorf("failed to get session for frame %s: %w", info.FrameID, err)
	}
	r.mu.Lock()
	r.frameSessions[info.FrameID] = sess
	r.mu.Unlock()
	return sess, info, nil
}

// replayXPath re-finds the element from its recorded XPath and returns a
// fresh backend node id. Every step failing is fatal; there is no retry
// inside the replay itself.
func (r *Resolver) replayXPath(ctx context.Context, sess Session, encodedID string, info FrameInfo, rc ResolveContext) (int64, error) {
	xpath, ok := rc.XPaths[encodedID]
	if !ok || xpath == "" {
		return 0, fmt.Errorf("no xpath recorded for element %s", encodedID)
	}

	quoted, err := json.Marshal(xpath)
	if err != nil {
		return 0, fmt.Errorf("failed to encode xpath: %w", err)
	}
	raw, err := sess.Send(ctx, "Runtime.evaluate", &cdp.EvaluateParams{
		Expression: fmt.Sprintf(xpathLookupExpr, quoted),
		ContextID:  info.ExecutionContextID,
	})
	if err != nil {
		return 0, fmt.Errorf("xpath evaluation failed for %s: %w", encodedID, err)
	}
	var eval cdp.EvaluateResult
	if err := json.Unmarshal(raw, &eval); err != nil {
		return 0, fmt.Errorf("failed to decode xpath evaluation result: %w", err)
	}
	if eval.ExceptionDetails != nil {
		return 0, fmt.Errorf("xpath evaluation threw for %s: %s", encodedID, eval.ExceptionDetails.Text)
	}
	if eval.Result.ObjectID == "" || eval.Result.Subtype == "null" {
		return 0, fmt.Errorf("xpath matched no node for element %s", encodedID)
	}
	objectID := eval.Result.ObjectID

	raw, err = sess.Send(ctx, "DOM.requestNode", &cdp.RequestNodeParams{ObjectID: objectID})
	if err != nil {
		r.releaseObject(ctx, sess, objectID)
		return 0, fmt.Errorf("failed to request node for %s: %w", encodedID, err)
	}
	var reqNode cdp.RequestNodeResult
	if err := json.Unmarshal(raw, &reqNode); err != nil {
		r.releaseObject(ctx, sess, objectID)
		return 0, fmt.Errorf("failed to decode requested node: %w", err)
	}
	if reqNode.NodeID == 0 {
		r.releaseObject(ctx, sess, objectID)
		return 0, fmt.Errorf("xpath replay produced no node id for %s", encodedID)
	}

	raw, err = sess.Send(ctx, "DOM.describeNode", &cdp.DescribeNodeParams{NodeID: reqNode.NodeID})
	r.releaseObject(ctx, sess, objectID)
	if err != nil {
		return 0, fmt.Errorf("failed to describe recovered node for %s: %w", encodedID, err)
	}
	var described cdp.DescribeNodeResult
	if err := json.Unmarshal(raw, &described); err != nil {
		return 0, fmt.Errorf("failed to decode described node: %w", err)
	}
	if described.Node.BackendNodeID == 0 {
		return 0, fmt.Errorf("recovered node has no backend id for %s", encodedID)
	}
	return described.Node.BackendNodeID, nil
}

func (r *Resolver) resolveNode(ctx context.Context, sess Session, backendID int64) (string, error) {
	raw, err := sess.Send(ctx, "DOM.resolveNode", &cdp.ResolveNodeParams{BackendNodeID: backendID})
	if err != nil {
		return "", err
	}
	var res cdp.ResolveNodeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("failed to decode resolved node: %w", err)
	}
	if res.Object.ObjectID == "" {
		return "", fmt.Errorf("backend node %d resolved to no object", backendID)
	}
	return res.Object.ObjectID, nil
}

// releaseObject drops an intermediate remote handle; failure is cosmetic.
func (r *Resolver) releaseObject(ctx context.Context, sess Session, objectID string) {
	if _, err := sess.Send(ctx, "Runtime.releaseObject", &cdp.ReleaseObjectParams{ObjectID: objectID}); err != nil {
		r.log.Debug("failed to release remote object", zap.Error(err))
	}
}

// isNoSuchNode classifies the protocol errors that mean the backend node id
// went stale. The structured -32000 check comes first; the message
// substrings stay as a fallback because some browser builds report the
// condition with only a message.
func isNoSuchNode(err error) bool {
	var cerr *cdp.Error
	if errors.As(err, &cerr) && cerr.Code != -32000 {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no node with given id") ||
		strings.Contains(msg, "no such node") ||
		strings.Contains(msg, "could not find node")
}
