package cdp

import "encoding/json"

// Explicit structs for the protocol methods and events this module uses.
// Each call site decodes into one of these instead of a loose map so unknown
// shapes fail at the boundary.

// --- Target domain ---

// TargetInfo describes one attachable target.
type TargetInfo struct {
	TargetID       string `json:"targetId"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	Attached       bool   `json:"attached"`
	OpenerFrameID  string `json:"openerFrameId,omitempty"`
	BrowserContext string `json:"browserContextId,omitempty"`
}

// SetAutoAttachParams enables automatic session attachment to child targets.
type SetAutoAttachParams struct {
	AutoAttach             bool `json:"autoAttach"`
	WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
	Flatten                bool `json:"flatten"`
}

// GetTargetsResult lists the currently known targets.
type GetTargetsResult struct {
	TargetInfos []TargetInfo `json:"targetInfos"`
}

// AttachToTargetParams attaches a session to a specific target.
type AttachToTargetParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten"`
}

// AttachToTargetResult carries the new session id.
type AttachToTargetResult struct {
	SessionID string `json:"sessionId"`
}

// DetachFromTargetParams detaches an attached session.
type DetachFromTargetParams struct {
	SessionID string `json:"sessionId,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
}

// AttachedToTargetEvent fires when a session is attached to a target.
type AttachedToTargetEvent struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

// DetachedFromTargetEvent fires when a session is detached.
type DetachedFromTargetEvent struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// --- Page domain ---

// Frame is the protocol's frame description.
type Frame struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	LoaderID string `json:"loaderId,omitempty"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url"`
}

// FrameTree is the recursive frame snapshot returned by Page.getFrameTree.
type FrameTree struct {
	Frame       Frame       `json:"frame"`
	ChildFrames []FrameTree `json:"childFrames,omitempty"`
}

// GetFrameTreeResult wraps the full frame tree.
type GetFrameTreeResult struct {
	FrameTree FrameTree `json:"frameTree"`
}

// FrameAttachedEvent fires when a frame is attached to its parent.
type FrameAttachedEvent struct {
	FrameID       string `json:"frameId"`
	ParentFrameID string `json:"parentFrameId"`
}

// FrameDetachedEvent fires when a frame is detached.
type FrameDetachedEvent struct {
	FrameID string `json:"frameId"`
	Reason  string `json:"reason,omitempty"`
}

// FrameNavigatedEvent fires once navigation of a frame has committed.
type FrameNavigatedEvent struct {
	Frame Frame  `json:"frame"`
	Type  string `json:"type,omitempty"`
}

// NavigateParams starts a navigation on the session's frame.
type NavigateParams struct {
	URL string `json:"url"`
}

// NavigateResult reports the committed navigation.
type NavigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// --- DOM domain ---

// Node is the subset of the protocol node description this module reads.
type Node struct {
	NodeID        int64  `json:"nodeId"`
	BackendNodeID int64  `json:"backendNodeId"`
	NodeName      string `json:"nodeName"`
}

// GetFrameOwnerParams resolves the iframe element owning a child frame.
type GetFrameOwnerParams struct {
	FrameID string `json:"frameId"`
}

// GetFrameOwnerResult carries the owner element's ids.
type GetFrameOwnerResult struct {
	BackendNodeID int64 `json:"backendNodeId"`
	NodeID        int64 `json:"nodeId,omitempty"`
}

// DescribeNodeParams describes a node by any one of its identifiers.
type DescribeNodeParams struct {
	NodeID        int64  `json:"nodeId,omitempty"`
	BackendNodeID int64  `json:"backendNodeId,omitempty"`
	ObjectID      string `json:"objectId,omitempty"`
}

// DescribeNodeResult wraps the described node.
type DescribeNodeResult struct {
	Node Node `json:"node"`
}

// RequestNodeParams converts a remote object into a DOM node id.
type RequestNodeParams struct {
	ObjectID string `json:"objectId"`
}

// RequestNodeResult carries the node id.
type RequestNodeResult struct {
	NodeID int64 `json:"nodeId"`
}

// ResolveNodeParams resolves a backend node id to a remote object.
type ResolveNodeParams struct {
	BackendNodeID int64 `json:"backendNodeId,omitempty"`
	NodeID        int64 `json:"nodeId,omitempty"`
}

// ResolveNodeResult carries the resolved remote object.
type ResolveNodeResult struct {
	Object RemoteObject `json:"object"`
}

// ScrollIntoViewIfNeededParams scrolls a node into the viewport.
type ScrollIntoViewIfNeededParams struct {
	BackendNodeID int64  `json:"backendNodeId,omitempty"`
	ObjectID      string `json:"objectId,omitempty"`
}

// GetBoxModelParams fetches a node's box model.
type GetBoxModelParams struct {
	BackendNodeID int64  `json:"backendNodeId,omitempty"`
	ObjectID      string `json:"objectId,omitempty"`
}

// BoxModel is the protocol box model; quads are [x1,y1,...,x4,y4].
type BoxModel struct {
	Content []float64 `json:"content"`
	Width   float64   `json:"width"`
	Height  float64   `json:"height"`
}

// GetBoxModelResult wraps the box model.
type GetBoxModelResult struct {
	Model BoxModel `json:"model"`
}

// FocusParams focuses a node.
type FocusParams struct {
	BackendNodeID int64  `json:"backendNodeId,omitempty"`
	ObjectID      string `json:"objectId,omitempty"`
}

// --- Runtime domain ---

// RemoteObject is a handle or value living in the page.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ExceptionDetails reports a thrown exception during evaluation.
type ExceptionDetails struct {
	Text      string        `json:"text"`
	Exception *RemoteObject `json:"exception,omitempty"`
}

// EvaluateParams evaluates an expression in a frame's execution context.
type EvaluateParams struct {
	Expression    string `json:"expression"`
	ContextID     int64  `json:"contextId,omitempty"`
	ReturnByValue bool   `json:"returnByValue,omitempty"`
	AwaitPromise  bool   `json:"awaitPromise,omitempty"`
}

// EvaluateResult carries the evaluation outcome.
type EvaluateResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// CallArgument is one argument to Runtime.callFunctionOn. Value is always
// serialized: zero values like false and 0 are legitimate arguments.
type CallArgument struct {
	Value    interface{} `json:"value"`
	ObjectID string      `json:"objectId,omitempty"`
}

// CallFunctionOnParams invokes a function with `this` bound to an object.
type CallFunctionOnParams struct {
	FunctionDeclaration string         `json:"functionDeclaration"`
	ObjectID            string         `json:"objectId,omitempty"`
	Arguments           []CallArgument `json:"arguments,omitempty"`
	ReturnByValue       bool           `json:"returnByValue,omitempty"`
	AwaitPromise        bool           `json:"awaitPromise,omitempty"`
}

// CallFunctionOnResult carries the call outcome.
type CallFunctionOnResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// ReleaseObjectParams releases a remote object handle.
type ReleaseObjectParams struct {
	ObjectID string `json:"objectId"`
}

// ExecutionContextDescription describes a created execution context. AuxData
// carries `{frameId, isDefault, type}` for page contexts.
type ExecutionContextDescription struct {
	ID      int64                   `json:"id"`
	Origin  string                  `json:"origin,omitempty"`
	Name    string                  `json:"name,omitempty"`
	AuxData ExecutionContextAuxData `json:"auxData,omitempty"`
}

// ExecutionContextAuxData is the frame binding of an execution context.
type ExecutionContextAuxData struct {
	FrameID   string `json:"frameId"`
	IsDefault bool   `json:"isDefault"`
	Type      string `json:"type,omitempty"`
}

// ExecutionContextCreatedEvent fires when a context is created.
type ExecutionContextCreatedEvent struct {
	Context ExecutionContextDescription `json:"context"`
}

// ExecutionContextDestroyedEvent fires when a context is destroyed.
type ExecutionContextDestroyedEvent struct {
	ExecutionContextID int64 `json:"executionContextId"`
}

// --- Input domain ---

// DispatchMouseEventParams synthesizes one raw mouse event.
type DispatchMouseEventParams struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button,omitempty"`
	ClickCount int     `json:"clickCount,omitempty"`
	DeltaX     float64 `json:"deltaX,omitempty"`
	DeltaY     float64 `json:"deltaY,omitempty"`
}

// DispatchKeyEventParams synthesizes one raw key event.
type DispatchKeyEventParams struct {
	Type                  string `json:"type"`
	Key                   string `json:"key,omitempty"`
	Code                  string `json:"code,omitempty"`
	WindowsVirtualKeyCode int    `json:"windowsVirtualKeyCode,omitempty"`
	NativeVirtualKeyCode  int    `json:"nativeVirtualKeyCode,omitempty"`
	Text                  string `json:"text,omitempty"`
}

// InsertTextParams inserts text as if typed by the IME.
type InsertTextParams struct {
	Text string `json:"text"`
}
