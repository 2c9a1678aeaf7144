package frames

import (
	"sort"
	"sync"
	"time"
)

// Record is the tracked state of one frame. Index is the stable integer
// namespace embedded in encoded element ids: assigned once, never reused.
type Record struct {
	FrameID            string    `json:"frameId"`
	ParentFrameID      string    `json:"parentFrameId,omitempty"`
	SessionID          string    `json:"sessionId,omitempty"`
	ExecutionContextID int64     `json:"executionContextId,omitempty"`
	BackendNodeID      int64     `json:"backendNodeId,omitempty"`
	Index              int       `json:"frameIndex"`
	LoaderID           string    `json:"loaderId,omitempty"`
	URL                string    `json:"url,omitempty"`
	Name               string    `json:"name,omitempty"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

const indexUnassigned = -1

// Graph is a pure in-memory index of frames by id and by assigned index.
// All I/O lives in the Manager; the graph only stores and looks up.
type Graph struct {
	mu        sync.Mutex
	byID      map[string]*Record
	byIndex   map[int]string
	nextIndex int
}

// NewGraph returns an empty frame graph.
func NewGraph() *Graph {
	return &Graph{
		byID:    make(map[string]*Record),
		byIndex: make(map[int]string),
	}
}

// Upsert merges the incoming record into the graph by frame id and bumps
// LastUpdated. Zero-valued incoming fields never erase known state, and the
// assigned index is never touched here.
func (g *Graph) Upsert(in Record) Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.byID[in.FrameID]
	if !ok {
		rec = &Record{FrameID: in.FrameID, Index: indexUnassigned}
		g.byID[in.FrameID] = rec
	}
	if in.ParentFrameID != "" {
		rec.ParentFrameID = in.ParentFrameID
	}
	if in.SessionID != "" {
		rec.SessionID = in.SessionID
	}
	if in.BackendNodeID != 0 {
		rec.BackendNodeID = in.BackendNodeID
	}
	if in.LoaderID != "" {
		rec.LoaderID = in.LoaderID
	}
	if in.URL != "" {
		rec.URL = in.URL
	}
	if in.Name != "" {
		rec.Name = in.Name
	}
	rec.LastUpdated = time.Now()
	return *rec
}

// AssignIndex gives the frame a stable index if it does not have one yet
// (first write wins) and returns the index. Indices are allocated from a
// running counter shared by snapshot traversal and live attach events, so
// they never collide or get reused.
func (g *Graph) AssignIndex(frameID string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.byID[frameID]
	if !ok {
		return indexUnassigned, false
	}
	if rec.Index != indexUnassigned {
		return rec.Index, true
	}
	rec.Index = g.nextIndex
	g.byIndex[rec.Index] = frameID
	g.nextIndex++
	return rec.Index, true
}

// Remove drops the frame and its reverse index entry. The index number
// itself stays burned: it is never handed out again.
func (g *Graph) Remove(frameID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byID[frameID]
	if !ok {
		return
	}
	if rec.Index != indexUnassigned {
		delete(g.byIndex, rec.Index)
	}
	delete(g.byID, frameID)
}

// ByID looks a frame up by its protocol frame id.
func (g *Graph) ByID(frameID string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byID[frameID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ByIndex looks a frame up by its assigned stable index.
func (g *Graph) ByIndex(index int) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byIndex[index]
	if !ok {
		return Record{}, false
	}
	return *g.byID[id], true
}

// SetExecutionContext binds the frame's default execution context id.
func (g *Graph) SetExecutionContext(frameID string, ctxID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byID[frameID]
	if !ok {
		return false
	}
	rec.ExecutionContextID = ctxID
	rec.LastUpdated = time.Now()
	return true
}

// ClearExecutionContext drops the frame's execution context binding.
func (g *Graph) ClearExecutionContext(frameID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.byID[frameID]; ok {
		rec.ExecutionContextID = 0
	}
}

// FramesForSession returns every frame bound to the given session id.
func (g *Graph) FramesForSession(sessionID string) []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Record
	for _, rec := range g.byID {
		if rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	return out
}

// Snapshot returns every frame ordered by index, for diagnostics.
func (g *Graph) Snapshot() []Record {
	g.mu.Lock()
	out := make([]Record, 0, len(g.byID))
	for _, rec := range g.byID {
		out = append(out, *rec)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
