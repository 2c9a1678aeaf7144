// Package actions executes semantic page interactions against resolved
// elements using raw input, DOM and runtime primitives.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperbrowserai/cdpdrive/pkg/cdp"
	"github.com/hyperbrowserai/cdpdrive/pkg/elements"
)

const (
	settleTimeout   = 400 * time.Millisecond
	settleStep      = 50 * time.Millisecond
	settleTolerance = 1.0 // px
)

// Box is an element's content box in viewport coordinates.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Center returns the box midpoint.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Context carries the resolved target of one action and, optionally, a
// bounding box the caller already knows.
type Context struct {
	Element *elements.ResolvedElement
	Box     *Box
}

// Args are the per-action parameters; each action reads only the fields it
// needs.
type Args struct {
	Text        string
	Value       string
	Key         string
	ClickCount  int
	CommitEnter bool
	Percent     float64
}

// Dispatcher performs one action per call and keeps no per-element state
// beyond the per-session domain-enable dedup.
type Dispatcher struct {
	log *zap.Logger

	mu      sync.Mutex
	enabled map[string]map[string]bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		log:     log,
		enabled: make(map[string]map[string]bool),
	}
}

// ForgetSession drops the domain-enable record for a detached session.
func (d *Dispatcher) ForgetSession(sessionID string) {
	d.mu.Lock()
	delete(d.enabled, sessionID)
	d.mu.Unlock()
}

// Dispatch runs the named action against the context's element.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, args Args, actx Context) error {
	if actx.Element == nil {
		return errors.New("no element in action context")
	}
	switch method {
	case "click":
		count := args.ClickCount
		if count < 1 {
			count = 1
		}
		return d.click(ctx, actx, count)
	case "doubleClick":
		return d.click(ctx, actx, 2)
	case "hover":
		return d.hover(ctx, actx)
	case "type":
		return d.typeText(ctx, actx, args)
	case "fill":
		return d.fill(ctx, actx, args.Value)
	case "press":
		return d.press(ctx, actx.Element, args.Key)
	case "check":
		return d.setChecked(ctx, actx.Element, true)
	case "uncheck":
		return d.setChecked(ctx, actx.Element, false)
	case "selectOption":
		return d.selectOption(ctx, actx.Element, args.Value)
	case "scrollToPercentage":
		return d.scrollToPercentage(ctx, actx, args.Percent)
	case "nextChunk":
		return d.scrollChunk(ctx, actx, 1)
	case "prevChunk":
		return d.scrollChunk(ctx, actx, -1)
	case "scrollToElement":
		return d.scrollToElement(ctx, actx)
	default:
		return fmt.Errorf("unknown action %q", method)
	}
}

// ensureDomain issues "<domain>.enable" once per session.
func (d *Dispatcher) ensureDomain(ctx context.Context, sess elements.Session, domain string) {
	key := sess.ID()
	d.mu.Lock()
	byDomain := d.enabled[key]
	if byDomain == nil {
		byDomain = make(map[string]bool)
		d.enabled[key] = byDomain
	}
	need := !byDomain[domain]
	byDomain[domain] = true
	d.mu.Unlock()
	if !need {
		return
	}
	if _, err := sess.Send(ctx, domain+".enable", nil); err != nil {
		d.log.Debug("domain enable failed",
			zap.String("domain", domain),
			zap.String("sessionId", key),
			zap.Error(err))
	}
}

func (d *Dispatcher) click(ctx context.Context, actx Context, count int) error {
	el := actx.Element
	d.ensureDomain(ctx, el.Session, "Input")

	if err := d.scrollIntoView(ctx, el); err != nil {
		return err
	}
	box, err := d.boundingBox(ctx, actx)
	if err != nil {
		return err
	}
	cx, cy := box.Center()

	if _, err := el.Session.Send(ctx, "Input.dispatchMouseEvent", &cdp.DispatchMouseEventParams{
		Type: "mouseMoved", X: cx, Y: cy,
	}); err != nil {
		return fmt.Errorf("mouse move failed: %w", err)
	}
	for i := 1; i <= count; i++ {
		if _, err := el.Session.Send(ctx, "Input.dispatchMouseEvent", &cdp.DispatchMouseEventParams{
			Type: "mousePressed", X: cx, Y: cy, Button: "left", ClickCount: i,
		}); err != nil {
			return fmt.Errorf("mouse press failed: %w", err)
		}
		if _, err := el.Session.Send(ctx, "Input.dispatchMouseEvent", &cdp.DispatchMouseEventParams{
			Type: "mouseReleased", X: cx, Y: cy, Button: "left", ClickCount: i,
		}); err != nil {
			return fmt.Errorf("mouse release failed: %w", err)
		}
	}
	return nil
}

// hover moves the pointer to the element's center without pressing. The
// scroll is best-effort: an unscrollable element can still be hovered when
// its box is in the viewport.
func (d *Dispatcher) hover(ctx context.Context, actx Context) error {
	el := actx.Element
	d.ensureDomain(ctx, el.Session, "Input")

	if err := d.scrollIntoView(ctx, el); err != nil {
		d.log.Debug("hover scroll failed", zap.Error(err))
	}
	box, err := d.boundingBox(ctx, actx)
	if err != nil {
		return err
	}
	cx, cy := box.Center()
	if _, err := el.Session.Send(ctx, "Input.dispatchMouseEvent", &cdp.DispatchMouseEventParams{
		Type: "mouseMoved", X: cx, Y: cy,
	}); err != nil {
		return fmt.Errorf("hover move failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) typeText(ctx context.Context, actx Context, args Args) error {
	el := actx.Element
	d.ensureDomain(ctx, el.Session, "Input")

	if _, err := el.Session.Send(ctx, "DOM.focus", &cdp.FocusParams{BackendNodeID: el.BackendNodeID}); err != nil {
		return fmt.Errorf("focus failed: %w", err)
	}
	if args.Text != "" {
		if _, err := el.Session.Send(ctx, "Input.insertText", &cdp.InsertTextParams{Text: args.Text}); err != nil {
			return fmt.Errorf("insert text failed: %w", err)
		}
	} else if !args.CommitEnter {
		return nil
	}
	if args.CommitEnter {
		return d.press(ctx, el, "Enter")
	}
	return nil
}

// fill asks the in-page helper whether the value can be written through the
// native setter; when the input needs real keystrokes, existing content is
// selected and then replaced (or deleted for an empty value).
func (d *Dispatcher) fill(ctx context.Context, actx Context, value string) error {
	el := actx.Element
	d.ensureDomain(ctx, el.Session, "Runtime")

	res, err := d.callOnElement(ctx, el, fillDecisionScript, value)
	if err != nil {
		return fmt.Errorf("fill helper failed: %w", err)
	}
	var decision struct {
		NeedsTyping bool `json:"needsTyping"`
	}
	if err := json.Unmarshal(res.Result.Value, &decision); err != nil {
		return fmt.Errorf("failed to decode fill decision: %w", err)
	}
	if !decision.NeedsTyping {
		return nil
	}

	d.ensureDomain(ctx, el.Session, "Input")
	if _, err := d.callOnElement(ctx, el, selectContentScript); err != nil {
		return fmt.Errorf("failed to select existing content: %w", err)
	}
	if value == "" {
		return d.press(ctx, el, "Delete")
	}
	if _, err := el.Session.Send(ctx, "Input.insertText", &cdp.InsertTextParams{Text: value}); err != nil {
		return fmt.Errorf("insert text failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) press(ctx context.Context, el *elements.ResolvedElement, key string) error {
	d.ensureDomain(ctx, el.Session, "Input")
	def := NormalizeKey(key)

	down := &cdp.DispatchKeyEventParams{
		Type:                  "keyDown",
		Key:                   def.Key,
		Code:                  def.Code,
		WindowsVirtualKeyCode: def.WindowsVirtualKeyCode,
		NativeVirtualKeyCode:  def.WindowsVirtualKeyCode,
	}
	if text, ok := def.producesText(); ok {
		down.Text = text
	}
	if _, err := el.Session.Send(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return fmt.Errorf("key down failed: %w", err)
	}
	up := &cdp.DispatchKeyEventParams{
		Type:                  "keyUp",
		Key:                   def.Key,
		Code:                  def.Code,
		WindowsVirtualKeyCode: def.WindowsVirtualKeyCode,
		NativeVirtualKeyCode:  def.WindowsVirtualKeyCode,
	}
	if _, err := el.Session.Send(ctx, "Input.dispatchKeyEvent", up); err != nil {
		return fmt.Errorf("key up failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) setChecked(ctx context.Context, el *elements.ResolvedElement, target bool) error {
	d.ensureDomain(ctx, el.Session, "Runtime")
	if _, err := d.callOnElement(ctx, el, setCheckedScript, target); err != nil {
		return fmt.Errorf("set checked failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) selectOption(ctx context.Context, el *elements.ResolvedElement, value string) error {
	d.ensureDomain(ctx, el.Session, "Runtime")
	res, err := d.callOnElement(ctx, el, selectOptionScript, value)
	if err != nil {
		return fmt.Errorf("select option failed: %w", err)
	}
	var outcome struct {
		Found    bool   `json:"found"`
		Selected string `json:"selected"`
	}
	if err := json.Unmarshal(res.Result.Value, &outcome); err != nil {
		return fmt.Errorf("failed to decode select outcome: %w", err)
	}
	if !outcome.Found {
		d.log.Warn("no option matched, fell back to first",
			zap.String("wanted", value),
			zap.String("selected", outcome.Selected))
	}
	return nil
}

func (d *Dispatcher) scrollToPercentage(ctx context.Context, actx Context, percent float64) error {
	el := actx.Element
	d.ensureDomain(ctx, el.Session, "Runtime")
	percent = math.Max(0, math.Min(100, percent))
	if _, err := d.callOnElement(ctx, el, scrollToPercentageScript, percent); err != nil {
		return fmt.Errorf("scroll to percentage failed: %w", err)
	}
	d.waitScrollSettled(ctx, el)
	return nil
}

func (d *Dispatcher) scrollChunk(ctx context.Context, actx Context, direction int) error {
	el := actx.Element
	d.ensureDomain(ctx, el.Session, "Runtime")
	if _, err := d.callOnElement(ctx, el, scrollChunkScript, direction); err != nil {
		return fmt.Errorf("chunk scroll failed: %w", err)
	}
	d.waitScrollSettled(ctx, el)
	return nil
}

func (d *Dispatcher) scrollToElement(ctx context.Context, actx Context) error {
	if err := d.scrollIntoView(ctx, actx.Element); err != nil {
		return err
	}
	d.waitScrollSettled(ctx, actx.Element)
	return nil
}

// scrollIntoView tries the browser-native scroll first and falls back to an
// in-page scrollIntoView call. When both fail the error reports both causes.
func (d *Dispatcher) scrollIntoView(ctx context.Context, el *elements.ResolvedElement) error {
	_, primaryErr := el.Session.Send(ctx, "DOM.scrollIntoViewIfNeeded", &cdp.ScrollIntoViewIfNeededParams{
		BackendNodeID: el.BackendNodeID,
	})
	if primaryErr == nil {
		return nil
	}
	d.ensureDomain(ctx, el.Session, "Runtime")
	_, fallbackErr := d.callOnElement(ctx, el, scrollIntoViewScript)
	if fallbackErr == nil {
		return nil
	}
	return fmt.Errorf("scroll into view failed: primary: %v; fallback: %v", primaryErr, fallbackErr)
}

// boundingBox prefers the caller-supplied box and otherwise reads the box
// model's content quad.
func (d *Dispatcher) boundingBox(ctx context.Context, actx Context) (Box, error) {
	if actx.Box != nil {
		return *actx.Box, nil
	}
	return d.fetchBox(ctx, actx.Element)
}

func (d *Dispatcher) fetchBox(ctx context.Context, el *elements.ResolvedElement) (Box, error) {
	raw, err := el.Session.Send(ctx, "DOM.getBoxModel", &cdp.GetBoxModelParams{BackendNodeID: el.BackendNodeID})
	if err != nil {
		return Box{}, fmt.Errorf("failed to get box model: %w", err)
	}
	var res cdp.GetBoxModelResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Box{}, fmt.Errorf("failed to decode box model: %w", err)
	}
	quad := res.Model.Content
	if len(quad) < 8 {
		return Box{}, errors.New("box model has no content quad")
	}
	minX, minY := quad[0], quad[1]
	for i := 2; i < 8; i += 2 {
		minX = math.Min(minX, quad[i])
		minY = math.Min(minY, quad[i+1])
	}
	return Box{X: minX, Y: minY, Width: res.Model.Width, Height: res.Model.Height}, nil
}

// waitScrollSettled polls the element's box until two consecutive samples
// agree within one pixel, or the window elapses. Sampling errors end the
// wait; settling is best-effort.
func (d *Dispatcher) waitScrollSettled(ctx context.Context, el *elements.ResolvedElement) {
	deadline := time.Now().Add(settleTimeout)
	prev, err := d.fetchBox(ctx, el)
	if err != nil {
		return
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(settleStep):
		}
		cur, err := d.fetchBox(ctx, el)
		if err != nil {
			return
		}
		if math.Abs(cur.X-prev.X) <= settleTolerance && math.Abs(cur.Y-prev.Y) <= settleTolerance {
			return
		}
		prev = cur
	}
}

func (d *Dispatcher) callOnElement(ctx context.Context, el *elements.ResolvedElement, decl string, args ...interface{}) (*cdp.CallFunctionOnResult, error) {
	callArgs := make([]cdp.CallArgument, len(args))
	for i, a := range args {
		callArgs[i] = cdp.CallArgument{Value: a}
	}
	raw, err := el.Session.Send(ctx, "Runtime.callFunctionOn", &cdp.CallFunctionOnParams{
		FunctionDeclaration: decl,
		ObjectID:            el.ObjectID,
		Arguments:           callArgs,
		ReturnByValue:       true,
	})
	if err != nil {
		return nil, err
	}
	var res cdp.CallFunctionOnResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode call result: %w", err)
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("in-page helper threw: %s", res.ExceptionDetails.Text)
	}
	return &res, nil
}
