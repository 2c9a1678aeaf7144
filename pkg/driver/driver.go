// Package driver owns the browser endpoint: launching or attaching to
// Chrome, holding the page-level session, and handing out frame sessions.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperbrowserai/cdpdrive/pkg/cdp"
	"github.com/hyperbrowserai/cdpdrive/pkg/config"
	"github.com/hyperbrowserai/cdpdrive/pkg/elements"
)

// Driver connects one logical client to one top-level page target.
type Driver struct {
	log *zap.Logger
	cfg *config.Config
	id  uuid.UUID

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc

	conn         *cdp.Conn
	page         *cdp.Session
	pageTargetID string

	mu            sync.Mutex
	frameSessions map[string]elements.Session
}

// New creates an unconnected driver.
func New(cfg *config.Config, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	id := uuid.New()
	return &Driver{
		log:           log.With(zap.String("driverId", id.String())),
		cfg:           cfg,
		id:            id,
		frameSessions: make(map[string]elements.Session),
	}
}

// ID returns the driver's identity used in logs.
func (d *Driver) ID() string {
	return d.id.String()
}

// Conn exposes the underlying transport.
func (d *Driver) Conn() *cdp.Conn {
	return d.conn
}

// Page returns the page-level session.
func (d *Driver) Page() *cdp.Session {
	return d.page
}

// Launch starts a local Chrome with the remote debugging port open and
// attaches to its first page target.
func (d *Driver) Launch(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", d.cfg.DebuggingPort)),
	)
	if d.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	d.allocCancel = allocCancel
	d.browserCancel = browserCancel

	// Run with no actions starts the process and keeps it alive.
	if err := chromedp.Run(browserCtx); err != nil {
		d.teardownBrowser()
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	d.log.Info("browser launched", zap.Int("debuggingPort", d.cfg.DebuggingPort))

	return d.Attach(ctx, fmt.Sprintf("http://127.0.0.1:%d", d.cfg.DebuggingPort))
}

// Attach connects to an already-running browser. The endpoint may be the
// debugger's HTTP base URL or a direct websocket URL.
func (d *Driver) Attach(ctx context.Context, endpoint string) error {
	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		discovered, err := discoverWebSocketURL(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("failed to discover websocket endpoint: %w", err)
		}
		wsURL = discovered
	}

	conn, err := cdp.Dial(ctx, wsURL, d.log)
	if err != nil {
		return err
	}
	d.conn = conn
	conn.OnClose(func(cause error) {
		d.log.Warn("transport closed", zap.Error(cause))
	})

	if err := d.attachPage(ctx); err != nil {
		_ = conn.Close()
		d.conn = nil
		return err
	}
	d.log.Info("attached to page target", zap.String("targetId", d.pageTargetID))
	return nil
}

// attachPage finds the first page target and opens a flattened session to it.
func (d *Driver) attachPage(ctx context.Context) error {
	raw, err := d.conn.RootSession().Send(ctx, "Target.getTargets", nil)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	var res cdp.GetTargetsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode target list: %w", err)
	}

	var pageTarget *cdp.TargetInfo
	for i := range res.TargetInfos {
		if res.TargetInfos[i].Type == "page" {
			pageTarget = &res.TargetInfos[i]
			break
		}
	}
	if pageTarget == nil {
		return errors.New("no page target available")
	}

	raw, err = d.conn.RootSession().Send(ctx, "Target.attachToTarget", &cdp.AttachToTargetParams{
		TargetID: pageTarget.TargetID,
		Flatten:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach to page target: %w", err)
	}
	var attach cdp.AttachToTargetResult
	if err := json.Unmarshal(raw, &attach); err != nil {
		return fmt.Errorf("failed to decode attach result: %w", err)
	}
	d.pageTargetID = pageTarget.TargetID
	d.page = d.conn.Session(attach.SessionID)
	return nil
}

// PageSession hands out the session for the whole page.
func (d *Driver) PageSession(context.Context) (elements.Session, error) {
	if d.page == nil {
		return nil, errors.New("driver not attached")
	}
	return d.page, nil
}

// FrameSession hands out a session scoped to one frame. Out-of-process
// frames get their own attached session; same-process frames share the
// page's session, which is what the attach failure means.
func (d *Driver) FrameSession(ctx context.Context, frameID string) (elements.Session, error) {
	if d.conn == nil || d.page == nil {
		return nil, errors.New("driver not attached")
	}

	d.mu.Lock()
	sess, ok := d.frameSessions[frameID]
	d.mu.Unlock()
	if ok {
		return sess, nil
	}

	raw, err := d.page.Send(ctx, "Target.attachToTarget", &cdp.AttachToTargetParams{
		TargetID: frameID,
		Flatten:  true,
	})
	if err != nil {
		d.log.Debug("frame has no own target, using page session",
			zap.String("frameId", frameID), zap.Error(err))
		sess = d.page
	} else {
		var attach cdp.AttachToTargetResult
		if err := json.Unmarshal(raw, &attach); err != nil {
			return nil, fmt.Errorf("failed to decode attach result: %w", err)
		}
		sess = d.conn.Session(attach.SessionID)
	}

	d.mu.Lock()
	d.frameSessions[frameID] = sess
	d.mu.Unlock()
	return sess, nil
}

// Navigate starts a navigation on the page and reports committed errors.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	if d.page == nil {
		return errors.New("driver not attached")
	}
	raw, err := d.page.Send(ctx, "Page.navigate", &cdp.NavigateParams{URL: url})
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	var res cdp.NavigateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode navigation result: %w", err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigation to %s failed: %s", url, res.ErrorText)
	}
	return nil
}

// Close shuts the transport down and, for a launched browser, stops the
// process.
func (d *Driver) Close() error {
	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	d.teardownBrowser()
	d.mu.Lock()
	d.frameSessions = make(map[string]elements.Session)
	d.mu.Unlock()
	return err
}

func (d *Driver) teardownBrowser() {
	if d.browserCancel != nil {
		d.browserCancel()
		d.browserCancel = nil
	}
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
	}
}

// discoverWebSocketURL asks the debugger's HTTP endpoint for the browser
// websocket URL.
func discoverWebSocketURL(ctx context.Context, baseURL string) (string, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", errors.New("debugger reported no webSocketDebuggerUrl")
	}
	return version.WebSocketDebuggerURL, nil
}
