// Package browser implements the automation surface on chromedp: the
// navigate/click/type primitives, screenshot capture, and the cheap
// observation call the engine makes before and after every action.
package browser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/webpilot/webpilot/internal/task"
)

// Options configures the Chrome surface.
type Options struct {
	Headless      bool
	ScreenshotDir string
	ActionTimeout time.Duration
	MaxElements   int
}

func DefaultOptions() Options {
	return Options{
		Headless:      true,
		ScreenshotDir: "screenshots",
		ActionTimeout: 60 * time.Second,
		MaxElements:   25,
	}
}

// Chrome drives one browser instance. The instance is created lazily on
// first use and stays open across actions within a run.
type Chrome struct {
	mu            sync.Mutex
	opts          Options
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	sanitizer     *bluemonday.Policy
}

func NewChrome(opts Options) *Chrome {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultOptions().ActionTimeout
	}
	if opts.MaxElements <= 0 {
		opts.MaxElements = DefaultOptions().MaxElements
	}
	return &Chrome{
		opts:      opts,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

func (c *Chrome) ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browserCtx != nil {
		select {
		case <-c.browserCtx.Done():
			c.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	return chromedp.Run(c.browserCtx)
}

func (c *Chrome) cleanup() {
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.browserCtx = nil
	c.allocCtx = nil
}

// Close shuts the browser down.
func (c *Chrome) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup()
}

func (c *Chrome) actionCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize browser: %v", err)
	}
	actionCtx, cancel := context.WithTimeout(c.browserCtx, c.opts.ActionTimeout)
	return actionCtx, cancel, nil
}

// Navigate loads the URL. Safe to retry: reloading the same URL is
// idempotent from the engine's perspective.
func (c *Chrome) Navigate(ctx context.Context, rawURL string) error {
	actionCtx, cancel, err := c.actionCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return chromedp.Run(actionCtx, chromedp.Navigate(rawURL))
}

// Back performs best-effort reverse navigation.
func (c *Chrome) Back(ctx context.Context) error {
	actionCtx, cancel, err := c.actionCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return chromedp.Run(actionCtx, chromedp.NavigateBack())
}

// ExecuteAction performs one normalized action. The boolean reports
// whether the primitive itself ran; whether the page actually changed is
// the engine's call to make by re-observing.
func (c *Chrome) ExecuteAction(ctx context.Context, action task.ProposedAction) (bool, error) {
	actionCtx, cancel, err := c.actionCtx(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	switch action.ActionKind() {
	case task.ActionClick:
		sel, by := locatorQuery(action)
		if sel == "" {
			return false, fmt.Errorf("click needs a locator or target text")
		}
		err = chromedp.Run(actionCtx, chromedp.Click(sel, by))

	case task.ActionType:
		if action.Locator == "" || action.Value == "" {
			return false, fmt.Errorf("type needs a locator and a value")
		}
		err = chromedp.Run(actionCtx,
			chromedp.Focus(action.Locator, chromedp.ByQuery),
			chromedp.SendKeys(action.Locator, action.Value, chromedp.ByQuery),
		)

	case task.ActionKeyboard:
		if action.Value == "" {
			return false, fmt.Errorf("keyboard needs a key")
		}
		err = chromedp.Run(actionCtx, chromedp.KeyEvent(keyChord(action.Value)))

	case task.ActionWait:
		if action.Locator != "" {
			err = chromedp.Run(actionCtx, chromedp.WaitVisible(action.Locator, chromedp.ByQuery))
		} else {
			select {
			case <-time.After(waitDuration(action.Value)):
			case <-actionCtx.Done():
				err = actionCtx.Err()
			}
		}

	case task.ActionScroll:
		if action.Locator != "" {
			err = chromedp.Run(actionCtx, chromedp.ScrollIntoView(action.Locator, chromedp.ByQuery))
		} else {
			err = chromedp.Run(actionCtx, chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil))
		}

	case task.ActionBack:
		err = chromedp.Run(actionCtx, chromedp.NavigateBack())

	case task.ActionDone:
		return true, nil

	default:
		return false, fmt.Errorf("unsupported action kind %q", action.Kind)
	}

	if err != nil {
		return false, err
	}
	return true, nil
}

// CaptureSnapshot writes a screenshot and returns its path.
func (c *Chrome) CaptureSnapshot(ctx context.Context) (string, error) {
	actionCtx, cancel, err := c.actionCtx(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	var buf []byte
	if err := chromedp.Run(actionCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.opts.ScreenshotDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(c.opts.ScreenshotDir, fmt.Sprintf("snapshot_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// CurrentObservation captures the page state: URL, title, a content
// fingerprint over the readable text (so rotating ads and chrome do not
// churn the hash), a sanitized excerpt, and the interactive elements.
func (c *Chrome) CurrentObservation(ctx context.Context) (task.Observation, error) {
	actionCtx, cancel, err := c.actionCtx(ctx)
	if err != nil {
		return task.Observation{}, err
	}
	defer cancel()

	var pageURL, title, html string
	var elements []task.ElementRef
	err = chromedp.Run(actionCtx,
		chromedp.Location(&pageURL),
		chromedp.Title(&title),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
		chromedp.Evaluate(elementScript(c.opts.MaxElements), &elements),
	)
	if err != nil {
		return task.Observation{}, err
	}

	text := readableText(html, pageURL)
	excerpt := c.sanitizer.Sanitize(text)
	if len(excerpt) > 2000 {
		excerpt = excerpt[:2000] + "\n... (truncated)"
	}

	sum := sha256.Sum256([]byte(text))
	return task.Observation{
		URL:         pageURL,
		ContentHash: hex.EncodeToString(sum[:]),
		Title:       title,
		Excerpt:     excerpt,
		Elements:    elements,
	}, nil
}

// readableText extracts the main content of the page. When readability
// cannot find an article (dashboards, forms) the raw HTML stripped of
// tags is the fallback so the fingerprint still tracks content.
func readableText(html, pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.TextContent
	}
	return bluemonday.StrictPolicy().Sanitize(html)
}

func elementScript(limit int) string {
	return fmt.Sprintf(`(() => {
		const out = [];
		const nodes = document.querySelectorAll('a, button, input, select, textarea, [role="button"]');
		for (const el of nodes) {
			if (out.length >= %d) break;
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 || rect.height === 0) continue;
			let selector = el.tagName.toLowerCase();
			if (el.id) selector += '#' + el.id;
			else if (el.name) selector += '[name="' + el.name + '"]';
			out.push({
				tag: el.tagName.toLowerCase(),
				text: (el.innerText || el.value || el.placeholder || '').trim().slice(0, 80),
				selector: selector,
			});
		}
		return out;
	})()`, limit)
}

// locatorQuery prefers an explicit CSS locator and falls back to
// matching the target text with an XPath search.
func locatorQuery(action task.ProposedAction) (string, chromedp.QueryOption) {
	if action.Locator != "" {
		return action.Locator, chromedp.ByQuery
	}
	if action.Target != "" {
		escaped := strings.ReplaceAll(action.Target, `"`, ``)
		return fmt.Sprintf(`//*[self::a or self::button or @role="button"][contains(normalize-space(.), "%s")]`, escaped), chromedp.BySearch
	}
	return "", chromedp.ByQuery
}

func keyChord(value string) string {
	switch strings.ToLower(value) {
	case "enter", "return":
		return "\r"
	case "tab":
		return "\t"
	case "escape", "esc":
		return "\x1b"
	default:
		return value
	}
}

func waitDuration(value string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
		if secs > 30 {
			secs = 30
		}
		return time.Duration(secs) * time.Second
	}
	return 2 * time.Second
}
