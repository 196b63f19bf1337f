// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	defaultActionTimeout     = 15 * time.Second
	defaultNavigationTimeout = 60 * time.Second
	pollInterval             = 100 * time.Millisecond
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session is one browser tab. Every interaction waits for an explicit
// condition (element visible, document ready, URL match) instead of sleeping.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	actionTimeout time.Duration
	navTimeout    time.Duration
	networkIdle   time.Duration
	network       *networkWatcher

	closeOnce sync.Once
	onClose   func()
}

func newSession(ctx context.Context, cancel context.CancelFunc, actionTimeout, navTimeout, networkIdle time.Duration, logger *zap.Logger) *Session {
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	if navTimeout <= 0 {
		navTimeout = defaultNavigationTimeout
	}
	if networkIdle <= 0 {
		networkIdle = defaultNetworkIdle
	}
	logger = logger.Named("session")
	return &Session{
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
		actionTimeout: actionTimeout,
		navTimeout:    navTimeout,
		networkIdle:   networkIdle,
		network:       newNetworkWatcher(logger),
	}
}

// RunActions runs chromedp actions on the tab, bounded by ctx as well as the session lifetime.
func (s *Session) RunActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil {
		// Prefer the caller's error so timeouts and cancellation are recognizable.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.ctx.Err() != nil {
			return fmt.Errorf("session closed: %w", s.ctx.Err())
		}
	}
	return err
}

// act runs actions under the per-action timeout and labels failures.
func (s *Session) act(ctx context.Context, what string, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()

	if err := s.RunActions(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %v: %w", what, s.actionTimeout, err)
		}
		return fmt.Errorf("%s failed: %w", what, err)
	}
	return nil
}

// Navigate loads url and waits for the document to finish loading.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Info("Navigating session.", zap.String("url", url))

	navCtx, navCancel := context.WithTimeout(ctx, s.navTimeout)
	defer navCancel()

	if err := s.RunActions(navCtx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("navigation to %s timed out after %v: %w", url, s.navTimeout, err)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return s.WaitSettled(ctx)
}

// WaitSettled waits for the document to load, then for the network to stay
// quiet for the idle period, then for the document again. A click that starts
// a navigation is followed by the new page, not the one it left. Network
// activity that never quiets is given up on after the navigation timeout.
func (s *Session) WaitSettled(ctx context.Context) error {
	// The document may be replaced while this runs; the final wait decides.
	if err := s.waitDocument(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Document wait failed before network idle.", zap.Error(err))
	}

	idleCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	idleCtx, cancelIdle := context.WithTimeout(idleCtx, s.navTimeout)
	defer cancelIdle()

	if err := s.network.waitIdle(idleCtx, s.networkIdle); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.ctx.Err() != nil {
			return fmt.Errorf("session closed: %w", s.ctx.Err())
		}
		active, _ := s.network.state()
		s.logger.Debug("Network did not go idle, continuing.", zap.Int("inflight", active), zap.Error(err))
	}
	return s.waitDocument(ctx)
}

// waitDocument waits until the body exists and document.readyState is complete.
func (s *Session) waitDocument(ctx context.Context) error {
	var ready bool
	return s.act(ctx, "waiting for page to settle",
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Poll(`document.readyState === "complete"`, &ready,
			chromedp.WithPollingInterval(pollInterval),
			chromedp.WithPollingTimeout(s.actionTimeout),
		),
	)
}

// Fill replaces the value of the input matching selector.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	s.logger.Debug("Filling input.", zap.String("selector", selector), zap.Int("length", len(value)))
	return s.act(ctx, fmt.Sprintf("fill %q", selector),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Check ensures the checkbox or radio matching selector is checked.
func (s *Session) Check(ctx context.Context, selector string) error {
	s.logger.Debug("Checking input.", zap.String("selector", selector))

	var checked bool
	if err := s.act(ctx, fmt.Sprintf("read %q", selector),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.JavascriptAttribute(selector, "checked", &checked, chromedp.ByQuery),
	); err != nil {
		return err
	}
	if checked {
		return nil
	}
	return s.Click(ctx, selector)
}

// Click clicks the first visible element matching a CSS selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Attempting to click element.", zap.String("selector", selector))
	return s.act(ctx, fmt.Sprintf("click %q", selector),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// ClickText clicks the first visible element whose own normalized text equals text.
func (s *Session) ClickText(ctx context.Context, text string) error {
	return s.clickXPath(ctx, TextXPath(text))
}

// ClickButton clicks the first visible button whose label contains label.
func (s *Session) ClickButton(ctx context.Context, label string) error {
	return s.clickXPath(ctx, ButtonXPath(label))
}

func (s *Session) clickXPath(ctx context.Context, xpath string) error {
	s.logger.Debug("Attempting to click element.", zap.String("xpath", xpath))
	return s.act(ctx, fmt.Sprintf("click %s", xpath),
		chromedp.WaitVisible(xpath, chromedp.BySearch),
		chromedp.Click(xpath, chromedp.BySearch),
	)
}

// WaitURL waits until the location equals url, ignoring a trailing slash.
func (s *Session) WaitURL(ctx context.Context, url string, timeout time.Duration) error {
	want, err := json.Marshal(strings.TrimRight(url, "/"))
	if err != nil {
		return err
	}
	expr := fmt.Sprintf(`window.location.href.replace(/\/+$/, "") === %s`, want)

	waitCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	var matched bool
	err = s.RunActions(waitCtx, chromedp.Poll(expr, &matched,
		chromedp.WithPollingInterval(pollInterval),
		chromedp.WithPollingTimeout(timeout),
	))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("waiting for %s failed: %w", url, err)
	}
	return nil
}

// Attribute reads an attribute of the first element matching selector.
// ok is false when the element exists without the attribute.
func (s *Session) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := s.act(ctx, fmt.Sprintf("read %s of %q", name, selector),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery),
	)
	return value, ok, err
}

// CurrentURL returns the tab's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := s.act(ctx, "read location", chromedp.Location(&url))
	return url, err
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		alive := s.ctx.Err() == nil
		closeCtx, cancel := CombineContext(Detach(s.ctx), ctx)
		defer cancel()

		if cerr := chromedp.Cancel(closeCtx); cerr != nil && alive {
			err = fmt.Errorf("failed to close tab: %w", cerr)
		}
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
		s.logger.Debug("Browser session closed.")
	})
	return err
}

// TextXPath matches elements whose own text, whitespace-normalized, equals text.
func TextXPath(text string) string {
	return fmt.Sprintf(`//*[normalize-space(text())=%s]`, xpathLiteral(text))
}

// ButtonXPath matches buttons whose normalized label contains label.
func ButtonXPath(label string) string {
	lit := xpathLiteral(label)
	return fmt.Sprintf(`//button[contains(normalize-space(.), %s)] | //input[@type="submit" and contains(@value, %s)]`, lit, lit)
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if p != "" {
			quoted = append(quoted, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
