// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/internal/browser/stealth"
	"github.com/xkilldash9x/trialkey-cli/internal/config"
)

const defaultStartupTimeout = 30 * time.Second

// Manager owns one Chrome process. Sessions are tabs opened in it.
type Manager struct {
	logger     *zap.Logger
	cfg        config.BrowserConfig
	navTimeout time.Duration
	debugPort  int

	// allocatorCtx manages the browser process. browserCtx is the first
	// chromedp context and keeps the browser alive between sessions.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	// wg tracks open sessions for a graceful shutdown.
	wg sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDebugPort exposes the DevTools endpoint on a fixed port so the browser
// can be inspected or attached to from outside.
func WithDebugPort(port int) Option {
	return func(m *Manager) { m.debugPort = port }
}

// WithNavigationTimeout bounds every Navigate call of sessions from this manager.
func WithNavigationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.navTimeout = d }
}

// NewManager launches the browser and verifies that it responds.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

// launchBrowser starts the process and navigates a blank page to confirm it is alive.
func (m *Manager) launchBrowser(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", m.cfg.Headless))

	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	startup := m.cfg.StartupTimeout
	if startup <= 0 {
		startup = defaultStartupTimeout
	}
	testCtx, cancelTest := context.WithTimeout(m.browserCtx, startup)
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// allocatorFlags resolves the Chrome command line flags layered on top of
// chromedp's defaults. A false boolean drops the flag.
func (m *Manager) allocatorFlags() map[string]any {
	flags := map[string]any{
		"enable-automation":         false,
		"headless":                  m.cfg.Headless,
		"ignore-certificate-errors": m.cfg.IgnoreTLSErrors,
		"disable-blink-features":    "AutomationControlled",
		"disable-gpu":               m.cfg.Headless,
	}
	if m.debugPort > 0 {
		flags["remote-debugging-port"] = fmt.Sprint(m.debugPort)
	}

	// Custom arguments from config.yaml.
	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")

		if len(parts) == 2 {
			flags[flagName] = parts[1]
		} else {
			flags[flagName] = true
		}
	}

	// Containers (e.g. Docker on Linux) need the sandbox disabled.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// buildAllocatorOptions assembles the allocator options from configuration.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)

	for name, value := range m.allocatorFlags() {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	if m.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(m.cfg.UserDataDir))
	}
	return opts
}

// NewSession opens a fresh tab. The caller must Close it.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser is no longer running: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	s := newSession(tabCtx, tabCancel, m.cfg.ActionTimeout, m.navTimeout, m.cfg.NetworkIdle, m.logger)

	// Creating the target happens on the first Run.
	setup := []chromedp.Action{network.Enable()}
	if m.cfg.Stealth {
		setup = append(setup, stealth.Apply(stealth.PersonaFromConfig(m.cfg), m.logger))
	}
	setup = append(setup, chromedp.Navigate("about:blank"))
	if err := s.RunActions(ctx, setup...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}
	chromedp.ListenTarget(tabCtx, s.network.handle)

	m.wg.Add(1)
	s.onClose = m.wg.Done

	m.logger.Debug("New browser session opened.")
	return s, nil
}

// Done is closed when the browser process goes away.
func (m *Manager) Done() <-chan struct{} {
	return m.browserCtx.Done()
}

// Shutdown waits for open sessions, respecting ctx, then stops the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for active sessions to complete...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Debug("All sessions have completed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		// Graceful close of the first context stops the browser process.
		closeCtx, cancel := context.WithTimeout(Detach(m.browserCtx), 5*time.Second)
		if err := chromedp.Cancel(closeCtx); err != nil && m.browserCtx.Err() == nil {
			m.logger.Debug("Graceful browser close failed.", zap.Error(err))
		}
		cancel()
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	m.logger.Info("Browser process stopped.")
	return nil
}
