package provision

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/internal/browser"
	"github.com/xkilldash9x/trialkey-cli/internal/config"
	"github.com/xkilldash9x/trialkey-cli/internal/registration"
)

// BrowserOptions override the configured browser for one launch.
type BrowserOptions struct {
	Headless bool
	// DebugPort exposes DevTools on a fixed port when non-zero.
	DebugPort int
}

// Browser is a running browser that hands out pages.
type Browser interface {
	NewPage(ctx context.Context) (registration.Page, error)
	Done() <-chan struct{}
	Shutdown(ctx context.Context) error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context, opts BrowserOptions) (Browser, error)
}

// ChromeLauncher launches Chrome through browser.Manager.
type ChromeLauncher struct {
	Config            config.BrowserConfig
	NavigationTimeout time.Duration
	Logger            *zap.Logger
}

// Launch starts Chrome. The process lives until Shutdown or until ctx is done.
func (l ChromeLauncher) Launch(ctx context.Context, opts BrowserOptions) (Browser, error) {
	cfg := l.Config
	cfg.Headless = opts.Headless

	var mgrOpts []browser.Option
	if l.NavigationTimeout > 0 {
		mgrOpts = append(mgrOpts, browser.WithNavigationTimeout(l.NavigationTimeout))
	}
	if opts.DebugPort > 0 {
		mgrOpts = append(mgrOpts, browser.WithDebugPort(opts.DebugPort))
	}

	m, err := browser.NewManager(ctx, cfg, l.Logger, mgrOpts...)
	if err != nil {
		return nil, err
	}
	return chromeBrowser{Manager: m}, nil
}

type chromeBrowser struct {
	*browser.Manager
}

func (c chromeBrowser) NewPage(ctx context.Context) (registration.Page, error) {
	s, err := c.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}
