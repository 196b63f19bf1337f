// Package stealth makes an automated tab present as an ordinary browser
// session to the provider's bot checks.
package stealth

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/internal/config"
)

// evasionsScript runs before any page script in every new document.
const evasionsScript = `(() => {
  Object.defineProperty(Navigator.prototype, 'webdriver', { get: () => undefined, configurable: true });
  if (!window.chrome) { window.chrome = { runtime: {} }; }
})();`

// Persona is the browser identity presented to pages.
type Persona struct {
	UserAgent  string
	Languages  []string
	Locale     string
	TimezoneID string
}

// PersonaFromConfig builds the persona from the browser settings.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	return Persona{
		UserAgent:  cfg.UserAgent,
		Languages:  cfg.Languages,
		Locale:     cfg.Locale,
		TimezoneID: cfg.Timezone,
	}
}

// AcceptLanguage formats Languages as an Accept-Language value with
// descending quality, floored at 0.7.
func (p Persona) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(p.Languages[0])
	for i := 1; i < len(p.Languages); i++ {
		q := 1.0 - float64(i)*0.1
		if q < 0.7 {
			q = 0.7
		}
		fmt.Fprintf(&b, ",%s;q=%.1f", p.Languages[i], q)
	}
	return b.String()
}

// Apply returns the actions that install the persona on the current tab.
// Empty persona fields are left at the browser's defaults.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := logger.Named("stealth")
	acceptLanguage := p.AcceptLanguage()

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("stealth: failed to add script on new document: %w", err)
			}
			return nil
		}),
	}

	if p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(p.UserAgent)
		if acceptLanguage != "" {
			override = override.WithAcceptLanguage(acceptLanguage)
		}
		tasks = append(tasks, override)
	}
	if acceptLanguage != "" {
		tasks = append(tasks,
			network.Enable(),
			network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": acceptLanguage}),
		)
	}
	if p.TimezoneID != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.TimezoneID))
	}
	if locale := strings.ReplaceAll(p.Locale, "_", "-"); locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(locale))
	}

	l.Debug("Stealth persona prepared.",
		zap.String("user_agent", p.UserAgent),
		zap.String("accept_language", acceptLanguage),
		zap.Int("actions", len(tasks)),
	)
	return tasks
}
