// internal/browser/manager_test.go
package browser

import (
	"runtime"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/trialkey-cli/internal/config"
)

func TestAllocatorFlags(t *testing.T) {
	t.Run("headful defaults", func(t *testing.T) {
		m := &Manager{cfg: config.BrowserConfig{Headless: false}}
		flags := m.allocatorFlags()

		assert.Equal(t, false, flags["enable-automation"], "automation banner is suppressed")
		assert.Equal(t, false, flags["headless"])
		assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
		assert.NotContains(t, flags, "remote-debugging-port")
	})

	t.Run("headless", func(t *testing.T) {
		m := &Manager{cfg: config.BrowserConfig{Headless: true, IgnoreTLSErrors: true}}
		flags := m.allocatorFlags()

		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["disable-gpu"])
		assert.Equal(t, true, flags["ignore-certificate-errors"])
	})

	t.Run("debug port", func(t *testing.T) {
		m := &Manager{}
		WithDebugPort(9222)(m)
		assert.Equal(t, "9222", m.allocatorFlags()["remote-debugging-port"])
	})

	t.Run("custom args", func(t *testing.T) {
		m := &Manager{cfg: config.BrowserConfig{Args: []string{"--window-size=1280,800", "--mute-audio", "lang=en-US"}}}
		flags := m.allocatorFlags()

		assert.Equal(t, "1280,800", flags["window-size"])
		assert.Equal(t, true, flags["mute-audio"])
		assert.Equal(t, "en-US", flags["lang"])
	})

	t.Run("linux sandbox flags", func(t *testing.T) {
		if runtime.GOOS != "linux" {
			t.Skip("linux only")
		}
		flags := (&Manager{}).allocatorFlags()
		assert.Equal(t, true, flags["no-sandbox"])
		assert.Equal(t, true, flags["disable-dev-shm-usage"])
	})
}

func TestBuildAllocatorOptions_ExtendsDefaults(t *testing.T) {
	m := &Manager{cfg: config.BrowserConfig{ExecPath: "/opt/chrome", UserDataDir: "/tmp/profile", UserAgent: "UA"}}
	opts := m.buildAllocatorOptions()
	// Defaults, one option per flag, then exec path, profile and user agent.
	assert.Len(t, opts, len(chromedp.DefaultExecAllocatorOptions)+len(m.allocatorFlags())+3)
}

func TestWithNavigationTimeout(t *testing.T) {
	m := &Manager{}
	WithNavigationTimeout(42)(m)
	assert.EqualValues(t, 42, m.navTimeout)
}
