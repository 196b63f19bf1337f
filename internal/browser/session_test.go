// internal/browser/session_test.go
package browser

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/trialkey-cli/internal/config"
)

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, `"NFL"`, xpathLiteral("NFL"))
	assert.Equal(t, `"News & Images"`, xpathLiteral("News & Images"))
	assert.Equal(t, `'say "hi"'`, xpathLiteral(`say "hi"`))
	assert.Equal(t, `concat("it's ", '"', "quoted", '"')`, xpathLiteral(`it's "quoted"`))
}

func TestXPathBuilders(t *testing.T) {
	assert.Equal(t, `//*[normalize-space(text())="Golf"]`, TextXPath("Golf"))
	assert.Equal(t,
		`//button[contains(normalize-space(.), "Continue")] | //input[@type="submit" and contains(@value, "Continue")]`,
		ButtonXPath("Continue"))
}

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "target"

	t.Run("inherits values from primary", func(t *testing.T) {
		ctx1 := context.WithValue(context.Background(), key, "tab")
		combined, cancel := CombineContext(ctx1, context.Background())
		defer cancel()

		assert.Equal(t, "tab", combined.Value(key))
		assert.NoError(t, combined.Err())
	})

	t.Run("cancelled by primary", func(t *testing.T) {
		ctx1, cancel1 := context.WithCancel(context.Background())
		combined, cancel := CombineContext(ctx1, context.Background())
		defer cancel()

		cancel1()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("cancelled by secondary", func(t *testing.T) {
		ctx2, cancel2 := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), ctx2)
		defer cancel()

		cancel2()
		assert.Eventually(t, func() bool { return combined.Err() != nil }, time.Second, 5*time.Millisecond)
	})
}

func TestDetach(t *testing.T) {
	type ctxKey string
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey("k"), "v"))
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	assert.Equal(t, "v", detached.Value(ctxKey("k")))
	_, ok := detached.Deadline()
	assert.False(t, ok)
}

// findChrome returns a Chrome binary or skips the test.
func findChrome(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("browser integration test skipped in short mode")
	}
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary found")
	return ""
}

const formPage = `<!doctype html>
<html><body>
<form action="/done" method="get">
  <input id="first" name="first">
  <input id="terms" type="checkbox" name="terms">
  <div class="tile">NFL</div>
  <a id="key" ng-click="vm.copy_api_key('0123456789abcdef0123456789abcdef')">copy</a>
  <button type="submit"> Continue </button>
</form>
<script>
  document.querySelector('.tile').addEventListener('click', function(e) { e.target.dataset.picked = 'yes'; });
</script>
</body></html>`

func TestSession_Integration(t *testing.T) {
	chromePath := findChrome(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, formPage)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body>"+r.URL.Query().Get("first")+"</body></html>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	m, err := NewManager(ctx, config.BrowserConfig{
		Headless:      true,
		ExecPath:      chromePath,
		ActionTimeout: 10 * time.Second,
	}, zaptest.NewLogger(t), WithNavigationTimeout(20*time.Second))
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	s, err := m.NewSession(ctx)
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background()) }()

	require.NoError(t, s.Navigate(ctx, server.URL+"/form"))
	require.NoError(t, s.Fill(ctx, "#first", "Ada"))
	require.NoError(t, s.Check(ctx, "#terms"))
	require.NoError(t, s.Check(ctx, "#terms"), "checking twice leaves the box checked")
	require.NoError(t, s.ClickText(ctx, "NFL"))

	picked, ok, err := s.Attribute(ctx, ".tile", "data-picked")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "yes", picked)

	attr, ok, err := s.Attribute(ctx, "a[ng-click^='vm.copy_api_key']", "ng-click")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, attr, "0123456789abcdef0123456789abcdef")

	require.NoError(t, s.ClickButton(ctx, "Continue"))
	require.NoError(t, s.WaitURL(ctx, server.URL+"/done?first=Ada&terms=on", 10*time.Second))

	err = s.WaitURL(ctx, server.URL+"/never", 300*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, s.Close(ctx))
	assert.NoError(t, s.Close(ctx), "close is idempotent")
}

const slowFormPage = `<!doctype html>
<html><body>
<form action="/slow" method="post">
  <input id="email" name="email">
  <button type="submit">Register</button>
</form>
</body></html>`

func TestSession_WaitSettledFollowsSubmit(t *testing.T) {
	chromePath := findChrome(t)

	const delay = 1500 * time.Millisecond
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, slowFormPage)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		http.Redirect(w, r, "/welcome", http.StatusSeeOther)
	})
	mux.HandleFunc("/welcome", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body><h1 id="welcome">Welcome</h1></body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	m, err := NewManager(ctx, config.BrowserConfig{
		Headless:      true,
		ExecPath:      chromePath,
		ActionTimeout: 10 * time.Second,
		NetworkIdle:   300 * time.Millisecond,
	}, zaptest.NewLogger(t), WithNavigationTimeout(20*time.Second))
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	s, err := m.NewSession(ctx)
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background()) }()

	require.NoError(t, s.Navigate(ctx, server.URL+"/register"))
	require.NoError(t, s.Fill(ctx, "#email", "quiet.otter@duck.com"))

	clicked := time.Now()
	require.NoError(t, s.ClickButton(ctx, "Register"))
	require.NoError(t, s.WaitSettled(ctx))
	assert.GreaterOrEqual(t, time.Since(clicked), delay, "settling waits for the form post")

	url, err := s.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/welcome", url, "the post-submit page is loaded once settled")

	_, ok, err := s.Attribute(ctx, "#welcome", "id")
	require.NoError(t, err)
	assert.True(t, ok)
}
