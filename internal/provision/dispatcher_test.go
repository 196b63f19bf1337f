package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
	"github.com/xkilldash9x/trialkey-cli/internal/config"
	"github.com/xkilldash9x/trialkey-cli/internal/credential"
	"github.com/xkilldash9x/trialkey-cli/internal/ledger"
	"github.com/xkilldash9x/trialkey-cli/internal/registration"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testKey   = "0123456789abcdef0123456789abcdef"
	tsvHeader = "Email\tEmailCreatedAt\tSDApiKey\tSDApiKeyCreatedAt\tSDApiKeyStatus\tSDApiKeyExhaustedAt\n"
)

// -- Fakes --

type fakeAliases struct {
	records []schemas.AliasRecord
	err     error
	calls   int
	before  func()
}

func (f *fakeAliases) Generate(_ context.Context, count int) ([]schemas.AliasRecord, error) {
	f.calls++
	if f.before != nil {
		f.before()
	}
	return f.records, f.err
}

type fakePage struct {
	mu     sync.Mutex
	closed int
}

func (p *fakePage) Navigate(context.Context, string) error { return nil }
func (p *fakePage) WaitSettled(context.Context) error { return nil }
func (p *fakePage) Fill(context.Context, string, string) error { return nil }
func (p *fakePage) Check(context.Context, string) error { return nil }
func (p *fakePage) Click(context.Context, string) error { return nil }
func (p *fakePage) ClickText(context.Context, string) error { return nil }
func (p *fakePage) ClickButton(context.Context, string) error { return nil }
func (p *fakePage) WaitURL(context.Context, string, time.Duration) error { return nil }
func (p *fakePage) Attribute(context.Context, string, string) (string, bool, error) { return "", false, nil }
func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeBrowser struct {
	page     *fakePage
	done     chan struct{}
	shutdown int
}

func (b *fakeBrowser) NewPage(context.Context) (registration.Page, error) { return b.page, nil }
func (b *fakeBrowser) Done() <-chan struct{} { return b.done }
func (b *fakeBrowser) Shutdown(context.Context) error {
	b.shutdown++
	return nil
}

type fakeLauncher struct {
	browser  *fakeBrowser
	err      error
	launched []BrowserOptions
	onLaunch func()
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{browser: &fakeBrowser{page: &fakePage{}, done: make(chan struct{})}}
}

func (l *fakeLauncher) Launch(_ context.Context, opts BrowserOptions) (Browser, error) {
	l.launched = append(l.launched, opts)
	if l.onLaunch != nil {
		l.onLaunch()
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

// fakeRegistrar returns a fixed result for the submitted email. submitted
// records a sent registration form on the result.
type fakeRegistrar struct {
	key       string
	err       error
	submitted bool
	emails    []string
}

func (r *fakeRegistrar) Run(_ context.Context, _ registration.Page, email string) (*schemas.ProvisioningResult, error) {
	r.emails = append(r.emails, email)
	if email == "" {
		email = "generated@example.com"
	}
	at := time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)
	res := &schemas.ProvisioningResult{Email: email, AccountCreatedAt: at, APIKeyCreatedAt: at}
	if r.submitted {
		res.Steps = append(res.Steps, schemas.StepResult{
			Stage: schemas.StageFormSubmitted, Step: schemas.StepSubmit, Outcome: schemas.OutcomeSucceeded, Attempts: 1,
		})
	}
	if r.err != nil {
		return res, r.err
	}
	res.APIKey = r.key
	return res, nil
}

type journalEntry struct {
	runID  uuid.UUID
	result *schemas.ProvisioningResult
	err    error
}

type fakeJournal struct {
	entries []journalEntry
}

func (j *fakeJournal) RecordRun(_ context.Context, runID uuid.UUID, _ time.Time, result *schemas.ProvisioningResult, runErr error) error {
	j.entries = append(j.entries, journalEntry{runID: runID, result: result, err: runErr})
	return nil
}

// -- Fixture --

type fixture struct {
	dir        string
	ledgerPath string
	sharedPath string
	ledger     *ledger.Ledger
	launcher   *fakeLauncher
	registrar  *fakeRegistrar
	journal    *fakeJournal
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, ledgerContent string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:        dir,
		ledgerPath: filepath.Join(dir, "accounts.tsv"),
		sharedPath: filepath.Join(dir, ".env"),
		launcher:   newFakeLauncher(),
		registrar:  &fakeRegistrar{key: testKey, submitted: true},
		journal:    &fakeJournal{},
	}
	require.NoError(t, os.WriteFile(f.ledgerPath, []byte(ledgerContent), 0o600))
	require.NoError(t, os.WriteFile(f.sharedPath, []byte("OTHER=1\nPROVIDER_API_KEY=old\n"), 0o600))

	l, err := ledger.New(f.ledgerPath, zap.NewNop())
	require.NoError(t, err)
	f.ledger = l

	p, err := credential.NewPropagator(l, config.SharedConfigConfig{Path: f.sharedPath, Key: "PROVIDER_API_KEY"}, zap.NewNop())
	require.NoError(t, err)

	f.dispatcher = NewDispatcher(Dependencies{
		Ledger:      l,
		Registrar:   f.registrar,
		Credentials: p,
		Launcher:    f.launcher,
		Journal:     f.journal,
	}, zap.NewNop())
	return f
}

func (f *fixture) rows(t *testing.T) []schemas.LedgerRow {
	t.Helper()
	rows, err := f.ledger.LoadAll(context.Background())
	require.NoError(t, err)
	return rows
}

// -- Tests --

func TestParseStep(t *testing.T) {
	for name, want := range map[string]Step{
		"aliases":        StepAliases,
		"provision":      StepProvision,
		"launch-browser": StepLaunchBrowser,
		"ddg":            StepAliases,
		"sdio":           StepProvision,
		"chrome":         StepLaunchBrowser,
	} {
		s, err := ParseStep(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, s, name)
	}

	_, err := ParseStep("scan")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestDispatch_UnknownStep(t *testing.T) {
	d := NewDispatcher(Dependencies{}, nil)
	err := d.Dispatch(context.Background(), Step("bogus"), Request{})
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestRunAliases(t *testing.T) {
	f := newFixture(t, tsvHeader)
	now := time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)
	aliases := &fakeAliases{records: []schemas.AliasRecord{
		{Email: "one@duck.com", CreatedAt: now},
		{Email: "two@duck.com", CreatedAt: now},
	}}
	f.dispatcher.deps.Aliases = aliases

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), StepAliases, Request{AliasCount: 2}))

	rows := f.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, "one@duck.com", rows[0].Email)
	assert.True(t, rows[1].Available())
}

func TestRunAliases_MissingLedgerStopsBeforeRequests(t *testing.T) {
	f := newFixture(t, tsvHeader)
	require.NoError(t, os.Remove(f.ledgerPath))
	aliases := &fakeAliases{}
	f.dispatcher.deps.Aliases = aliases

	_, err := f.dispatcher.RunAliases(context.Background(), 3)
	var nf *schemas.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Zero(t, aliases.calls)

	_, statErr := os.Stat(f.ledgerPath)
	assert.True(t, os.IsNotExist(statErr), "the ledger is never created")
}

func TestRunAliases_AppendsIssuedAliasesOnCancellation(t *testing.T) {
	f := newFixture(t, tsvHeader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliases := &fakeAliases{
		records: []schemas.AliasRecord{{Email: "early@duck.com", CreatedAt: time.Now().UTC()}},
		err:     context.Canceled,
		before:  cancel,
	}
	f.dispatcher.deps.Aliases = aliases

	n, err := f.dispatcher.RunAliases(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "early@duck.com", rows[0].Email)
}

func TestRunProvision_GenuineEmail(t *testing.T) {
	f := newFixture(t, tsvHeader+
		"taken@duck.com\t2024-01-01T00:00:00Z\tk\t2024-01-02T00:00:00Z\tactive\t\n"+
		"free@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n")

	report, err := f.dispatcher.RunProvision(context.Background(), ProvisionOptions{
		UseGenuineEmail:    true,
		UpdateSharedConfig: true,
		Headless:           true,
	})
	require.NoError(t, err)
	require.NotNil(t, report.Result)

	assert.Equal(t, []string{"free@duck.com"}, f.registrar.emails, "the claimed alias is the one submitted")
	assert.Equal(t, "free@duck.com", report.Result.Email)

	rows := f.rows(t)
	require.Len(t, rows, 2, "the claimed row is updated in place")
	assert.Equal(t, schemas.KeyStatusActive, rows[1].APIKeyStatus)
	assert.Equal(t, testKey, rows[1].APIKey)

	shared, err := os.ReadFile(f.sharedPath)
	require.NoError(t, err)
	assert.Equal(t, "OTHER=1\nPROVIDER_API_KEY="+testKey+"\n", string(shared))

	require.Len(t, f.launcher.launched, 1)
	assert.True(t, f.launcher.launched[0].Headless)
	assert.Equal(t, 1, f.launcher.browser.shutdown)
	assert.Equal(t, 1, f.launcher.browser.page.closed)

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, report.RunID, f.journal.entries[0].runID)
	assert.NoError(t, f.journal.entries[0].err)
}

func TestRunProvision_GeneratedEmailAppendsRow(t *testing.T) {
	f := newFixture(t, tsvHeader+"free@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n")

	_, err := f.dispatcher.RunProvision(context.Background(), ProvisionOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{""}, f.registrar.emails)
	rows := f.rows(t)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Available(), "ledger aliases are untouched")
	assert.Equal(t, "generated@example.com", rows[1].Email)
	assert.Equal(t, schemas.KeyStatusActive, rows[1].APIKeyStatus)

	shared, err := os.ReadFile(f.sharedPath)
	require.NoError(t, err)
	assert.Contains(t, string(shared), "PROVIDER_API_KEY=old", "shared config only changes on request")
}

func TestRunProvision_FailureReleasesClaim(t *testing.T) {
	f := newFixture(t, tsvHeader+"free@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n")
	autoErr := &schemas.AutomationError{Stage: schemas.StageFormSubmitted, Step: "fill_email", Err: errors.New("timeout")}
	f.registrar.err = autoErr
	f.registrar.submitted = false

	report, err := f.dispatcher.RunProvision(context.Background(), ProvisionOptions{UseGenuineEmail: true})
	require.Error(t, err)
	var got *schemas.AutomationError
	assert.ErrorAs(t, err, &got)
	assert.NotNil(t, report.Result)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Available(), "an alias the provider never saw is released")
	assert.Equal(t, 1, f.launcher.browser.shutdown)

	require.Len(t, f.journal.entries, 1)
	assert.ErrorIs(t, f.journal.entries[0].err, autoErr)
}

func TestRunProvision_FailureAfterSubmitAbandonsClaim(t *testing.T) {
	f := newFixture(t, tsvHeader+"free@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n")
	f.registrar.err = &schemas.AutomationError{Stage: schemas.StageProductsSelected, Step: "navigate_trial", Err: errors.New("timeout")}

	_, err := f.dispatcher.RunProvision(context.Background(), ProvisionOptions{UseGenuineEmail: true})
	require.Error(t, err)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, schemas.KeyStatusAbandoned, rows[0].APIKeyStatus)
}

func TestRunProvision_NoCredentialAbandonsClaim(t *testing.T) {
	f := newFixture(t, tsvHeader+
		"free@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n"+
		"next@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n")
	f.registrar.key = ""
	before, err := os.ReadFile(f.sharedPath)
	require.NoError(t, err)

	opts := ProvisionOptions{UseGenuineEmail: true, UpdateSharedConfig: true}
	_, err = f.dispatcher.RunProvision(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoCredential)
	_, err = f.dispatcher.RunProvision(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoCredential)

	assert.Equal(t, []string{"free@duck.com", "next@duck.com"}, f.registrar.emails, "a submitted alias is never resubmitted")
	rows := f.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, schemas.KeyStatusAbandoned, rows[0].APIKeyStatus)
	assert.Equal(t, schemas.KeyStatusAbandoned, rows[1].APIKeyStatus)

	_, err = f.dispatcher.RunProvision(context.Background(), opts)
	var none *schemas.NoAvailableRecordError
	assert.ErrorAs(t, err, &none)

	after, err := os.ReadFile(f.sharedPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunProvision_PersistFailureAbandonsClaim(t *testing.T) {
	f := newFixture(t, tsvHeader+"free@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n")
	require.NoError(t, os.Remove(f.sharedPath))

	_, err := f.dispatcher.RunProvision(context.Background(), ProvisionOptions{UseGenuineEmail: true, UpdateSharedConfig: true})
	var nf *schemas.NotFoundError
	require.ErrorAs(t, err, &nf)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, schemas.KeyStatusAbandoned, rows[0].APIKeyStatus)
	require.Len(t, f.journal.entries, 1)
	assert.Error(t, f.journal.entries[0].err)
}

func TestRunProvision_NoAvailableAlias(t *testing.T) {
	f := newFixture(t, tsvHeader+"taken@duck.com\t2024-01-01T00:00:00Z\tk\t\tactive\t\n")

	_, err := f.dispatcher.RunProvision(context.Background(), ProvisionOptions{UseGenuineEmail: true})
	var none *schemas.NoAvailableRecordError
	require.ErrorAs(t, err, &none)
	assert.Empty(t, f.launcher.launched, "no browser is opened without an alias")
	assert.Empty(t, f.journal.entries)
}

func TestRunProvision_LaunchFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, tsvHeader+"free@duck.com\t2024-01-01T00:00:00Z\t\t\t\t\n")
	f.launcher.err = errors.New("chrome not found")

	_, err := f.dispatcher.RunProvision(context.Background(), ProvisionOptions{UseGenuineEmail: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
	assert.True(t, f.rows(t)[0].Available())
	assert.Empty(t, f.registrar.emails)
}

func TestLaunchBrowser(t *testing.T) {
	t.Run("runs until the context is cancelled", func(t *testing.T) {
		launcher := newFakeLauncher()
		d := NewDispatcher(Dependencies{Launcher: launcher}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		launcher.onLaunch = func() { time.AfterFunc(20*time.Millisecond, cancel) }

		err := d.Dispatch(ctx, StepLaunchBrowser, Request{Launch: LaunchOptions{DebugPort: 9333}})
		require.NoError(t, err)
		require.Len(t, launcher.launched, 1)
		assert.Equal(t, BrowserOptions{Headless: false, DebugPort: 9333}, launcher.launched[0])
		assert.Equal(t, 1, launcher.browser.shutdown)
	})

	t.Run("returns when the browser exits", func(t *testing.T) {
		launcher := newFakeLauncher()
		close(launcher.browser.done)
		d := NewDispatcher(Dependencies{Launcher: launcher}, nil)

		require.NoError(t, d.LaunchBrowser(context.Background(), LaunchOptions{DebugPort: 9222}))
		assert.Equal(t, 1, launcher.browser.shutdown)
	})
}
