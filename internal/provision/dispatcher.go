// Package provision wires the alias generator, ledger, registration machine,
// credential propagator and browser for a single invocation.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
	"github.com/xkilldash9x/trialkey-cli/internal/ledger"
	"github.com/xkilldash9x/trialkey-cli/internal/registration"
)

// Step names one unit of work the dispatcher can run.
type Step string

const (
	StepAliases       Step = "aliases"
	StepProvision     Step = "provision"
	StepLaunchBrowser Step = "launch-browser"
)

// Steps lists every selectable step.
var Steps = []Step{StepAliases, StepProvision, StepLaunchBrowser}

// legacySteps maps the short step names older scripts pass.
var legacySteps = map[string]Step{
	"ddg":    StepAliases,
	"sdio":   StepProvision,
	"chrome": StepLaunchBrowser,
}

// ErrNoCredential is returned when registration completes without a key.
var ErrNoCredential = errors.New("registration finished without a credential")

// ErrUnknownStep is returned by Dispatch for an unrecognized step.
var ErrUnknownStep = errors.New("unknown step")

// AliasSource issues disposable addresses.
type AliasSource interface {
	Generate(ctx context.Context, count int) ([]schemas.AliasRecord, error)
}

// AccountLedger is the part of the ledger the dispatcher drives directly.
type AccountLedger interface {
	LoadAll(ctx context.Context) ([]schemas.LedgerRow, error)
	AppendAliasRows(ctx context.Context, records []schemas.AliasRecord) (int, error)
	ClaimNext(ctx context.Context) (*ledger.Claim, error)
	Finalize(ctx context.Context, claim *ledger.Claim, result *schemas.ProvisioningResult) error
	Abandon(ctx context.Context, claim *ledger.Claim) error
}

// Registrar runs the registration flow against a page.
type Registrar interface {
	Run(ctx context.Context, page registration.Page, email string) (*schemas.ProvisioningResult, error)
}

// CredentialSink persists an extracted credential.
type CredentialSink interface {
	Persist(ctx context.Context, result *schemas.ProvisioningResult, claim *ledger.Claim, alsoUpdateSharedConfig bool) error
}

// Journal records finished runs.
type Journal interface {
	RecordRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, result *schemas.ProvisioningResult, runErr error) error
}

// Dependencies are the components a Dispatcher can use. Only the ones a step
// needs must be set.
type Dependencies struct {
	Aliases     AliasSource
	Ledger      AccountLedger
	Registrar   Registrar
	Credentials CredentialSink
	Launcher    Launcher
	Journal     Journal
}

// ProvisionOptions tune a single provisioning run.
type ProvisionOptions struct {
	// UseGenuineEmail claims the next available ledger alias and submits it.
	// Otherwise a generated address is submitted and appended as a new row.
	UseGenuineEmail    bool
	UpdateSharedConfig bool
	Headless           bool
}

// LaunchOptions tune the informational launch-browser step.
type LaunchOptions struct {
	DebugPort int
}

// Request carries the inputs of every step for Dispatch.
type Request struct {
	AliasCount int
	Provision  ProvisionOptions
	Launch     LaunchOptions
}

// Report summarizes a provisioning run.
type Report struct {
	RunID  uuid.UUID                   `json:"run_id"`
	Result *schemas.ProvisioningResult `json:"result"`
}

// Dispatcher runs exactly one step per call and owns the browser it opens.
type Dispatcher struct {
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over deps.
func NewDispatcher(deps Dependencies, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		deps:   deps,
		logger: logger.Named("dispatcher"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ParseStep validates a step name.
func ParseStep(name string) (Step, error) {
	for _, s := range Steps {
		if string(s) == name {
			return s, nil
		}
	}
	if s, ok := legacySteps[name]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w %q (want one of %v)", ErrUnknownStep, name, Steps)
}

// Dispatch runs the selected step.
func (d *Dispatcher) Dispatch(ctx context.Context, step Step, req Request) error {
	switch step {
	case StepAliases:
		_, err := d.RunAliases(ctx, req.AliasCount)
		return err
	case StepProvision:
		_, err := d.RunProvision(ctx, req.Provision)
		return err
	case StepLaunchBrowser:
		return d.LaunchBrowser(ctx, req.Launch)
	default:
		return fmt.Errorf("%w %q", ErrUnknownStep, step)
	}
}

// RunAliases generates count aliases and appends them to the ledger. The
// ledger must exist before any alias is requested. Aliases issued before a
// cancellation are still appended.
func (d *Dispatcher) RunAliases(ctx context.Context, count int) (int, error) {
	if d.deps.Aliases == nil || d.deps.Ledger == nil {
		return 0, errors.New("aliases step requires an alias source and a ledger")
	}
	if _, err := d.deps.Ledger.LoadAll(ctx); err != nil {
		return 0, err
	}

	records, genErr := d.deps.Aliases.Generate(ctx, count)
	if len(records) == 0 {
		return 0, genErr
	}

	appended, err := d.deps.Ledger.AppendAliasRows(context.WithoutCancel(ctx), records)
	if err != nil {
		return appended, errors.Join(genErr, fmt.Errorf("failed to append aliases: %w", err))
	}
	d.logger.Info("Aliases recorded.",
		zap.Int("requested", count),
		zap.Int("issued", len(records)),
		zap.Int("appended", appended),
	)
	return appended, genErr
}

// RunProvision registers one account. With UseGenuineEmail the next available
// ledger row is claimed first. A claim without a persisted credential is
// released if the form was never sent and abandoned otherwise.
func (d *Dispatcher) RunProvision(ctx context.Context, opts ProvisionOptions) (*Report, error) {
	if d.deps.Registrar == nil || d.deps.Credentials == nil || d.deps.Launcher == nil {
		return nil, errors.New("provision step requires a registrar, a credential sink and a browser launcher")
	}
	if opts.UseGenuineEmail && d.deps.Ledger == nil {
		return nil, errors.New("provisioning with a ledger alias requires a ledger")
	}

	report := &Report{RunID: uuid.New()}
	started := d.now()
	logger := d.logger.With(zap.String("run_id", report.RunID.String()))
	logger.Info("Starting provisioning run.", zap.Bool("use_genuine_email", opts.UseGenuineEmail))

	var claim *ledger.Claim
	email := ""
	if opts.UseGenuineEmail {
		c, err := d.deps.Ledger.ClaimNext(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to claim ledger alias: %w", err)
		}
		claim, email = c, c.Email
	}

	result, runErr := d.register(ctx, opts, email)
	report.Result = result
	defer func() { d.journal(ctx, logger, report.RunID, started, result, runErr) }()

	if runErr != nil {
		d.settleUnused(ctx, logger, claim, result)
		return report, runErr
	}
	if !result.HasCredential() {
		d.settleUnused(ctx, logger, claim, result)
		logger.Warn("Registration finished without a credential.", zap.String("email", result.Email))
		return report, ErrNoCredential
	}

	if err := d.deps.Credentials.Persist(context.WithoutCancel(ctx), result, claim, opts.UpdateSharedConfig); err != nil {
		d.settleUnused(ctx, logger, claim, result)
		runErr = fmt.Errorf("failed to persist credential: %w", err)
		return report, runErr
	}

	logger.Info("Provisioning run complete.",
		zap.String("email", result.Email),
		zap.Duration("duration", result.Duration),
	)
	return report, nil
}

// register opens a browser and a page, runs the machine and tears both down.
func (d *Dispatcher) register(ctx context.Context, opts ProvisionOptions, email string) (*schemas.ProvisioningResult, error) {
	b, err := d.deps.Launcher.Launch(ctx, BrowserOptions{Headless: opts.Headless})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	defer d.shutdown(ctx, b)

	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser page: %w", err)
	}
	defer func() {
		if err := page.Close(context.WithoutCancel(ctx)); err != nil {
			d.logger.Debug("Page close failed.", zap.Error(err))
		}
	}()

	return d.deps.Registrar.Run(ctx, page, email)
}

func (d *Dispatcher) shutdown(ctx context.Context, b Browser) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("Browser shutdown failed.", zap.Error(err))
	}
}

// settleUnused closes a claim that produced no persisted credential. An alias
// the provider may have seen is abandoned; otherwise it returns to the pool.
// It runs even after cancellation.
func (d *Dispatcher) settleUnused(ctx context.Context, logger *zap.Logger, claim *ledger.Claim, result *schemas.ProvisioningResult) {
	if claim == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	action := "release"
	var err error
	if result.SubmitAttempted() {
		action = "abandon"
		err = d.deps.Ledger.Abandon(ctx, claim)
	} else {
		err = d.deps.Ledger.Finalize(ctx, claim, nil)
	}
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrClaimFinalized):
		// Already settled by the credential sink.
	default:
		logger.Error("Failed to settle ledger claim.", zap.String("email", claim.Email), zap.String("action", action), zap.Error(err))
	}
}

func (d *Dispatcher) journal(ctx context.Context, logger *zap.Logger, runID uuid.UUID, started time.Time, result *schemas.ProvisioningResult, runErr error) {
	if d.deps.Journal == nil {
		return
	}
	if err := d.deps.Journal.RecordRun(context.WithoutCancel(ctx), runID, started, result, runErr); err != nil {
		logger.Warn("Failed to journal provisioning run.", zap.Error(err))
	}
}

// LaunchBrowser starts a headful browser with remote debugging enabled and
// keeps it open until ctx is done or the browser exits.
func (d *Dispatcher) LaunchBrowser(ctx context.Context, opts LaunchOptions) error {
	if d.deps.Launcher == nil {
		return errors.New("launch-browser step requires a browser launcher")
	}
	b, err := d.deps.Launcher.Launch(ctx, BrowserOptions{Headless: false, DebugPort: opts.DebugPort})
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer d.shutdown(ctx, b)

	d.logger.Info("Browser running. Press Ctrl+C to exit.", zap.Int("debug_port", opts.DebugPort))
	select {
	case <-ctx.Done():
		d.logger.Info("Closing browser.")
	case <-b.Done():
		d.logger.Info("Browser exited.")
	}
	return nil
}
