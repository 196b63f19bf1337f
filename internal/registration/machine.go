// Package registration drives the provider's sign-up and onboarding flow
// through a Page, stage by stage, and extracts the issued API key.
package registration

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
	"github.com/xkilldash9x/trialkey-cli/internal/config"
)

// apiKeyPattern matches the quoted 32-hex key inside the copy action attribute.
var apiKeyPattern = regexp.MustCompile(`'([a-f0-9]{32})'`)

var (
	errNoKeyAttribute = errors.New("api key element has no attribute")
	errNoKeyMatch     = errors.New("no api key in attribute")
)

// ExtractAPIKey pulls the 32-hex credential out of an attribute value.
func ExtractAPIKey(attr string) (string, bool) {
	m := apiKeyPattern.FindStringSubmatch(attr)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// failurePolicy decides what a step's final failure means for the run.
type failurePolicy int

const (
	// abort stops the run with an AutomationError.
	abort failurePolicy = iota
	// skip records the step as skipped and continues.
	skip
	// degrade records the step as failed and continues.
	degrade
)

// Machine runs the registration stages in strict order. It holds no per-run
// state and may be reused sequentially.
type Machine struct {
	cfg    config.RegistrationConfig
	logger *zap.Logger
	faker  *gofakeit.Faker
	now    func() time.Time
}

// Option customizes a Machine.
type Option func(*Machine)

// WithFaker sets the generator used for registrant identities.
func WithFaker(f *gofakeit.Faker) Option {
	return func(m *Machine) { m.faker = f }
}

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine validates cfg and builds a Machine. A missing password is a ConfigurationError.
func NewMachine(cfg config.RegistrationConfig, logger *zap.Logger, opts ...Option) (*Machine, error) {
	if cfg.Password == "" {
		return nil, &schemas.ConfigurationError{Key: "registration.password", Reason: "set TRIALKEY_REGISTRATION_PASSWORD"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		cfg:    cfg,
		logger: logger.Named("registration"),
		faker:  gofakeit.New(0),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// run carries the state of one pass through the stages.
type run struct {
	m      *Machine
	page   Page
	result *schemas.ProvisioningResult
	stage  schemas.Stage
}

// Run registers one account. email is submitted as-is when non-empty,
// otherwise a generated address is used; the result records whichever was
// submitted. A required step failing returns the partial result with an
// AutomationError; the result never carries a key in that case.
func (m *Machine) Run(ctx context.Context, page Page, email string) (*schemas.ProvisioningResult, error) {
	start := time.Now()
	identity := NewIdentity(m.faker, email, m.cfg.EmailDomain)
	r := &run{
		m:      m,
		page:   page,
		result: &schemas.ProvisioningResult{Email: identity.Email},
		stage:  schemas.StageStart,
	}
	defer func() { r.result.Duration = time.Since(start) }()

	m.logger.Info("Starting registration.", zap.String("email", identity.Email))

	stages := []struct {
		stage schemas.Stage
		fn    func(context.Context) error
	}{
		{schemas.StageFormSubmitted, func(ctx context.Context) error { return r.submitForm(ctx, identity) }},
		{schemas.StageProductsSelected, r.selectProducts},
		{schemas.StageFeedsSelected, r.selectFeeds},
		{schemas.StageConsentConfirmed, r.confirmConsent},
		{schemas.StageKeyExtracted, r.extractKey},
		{schemas.StageDone, r.finish},
	}
	for _, s := range stages {
		r.stage = s.stage
		if err := s.fn(ctx); err != nil {
			r.result.APIKey = ""
			m.logger.Error("Registration aborted.", zap.String("stage", string(s.stage)), zap.Error(err))
			return r.result, err
		}
		m.logger.Debug("Stage complete.", zap.String("stage", string(s.stage)))
	}

	m.logger.Info("Registration finished.",
		zap.String("email", r.result.Email),
		zap.Bool("credential", r.result.HasCredential()),
	)
	return r.result, nil
}

func (r *run) submitForm(ctx context.Context, id Identity) error {
	sel := r.m.cfg.Selectors
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"navigate_register", func(ctx context.Context) error { return r.page.Navigate(ctx, r.m.cfg.RegisterURL) }},
		{"fill_first_name", func(ctx context.Context) error { return r.page.Fill(ctx, sel.FirstName, id.FirstName) }},
		{"fill_last_name", func(ctx context.Context) error { return r.page.Fill(ctx, sel.LastName, id.LastName) }},
		{"fill_email", func(ctx context.Context) error { return r.page.Fill(ctx, sel.Email, id.Email) }},
		{"fill_password", func(ctx context.Context) error { return r.page.Fill(ctx, sel.Password, r.m.cfg.Password) }},
		{"fill_confirm_password", func(ctx context.Context) error { return r.page.Fill(ctx, sel.ConfirmPassword, r.m.cfg.Password) }},
		{"accept_terms", func(ctx context.Context) error { return r.page.Check(ctx, sel.Terms) }},
		// Submitting twice could register twice, so a failed click is final.
		{schemas.StepSubmit, func(ctx context.Context) error {
			if err := r.page.Click(ctx, sel.Submit); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}},
		{"wait_settled", r.page.WaitSettled},
	}
	for _, s := range steps {
		if err := r.step(ctx, s.name, abort, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) selectProducts(ctx context.Context) error {
	if err := r.step(ctx, "navigate_trial", abort, func(ctx context.Context) error {
		return r.page.Navigate(ctx, r.m.cfg.TrialURL)
	}); err != nil {
		return err
	}
	return r.pickTiles(ctx, "league", r.m.cfg.Leagues)
}

func (r *run) selectFeeds(ctx context.Context) error {
	return r.pickTiles(ctx, "feed", r.m.cfg.Feeds)
}

// pickTiles clicks each tile by text and then advances. All of it is optional.
func (r *run) pickTiles(ctx context.Context, kind string, labels []string) error {
	for _, label := range labels {
		label := label
		if err := r.step(ctx, kind+":"+label, skip, func(ctx context.Context) error {
			return r.page.ClickText(ctx, label)
		}); err != nil {
			return err
		}
	}
	return r.step(ctx, "continue", skip, func(ctx context.Context) error {
		return r.page.ClickButton(ctx, r.m.cfg.Selectors.ContinueButton)
	})
}

func (r *run) confirmConsent(ctx context.Context) error {
	sel := r.m.cfg.Selectors
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"decline_assistance", func(ctx context.Context) error { return r.page.Check(ctx, sel.DeclineAssistance) }},
		{"reaccept_terms", func(ctx context.Context) error { return r.page.Check(ctx, sel.Terms) }},
		{"finish", func(ctx context.Context) error { return r.page.ClickButton(ctx, sel.FinishButton) }},
		{"wait_trial_landing", func(ctx context.Context) error {
			return r.page.WaitURL(ctx, r.m.cfg.TrialURL, r.m.cfg.FinishTimeout)
		}},
	}
	for _, s := range steps {
		if err := r.step(ctx, s.name, skip, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) extractKey(ctx context.Context) error {
	if err := r.step(ctx, "navigate_subscriptions", abort, func(ctx context.Context) error {
		return r.page.Navigate(ctx, r.m.cfg.SubscriptionsURL)
	}); err != nil {
		return err
	}

	sel := r.m.cfg.Selectors
	var key string
	err := r.step(ctx, "extract_api_key", degrade, func(ctx context.Context) error {
		attr, ok, err := r.page.Attribute(ctx, sel.APIKeyLink, sel.APIKeyAttribute)
		if err != nil {
			return err
		}
		if !ok {
			return backoff.Permanent(errNoKeyAttribute)
		}
		k, found := ExtractAPIKey(attr)
		if !found {
			return backoff.Permanent(errNoKeyMatch)
		}
		key = k
		return nil
	})

	// Both timestamps are the extraction time, with or without a key.
	at := r.m.now()
	r.result.AccountCreatedAt = at
	r.result.APIKeyCreatedAt = at
	r.result.APIKey = key
	return err
}

func (r *run) finish(ctx context.Context) error {
	return r.step(ctx, "close_page", skip, r.page.Close)
}

// step runs fn with exponential backoff and records its outcome. Only an
// abort-policy failure or cancellation is returned to the caller.
func (r *run) step(ctx context.Context, name string, policy failurePolicy, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		r.record(name, schemas.OutcomeFailed, 0, err)
		return err
	}

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, r.m.newBackOff(ctx), func(err error, wait time.Duration) {
		r.m.logger.Debug("Retrying step.",
			zap.String("stage", string(r.stage)),
			zap.String("step", name),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	if err == nil {
		r.record(name, schemas.OutcomeSucceeded, attempts, nil)
		return nil
	}
	if ctx.Err() != nil {
		r.record(name, schemas.OutcomeFailed, attempts, err)
		return ctx.Err()
	}

	switch policy {
	case skip:
		r.m.logger.Warn("Optional step skipped.", zap.String("stage", string(r.stage)), zap.String("step", name), zap.Error(err))
		r.record(name, schemas.OutcomeSkipped, attempts, err)
		return nil
	case degrade:
		r.m.logger.Warn("Step failed, continuing.", zap.String("stage", string(r.stage)), zap.String("step", name), zap.Error(err))
		r.record(name, schemas.OutcomeFailed, attempts, err)
		return nil
	default:
		r.record(name, schemas.OutcomeFailed, attempts, err)
		return &schemas.AutomationError{Stage: r.stage, Step: name, Err: err}
	}
}

func (r *run) record(name string, outcome schemas.StepOutcome, attempts int, err error) {
	res := schemas.StepResult{Stage: r.stage, Step: name, Outcome: outcome, Attempts: attempts}
	if err != nil {
		res.Error = err.Error()
	}
	r.result.Steps = append(r.result.Steps, res)
}

// newBackOff builds the per-step retry schedule.
func (m *Machine) newBackOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.cfg.Retry.InitialInterval
	expo.MaxInterval = m.cfg.Retry.MaxInterval
	expo.MaxElapsedTime = 0
	expo.Reset()

	retries := 0
	if m.cfg.Retry.MaxAttempts > 1 {
		retries = m.cfg.Retry.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
}
