package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/internal/observability"
	"github.com/xkilldash9x/trialkey-cli/internal/provision"
)

func newAliasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aliases",
		Short: "Generate disposable aliases and append them to the ledger.",
		Long: `Requests alias.count addresses from the alias service, one at a time and
paced by alias.delay, then appends each to the ledger as an available row.
The ledger file must already exist. Requires TRIALKEY_ALIAS_TOKEN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, provision.StepAliases)
		},
	}
}

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Register one trial account and record its API key.",
		Long: `Drives the provider's registration and onboarding flow in Chrome,
extracts the issued API key and records it in the ledger. With
--use-genuine-email the next available ledger alias is claimed and submitted;
with --update-shared-config the key is also written to the shared config file.
Requires TRIALKEY_REGISTRATION_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, provision.StepProvision)
		},
	}
}

func newLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch-browser",
		Short: "Open a browser window with remote debugging enabled and wait.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, provision.StepLaunchBrowser)
		},
	}
}

// runStep builds the components for step and dispatches it.
func runStep(cmd *cobra.Command, step provision.Step) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger().With(zap.String("step", string(step)))

	components, err := initializeComponents(ctx, cfg, step, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", step, err)
	}
	defer components.Shutdown()

	req := provision.Request{
		AliasCount: cfg.Alias.Count,
		Provision: provision.ProvisionOptions{
			UseGenuineEmail:    cfg.Registration.UseGenuineEmail,
			UpdateSharedConfig: cfg.SharedConfig.Update,
			Headless:           cfg.Browser.Headless,
		},
		Launch: provision.LaunchOptions{DebugPort: cfg.Browser.DebugPort},
	}

	switch step {
	case provision.StepAliases:
		n, err := components.Dispatcher.RunAliases(ctx, req.AliasCount)
		if printErr := printResult(cmd, aliasesResult{Appended: n, Ledger: cfg.Ledger.Path}); printErr != nil && err == nil {
			err = printErr
		}
		return err
	case provision.StepProvision:
		report, err := components.Dispatcher.RunProvision(ctx, req.Provision)
		if report == nil || report.Result == nil {
			return err
		}
		for _, s := range report.Result.Steps {
			logger.Debug("Step result", zap.Stringer("step", s))
		}
		if printErr := printResult(cmd, report); printErr != nil && err == nil {
			err = printErr
		}
		return err
	default:
		return components.Dispatcher.Dispatch(ctx, step, req)
	}
}

type aliasesResult struct {
	Appended int    `json:"appended"`
	Ledger   string `json:"ledger"`
}

// printResult writes v to stdout as indented JSON.
func printResult(cmd *cobra.Command, v any) error {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	cmd.Println(string(out))
	return nil
}
