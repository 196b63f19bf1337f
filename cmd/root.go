// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/internal/config"
	"github.com/xkilldash9x/trialkey-cli/internal/observability"
	"github.com/xkilldash9x/trialkey-cli/internal/provision"
)

type contextKey string

const configKey contextKey = "config"

// rootOptions holds the values of flags shared by every command.
type rootOptions struct {
	cfgFile string
	step    string
}

// NewRootCommand builds a fresh command tree bound to its own viper instance.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "trialkey-cli",
		Short:         "Provision sportsdata.io trial accounts and propagate their API keys.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, opts.cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "trialkey-cli"})
				return err
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting trialkey-cli", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.step == "" {
				return cmd.Help()
			}
			step, err := provision.ParseStep(opts.step)
			if err != nil {
				return err
			}
			return runStep(cmd, step)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.String("ledger", "", "path to the account ledger (overrides ledger.path)")
	flags.Int("alias-count", 0, "number of aliases to generate (overrides alias.count)")
	flags.Bool("headless", false, "run the browser without a window (overrides browser.headless)")
	flags.Bool("use-genuine-email", false, "register with the next available ledger alias")
	flags.Bool("update-shared-config", false, "write the new key to the shared KEY=value config")
	flags.Int("debug-port", 0, "remote debugging port for launch-browser (overrides browser.debug_port)")
	rootCmd.Flags().StringVarP(&opts.step, "step", "s", "", fmt.Sprintf("run a single step %v", provision.Steps))

	_ = v.BindPFlag("ledger.path", flags.Lookup("ledger"))
	_ = v.BindPFlag("alias.count", flags.Lookup("alias-count"))
	_ = v.BindPFlag("browser.headless", flags.Lookup("headless"))
	_ = v.BindPFlag("registration.use_genuine_email", flags.Lookup("use-genuine-email"))
	_ = v.BindPFlag("shared_config.update", flags.Lookup("update-shared-config"))
	_ = v.BindPFlag("browser.debug_port", flags.Lookup("debug-port"))

	rootCmd.SetVersionTemplate(`{{.Name}} version {{.Version}}` + "\n")

	rootCmd.AddCommand(newAliasesCmd())
	rootCmd.AddCommand(newProvisionCmd())
	rootCmd.AddCommand(newLaunchCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	defer observability.Sync()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			return 130
		}
		return 1
	}
	return 0
}

// loadConfig reads the config file, the environment and the bound flags.
// A missing default config file is not an error.
func loadConfig(v *viper.Viper, cfgFile string) (*config.Config, error) {
	config.SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load or validate config: %w", err)
	}
	return cfg, nil
}

// getConfigFromContext returns the config stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration missing from command context")
	}
	return cfg, nil
}
