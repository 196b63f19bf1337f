// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	Network      NetworkConfig      `mapstructure:"network" yaml:"network"`
	Alias        AliasConfig        `mapstructure:"alias" yaml:"alias"`
	Ledger       LedgerConfig       `mapstructure:"ledger" yaml:"ledger"`
	Registration RegistrationConfig `mapstructure:"registration" yaml:"registration"`
	SharedConfig SharedConfigConfig `mapstructure:"shared_config" yaml:"shared_config"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance driving registration.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir     string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	DebugPort       int           `mapstructure:"debug_port" yaml:"debug_port"`
	// NetworkIdle is how long the tab must have no requests in flight before
	// a page counts as settled.
	NetworkIdle     time.Duration `mapstructure:"network_idle" yaml:"network_idle"`
	// Stealth installs the persona below on every new tab.
	Stealth         bool          `mapstructure:"stealth" yaml:"stealth"`
	Locale          string        `mapstructure:"locale" yaml:"locale"`
	Timezone        string        `mapstructure:"timezone" yaml:"timezone"`
	Languages       []string      `mapstructure:"languages" yaml:"languages"`
}

// NetworkConfig tunes navigation and outbound HTTP behavior.
type NetworkConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2        bool          `mapstructure:"force_http2" yaml:"force_http2"`
}

// AliasConfig configures the disposable address service.
type AliasConfig struct {
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Token    string        `mapstructure:"token" yaml:"-"`
	Domain   string        `mapstructure:"domain" yaml:"domain"`
	Delay    time.Duration `mapstructure:"delay" yaml:"delay"`
	Count    int           `mapstructure:"count" yaml:"count"`
}

// LedgerConfig locates the account ledger.
type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RegistrationConfig holds the provider URLs, selectors and literals for the onboarding flow.
type RegistrationConfig struct {
	RegisterURL      string          `mapstructure:"register_url" yaml:"register_url"`
	TrialURL         string          `mapstructure:"trial_url" yaml:"trial_url"`
	SubscriptionsURL string          `mapstructure:"subscriptions_url" yaml:"subscriptions_url"`
	Password         string          `mapstructure:"password" yaml:"-"`
	UseGenuineEmail  bool            `mapstructure:"use_genuine_email" yaml:"use_genuine_email"`
	EmailDomain      string          `mapstructure:"email_domain" yaml:"email_domain"`
	Leagues          []string        `mapstructure:"leagues" yaml:"leagues"`
	Feeds            []string        `mapstructure:"feeds" yaml:"feeds"`
	FinishTimeout    time.Duration   `mapstructure:"finish_timeout" yaml:"finish_timeout"`
	Selectors        SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
	Retry            RetryConfig     `mapstructure:"retry" yaml:"retry"`
}

// SelectorsConfig names the automation surface of the provider's pages.
type SelectorsConfig struct {
	FirstName         string `mapstructure:"first_name" yaml:"first_name"`
	LastName          string `mapstructure:"last_name" yaml:"last_name"`
	Email             string `mapstructure:"email" yaml:"email"`
	Password          string `mapstructure:"password" yaml:"password"`
	ConfirmPassword   string `mapstructure:"confirm_password" yaml:"confirm_password"`
	Terms             string `mapstructure:"terms" yaml:"terms"`
	Submit            string `mapstructure:"submit" yaml:"submit"`
	DeclineAssistance string `mapstructure:"decline_assistance" yaml:"decline_assistance"`
	ContinueButton    string `mapstructure:"continue_button" yaml:"continue_button"`
	FinishButton      string `mapstructure:"finish_button" yaml:"finish_button"`
	APIKeyLink        string `mapstructure:"api_key_link" yaml:"api_key_link"`
	APIKeyAttribute   string `mapstructure:"api_key_attribute" yaml:"api_key_attribute"`
}

// RetryConfig controls stage-level retries of UI steps.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// SharedConfigConfig locates the externally consumed KEY=value file.
type SharedConfigConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Key    string `mapstructure:"key" yaml:"key"`
	Update bool   `mapstructure:"update" yaml:"update"`
}

// DatabaseConfig holds the optional run journal connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.deriveDefaults()
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "trialkey-cli")
	v.SetDefault("logger.log_file", "trialkey.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.startup_timeout", "30s")
	v.SetDefault("browser.debug_port", 9222)
	v.SetDefault("browser.network_idle", "500ms")
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.languages", []string{"en-US", "en"})
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)

	// -- Alias --
	v.SetDefault("alias.endpoint", "https://quack.duckduckgo.com/api/email/addresses")
	v.SetDefault("alias.domain", "duck.com")
	v.SetDefault("alias.delay", "2s")
	v.SetDefault("alias.count", 1)

	// -- Ledger --
	v.SetDefault("ledger.path", "accounts.tsv")

	// -- Registration --
	v.SetDefault("registration.register_url", "https://sportsdata.io/user/register")
	v.SetDefault("registration.trial_url", "https://sportsdata.io/free-trial")
	v.SetDefault("registration.subscriptions_url", "https://sportsdata.io/members/subscriptions")
	v.SetDefault("registration.use_genuine_email", false)
	// Empty means alias.domain.
	v.SetDefault("registration.email_domain", "")
	v.SetDefault("registration.leagues", []string{"NFL", "MLB", "NBA", "NHL", "Golf", "Soccer"})
	v.SetDefault("registration.feeds", []string{"Competition Feeds", "Event Feeds", "Player Feeds", "Betting Feeds", "News & Images"})
	v.SetDefault("registration.finish_timeout", "10s")
	v.SetDefault("registration.selectors.first_name", "#Registration_FirstName")
	v.SetDefault("registration.selectors.last_name", "#Registration_LastName")
	v.SetDefault("registration.selectors.email", "#Registration_Email")
	v.SetDefault("registration.selectors.password", "#Registration_Password")
	v.SetDefault("registration.selectors.confirm_password", "#Registration_ConfirmPassword")
	v.SetDefault("registration.selectors.terms", "#AgreedToTerms")
	v.SetDefault("registration.selectors.submit", "#submitButton")
	v.SetDefault("registration.selectors.decline_assistance", "#Form_SalesAssistanceRequested[value='False']")
	v.SetDefault("registration.selectors.continue_button", "Continue")
	v.SetDefault("registration.selectors.finish_button", "Finish")
	v.SetDefault("registration.selectors.api_key_link", "a[ng-click^='vm.copy_api_key']")
	v.SetDefault("registration.selectors.api_key_attribute", "ng-click")
	v.SetDefault("registration.retry.max_attempts", 3)
	v.SetDefault("registration.retry.initial_interval", "500ms")
	v.SetDefault("registration.retry.max_interval", "5s")

	// -- Shared Config --
	v.SetDefault("shared_config.path", ".env")
	v.SetDefault("shared_config.key", "SPORTDATAIO_API_KEY")
	v.SetDefault("shared_config.update", false)
}

// BindEnv binds secrets to their environment variables, including the legacy names.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("TRIALKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("alias.token", "TRIALKEY_ALIAS_TOKEN", "DUCK_MAIL_TOKEN")
	_ = v.BindEnv("registration.password", "TRIALKEY_REGISTRATION_PASSWORD")
	_ = v.BindEnv("database.url", "TRIALKEY_DATABASE_URL")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	BindEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the token if Unmarshal didn't pick it up
	if cfg.Alias.Token == "" {
		cfg.Alias.Token = os.Getenv("DUCK_MAIL_TOKEN")
	}
	cfg.deriveDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// deriveDefaults fills settings whose default depends on another key.
func (c *Config) deriveDefaults() {
	if strings.TrimSpace(c.Registration.EmailDomain) == "" {
		c.Registration.EmailDomain = c.Alias.Domain
	}
}

// Validate checks the configuration for sane values. Secrets are checked by the
// components that need them so that unrelated steps can run without them.
func (c *Config) Validate() error {
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path must be set")
	}
	if c.Alias.Delay < 0 {
		return fmt.Errorf("alias.delay must not be negative")
	}
	if c.Alias.Endpoint == "" {
		return fmt.Errorf("alias.endpoint must be set")
	}
	if err := c.Registration.Validate(); err != nil {
		return fmt.Errorf("registration configuration invalid: %w", err)
	}
	if c.SharedConfig.Update && c.SharedConfig.Path == "" {
		return fmt.Errorf("shared_config.path must be set when shared_config.update is enabled")
	}
	if c.SharedConfig.Key == "" || strings.ContainsAny(c.SharedConfig.Key, "=\n") {
		return fmt.Errorf("shared_config.key must be a non-empty name without '=' or newlines")
	}
	return nil
}

// Validate checks the registration flow settings.
func (r *RegistrationConfig) Validate() error {
	if r.RegisterURL == "" || r.TrialURL == "" || r.SubscriptionsURL == "" {
		return fmt.Errorf("register_url, trial_url and subscriptions_url are required")
	}
	if r.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be a positive integer")
	}
	if r.Retry.InitialInterval < 0 || r.Retry.MaxInterval < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}
	if r.FinishTimeout <= 0 {
		return fmt.Errorf("finish_timeout must be a positive duration")
	}
	return nil
}
