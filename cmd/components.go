package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/internal/alias"
	"github.com/xkilldash9x/trialkey-cli/internal/config"
	"github.com/xkilldash9x/trialkey-cli/internal/credential"
	"github.com/xkilldash9x/trialkey-cli/internal/ledger"
	"github.com/xkilldash9x/trialkey-cli/internal/network"
	"github.com/xkilldash9x/trialkey-cli/internal/provision"
	"github.com/xkilldash9x/trialkey-cli/internal/registration"
	"github.com/xkilldash9x/trialkey-cli/internal/store"
)

// components holds everything built for one step, plus what must be closed.
type components struct {
	Dispatcher *provision.Dispatcher
	DBPool     *pgxpool.Pool
}

// Shutdown releases connections opened for the step. It is safe to call twice.
func (c *components) Shutdown() {
	if c.DBPool != nil {
		c.DBPool.Close()
		c.DBPool = nil
	}
}

// initializeComponents builds only what step needs. Missing secrets and
// files are reported here, before any side effect.
func initializeComponents(ctx context.Context, cfg *config.Config, step provision.Step, logger *zap.Logger) (*components, error) {
	c := &components{}
	deps := provision.Dependencies{}

	switch step {
	case provision.StepAliases:
		l, err := ledger.New(cfg.Ledger.Path, logger)
		if err != nil {
			return nil, err
		}
		httpClient := network.NewClient(network.ClientConfigFromNetwork(cfg.Network, logger))
		gen, err := alias.NewGenerator(cfg.Alias, httpClient, logger)
		if err != nil {
			return nil, err
		}
		deps.Ledger = l
		deps.Aliases = gen

	case provision.StepProvision:
		l, err := ledger.New(cfg.Ledger.Path, logger)
		if err != nil {
			return nil, err
		}
		machine, err := registration.NewMachine(cfg.Registration, logger)
		if err != nil {
			return nil, err
		}
		propagator, err := credential.NewPropagator(l, cfg.SharedConfig, logger)
		if err != nil {
			return nil, err
		}
		deps.Ledger = l
		deps.Registrar = machine
		deps.Credentials = propagator
		deps.Launcher = newLauncher(cfg, logger)

		// The journal is optional; an unreachable database never blocks a run.
		if cfg.Database.URL != "" {
			s, err := c.openStore(ctx, cfg.Database.URL, logger)
			if err != nil {
				if ctx.Err() != nil {
					c.Shutdown()
					return nil, ctx.Err()
				}
				logger.Warn("Run journal unavailable, continuing without it.", zap.Error(err))
				c.Shutdown()
			} else {
				deps.Journal = s
			}
		}

	case provision.StepLaunchBrowser:
		deps.Launcher = newLauncher(cfg, logger)

	default:
		return nil, fmt.Errorf("%w %q", provision.ErrUnknownStep, step)
	}

	c.Dispatcher = provision.NewDispatcher(deps, logger)
	return c, nil
}

func newLauncher(cfg *config.Config, logger *zap.Logger) provision.ChromeLauncher {
	return provision.ChromeLauncher{
		Config:            cfg.Browser,
		NavigationTimeout: cfg.Network.NavigationTimeout,
		Logger:            logger,
	}
}

// openStore connects the run journal and creates its tables.
func (c *components) openStore(ctx context.Context, url string, logger *zap.Logger) (*store.Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DBPool = pool

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare run journal schema: %w", err)
	}
	return s, nil
}
