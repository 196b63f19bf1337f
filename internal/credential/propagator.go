// Package credential persists extracted API keys to the ledger and the shared
// KEY=value configuration read by downstream services.
package credential

import (
	"context"
	"fmt"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
	"github.com/xkilldash9x/trialkey-cli/internal/config"
	"github.com/xkilldash9x/trialkey-cli/internal/ledger"
)

// LedgerSink is the part of the ledger the propagator writes to.
type LedgerSink interface {
	AppendProvisioningRow(ctx context.Context, result *schemas.ProvisioningResult) error
	Finalize(ctx context.Context, claim *ledger.Claim, result *schemas.ProvisioningResult) error
}

// Propagator writes a credential to the ledger and, on request, the shared config.
type Propagator struct {
	ledger     LedgerSink
	sharedPath string
	key        string
	logger     *zap.Logger
}

// NewPropagator binds a propagator to a ledger and the shared config settings.
func NewPropagator(sink LedgerSink, cfg config.SharedConfigConfig, logger *zap.Logger) (*Propagator, error) {
	if sink == nil {
		return nil, fmt.Errorf("credential: ledger must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	path, err := homedir.Expand(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand shared config path %q: %w", cfg.Path, err)
	}
	return &Propagator{
		ledger:     sink,
		sharedPath: path,
		key:        cfg.Key,
		logger:     logger.Named("credential"),
	}, nil
}

// Persist records result. An empty credential is a no-op. A non-nil claim is
// finalized with the credential; otherwise a new ledger row is appended.
// When alsoUpdateSharedConfig is set the shared config must exist, and it is
// checked before the ledger is touched.
func (p *Propagator) Persist(ctx context.Context, result *schemas.ProvisioningResult, claim *ledger.Claim, alsoUpdateSharedConfig bool) error {
	if !result.HasCredential() {
		p.logger.Warn("No credential extracted, nothing persisted")
		return nil
	}

	if alsoUpdateSharedConfig {
		if err := ensureExists(p.sharedPath); err != nil {
			return err
		}
	}

	if claim != nil {
		if err := p.ledger.Finalize(ctx, claim, result); err != nil {
			return fmt.Errorf("failed to finalize ledger claim: %w", err)
		}
	} else if err := p.ledger.AppendProvisioningRow(ctx, result); err != nil {
		return fmt.Errorf("failed to append provisioning row: %w", err)
	}

	if !alsoUpdateSharedConfig {
		return nil
	}
	changed, err := UpdateSharedConfig(p.sharedPath, p.key, result.APIKey)
	if err != nil {
		return err
	}
	p.logger.Info("Shared config updated",
		zap.String("path", p.sharedPath),
		zap.String("key", p.key),
		zap.Bool("changed", changed),
	)
	return nil
}
