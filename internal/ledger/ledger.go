// Package ledger implements the delimited account ledger: one row per alias,
// selected at most once for provisioning.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
)

var (
	// ErrDuplicateEmail is returned when a provisioning row would repeat an email.
	ErrDuplicateEmail = errors.New("email already present in ledger")
	// ErrClaimFinalized is returned when a claim is finalized twice.
	ErrClaimFinalized = errors.New("claim already finalized")
	// ErrClaimLost is returned when the claimed row no longer carries the claim marker.
	ErrClaimLost = errors.New("claim no longer held")
	// ErrNoCredential is returned when a provisioning row carries no key.
	ErrNoCredential = errors.New("provisioning result carries no credential")
)

// Ledger is bound to one backing file. Operations are serialized in-process;
// separate processes must not share a ledger concurrently.
type Ledger struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// Claim reserves a ledger row for an in-flight registration.
type Claim struct {
	Email     string
	ClaimedAt time.Time

	finalized bool
}

// New binds a ledger to path. A leading ~ is expanded to the home directory.
// The file is not touched until the first operation.
func New(path string, logger *zap.Logger) (*Ledger, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand ledger path %q: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		path:   expanded,
		logger: logger.Named("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Path returns the expanded backing file path.
func (l *Ledger) Path() string { return l.path }

// LoadAll reads every row in on-disk order.
func (l *Ledger) LoadAll(ctx context.Context) ([]schemas.LedgerRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}
	return doc.rows(), nil
}

// SelectAvailable returns the first row with no status.
func SelectAvailable(rows []schemas.LedgerRow) (schemas.LedgerRow, bool) {
	for _, row := range rows {
		if row.Available() {
			return row, true
		}
	}
	return schemas.LedgerRow{}, false
}

// Stats counts rows by status.
func Stats(rows []schemas.LedgerRow) map[schemas.KeyStatus]int {
	counts := make(map[schemas.KeyStatus]int)
	for _, row := range rows {
		counts[row.APIKeyStatus]++
	}
	return counts
}

// AppendAliasRows adds one available row per record and returns how many were written.
// Emails already in the ledger are skipped.
func (l *Ledger) AppendAliasRows(ctx context.Context, records []schemas.AliasRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return 0, err
	}

	added := 0
	for _, rec := range records {
		if rec.Email == "" {
			continue
		}
		if doc.indexOf(rec.Email) >= 0 {
			l.logger.Warn("Skipping alias already in ledger", zap.String("email", rec.Email))
			continue
		}
		row := doc.newRecord()
		doc.set(row, ColEmail, rec.Email)
		doc.set(row, ColEmailCreatedAt, FormatTimestamp(rec.CreatedAt))
		doc.records = append(doc.records, row)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if err := l.write(doc); err != nil {
		return 0, err
	}
	l.logger.Info("Aliases appended to ledger", zap.Int("added", added), zap.Int("rows", len(doc.records)))
	return added, nil
}

// AppendProvisioningRow adds a row carrying the credential with status active.
func (l *Ledger) AppendProvisioningRow(ctx context.Context, result *schemas.ProvisioningResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !result.HasCredential() {
		return ErrNoCredential
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return err
	}
	if doc.indexOf(result.Email) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateEmail, result.Email)
	}

	row := doc.newRecord()
	doc.set(row, ColEmail, result.Email)
	doc.set(row, ColEmailCreatedAt, FormatTimestamp(result.AccountCreatedAt))
	doc.set(row, ColAPIKey, result.APIKey)
	doc.set(row, ColAPIKeyCreatedAt, FormatTimestamp(result.APIKeyCreatedAt))
	doc.set(row, ColAPIKeyStatus, string(schemas.KeyStatusActive))
	doc.records = append(doc.records, row)

	if err := l.write(doc); err != nil {
		return err
	}
	l.logger.Info("Provisioned account recorded", zap.String("email", result.Email))
	return nil
}

// Claim marks the row for email as claimed. Rows that already carry a status
// cannot be claimed.
func (l *Ledger) Claim(ctx context.Context, email string) (*Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}
	idx := doc.indexOf(email)
	if idx < 0 || !doc.row(doc.records[idx]).Available() {
		return nil, &schemas.NoAvailableRecordError{Path: l.path, Email: email}
	}
	return l.claimLocked(doc, idx)
}

// ClaimNext claims the first available row.
func (l *Ledger) ClaimNext(ctx context.Context) (*Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}
	for i, rec := range doc.records {
		if doc.row(rec).Available() {
			return l.claimLocked(doc, i)
		}
	}
	return nil, &schemas.NoAvailableRecordError{Path: l.path}
}

func (l *Ledger) claimLocked(doc *document, idx int) (*Claim, error) {
	rec := doc.records[idx]
	doc.set(rec, ColAPIKeyStatus, string(schemas.KeyStatusClaimed))
	if err := l.write(doc); err != nil {
		return nil, err
	}

	claim := &Claim{Email: doc.get(rec, ColEmail), ClaimedAt: l.now()}
	l.logger.Info("Ledger row claimed", zap.String("email", claim.Email))
	return claim, nil
}

// Finalize settles a claim. A result with a credential marks the row active
// and records the key; anything else releases the row back to available.
func (l *Ledger) Finalize(ctx context.Context, claim *Claim, result *schemas.ProvisioningResult) error {
	confirmed := result.HasCredential()
	err := l.settle(ctx, "finalize", claim, func(doc *document, rec []string) {
		if confirmed {
			doc.set(rec, ColAPIKey, result.APIKey)
			doc.set(rec, ColAPIKeyCreatedAt, FormatTimestamp(result.APIKeyCreatedAt))
			doc.set(rec, ColAPIKeyStatus, string(schemas.KeyStatusActive))
		} else {
			doc.set(rec, ColAPIKeyStatus, string(schemas.KeyStatusAvailable))
		}
	})
	if err != nil {
		return err
	}
	if confirmed {
		l.logger.Info("Claim confirmed", zap.String("email", claim.Email))
	} else {
		l.logger.Info("Claim released", zap.String("email", claim.Email))
	}
	return nil
}

// Abandon settles a claim whose alias was sent to the provider without a key
// being recorded. The row is marked abandoned and never selected again.
func (l *Ledger) Abandon(ctx context.Context, claim *Claim) error {
	if err := l.settle(ctx, "abandon", claim, func(doc *document, rec []string) {
		doc.set(rec, ColAPIKeyStatus, string(schemas.KeyStatusAbandoned))
	}); err != nil {
		return err
	}
	l.logger.Warn("Claim abandoned", zap.String("email", claim.Email))
	return nil
}

// settle applies update to the row still held by claim and marks the claim done.
func (l *Ledger) settle(ctx context.Context, op string, claim *Claim, update func(doc *document, rec []string)) error {
	if claim == nil {
		return fmt.Errorf("%s: nil claim", op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if claim.finalized {
		return fmt.Errorf("%w: %s", ErrClaimFinalized, claim.Email)
	}

	doc, err := l.read()
	if err != nil {
		return err
	}
	idx := doc.indexOf(claim.Email)
	if idx < 0 || doc.row(doc.records[idx]).APIKeyStatus != schemas.KeyStatusClaimed {
		return fmt.Errorf("%w: %s", ErrClaimLost, claim.Email)
	}

	update(doc, doc.records[idx])
	if err := l.write(doc); err != nil {
		return err
	}
	claim.finalized = true
	return nil
}

// read loads and parses the backing file. The file is never created here.
func (l *Ledger) read() (*document, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &schemas.NotFoundError{Path: l.path, Err: err}
		}
		return nil, fmt.Errorf("failed to read ledger %s: %w", l.path, err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", l.path, err)
	}
	return doc, nil
}

// write replaces the backing file atomically.
func (l *Ledger) write(doc *document) error {
	data, err := doc.encode()
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := atomic.WriteFile(l.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write ledger %s: %w", l.path, err)
	}
	return nil
}
