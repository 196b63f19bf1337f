// File: api/schemas/schemas.go
package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Ledger Schemas --

// KeyStatus is the lifecycle state of the credential recorded on a ledger row.
// The zero value marks a row as available for provisioning.
type KeyStatus string

const (
	KeyStatusAvailable KeyStatus = ""
	KeyStatusUnused    KeyStatus = "unused"
	KeyStatusActive    KeyStatus = "active"
	KeyStatusExhausted KeyStatus = "exhausted"
	// KeyStatusClaimed reserves a row for an in-flight registration.
	KeyStatusClaimed KeyStatus = "claimed"
	// KeyStatusAbandoned retires an alias that reached the provider without
	// yielding a recorded key. It is never selected again.
	KeyStatusAbandoned KeyStatus = "abandoned"
)

// ParseKeyStatus normalizes the on-disk representation of a status cell.
// Unknown values are kept verbatim; anything non-empty is still treated as taken.
func ParseKeyStatus(s string) KeyStatus {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "":
		return KeyStatusAvailable
	case "unused":
		return KeyStatusUnused
	case "active":
		return KeyStatusActive
	case "exhausted":
		return KeyStatusExhausted
	case "claimed":
		return KeyStatusClaimed
	case "abandoned":
		return KeyStatusAbandoned
	default:
		return KeyStatus(trimmed)
	}
}

// IsAvailable reports whether a row carrying this status may be selected.
func (s KeyStatus) IsAvailable() bool {
	return s == KeyStatusAvailable
}

// AliasRecord is a single disposable address issued by the alias service.
type AliasRecord struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerRow is one row of the account ledger. Optional timestamps use the zero value when unset.
type LedgerRow struct {
	Email             string    `json:"email"`
	EmailCreatedAt    time.Time `json:"email_created_at"`
	APIKey            string    `json:"api_key,omitempty"`
	APIKeyCreatedAt   time.Time `json:"api_key_created_at,omitempty"`
	APIKeyStatus      KeyStatus `json:"api_key_status,omitempty"`
	APIKeyExhaustedAt time.Time `json:"api_key_exhausted_at,omitempty"`
}

// Available reports whether the row has never been assigned a status.
func (r LedgerRow) Available() bool {
	return r.APIKeyStatus.IsAvailable()
}

// ProvisioningResult is the transient outcome of one registration run.
type ProvisioningResult struct {
	Email            string        `json:"email"`
	AccountCreatedAt time.Time     `json:"account_created_at"`
	APIKey           string        `json:"api_key"`
	APIKeyCreatedAt  time.Time     `json:"api_key_created_at"`
	Steps            []StepResult  `json:"steps,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// HasCredential reports whether the run produced a key worth persisting.
func (r *ProvisioningResult) HasCredential() bool {
	return r != nil && r.APIKey != ""
}

// SubmitAttempted reports whether the registration form was sent, or may have
// been. A failed submit click can still have posted the form.
func (r *ProvisioningResult) SubmitAttempted() bool {
	if r == nil {
		return false
	}
	for _, s := range r.Steps {
		if s.Step == StepSubmit && s.Attempts > 0 {
			return true
		}
	}
	return false
}

// -- Registration Schemas --

// Stage identifies one ordered phase of the registration workflow.
type Stage string

const (
	StageStart            Stage = "start"
	StageFormSubmitted    Stage = "form_submitted"
	StageProductsSelected Stage = "products_selected"
	StageFeedsSelected    Stage = "feeds_selected"
	StageConsentConfirmed Stage = "consent_confirmed"
	StageKeyExtracted     Stage = "key_extracted"
	StageDone             Stage = "done"
)

// Stages lists the registration stages in execution order.
var Stages = []Stage{
	StageStart,
	StageFormSubmitted,
	StageProductsSelected,
	StageFeedsSelected,
	StageConsentConfirmed,
	StageKeyExtracted,
	StageDone,
}

// StepSubmit names the step that sends the registration form.
const StepSubmit = "submit"

// StepOutcome records what happened to a single UI step.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeSkipped   StepOutcome = "skipped"
	OutcomeFailed    StepOutcome = "failed"
)

// StepResult is the observable record of one attempted UI interaction.
// Stage is the stage the step transitions into.
type StepResult struct {
	Stage    Stage       `json:"stage"`
	Step     string      `json:"step"`
	Outcome  StepOutcome `json:"outcome"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

func (s StepResult) String() string {
	if s.Error != "" {
		return fmt.Sprintf("%s/%s: %s after %d attempt(s): %s", s.Stage, s.Step, s.Outcome, s.Attempts, s.Error)
	}
	return fmt.Sprintf("%s/%s: %s after %d attempt(s)", s.Stage, s.Step, s.Outcome, s.Attempts)
}
