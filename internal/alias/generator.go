// Package alias issues disposable forwarding addresses from the mail-relay service.
package alias

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
	"github.com/xkilldash9x/trialkey-cli/internal/config"
)

const serviceName = "alias-service"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 10

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidCount is returned for negative batch sizes.
var ErrInvalidCount = errors.New("alias count must not be negative")

// HTTPDoer is the subset of http.Client the generator needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// addressResponse is the body returned by the alias endpoint.
type addressResponse struct {
	Address string `json:"address"`
}

// Generator issues aliases one request at a time, paced by a fixed-rate limiter.
type Generator struct {
	client   HTTPDoer
	logger   *zap.Logger
	endpoint string
	token    string
	domain   string
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewGenerator builds a Generator. A missing token is a ConfigurationError.
func NewGenerator(cfg config.AliasConfig, client HTTPDoer, logger *zap.Logger) (*Generator, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &schemas.ConfigurationError{Key: "alias.token", Reason: "set TRIALKEY_ALIAS_TOKEN or DUCK_MAIL_TOKEN"}
	}
	if client == nil {
		return nil, fmt.Errorf("alias: http client must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Generator{
		client:   client,
		logger:   logger.Named("alias"),
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		domain:   strings.TrimPrefix(cfg.Domain, "@"),
		limiter:  newPacer(cfg.Delay),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// newPacer allows one issuance per delay. A zero delay disables pacing.
func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// Generate issues up to count aliases. Failed issuances are logged and skipped.
// If ctx is cancelled mid-batch the aliases issued so far are returned along with ctx.Err().
func (g *Generator) Generate(ctx context.Context, count int) ([]schemas.AliasRecord, error) {
	if count < 0 {
		return nil, ErrInvalidCount
	}

	records := make([]schemas.AliasRecord, 0, count)
	for i := 0; i < count; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return records, fmt.Errorf("alias generation interrupted after %d of %d: %w", len(records), count, ctxErr(ctx, err))
		}

		email, err := g.issue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return records, fmt.Errorf("alias generation interrupted after %d of %d: %w", len(records), count, ctx.Err())
			}
			g.logger.Warn("No mail alias returned", zap.Int("attempt", i+1), zap.Int("count", count), zap.Error(err))
			continue
		}

		records = append(records, schemas.AliasRecord{Email: email, CreatedAt: g.now()})
		g.logger.Debug("Alias issued", zap.Int("attempt", i+1), zap.Int("count", count), zap.String("email", email))
	}

	g.logger.Info("Alias batch complete", zap.Int("requested", count), zap.Int("issued", len(records)))
	return records, nil
}

// issue performs one authenticated POST and returns the full address.
func (g *Generator) issue(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, nil)
	if err != nil {
		return "", &schemas.ExternalServiceError{Service: serviceName, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &schemas.ExternalServiceError{Service: serviceName, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &schemas.ExternalServiceError{Service: serviceName, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &schemas.ExternalServiceError{Service: serviceName, StatusCode: resp.StatusCode, Err: fmt.Errorf("body: %q", truncate(string(body), 200))}
	}

	var parsed addressResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &schemas.ExternalServiceError{Service: serviceName, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}

	address := strings.TrimSpace(parsed.Address)
	if address == "" {
		return "", &schemas.ExternalServiceError{Service: serviceName, StatusCode: resp.StatusCode, Err: errors.New("response carried no address")}
	}
	email, err := g.qualify(address)
	if err != nil {
		return "", &schemas.ExternalServiceError{Service: serviceName, StatusCode: resp.StatusCode, Err: err}
	}
	return email, nil
}

// qualify appends the relay domain to a bare local part. A full address must
// already belong to the relay domain.
func (g *Generator) qualify(address string) (string, error) {
	local, domain, full := strings.Cut(address, "@")
	if !full {
		if g.domain == "" {
			return address, nil
		}
		return address + "@" + g.domain, nil
	}
	if local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("malformed address %q", address)
	}
	if g.domain != "" && !strings.EqualFold(domain, g.domain) {
		return "", fmt.Errorf("address %q is outside the %s relay domain", address, g.domain)
	}
	return address, nil
}

// ctxErr prefers the context's own error over the limiter's wrapping of it.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
