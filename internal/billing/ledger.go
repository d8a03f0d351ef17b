// Package billing is the credits collaborator: it prices generation jobs and
// debits the caller once per accepted job.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// Static errors for credit operations.
var (
	// ErrBaseURLRequired is returned when the ledger URL is not configured.
	ErrBaseURLRequired = errors.New("billing: base URL is required")
	// ErrInsufficientCredits is returned when the user's balance cannot cover a job.
	ErrInsufficientCredits = errors.New("billing: insufficient credits")
	// ErrConsumeFailed is returned for any other ledger failure.
	ErrConsumeFailed = errors.New("billing: consume credits failed")
)

// Ledger prices jobs and records credit consumption.
type Ledger interface {
	// CalculateCost returns the points charged for one job of kind.
	CalculateCost(kind task.Type, role access.Role) int
	// ConsumeCredits debits amount points from userID.
	ConsumeCredits(ctx context.Context, userID string, amount int, reason string) error
}

// Pricing is a per-type price table. Admins are never charged.
type Pricing map[task.Type]int

// DefaultPricing is used when no table is configured.
func DefaultPricing() Pricing {
	return Pricing{
		task.TypeShotGeneration:     10,
		task.TypeCharacterReference: 5,
	}
}

// CalculateCost returns the price of kind for role.
func (p Pricing) CalculateCost(kind task.Type, role access.Role) int {
	if role == access.RoleAdmin {
		return 0
	}
	return p[kind]
}

// Unmetered prices jobs but never debits anyone.
type Unmetered struct {
	Pricing
}

var _ Ledger = Unmetered{}

// ConsumeCredits is a no-op.
func (Unmetered) ConsumeCredits(context.Context, string, int, string) error {
	return nil
}

// HTTPLedger debits credits through the external credits service.
type HTTPLedger struct {
	Pricing
	client *resty.Client
}

var _ Ledger = (*HTTPLedger)(nil)

type consumeRequest struct {
	UserID string `json:"user_id"`
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPLedger creates a ledger posting to {baseURL}/credits/consume.
func NewHTTPLedger(baseURL string, pricing Pricing, timeout time.Duration) (*HTTPLedger, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPLedger{Pricing: pricing, client: client}, nil
}

// ConsumeCredits debits amount from userID. Non-positive amounts are a no-op.
func (l *HTTPLedger) ConsumeCredits(ctx context.Context, userID string, amount int, reason string) error {
	if amount <= 0 {
		return nil
	}

	var errResp errorResponse
	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(consumeRequest{UserID: userID, Amount: amount, Reason: reason}).
		SetError(&errResp).
		Post("/credits/consume")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConsumeFailed, err)
	}

	switch {
	case resp.StatusCode() == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientCredits, errResp.Error)
	case resp.IsError():
		return fmt.Errorf("%w: status %d: %s", ErrConsumeFailed, resp.StatusCode(), errResp.Error)
	}
	return nil
}
