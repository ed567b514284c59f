// Package credits prices queries and charges them against user balances.
package credits

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/intent"
	"github.com/fyrsmithlabs/lexd/internal/store"
)

// TemplatedCost is the price of a conversational or ambiguous reply.
const TemplatedCost = 1

// CreditInsufficientError reports a balance lower than the query cost.
type CreditInsufficientError struct {
	UserID   string
	Required int
	Balance  int
	Err      error
}

func (e *CreditInsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, balance %d", e.UserID, e.Required, e.Balance)
}

func (e *CreditInsufficientError) Unwrap() error { return e.Err }

// Ledger is the durable account store.
type Ledger interface {
	GetAccount(ctx context.Context, userID string) (*store.Account, error)
	Deduct(ctx context.Context, userID string, amount int, reason, queryRef string) (*store.LedgerEntry, error)
}

// Settlement is the outcome of charging a query.
type Settlement struct {
	// Cost is the computed price, reported even when waived.
	Cost    int `json:"cost"`
	Charged int `json:"charged"`
	// Balance after the charge; -1 when unknown.
	Balance       int  `json:"balance"`
	Admin         bool `json:"admin,omitempty"`
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Gate applies the pricing policy.
type Gate struct {
	ledger Ledger
	cfg    config.CreditsConfig
	logger *zap.Logger
}

// NewGate creates a Gate.
func NewGate(ledger Ledger, cfg config.CreditsConfig, logger *zap.Logger) (*Gate, error) {
	if ledger == nil {
		return nil, errors.New("credits: ledger is required")
	}
	if cfg.BaseCost < 0 || cfg.LengthThreshold <= 0 {
		return nil, fmt.Errorf("credits: base cost must be >= 0 and length threshold > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{ledger: ledger, cfg: cfg, logger: logger}, nil
}

// Cost prices a query: legal questions cost the base plus one credit per
// started LengthThreshold runes, everything else costs TemplatedCost.
func (g *Gate) Cost(i intent.Intent, query string) int {
	if i != intent.LegalQuestion {
		return TemplatedCost
	}
	n := utf8.RuneCountInString(query)
	return g.cfg.BaseCost + (n+g.cfg.LengthThreshold-1)/g.cfg.LengthThreshold
}

// ConfidenceThreshold is the score below which legal answers are free.
func (g *Gate) ConfidenceThreshold() float64 { return g.cfg.ConfidenceThreshold }

// Check fails fast with *CreditInsufficientError when userID cannot
// afford cost. Admin accounts always pass.
func (g *Gate) Check(ctx context.Context, userID string, cost int) (*store.Account, error) {
	acct, err := g.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.Admin || acct.Balance >= cost {
		return acct, nil
	}
	return acct, &CreditInsufficientError{UserID: userID, Required: cost, Balance: acct.Balance}
}

// SettleTemplated charges a templated reply. The confidence waiver does
// not apply.
func (g *Gate) SettleTemplated(ctx context.Context, userID, queryRef string) (*Settlement, error) {
	return g.charge(ctx, userID, TemplatedCost, "templated reply", queryRef)
}

// Settle charges a legal answer. Admins and answers with confidence below
// the threshold are charged nothing.
func (g *Gate) Settle(ctx context.Context, userID string, cost int, confidence float64, queryRef string) (*Settlement, error) {
	if confidence < g.cfg.ConfidenceThreshold {
		g.logger.Info("charge waived for low confidence answer",
			zap.String("user_id", userID),
			zap.Int("cost", cost),
			zap.Float64("confidence", confidence))
		Settlements.WithLabelValues("waived_low_confidence").Inc()
		return &Settlement{Cost: cost, Balance: -1, LowConfidence: true}, nil
	}
	return g.charge(ctx, userID, cost, "legal answer", queryRef)
}

func (g *Gate) charge(ctx context.Context, userID string, cost int, reason, queryRef string) (*Settlement, error) {
	acct, err := g.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.Admin {
		Settlements.WithLabelValues("waived_admin").Inc()
		return &Settlement{Cost: cost, Balance: acct.Balance, Admin: true}, nil
	}

	entry, err := g.ledger.Deduct(ctx, userID, cost, reason, queryRef)
	if errors.Is(err, store.ErrInsufficientBalance) {
		// Drained between check and settle.
		Settlements.WithLabelValues("insufficient").Inc()
		return nil, &CreditInsufficientError{UserID: userID, Required: cost, Balance: acct.Balance, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("deduct credits: %w", err)
	}
	Settlements.WithLabelValues("charged").Inc()
	Charged.Add(float64(cost))
	return &Settlement{Cost: cost, Charged: cost, Balance: entry.Balance}, nil
}
