package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/peacprotocol/peac-sub013/pkg/canonical"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
)

var ErrProofRequired = errors.New("payment proof required")

// TestSettler accepts any non-empty proof and records a test-environment
// payment. It never moves money and is refused by production hardening.
type TestSettler struct {
	Rail     string
	Amount   int64
	Currency string
}

func (s TestSettler) Settle(_ context.Context, req SettleRequest) (*receipt.Payment, error) {
	if strings.TrimSpace(req.Proof) == "" {
		return nil, ErrProofRequired
	}
	rail := s.Rail
	if rail == "" {
		rail = req.Rail
	}
	amount, currency := s.Amount, s.Currency
	if req.Amount > 0 {
		amount = req.Amount
	}
	if req.Currency != "" {
		currency = req.Currency
	}
	if currency == "" {
		currency = "USD"
	}
	return &receipt.Payment{
		Rail:      rail,
		Reference: "test_" + canonical.Digest(req.Resource, req.Proof)[:24],
		Amount:    amount,
		Currency:  strings.ToUpper(currency),
		Env:       "test",
	}, nil
}
