package paper

import (
	"context"
	"math/big"
	"time"

	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer submits paper transactions on behalf of one account.
type Signer struct {
	ledger  *Ledger
	account common.Address
}

// Account returns the signing account.
func (s *Signer) Account() common.Address {
	return s.account
}

// CreateBet opens a bet lasting duration from inclusion time.
func (s *Signer) CreateBet(ctx context.Context, description string, duration time.Duration) (*types.Transaction, error) {
	l := s.ledger
	seconds := int64(duration / time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCreate(description, seconds); err != nil {
		return nil, err
	}
	apply := func() error { return l.createBet(s.account, description, seconds) }
	return l.submit(s.account, nil, surebet.MethodCreateBet, apply, description, big.NewInt(seconds))
}

// PlaceBet stakes amount wei on option of bet betID.
func (s *Signer) PlaceBet(ctx context.Context, betID uint64, option surebet.Option, amount *big.Int) (*types.Transaction, error) {
	l := s.ledger
	value := new(big.Int)
	if amount != nil {
		value.Set(amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkPlace(s.account, betID, option, value); err != nil {
		return nil, err
	}
	apply := func() error { return l.placeBet(s.account, betID, option, value) }
	return l.submit(s.account, value, surebet.MethodPlaceBet, apply, new(big.Int).SetUint64(betID), uint8(option))
}

// ResolveBet fixes the winning side of bet betID.
func (s *Signer) ResolveBet(ctx context.Context, betID uint64, optionOneWins bool) (*types.Transaction, error) {
	l := s.ledger

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkResolve(s.account, betID); err != nil {
		return nil, err
	}
	apply := func() error { return l.resolveBet(s.account, betID, optionOneWins) }
	return l.submit(s.account, nil, surebet.MethodResolveBet, apply, new(big.Int).SetUint64(betID), optionOneWins)
}

// ClaimWinnings pays out the account's winning stake on bet betID.
func (s *Signer) ClaimWinnings(ctx context.Context, betID uint64) (*types.Transaction, error) {
	l := s.ledger

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkClaim(s.account, betID); err != nil {
		return nil, err
	}
	apply := func() error { return l.claimWinnings(s.account, betID) }
	return l.submit(s.account, nil, surebet.MethodClaimWinnings, apply, new(big.Int).SetUint64(betID))
}

// WaitMined includes tx immediately. Preconditions are re-checked at
// inclusion, so a transaction overtaken by another one reverts.
func (s *Signer) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &surebet.SubmissionError{Method: "receipt", Err: err}
	}
	return s.ledger.include(tx)
}
