// Package payout mirrors the ledger's claim arithmetic on the client.
//
// All divisions truncate toward zero, step by step, exactly as the
// contract's integer arithmetic does:
//
//	gross = amount * totalPool / winningPool
//	fee   = gross * feeBasisPoints / 10000
//	net   = gross - fee
package payout

import (
	"math/big"

	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/shopspring/decimal"
)

// DefaultFeeBasisPoints is the creator fee the ledger charges (3%).
const DefaultFeeBasisPoints = 300

const basisPointsDenominator = 10000

// Input is one position on a resolved bet.
type Input struct {
	Amount         *big.Int
	UserOption     surebet.Option
	WinningOption  surebet.Option
	WinningPool    *big.Int
	TotalPool      *big.Int
	FeeBasisPoints uint64
}

// Breakdown itemizes a payout.
type Breakdown struct {
	Stake        *big.Int        `json:"stake"`
	SharePercent decimal.Decimal `json:"share_percent"`
	Gross        *big.Int        `json:"gross"`
	Fee          *big.Int        `json:"fee"`
	Net          *big.Int        `json:"net"`
	Profit       *big.Int        `json:"profit"`
	Won          bool            `json:"won"`
}

// Calculate returns the net amount a claim would pay. A losing position
// or an empty winning pool pays nothing.
func Calculate(in Input) *big.Int {
	return Compute(in).Net
}

// Compute returns the full breakdown for in.
func Compute(in Input) Breakdown {
	b := compute(in)
	b.Profit = new(big.Int).Sub(b.Net, b.Stake)
	return b
}

func compute(in Input) Breakdown {
	stake := nonNil(in.Amount)
	b := Breakdown{
		Stake:        new(big.Int).Set(stake),
		SharePercent: decimal.Zero,
		Gross:        new(big.Int),
		Fee:          new(big.Int),
		Net:          new(big.Int),
	}
	winningPool := nonNil(in.WinningPool)
	if in.UserOption != in.WinningOption || !in.WinningOption.Valid() {
		return b
	}
	if winningPool.Sign() == 0 || stake.Sign() == 0 {
		return b
	}
	b.Won = true

	b.Gross.Mul(stake, nonNil(in.TotalPool))
	b.Gross.Quo(b.Gross, winningPool)

	b.Fee.Mul(b.Gross, new(big.Int).SetUint64(in.FeeBasisPoints))
	b.Fee.Quo(b.Fee, big.NewInt(basisPointsDenominator))

	b.Net.Sub(b.Gross, b.Fee)

	b.SharePercent = decimal.NewFromBigInt(stake, 0).
		Div(decimal.NewFromBigInt(winningPool, 0)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	return b
}

// ForBet builds the input for account's stake on option of a resolved bet.
func ForBet(bet *surebet.Bet, option surebet.Option, amount *big.Int, feeBasisPoints uint64) Input {
	return Input{
		Amount:         amount,
		UserOption:     option,
		WinningOption:  bet.WinningOption,
		WinningPool:    bet.WinningPool(),
		TotalPool:      bet.TotalPool,
		FeeBasisPoints: feeBasisPoints,
	}
}

func nonNil(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
