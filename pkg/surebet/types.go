// Package surebet is the client for the SureBet wagering ledger contract:
// typed bet records, the read-only Chain Reader and the transaction
// submitter.
package surebet

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Option is one side of a binary bet.
type Option uint8

const (
	// OptionUnset is the winning option of an unresolved bet.
	OptionUnset Option = 0
	OptionOne   Option = 1
	OptionTwo   Option = 2
)

// Valid reports whether o is a selectable side.
func (o Option) Valid() bool {
	return o == OptionOne || o == OptionTwo
}

func (o Option) String() string {
	switch o {
	case OptionOne:
		return "yes"
	case OptionTwo:
		return "no"
	default:
		return "unset"
	}
}

// ParseOption parses "1"/"2" or "yes"/"no".
func ParseOption(s string) (Option, error) {
	switch s {
	case "1", "yes", "Yes", "YES":
		return OptionOne, nil
	case "2", "no", "No", "NO":
		return OptionTwo, nil
	default:
		return OptionUnset, fmt.Errorf("invalid option %q", s)
	}
}

// Bet is a ledger bet record. Pools are in wei, times in unix seconds.
type Bet struct {
	ID            uint64         `json:"id"`
	Creator       common.Address `json:"creator"`
	Description   string         `json:"description"`
	TotalPool     *big.Int       `json:"total_pool"`
	Option1Pool   *big.Int       `json:"option1_pool"`
	Option2Pool   *big.Int       `json:"option2_pool"`
	CreationTime  int64          `json:"creation_time"`
	EndTime       int64          `json:"end_time"`
	IsResolved    bool           `json:"is_resolved"`
	WinningOption Option         `json:"winning_option"`
}

// CreatedAt returns the creation time.
func (b *Bet) CreatedAt() time.Time {
	return time.Unix(b.CreationTime, 0)
}

// EndsAt returns the end of the betting period.
func (b *Bet) EndsAt() time.Time {
	return time.Unix(b.EndTime, 0)
}

// IsOpen reports whether the bet still accepts wagers at now.
func (b *Bet) IsOpen(now time.Time) bool {
	return !b.IsResolved && b.EndTime > now.Unix()
}

// HasEnded reports whether the betting period is over at now.
func (b *Bet) HasEnded(now time.Time) bool {
	return now.Unix() >= b.EndTime
}

// Pool returns the pool staked on o, or zero for an unset option.
func (b *Bet) Pool(o Option) *big.Int {
	switch o {
	case OptionOne:
		return b.Option1Pool
	case OptionTwo:
		return b.Option2Pool
	default:
		return new(big.Int)
	}
}

// WinningPool returns the pool of the winning side of a resolved bet.
func (b *Bet) WinningPool() *big.Int {
	return b.Pool(b.WinningOption)
}

// Status is the lifecycle label shown for a bet.
func (b *Bet) Status(now time.Time) string {
	switch {
	case b.IsResolved:
		return "resolved"
	case b.HasEnded(now):
		return "ended"
	default:
		return "active"
	}
}

// Validate checks the record invariants every observation must satisfy.
func (b *Bet) Validate() error {
	if b.TotalPool == nil || b.Option1Pool == nil || b.Option2Pool == nil {
		return fmt.Errorf("bet %d: missing pool", b.ID)
	}
	if b.TotalPool.Sign() < 0 || b.Option1Pool.Sign() < 0 || b.Option2Pool.Sign() < 0 {
		return fmt.Errorf("bet %d: negative pool", b.ID)
	}
	sum := new(big.Int).Add(b.Option1Pool, b.Option2Pool)
	if sum.Cmp(b.TotalPool) != 0 {
		return fmt.Errorf("bet %d: total pool %s != %s + %s", b.ID, b.TotalPool, b.Option1Pool, b.Option2Pool)
	}
	if b.EndTime <= b.CreationTime {
		return fmt.Errorf("bet %d: end time %d not after creation time %d", b.ID, b.EndTime, b.CreationTime)
	}
	if b.IsResolved && !b.WinningOption.Valid() {
		return fmt.Errorf("bet %d: resolved without winning option", b.ID)
	}
	return nil
}

// Clone returns a deep copy of b.
func (b *Bet) Clone() *Bet {
	c := *b
	c.TotalPool = cloneInt(b.TotalPool)
	c.Option1Pool = cloneInt(b.Option1Pool)
	c.Option2Pool = cloneInt(b.Option2Pool)
	return &c
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// Reader is the read-only ledger surface.
type Reader interface {
	// NextBetID returns the number of bets ever created.
	NextBetID(ctx context.Context) (uint64, error)
	// Bet reads the record at index.
	Bet(ctx context.Context, index uint64) (*Bet, error)
	// UserBet returns the amount account wagered on option of bet index.
	UserBet(ctx context.Context, index uint64, account common.Address, option Option) (*big.Int, error)
}

// WinningsReader exposes the ledger's own payout computation.
type WinningsReader interface {
	CalculateWinnings(ctx context.Context, index uint64, account common.Address) (*big.Int, error)
}
