// Package paper provides an in-memory SureBet ledger for paper betting and
// tests. It answers the same reads as the deployed contract and applies
// submitted actions when their receipt is awaited, so the client can be
// exercised end to end without a chain.
package paper

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config configures the paper ledger.
type Config struct {
	// ContractAddress is the "to" address stamped on paper transactions.
	ContractAddress common.Address

	// FeeBasisPoints is the creator fee charged on claims (300 = 3%).
	FeeBasisPoints uint64

	// Clock returns the ledger's notion of now.
	Clock func() time.Time
}

// DefaultConfig returns the contract's parameters with the wall clock.
func DefaultConfig() *Config {
	return &Config{
		ContractAddress: common.HexToAddress("0x00000000000000000000000000000000005ba7e7"),
		FeeBasisPoints:  300,
		Clock:           time.Now,
	}
}

// Stats summarizes ledger activity.
type Stats struct {
	Bets         int      `json:"bets"`
	Resolved     int      `json:"resolved"`
	Transactions uint64   `json:"transactions"`
	TotalStaked  *big.Int `json:"total_staked"`
	PaidOut      *big.Int `json:"paid_out"`
	FeesPaid     *big.Int `json:"fees_paid"`
}

// Clock is a manually advanced clock for deterministic tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current clock reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type positionKey struct {
	bet     uint64
	account common.Address
	option  uint8
}
