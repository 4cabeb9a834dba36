package paper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Ledger is the in-memory bet ledger.
type Ledger struct {
	config *Config

	mu        sync.Mutex
	bets      []*surebet.Bet
	positions map[positionKey]*big.Int
	credits   map[common.Address]*big.Int
	pending   map[common.Hash]*pendingTx
	nonce     uint64
	block     uint64
	staked    *big.Int
	paidOut   *big.Int
	feesPaid  *big.Int

	// Fault injection
	failReads       map[uint64]error
	failCount       error
	failNextReceipt bool
	readHook        func(ctx context.Context, index uint64)
}

var (
	_ surebet.Reader         = (*Ledger)(nil)
	_ surebet.WinningsReader = (*Ledger)(nil)
)

type pendingTx struct {
	method string
	apply  func() error
}

// NewLedger creates an empty ledger.
func NewLedger(config *Config) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = DefaultConfig().Clock
	}

	return &Ledger{
		config:    config,
		positions: make(map[positionKey]*big.Int),
		credits:   make(map[common.Address]*big.Int),
		pending:   make(map[common.Hash]*pendingTx),
		failReads: make(map[uint64]error),
		staked:    new(big.Int),
		paidOut:   new(big.Int),
		feesPaid:  new(big.Int),
	}
}

// Signer returns a transactor that submits as account.
func (l *Ledger) Signer(account common.Address) *Signer {
	return &Signer{ledger: l, account: account}
}

// --- Reads ---

// NextBetID returns the number of bets created.
func (l *Ledger) NextBetID(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failCount != nil {
		return 0, &surebet.CountReadError{Err: l.failCount}
	}
	return uint64(len(l.bets)), nil
}

// Bet returns a copy of the bet at index.
func (l *Ledger) Bet(ctx context.Context, index uint64) (*surebet.Bet, error) {
	l.mu.Lock()
	hook := l.readHook
	l.mu.Unlock()

	if hook != nil {
		hook(ctx, index)
	}
	if err := ctx.Err(); err != nil {
		return nil, &surebet.ReadError{Op: surebet.MethodBets, Index: index, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.failReads[index]; ok {
		return nil, &surebet.ReadError{Op: surebet.MethodBets, Index: index, Err: err}
	}
	if index >= uint64(len(l.bets)) {
		return nil, &surebet.ReadError{Op: surebet.MethodBets, Index: index, Err: errors.New("index out of range")}
	}
	return l.bets[index].Clone(), nil
}

// UserBet returns account's stake on option of bet index.
func (l *Ledger) UserBet(ctx context.Context, index uint64, account common.Address, option surebet.Option) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.failReads[index]; ok {
		return nil, &surebet.ReadError{Op: surebet.MethodUserBets, Index: index, Err: err}
	}
	return new(big.Int).Set(l.stake(index, account, option)), nil
}

// CalculateWinnings returns what a claim by account would pay now.
func (l *Ledger) CalculateWinnings(ctx context.Context, index uint64, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index >= uint64(len(l.bets)) {
		return nil, &surebet.ReadError{Op: surebet.MethodCalculateWinnings, Index: index, Err: errors.New("index out of range")}
	}
	net, _ := l.winnings(l.bets[index], account)
	return net, nil
}

// Credits returns everything paid to account by claims, as winner or creator.
func (l *Ledger) Credits(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.credits[account]; ok {
		return new(big.Int).Set(c)
	}
	return new(big.Int)
}

// Stats returns a summary of ledger activity.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Bets:         len(l.bets),
		Transactions: l.nonce,
		TotalStaked:  new(big.Int).Set(l.staked),
		PaidOut:      new(big.Int).Set(l.paidOut),
		FeesPaid:     new(big.Int).Set(l.feesPaid),
	}
	for _, b := range l.bets {
		if b.IsResolved {
			s.Resolved++
		}
	}
	return s
}

// --- Fault injection ---

// FailRead makes every read of index fail with err until cleared.
func (l *Ledger) FailRead(index uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failReads[index] = err
}

// FailCount makes NextBetID fail with err. Nil clears it.
func (l *Ledger) FailCount(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failCount = err
}

// FailNextReceipt makes the next awaited transaction revert on inclusion.
func (l *Ledger) FailNextReceipt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNextReceipt = true
}

// SetReadHook installs fn to run before every bet read. Nil removes it.
func (l *Ledger) SetReadHook(fn func(ctx context.Context, index uint64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readHook = fn
}

// ClearFailures removes all injected faults.
func (l *Ledger) ClearFailures() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failReads = make(map[uint64]error)
	l.failCount = nil
	l.failNextReceipt = false
}

// --- Contract rules (callers hold l.mu) ---

func (l *Ledger) stake(index uint64, account common.Address, option surebet.Option) *big.Int {
	if v, ok := l.positions[positionKey{bet: index, account: account, option: uint8(option)}]; ok {
		return v
	}
	return new(big.Int)
}

// winnings mirrors the contract: share = stake*total/winningPool,
// fee = share*feeBps/10000, paid = share-fee.
func (l *Ledger) winnings(bet *surebet.Bet, account common.Address) (net, fee *big.Int) {
	net, fee = new(big.Int), new(big.Int)
	if !bet.IsResolved {
		return net, fee
	}

	amount := l.stake(bet.ID, account, bet.WinningOption)
	winningPool := bet.WinningPool()
	if amount.Sign() == 0 || winningPool.Sign() == 0 {
		return net, fee
	}

	share := new(big.Int).Mul(amount, bet.TotalPool)
	share.Quo(share, winningPool)

	fee.Mul(share, new(big.Int).SetUint64(l.config.FeeBasisPoints))
	fee.Quo(fee, big.NewInt(10000))

	net.Sub(share, fee)
	return net, fee
}

func (l *Ledger) betAt(method string, betID uint64) (*surebet.Bet, error) {
	if betID >= uint64(len(l.bets)) {
		return nil, &surebet.RevertError{Method: method, Reason: "Bet does not exist"}
	}
	return l.bets[betID], nil
}

func (l *Ledger) checkCreate(description string, seconds int64) error {
	if description == "" {
		return &surebet.RevertError{Method: surebet.MethodCreateBet, Reason: "Description required"}
	}
	if seconds <= 0 {
		return &surebet.RevertError{Method: surebet.MethodCreateBet, Reason: "Duration must be greater than 0"}
	}
	return nil
}

func (l *Ledger) checkPlace(from common.Address, betID uint64, option surebet.Option, value *big.Int) error {
	bet, err := l.betAt(surebet.MethodPlaceBet, betID)
	if err != nil {
		return err
	}
	now := l.config.Clock()
	switch {
	case bet.IsResolved:
		return &surebet.RevertError{Method: surebet.MethodPlaceBet, Reason: "Bet already resolved"}
	case bet.HasEnded(now):
		return &surebet.RevertError{Method: surebet.MethodPlaceBet, Reason: "Betting period has ended"}
	case !option.Valid():
		return &surebet.RevertError{Method: surebet.MethodPlaceBet, Reason: "Invalid option"}
	case value == nil || value.Sign() <= 0:
		return &surebet.RevertError{Method: surebet.MethodPlaceBet, Reason: "Bet amount must be greater than 0"}
	}
	return nil
}

func (l *Ledger) checkResolve(from common.Address, betID uint64) error {
	bet, err := l.betAt(surebet.MethodResolveBet, betID)
	if err != nil {
		return err
	}
	switch {
	case bet.Creator != from:
		return &surebet.RevertError{Method: surebet.MethodResolveBet, Reason: "Only creator can resolve"}
	case bet.IsResolved:
		return &surebet.RevertError{Method: surebet.MethodResolveBet, Reason: "Bet already resolved"}
	case !bet.HasEnded(l.config.Clock()):
		return &surebet.RevertError{Method: surebet.MethodResolveBet, Reason: "Betting period not ended"}
	}
	return nil
}

func (l *Ledger) checkClaim(from common.Address, betID uint64) error {
	bet, err := l.betAt(surebet.MethodClaimWinnings, betID)
	if err != nil {
		return err
	}
	if !bet.IsResolved {
		return &surebet.RevertError{Method: surebet.MethodClaimWinnings, Reason: "Bet not resolved"}
	}
	if l.stake(betID, from, bet.WinningOption).Sign() == 0 {
		return &surebet.RevertError{Method: surebet.MethodClaimWinnings, Reason: "No winnings to claim"}
	}
	return nil
}

func (l *Ledger) createBet(from common.Address, description string, seconds int64) error {
	if err := l.checkCreate(description, seconds); err != nil {
		return err
	}
	now := l.config.Clock().Unix()
	l.bets = append(l.bets, &surebet.Bet{
		ID:           uint64(len(l.bets)),
		Creator:      from,
		Description:  description,
		TotalPool:    new(big.Int),
		Option1Pool:  new(big.Int),
		Option2Pool:  new(big.Int),
		CreationTime: now,
		EndTime:      now + seconds,
	})
	return nil
}

func (l *Ledger) placeBet(from common.Address, betID uint64, option surebet.Option, value *big.Int) error {
	if err := l.checkPlace(from, betID, option, value); err != nil {
		return err
	}
	bet := l.bets[betID]
	bet.TotalPool.Add(bet.TotalPool, value)
	if option == surebet.OptionOne {
		bet.Option1Pool.Add(bet.Option1Pool, value)
	} else {
		bet.Option2Pool.Add(bet.Option2Pool, value)
	}

	key := positionKey{bet: betID, account: from, option: uint8(option)}
	if _, ok := l.positions[key]; !ok {
		l.positions[key] = new(big.Int)
	}
	l.positions[key].Add(l.positions[key], value)
	l.staked.Add(l.staked, value)
	return nil
}

func (l *Ledger) resolveBet(from common.Address, betID uint64, optionOneWins bool) error {
	if err := l.checkResolve(from, betID); err != nil {
		return err
	}
	bet := l.bets[betID]
	bet.IsResolved = true
	bet.WinningOption = surebet.OptionTwo
	if optionOneWins {
		bet.WinningOption = surebet.OptionOne
	}
	return nil
}

func (l *Ledger) claimWinnings(from common.Address, betID uint64) error {
	if err := l.checkClaim(from, betID); err != nil {
		return err
	}
	bet := l.bets[betID]
	net, fee := l.winnings(bet, from)

	delete(l.positions, positionKey{bet: betID, account: from, option: uint8(bet.WinningOption)})
	l.credit(from, net)
	l.credit(bet.Creator, fee)
	l.paidOut.Add(l.paidOut, net)
	l.feesPaid.Add(l.feesPaid, fee)
	return nil
}

func (l *Ledger) credit(account common.Address, amount *big.Int) {
	if _, ok := l.credits[account]; !ok {
		l.credits[account] = new(big.Int)
	}
	l.credits[account].Add(l.credits[account], amount)
}

// submit records a transaction whose effect applies on inclusion.
func (l *Ledger) submit(from common.Address, value *big.Int, method string, apply func() error, args ...interface{}) (*types.Transaction, error) {
	data, err := surebet.ParsedABI.Pack(method, args...)
	if err != nil {
		return nil, &surebet.SubmissionError{Method: method, Err: fmt.Errorf("pack: %w", err)}
	}

	if value == nil {
		value = new(big.Int)
	}
	to := l.config.ContractAddress
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    l.nonce,
		To:       &to,
		Value:    new(big.Int).Set(value),
		Gas:      100000,
		GasPrice: big.NewInt(1),
		Data:     data,
	})
	l.nonce++
	l.pending[tx.Hash()] = &pendingTx{method: method, apply: apply}
	return tx, nil
}

// include applies a pending transaction and returns its receipt.
func (l *Ledger) include(tx *types.Transaction) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[tx.Hash()]
	if !ok {
		return nil, &surebet.SubmissionError{Method: "receipt", Err: fmt.Errorf("unknown transaction %s", tx.Hash().Hex())}
	}
	delete(l.pending, tx.Hash())

	l.block++
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(l.block),
		GasUsed:     tx.Gas(),
	}

	fail := l.failNextReceipt
	l.failNextReceipt = false
	if fail {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, &surebet.RevertError{Method: p.method, TxHash: tx.Hash().Hex()}
	}

	if err := p.apply(); err != nil {
		receipt.Status = types.ReceiptStatusFailed
		var re *surebet.RevertError
		if errors.As(err, &re) {
			re.TxHash = tx.Hash().Hex()
		}
		return receipt, err
	}
	return receipt, nil
}
