package surebet

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/phenomenon0/surebet/pkg/eth"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Backend is what the transactor needs from a node connection.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Transactor submits state-changing ledger calls signed by one wallet.
type Transactor struct {
	address        common.Address
	backend        Backend
	contract       *bind.BoundContract
	wallet         *eth.Wallet
	chainID        *big.Int
	receiptTimeout time.Duration
	logger         *zap.Logger
}

// TransactorOption configures the transactor.
type TransactorOption func(*Transactor)

// WithReceiptTimeout bounds the wait for a transaction receipt.
func WithReceiptTimeout(d time.Duration) TransactorOption {
	return func(t *Transactor) {
		t.receiptTimeout = d
	}
}

// WithTransactorLogger sets the logger.
func WithTransactorLogger(l *zap.Logger) TransactorOption {
	return func(t *Transactor) {
		t.logger = l
	}
}

// NewTransactor creates a transactor for the ledger at address.
func NewTransactor(address common.Address, backend Backend, wallet *eth.Wallet, chainID *big.Int, opts ...TransactorOption) *Transactor {
	t := &Transactor{
		address:        address,
		backend:        backend,
		contract:       bind.NewBoundContract(address, ParsedABI, backend, backend, backend),
		wallet:         wallet,
		chainID:        chainID,
		receiptTimeout: 2 * time.Minute,
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Account returns the signing account.
func (t *Transactor) Account() common.Address {
	return t.wallet.Address()
}

// CreateBet opens a new bet lasting duration from inclusion time.
func (t *Transactor) CreateBet(ctx context.Context, description string, duration time.Duration) (*types.Transaction, error) {
	seconds := new(big.Int).SetInt64(int64(duration / time.Second))
	return t.transact(ctx, nil, MethodCreateBet, description, seconds)
}

// PlaceBet stakes amount wei on option of bet betID.
func (t *Transactor) PlaceBet(ctx context.Context, betID uint64, option Option, amount *big.Int) (*types.Transaction, error) {
	return t.transact(ctx, amount, MethodPlaceBet, new(big.Int).SetUint64(betID), uint8(option))
}

// ResolveBet fixes the winning side of bet betID.
func (t *Transactor) ResolveBet(ctx context.Context, betID uint64, optionOneWins bool) (*types.Transaction, error) {
	return t.transact(ctx, nil, MethodResolveBet, new(big.Int).SetUint64(betID), optionOneWins)
}

// ClaimWinnings withdraws the caller's payout from bet betID.
func (t *Transactor) ClaimWinnings(ctx context.Context, betID uint64) (*types.Transaction, error) {
	return t.transact(ctx, nil, MethodClaimWinnings, new(big.Int).SetUint64(betID))
}

// WaitMined blocks until tx is included. A receipt with failed status is
// reported as a RevertError.
func (t *Transactor) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	method := methodOf(tx)

	if t.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.receiptTimeout)
		defer cancel()
	}

	receipt, err := bind.WaitMined(ctx, t.backend, tx)
	if err != nil {
		return nil, &SubmissionError{Method: method, Err: fmt.Errorf("wait for receipt of %s: %w", tx.Hash().Hex(), err)}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &RevertError{Method: method, TxHash: tx.Hash().Hex()}
	}

	t.logger.Debug("transaction mined",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed))

	return receipt, nil
}

func (t *Transactor) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (*types.Transaction, error) {
	opts, err := t.wallet.TransactOpts(ctx, t.chainID)
	if err != nil {
		return nil, &SubmissionError{Method: method, Err: err}
	}
	opts.Value = value

	tx, err := t.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, classifySubmit(method, err)
	}

	t.logger.Info("transaction submitted",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.String("from", t.wallet.AddressHex()))

	return tx, nil
}

// methodOf returns the ledger method a transaction calls, or "transaction".
func methodOf(tx *types.Transaction) string {
	data := tx.Data()
	if len(data) < 4 {
		return "transaction"
	}
	m, err := ParsedABI.MethodById(data[:4])
	if err != nil {
		return "transaction"
	}
	return m.Name
}
