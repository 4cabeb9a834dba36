package surebet

import (
	"context"
	"math/big"
	"time"

	"github.com/phenomenon0/surebet/pkg/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChainReader reads bet state from the ledger contract over JSON-RPC.
type ChainReader struct {
	address     common.Address
	caller      bind.ContractCaller
	abi         abi.ABI
	limiter     *rate.Limiter
	callTimeout time.Duration
	blockNumber *big.Int
	logger      *zap.Logger
	metrics     *metrics.ClientMetrics
}

var (
	_ Reader         = (*ChainReader)(nil)
	_ WinningsReader = (*ChainReader)(nil)
)

// ReaderOption configures the reader.
type ReaderOption func(*ChainReader)

// WithRateLimit caps calls per second with the given burst.
func WithRateLimit(perSecond float64, burst int) ReaderOption {
	return func(r *ChainReader) {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithCallTimeout bounds each eth_call.
func WithCallTimeout(d time.Duration) ReaderOption {
	return func(r *ChainReader) {
		r.callTimeout = d
	}
}

// WithBlockNumber pins reads to a block. Nil reads the latest block.
func WithBlockNumber(n *big.Int) ReaderOption {
	return func(r *ChainReader) {
		r.blockNumber = n
	}
}

// WithReaderLogger sets the logger.
func WithReaderLogger(l *zap.Logger) ReaderOption {
	return func(r *ChainReader) {
		r.logger = l
	}
}

// WithReaderMetrics records call counts and latency.
func WithReaderMetrics(m *metrics.ClientMetrics) ReaderOption {
	return func(r *ChainReader) {
		r.metrics = m
	}
}

// NewChainReader creates a reader for the ledger deployed at address.
func NewChainReader(address common.Address, caller bind.ContractCaller, opts ...ReaderOption) *ChainReader {
	r := &ChainReader{
		address:     address,
		caller:      caller,
		abi:         ParsedABI,
		limiter:     rate.NewLimiter(rate.Limit(20), 10),
		callTimeout: 10 * time.Second,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Address returns the ledger contract address.
func (r *ChainReader) Address() common.Address {
	return r.address
}

// NextBetID returns the number of bets ever created.
func (r *ChainReader) NextBetID(ctx context.Context) (uint64, error) {
	vals, err := r.call(ctx, MethodNextBetID)
	if err != nil {
		return 0, &CountReadError{Err: err}
	}

	n, err := uintOut(vals, 0)
	if err != nil {
		return 0, &CountReadError{Err: err}
	}
	if !n.IsUint64() {
		return 0, &CountReadError{Err: errors.Errorf("bet count %s overflows uint64", n)}
	}
	return n.Uint64(), nil
}

// Bet reads the bet record at index.
func (r *ChainReader) Bet(ctx context.Context, index uint64) (*Bet, error) {
	vals, err := r.call(ctx, MethodBets, new(big.Int).SetUint64(index))
	if err != nil {
		return nil, &ReadError{Op: MethodBets, Index: index, Err: err}
	}

	bet, err := decodeBet(index, vals)
	if err != nil {
		return nil, &ReadError{Op: MethodBets, Index: index, Err: err}
	}
	return bet, nil
}

// UserBet returns the amount account staked on option of bet index.
func (r *ChainReader) UserBet(ctx context.Context, index uint64, account common.Address, option Option) (*big.Int, error) {
	vals, err := r.call(ctx, MethodUserBets, new(big.Int).SetUint64(index), account, uint8(option))
	if err != nil {
		return nil, &ReadError{Op: MethodUserBets, Index: index, Err: err}
	}

	amount, err := uintOut(vals, 0)
	if err != nil {
		return nil, &ReadError{Op: MethodUserBets, Index: index, Err: err}
	}
	return amount, nil
}

// CalculateWinnings returns what the ledger would pay account on claim.
func (r *ChainReader) CalculateWinnings(ctx context.Context, index uint64, account common.Address) (*big.Int, error) {
	vals, err := r.call(ctx, MethodCalculateWinnings, new(big.Int).SetUint64(index), account)
	if err != nil {
		return nil, &ReadError{Op: MethodCalculateWinnings, Index: index, Err: err}
	}

	amount, err := uintOut(vals, 0)
	if err != nil {
		return nil, &ReadError{Op: MethodCalculateWinnings, Index: index, Err: err}
	}
	return amount, nil
}

func (r *ChainReader) call(ctx context.Context, method string, args ...interface{}) (vals []interface{}, err error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit")
	}

	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		r.metrics.ObserveRead(method, err, time.Since(start))
	}()

	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, r.blockNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("call %s: empty response", method)
	}

	vals, err = r.abi.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return vals, nil
}

func decodeBet(index uint64, vals []interface{}) (*Bet, error) {
	if len(vals) != 9 {
		return nil, errors.Errorf("bets: expected 9 fields, got %d", len(vals))
	}

	creator, ok := vals[0].(common.Address)
	if !ok {
		return nil, errors.Errorf("bets: creator has type %T", vals[0])
	}
	if creator == (common.Address{}) {
		return nil, errors.Errorf("no bet at index %d", index)
	}

	description, ok := vals[1].(string)
	if !ok {
		return nil, errors.Errorf("bets: description has type %T", vals[1])
	}

	var pools [3]*big.Int
	for i := range pools {
		v, err := uintOut(vals, 2+i)
		if err != nil {
			return nil, err
		}
		pools[i] = v
	}

	var times [2]int64
	for i := range times {
		v, err := uintOut(vals, 5+i)
		if err != nil {
			return nil, err
		}
		if !v.IsInt64() {
			return nil, errors.Errorf("bets: timestamp %s overflows int64", v)
		}
		times[i] = v.Int64()
	}

	resolved, ok := vals[7].(bool)
	if !ok {
		return nil, errors.Errorf("bets: isResolved has type %T", vals[7])
	}

	winning, ok := vals[8].(uint8)
	if !ok {
		return nil, errors.Errorf("bets: winningOption has type %T", vals[8])
	}

	bet := &Bet{
		ID:            index,
		Creator:       creator,
		Description:   description,
		TotalPool:     pools[0],
		Option1Pool:   pools[1],
		Option2Pool:   pools[2],
		CreationTime:  times[0],
		EndTime:       times[1],
		IsResolved:    resolved,
		WinningOption: Option(winning),
	}

	if err := bet.Validate(); err != nil {
		return nil, errors.Wrap(err, "malformed record")
	}
	return bet, nil
}

func uintOut(vals []interface{}, i int) (*big.Int, error) {
	if i >= len(vals) {
		return nil, errors.Errorf("missing output %d", i)
	}
	v, ok := vals[i].(*big.Int)
	if !ok || v == nil {
		return nil, errors.Errorf("output %d has type %T", i, vals[i])
	}
	return v, nil
}
