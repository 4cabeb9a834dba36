// Package dispatch submits state-changing ledger actions and tracks each
// one through Submitting to Confirmed or Failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/phenomenon0/surebet/pkg/eth"
	"github.com/phenomenon0/surebet/pkg/metrics"
	"github.com/phenomenon0/surebet/pkg/session"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrActionPending is returned when an action is submitted while another
// one is still in flight.
var ErrActionPending = errors.New("another action is pending")

// Ledger submits transactions for one signing account.
// surebet.Transactor and paper.Signer implement it.
type Ledger interface {
	Account() common.Address
	CreateBet(ctx context.Context, description string, duration time.Duration) (*types.Transaction, error)
	PlaceBet(ctx context.Context, betID uint64, option surebet.Option, amount *big.Int) (*types.Transaction, error)
	ResolveBet(ctx context.Context, betID uint64, optionOneWins bool) (*types.Transaction, error)
	ClaimWinnings(ctx context.Context, betID uint64) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Kind identifies an action.
type Kind string

const (
	KindCreate  Kind = "create"
	KindWager   Kind = "wager"
	KindResolve Kind = "resolve"
	KindClaim   Kind = "claim"
)

// State is the dispatcher's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

// Action is one dispatched call.
type Action struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	BetID      *uint64    `json:"bet_id,omitempty"`
	Account    string     `json:"account"`
	Amount     string     `json:"amount,omitempty"`
	State      State      `json:"state"`
	TxHash     string     `json:"tx_hash,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Notice is a failure shown to the user until it expires.
type Notice struct {
	ActionID  string    `json:"action_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status is a snapshot of the dispatcher.
type Status struct {
	State     State   `json:"state"`
	Current   *Action `json:"current,omitempty"`
	LastError *Notice `json:"last_error,omitempty"`
}

// Recorder persists action transitions.
type Recorder interface {
	Record(ctx context.Context, a Action) error
}

// Config configures a Dispatcher.
type Config struct {
	// ErrorDismissDelay is how long LastError reports a failure.
	ErrorDismissDelay time.Duration

	// Clock returns now for precondition checks and timestamps.
	Clock func() time.Time
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() *Config {
	return &Config{
		ErrorDismissDelay: 5 * time.Second,
		Clock:             time.Now,
	}
}

// Dispatcher runs one action at a time against the ledger.
type Dispatcher struct {
	config   *Config
	ledger   Ledger
	reader   surebet.Reader
	recorder Recorder
	logger   *zap.Logger
	metrics  *metrics.ClientMetrics

	mu      sync.Mutex
	busy    bool
	state   State
	current *Action
	notice  *Notice

	// Callbacks
	onStateChange []func(Action)
	onConfirmed   []func(context.Context, Action)
}

// New creates a dispatcher. A nil ledger makes every action fail with
// session.ErrReadOnly.
func New(config *Config, ledger Ledger, reader surebet.Reader, logger *zap.Logger, m *metrics.ClientMetrics) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		config:  config,
		ledger:  ledger,
		reader:  reader,
		logger:  logger,
		metrics: m,
		state:   StateIdle,
	}
}

// SetRecorder sets where action transitions are persisted.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// OnStateChange sets a callback for every action transition.
func (d *Dispatcher) OnStateChange(fn func(Action)) {
	d.onStateChange = append(d.onStateChange, fn)
}

// OnConfirmed sets a callback run after an action confirms and before
// the call that submitted it returns. Views refresh from here.
func (d *Dispatcher) OnConfirmed(fn func(context.Context, Action)) {
	d.onConfirmed = append(d.onConfirmed, fn)
}

// Status returns the current state and any live failure notice.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{State: d.state, LastError: d.liveNoticeLocked()}
	if d.current != nil {
		a := *d.current
		s.Current = &a
	}
	return s
}

// LastError returns the latest failure until its dismiss delay elapses.
func (d *Dispatcher) LastError() *Notice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveNoticeLocked()
}

// DismissError clears the failure notice.
func (d *Dispatcher) DismissError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notice = nil
}

func (d *Dispatcher) liveNoticeLocked() *Notice {
	if d.notice == nil || !d.config.Clock().Before(d.notice.ExpiresAt) {
		return nil
	}
	n := *d.notice
	return &n
}

// CreateBet validates and submits a createBet call.
func (d *Dispatcher) CreateBet(ctx context.Context, req CreateBetRequest) (*Action, error) {
	req = req.Normalize()
	if err := req.validate(); err != nil {
		return nil, d.reject(KindCreate, err)
	}

	return d.run(ctx, &Action{Kind: KindCreate}, func(l Ledger) (*types.Transaction, error) {
		return l.CreateBet(ctx, req.Description, req.Period())
	})
}

// PlaceBet validates and submits a wager.
func (d *Dispatcher) PlaceBet(ctx context.Context, req PlaceBetRequest) (*Action, error) {
	if err := check(req); err != nil {
		return nil, d.reject(KindWager, err)
	}
	wei, err := req.Wei()
	if err != nil {
		return nil, d.reject(KindWager, err)
	}

	a := &Action{Kind: KindWager, BetID: &req.BetID, Amount: wei.String()}
	return d.run(ctx, a, func(l Ledger) (*types.Transaction, error) {
		return l.PlaceBet(ctx, req.BetID, req.Option, wei)
	})
}

// ResolveBet validates against the current bet record and submits.
func (d *Dispatcher) ResolveBet(ctx context.Context, req ResolveBetRequest) (*Action, error) {
	if err := check(req); err != nil {
		return nil, d.reject(KindResolve, err)
	}
	if d.ledger == nil {
		return nil, d.reject(KindResolve, session.ErrReadOnly)
	}

	bet, err := d.reader.Bet(ctx, req.BetID)
	if err != nil {
		return nil, d.reject(KindResolve, err)
	}
	switch {
	case bet.IsResolved:
		err = surebet.Invalid("bet_id", "bet %d is already resolved", req.BetID)
	case !bet.HasEnded(d.config.Clock()):
		err = surebet.Invalid("bet_id", "betting on bet %d ends at %s", req.BetID, bet.EndsAt().UTC().Format(time.RFC3339))
	case bet.Creator != d.ledger.Account():
		err = surebet.Invalid("bet_id", "only the creator can resolve bet %d", req.BetID)
	}
	if err != nil {
		return nil, d.reject(KindResolve, err)
	}

	return d.run(ctx, &Action{Kind: KindResolve, BetID: &req.BetID}, func(l Ledger) (*types.Transaction, error) {
		return l.ResolveBet(ctx, req.BetID, req.Option == surebet.OptionOne)
	})
}

// ClaimWinnings checks the caller holds a winning stake and submits.
func (d *Dispatcher) ClaimWinnings(ctx context.Context, req ClaimRequest) (*Action, error) {
	if d.ledger == nil {
		return nil, d.reject(KindClaim, session.ErrReadOnly)
	}

	bet, err := d.reader.Bet(ctx, req.BetID)
	if err != nil {
		return nil, d.reject(KindClaim, err)
	}
	if !bet.IsResolved {
		return nil, d.reject(KindClaim, surebet.Invalid("bet_id", "bet %d is not resolved", req.BetID))
	}

	stake, err := d.reader.UserBet(ctx, req.BetID, d.ledger.Account(), bet.WinningOption)
	if err != nil {
		return nil, d.reject(KindClaim, err)
	}
	if stake.Sign() == 0 {
		return nil, d.reject(KindClaim, surebet.Invalid("bet_id", "no winnings to claim on bet %d", req.BetID))
	}

	return d.run(ctx, &Action{Kind: KindClaim, BetID: &req.BetID}, func(l Ledger) (*types.Transaction, error) {
		return l.ClaimWinnings(ctx, req.BetID)
	})
}

// reject surfaces a failure that blocked submission.
func (d *Dispatcher) reject(kind Kind, err error) error {
	d.mu.Lock()
	d.setNoticeLocked("", kind, err)
	d.mu.Unlock()

	d.logger.Info("action rejected", zap.String("kind", string(kind)), zap.Error(err))
	return err
}

func (d *Dispatcher) setNoticeLocked(actionID string, kind Kind, err error) {
	now := d.config.Clock()
	d.notice = &Notice{
		ActionID:  actionID,
		Kind:      kind,
		Message:   err.Error(),
		At:        now,
		ExpiresAt: now.Add(d.config.ErrorDismissDelay),
	}
}

func (d *Dispatcher) run(ctx context.Context, a *Action, submit func(Ledger) (*types.Transaction, error)) (*Action, error) {
	if d.ledger == nil {
		return nil, d.reject(a.Kind, session.ErrReadOnly)
	}

	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, ErrActionPending
	}
	d.busy = true
	a.ID = uuid.NewString()
	a.Account = d.ledger.Account().Hex()
	a.State = StateSubmitting
	a.StartedAt = d.config.Clock()
	d.state = StateSubmitting
	d.current = a
	d.mu.Unlock()

	d.emit(ctx, *a)
	d.logger.Info("action submitting",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)))

	tx, err := submit(d.ledger)
	if err != nil {
		return d.fail(ctx, a, err)
	}

	d.mu.Lock()
	a.TxHash = tx.Hash().Hex()
	d.mu.Unlock()
	d.emit(ctx, *a)

	if _, err := d.ledger.WaitMined(ctx, tx); err != nil {
		return d.fail(ctx, a, err)
	}

	return d.confirm(ctx, a)
}

func (d *Dispatcher) confirm(ctx context.Context, a *Action) (*Action, error) {
	d.mu.Lock()
	now := d.config.Clock()
	a.State = StateConfirmed
	a.FinishedAt = &now
	d.state = StateConfirmed
	d.mu.Unlock()

	d.metrics.ObserveAction(string(a.Kind), string(StateConfirmed), now.Sub(a.StartedAt))
	if a.Kind == KindWager {
		if amt, ok := new(big.Int).SetString(a.Amount, 10); ok {
			d.metrics.RecordWager(amt)
		}
	}

	d.logger.Info("action confirmed",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("tx", a.TxHash))
	d.emit(ctx, *a)

	for _, fn := range d.onConfirmed {
		fn(ctx, *a)
	}

	d.idle()
	out := *a
	return &out, nil
}

func (d *Dispatcher) fail(ctx context.Context, a *Action, err error) (*Action, error) {
	d.mu.Lock()
	now := d.config.Clock()
	a.State = StateFailed
	a.Error = err.Error()
	a.FinishedAt = &now
	d.state = StateFailed
	d.setNoticeLocked(a.ID, a.Kind, err)
	d.mu.Unlock()

	d.metrics.ObserveAction(string(a.Kind), string(StateFailed), now.Sub(a.StartedAt))
	d.logger.Warn("action failed",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("tx", a.TxHash),
		zap.Error(err))
	d.emit(ctx, *a)

	d.idle()
	out := *a
	return &out, fmt.Errorf("%s: %w", a.Kind, err)
}

// idle ends the running action and reopens admission.
func (d *Dispatcher) idle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = false
	d.state = StateIdle
	d.current = nil
}

func (d *Dispatcher) emit(ctx context.Context, a Action) {
	if d.recorder != nil {
		if err := d.recorder.Record(ctx, a); err != nil {
			d.logger.Warn("failed to record action", zap.String("id", a.ID), zap.Error(err))
		}
	}
	for _, fn := range d.onStateChange {
		fn(a)
	}
}

// DescribeAmount formats a wei amount for display.
func DescribeAmount(a Action) string {
	if a.Amount == "" {
		return ""
	}
	wei, ok := new(big.Int).SetString(a.Amount, 10)
	if !ok {
		return a.Amount
	}
	return eth.FormatEther(wei) + " " + eth.NativeSymbol
}
