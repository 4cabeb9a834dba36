package dispatch

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phenomenon0/surebet/pkg/metrics"
	"github.com/phenomenon0/surebet/pkg/paper"
	"github.com/phenomenon0/surebet/pkg/session"
	"github.com/phenomenon0/surebet/pkg/snapshot"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type harness struct {
	ledger *paper.Ledger
	clock  *paper.Clock
	m      *metrics.ClientMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := paper.NewClock(time.Unix(1_700_000_000, 0))
	config := paper.DefaultConfig()
	config.Clock = clock.Now
	return &harness{ledger: paper.NewLedger(config), clock: clock, m: metrics.NewClientMetrics()}
}

func (h *harness) dispatcher(account common.Address) *Dispatcher {
	config := DefaultConfig()
	config.Clock = h.clock.Now
	return New(config, h.ledger.Signer(account), h.ledger, nil, h.m)
}

type memRecorder struct {
	mu      sync.Mutex
	actions []Action
}

func (r *memRecorder) Record(ctx context.Context, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

func TestPlaceBetEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	creator := h.dispatcher(alice)
	_, err := creator.CreateBet(ctx, CreateBetRequest{Description: "Will it snow?", Duration: 3, Unit: UnitDays})
	require.NoError(t, err)

	views := snapshot.NewSet(
		snapshot.NewBuilder(h.ledger, snapshot.WithClock(h.clock.Now)),
		staticViewer(bob), nil, h.m)
	require.NoError(t, views.RefreshAll(ctx))
	require.Len(t, views.Open.Current().Bets, 1)
	assert.Equal(t, int64(0), views.Open.Current().Bets[0].Bet.TotalPool.Int64())

	d := h.dispatcher(bob)
	rec := &memRecorder{}
	d.SetRecorder(rec)

	var states []State
	d.OnStateChange(func(a Action) { states = append(states, a.State) })
	d.OnConfirmed(func(ctx context.Context, a Action) {
		require.NoError(t, views.RefreshAll(ctx))
	})

	action, err := d.PlaceBet(ctx, PlaceBetRequest{BetID: 0, Option: surebet.OptionOne, Amount: "1.5"})
	require.NoError(t, err)

	assert.Equal(t, StateConfirmed, action.State)
	assert.NotEmpty(t, action.ID)
	assert.NotEmpty(t, action.TxHash)
	assert.Equal(t, []State{StateSubmitting, StateSubmitting, StateConfirmed}, states)
	assert.Equal(t, StateIdle, d.Status().State)

	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	bet := views.Open.Current().Bets[0].Bet
	assert.Equal(t, 0, bet.TotalPool.Cmp(want))
	assert.Equal(t, 0, bet.Option1Pool.Cmp(want))

	wagered := views.Wagered.Current().Bets
	require.Len(t, wagered, 1)
	assert.Equal(t, surebet.OptionOne, wagered[0].Position.Primary())

	assert.Len(t, rec.actions, 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.ActionsTotal.WithLabelValues("wager", "confirmed")))
	assert.Equal(t, "1.5 MNT", DescribeAmount(*action))
}

type staticViewer common.Address

func (v staticViewer) Viewer() (common.Address, bool) {
	return common.Address(v), true
}

func TestValidationBlocksSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dispatcher(alice)

	tests := []struct {
		name  string
		call  func() error
		field string
	}{
		{"blank description", func() error {
			_, err := d.CreateBet(ctx, CreateBetRequest{Description: " \n\t ", Duration: 1})
			return err
		}, "description"},
		{"zero duration", func() error {
			_, err := d.CreateBet(ctx, CreateBetRequest{Description: "x", Duration: 0})
			return err
		}, "duration"},
		{"bad unit", func() error {
			_, err := d.CreateBet(ctx, CreateBetRequest{Description: "x", Duration: 1, Unit: "weeks"})
			return err
		}, "unit"},
		{"duration overflows", func() error {
			_, err := d.CreateBet(ctx, CreateBetRequest{Description: "x", Duration: 200_000_000, Unit: UnitDays})
			return err
		}, "duration"},
		{"duration past limit in hours", func() error {
			_, err := d.CreateBet(ctx, CreateBetRequest{Description: "x", Duration: 87_601, Unit: UnitHours})
			return err
		}, "duration"},
		{"description too long", func() error {
			_, err := d.CreateBet(ctx, CreateBetRequest{Description: strings.Repeat("é", surebet.MaxDescriptionLength+1), Duration: 1})
			return err
		}, "description"},
		{"no option", func() error {
			_, err := d.PlaceBet(ctx, PlaceBetRequest{Amount: "1"})
			return err
		}, "option"},
		{"zero amount", func() error {
			_, err := d.PlaceBet(ctx, PlaceBetRequest{Option: surebet.OptionTwo, Amount: "0"})
			return err
		}, "amount"},
		{"garbage amount", func() error {
			_, err := d.PlaceBet(ctx, PlaceBetRequest{Option: surebet.OptionTwo, Amount: "abc"})
			return err
		}, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var ve *surebet.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	stats := h.ledger.Stats()
	assert.Equal(t, uint64(0), stats.Transactions, "validation failures must not submit")
	assert.NotNil(t, d.LastError())
}

func TestResolvePreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dispatcher(alice)

	_, err := d.CreateBet(ctx, CreateBetRequest{Description: "race", Duration: 2, Unit: UnitHours})
	require.NoError(t, err)

	_, err = d.ResolveBet(ctx, ResolveBetRequest{BetID: 0, Option: surebet.OptionOne})
	assert.True(t, surebet.IsValidation(err), "resolve before end: %v", err)

	h.clock.Advance(2 * time.Hour)

	_, err = h.dispatcher(bob).ResolveBet(ctx, ResolveBetRequest{BetID: 0, Option: surebet.OptionOne})
	assert.True(t, surebet.IsValidation(err), "resolve by non-creator: %v", err)

	_, err = d.ResolveBet(ctx, ResolveBetRequest{BetID: 0})
	assert.True(t, surebet.IsValidation(err), "resolve without option: %v", err)

	a, err := d.ResolveBet(ctx, ResolveBetRequest{BetID: 0, Option: surebet.OptionTwo})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, a.State)

	bet, err := h.ledger.Bet(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, surebet.OptionTwo, bet.WinningOption)

	_, err = d.ResolveBet(ctx, ResolveBetRequest{BetID: 0, Option: surebet.OptionOne})
	assert.True(t, surebet.IsValidation(err), "second resolve: %v", err)
}

func TestClaimFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.dispatcher(alice)
	better := h.dispatcher(bob)

	_, err := creator.CreateBet(ctx, CreateBetRequest{Description: "coin", Duration: 1, Unit: UnitHours})
	require.NoError(t, err)
	_, err = better.PlaceBet(ctx, PlaceBetRequest{BetID: 0, Option: surebet.OptionOne, Amount: "0.000000000000000100"})
	require.NoError(t, err)
	_, err = creator.PlaceBet(ctx, PlaceBetRequest{BetID: 0, Option: surebet.OptionTwo, Amount: "0.000000000000000300"})
	require.NoError(t, err)

	_, err = better.ClaimWinnings(ctx, ClaimRequest{BetID: 0})
	assert.True(t, surebet.IsValidation(err), "claim before resolve: %v", err)

	h.clock.Advance(time.Hour)
	_, err = creator.ResolveBet(ctx, ResolveBetRequest{BetID: 0, Option: surebet.OptionOne})
	require.NoError(t, err)

	_, err = creator.ClaimWinnings(ctx, ClaimRequest{BetID: 0})
	assert.True(t, surebet.IsValidation(err), "loser claim: %v", err)

	a, err := better.ClaimWinnings(ctx, ClaimRequest{BetID: 0})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, a.State)
	// 100 * 400 / 100 = 400, fee 12.
	assert.Equal(t, int64(388), h.ledger.Credits(bob).Int64())
}

func TestRevertedReceiptFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dispatcher(alice)

	confirmed := false
	d.OnConfirmed(func(context.Context, Action) { confirmed = true })

	h.ledger.FailNextReceipt()
	a, err := d.CreateBet(ctx, CreateBetRequest{Description: "x", Duration: 1})
	require.Error(t, err)

	var re *surebet.RevertError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, StateFailed, a.State)
	assert.False(t, confirmed)
	assert.Equal(t, StateIdle, d.Status().State)

	n := d.LastError()
	require.NotNil(t, n)
	assert.Equal(t, a.ID, n.ActionID)

	h.clock.Advance(6 * time.Second)
	assert.Nil(t, d.LastError(), "notice should auto-dismiss")
}

func TestSubmissionRevertFails(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(bob)

	a, err := d.PlaceBet(context.Background(), PlaceBetRequest{BetID: 42, Option: surebet.OptionOne, Amount: "1"})
	var re *surebet.RevertError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Bet does not exist", re.Reason)
	assert.Equal(t, StateFailed, a.State)
	assert.Empty(t, a.TxHash)
}

type blockingLedger struct {
	Ledger
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLedger) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	close(b.entered)
	<-b.release
	return b.Ledger.WaitMined(ctx, tx)
}

func TestOnePendingAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bl := &blockingLedger{
		Ledger:  h.ledger.Signer(alice),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := New(nil, bl, h.ledger, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.CreateBet(ctx, CreateBetRequest{Description: "first", Duration: 1})
		done <- err
	}()
	<-bl.entered

	assert.Equal(t, StateSubmitting, d.Status().State)
	_, err := d.CreateBet(ctx, CreateBetRequest{Description: "second", Duration: 1})
	assert.ErrorIs(t, err, ErrActionPending)

	close(bl.release)
	require.NoError(t, <-done)

	n, _ := h.ledger.NextBetID(ctx)
	assert.Equal(t, uint64(1), n)
}

func TestNoAdmissionWhileConfirmHooksRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dispatcher(alice)

	inHook := make(chan struct{})
	release := make(chan struct{})
	d.OnConfirmed(func(ctx context.Context, a Action) {
		if a.Kind == KindCreate {
			close(inHook)
			<-release
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := d.CreateBet(ctx, CreateBetRequest{Description: "first", Duration: 1})
		done <- err
	}()
	<-inHook

	_, err := d.CreateBet(ctx, CreateBetRequest{Description: "second", Duration: 1})
	assert.ErrorIs(t, err, ErrActionPending)
	_, err = d.PlaceBet(ctx, PlaceBetRequest{BetID: 0, Option: surebet.OptionOne, Amount: "1"})
	assert.ErrorIs(t, err, ErrActionPending)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, d.Status().State)

	n, _ := h.ledger.NextBetID(ctx)
	assert.Equal(t, uint64(1), n)

	// Admission reopens once the first action has fully finished.
	_, err = d.PlaceBet(ctx, PlaceBetRequest{BetID: 0, Option: surebet.OptionOne, Amount: "1"})
	require.NoError(t, err)
}

func TestNoAdmissionWhileFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dispatcher(alice)

	inRecord := make(chan struct{})
	release := make(chan struct{})
	d.SetRecorder(recorderFunc(func(ctx context.Context, a Action) error {
		if a.State == StateFailed {
			close(inRecord)
			<-release
		}
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := d.PlaceBet(ctx, PlaceBetRequest{BetID: 9, Option: surebet.OptionOne, Amount: "1"})
		done <- err
	}()
	<-inRecord

	_, err := d.CreateBet(ctx, CreateBetRequest{Description: "next", Duration: 1})
	assert.ErrorIs(t, err, ErrActionPending)

	close(release)
	assert.Error(t, <-done)
	assert.Equal(t, StateIdle, d.Status().State)
}

type recorderFunc func(ctx context.Context, a Action) error

func (f recorderFunc) Record(ctx context.Context, a Action) error { return f(ctx, a) }

func TestReadOnlyDispatcher(t *testing.T) {
	h := newHarness(t)
	d := New(nil, nil, h.ledger, nil, nil)

	_, err := d.CreateBet(context.Background(), CreateBetRequest{Description: "x", Duration: 1})
	assert.True(t, errors.Is(err, session.ErrReadOnly))
}

func TestCreateBetDefaults(t *testing.T) {
	req := CreateBetRequest{Description: "  Who   wins?\n", Duration: DefaultDurationAmount}.Normalize()
	assert.Equal(t, "Who wins?", req.Description)
	assert.Equal(t, UnitDays, req.Unit)
	assert.Equal(t, 7*24*time.Hour, req.Period())

	hours := CreateBetRequest{Description: "x", Duration: 5, Unit: UnitHours}
	assert.Equal(t, 5*time.Hour, hours.Period())
}
