package snapshot

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/phenomenon0/surebet/pkg/metrics"
	"github.com/phenomenon0/surebet/pkg/paper"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fixture struct {
	ledger *paper.Ledger
	clock  *paper.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := paper.NewClock(time.Unix(1_700_000_000, 0))
	config := paper.DefaultConfig()
	config.Clock = clock.Now
	return &fixture{ledger: paper.NewLedger(config), clock: clock}
}

func (f *fixture) create(t *testing.T, creator common.Address, d time.Duration) {
	t.Helper()
	s := f.ledger.Signer(creator)
	tx, err := s.CreateBet(context.Background(), "bet", d)
	require.NoError(t, err)
	_, err = s.WaitMined(context.Background(), tx)
	require.NoError(t, err)
}

func (f *fixture) wager(t *testing.T, who common.Address, id uint64, o surebet.Option, amt int64) {
	t.Helper()
	s := f.ledger.Signer(who)
	tx, err := s.PlaceBet(context.Background(), id, o, big.NewInt(amt))
	require.NoError(t, err)
	_, err = s.WaitMined(context.Background(), tx)
	require.NoError(t, err)
}

func (f *fixture) builder(opts ...BuilderOption) *Builder {
	return NewBuilder(f.ledger, append([]BuilderOption{WithClock(f.clock.Now)}, opts...)...)
}

func ids(bets []ClassifiedBet) []uint64 {
	out := make([]uint64, 0, len(bets))
	for _, cb := range bets {
		out = append(out, cb.Bet.ID)
	}
	return out
}

type staticViewer struct {
	addr common.Address
}

func (s staticViewer) Viewer() (common.Address, bool) {
	return s.addr, s.addr != (common.Address{})
}

func TestOpenFilter(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, time.Hour)    // 0 ends soon
	f.create(t, alice, 48*time.Hour) // 1
	f.create(t, bob, 48*time.Hour)   // 2

	f.clock.Advance(2 * time.Hour)

	bets, err := f.builder().Build(context.Background(), FilterOpen, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids(bets))
	for _, cb := range bets {
		assert.True(t, cb.Bet.EndTime > f.clock.Now().Unix())
	}
}

func TestCreatedFilter(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, time.Hour)
	f.create(t, bob, time.Hour)
	f.create(t, alice, time.Hour)

	bets, err := f.builder().Build(context.Background(), FilterCreated, alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2}, ids(bets))
}

func TestWageredFilter(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, time.Hour)
	f.create(t, alice, time.Hour)
	f.create(t, alice, time.Hour)

	f.wager(t, bob, 0, surebet.OptionTwo, 5)
	f.wager(t, bob, 2, surebet.OptionOne, 3)
	f.wager(t, bob, 2, surebet.OptionTwo, 4)

	bets, err := f.builder().Build(context.Background(), FilterWagered, bob)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 2}, ids(bets))

	assert.Equal(t, surebet.OptionTwo, bets[0].Position.Primary())
	assert.Equal(t, int64(5), bets[0].Position.On(surebet.OptionTwo).Int64())

	// Both sides staked: option 1 is shown, both amounts are kept.
	assert.Equal(t, surebet.OptionOne, bets[1].Position.Primary())
	assert.Equal(t, int64(4), bets[1].Position.Option2.Int64())
}

func TestViewerRequired(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, time.Hour)

	for _, filter := range []Filter{FilterCreated, FilterWagered} {
		_, err := f.builder().Build(context.Background(), filter, common.Address{})
		assert.True(t, surebet.IsValidation(err), "%s: %v", filter, err)
	}
}

func TestSkipsFailingIndex(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.create(t, alice, time.Hour)
	}
	f.ledger.FailRead(3, errors.New("connection reset"))

	bets, err := f.builder(WithConcurrency(4)).Build(context.Background(), FilterOpen, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2, 4, 5, 6, 7, 8, 9}, ids(bets))
}

func TestOrderIndependentOfCompletion(t *testing.T) {
	f := newFixture(t)
	const n = 5
	for i := 0; i < n; i++ {
		f.create(t, alice, time.Hour)
	}

	// Each read waits for the next index, so reads finish highest first.
	gates := make([]chan struct{}, n)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	var mu sync.Mutex
	var finished []uint64
	f.ledger.SetReadHook(func(ctx context.Context, index uint64) {
		if index < n-1 {
			<-gates[index+1]
		}
		mu.Lock()
		finished = append(finished, index)
		mu.Unlock()
		close(gates[index])
	})

	bets, err := f.builder(WithConcurrency(n)).Build(context.Background(), FilterOpen, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 3, 2, 1, 0}, finished)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, ids(bets))
}

func TestCountFailureFailsBuild(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, time.Hour)
	f.ledger.FailCount(errors.New("node down"))

	bets, err := f.builder().Build(context.Background(), FilterOpen, common.Address{})
	assert.Nil(t, bets)
	var ce *surebet.CountReadError
	assert.ErrorAs(t, err, &ce)
}

func TestViewErrorState(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailCount(errors.New("node down"))

	v := NewView(FilterOpen, f.builder(), nil, nil, nil)
	snap, err := v.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, StateError, v.Current().State)
	assert.NotEmpty(t, snap.Error)
}

type passKey struct{}

func TestStalePassDiscarded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.create(t, alice, time.Hour)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.ledger.SetReadHook(func(ctx context.Context, index uint64) {
		if ctx.Value(passKey{}) == nil {
			return
		}
		once.Do(func() { close(entered) })
		<-release
	})

	m := metrics.NewClientMetrics()
	v := NewView(FilterOpen, f.builder(WithMetrics(m)), nil, nil, m)

	var published []uint64
	v.OnUpdate(func(s Snapshot) { published = append(published, s.Generation) })

	slowDone := make(chan error, 1)
	go func() {
		_, err := v.Refresh(context.WithValue(context.Background(), passKey{}, 1))
		slowDone <- err
	}()
	<-entered

	// A bet added between passes shows up only in the newer pass.
	f.create(t, alice, time.Hour)
	fast, err := v.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fast.Generation)
	assert.Len(t, fast.Bets, 4)

	close(release)
	assert.ErrorIs(t, <-slowDone, ErrSuperseded)

	cur := v.Current()
	assert.Equal(t, uint64(2), cur.Generation)
	assert.Len(t, cur.Bets, 4)
	assert.Equal(t, []uint64{2}, published)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StaleDiscards.WithLabelValues("open")))
}

func TestSetRefreshAll(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, time.Hour)
	f.create(t, bob, time.Hour)
	f.wager(t, alice, 1, surebet.OptionOne, 10)

	set := NewSet(f.builder(), staticViewer{addr: alice}, nil, nil)
	require.NoError(t, set.RefreshAll(context.Background()))

	assert.Len(t, set.Open.Current().Bets, 2)
	assert.Equal(t, []uint64{0}, ids(set.Created.Current().Bets))
	assert.Equal(t, []uint64{1}, ids(set.Wagered.Current().Bets))
	assert.Equal(t, set.Wagered, set.Get(FilterWagered))
	for _, v := range set.All() {
		assert.Equal(t, StateReady, v.Current().State)
	}
}

func TestPartition(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, time.Hour)
	f.create(t, alice, time.Hour)
	f.wager(t, bob, 0, surebet.OptionOne, 1)
	f.wager(t, bob, 1, surebet.OptionOne, 1)

	f.clock.Advance(time.Hour)
	s := f.ledger.Signer(alice)
	tx, err := s.ResolveBet(context.Background(), 1, true)
	require.NoError(t, err)
	_, err = s.WaitMined(context.Background(), tx)
	require.NoError(t, err)

	v := NewView(FilterWagered, f.builder(), staticViewer{addr: bob}, nil, nil)
	snap, err := v.Refresh(context.Background())
	require.NoError(t, err)

	active, resolved := snap.Partition()
	assert.Equal(t, []uint64{0}, ids(active))
	assert.Equal(t, []uint64{1}, ids(resolved))
}
