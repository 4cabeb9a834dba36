// Package snapshot builds classified bet lists from the ledger and keeps
// the per-view snapshots the daemon serves.
package snapshot

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/phenomenon0/surebet/pkg/metrics"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Filter selects which bets a build keeps.
type Filter string

const (
	// FilterOpen keeps unresolved bets whose betting period has not ended.
	FilterOpen Filter = "open"
	// FilterCreated keeps bets created by the viewer.
	FilterCreated Filter = "created"
	// FilterWagered keeps bets the viewer holds a stake in.
	FilterWagered Filter = "wagered"
)

// NeedsViewer reports whether f classifies relative to an account.
func (f Filter) NeedsViewer() bool {
	return f == FilterCreated || f == FilterWagered
}

// Position is the viewer's stake on both sides of one bet.
type Position struct {
	Option1 *big.Int `json:"option1"`
	Option2 *big.Int `json:"option2"`
}

// Empty reports whether the viewer has no stake on either side.
func (p *Position) Empty() bool {
	return p == nil || (p.Option1.Sign() == 0 && p.Option2.Sign() == 0)
}

// Primary returns the side shown as the viewer's position: option 1 if
// staked, else option 2.
func (p *Position) Primary() surebet.Option {
	switch {
	case p.Empty():
		return surebet.OptionUnset
	case p.Option1.Sign() > 0:
		return surebet.OptionOne
	default:
		return surebet.OptionTwo
	}
}

// On returns the stake on option o.
func (p *Position) On(o surebet.Option) *big.Int {
	if p == nil {
		return new(big.Int)
	}
	switch o {
	case surebet.OptionOne:
		return p.Option1
	case surebet.OptionTwo:
		return p.Option2
	default:
		return new(big.Int)
	}
}

// ClassifiedBet is a bet that matched a filter. Position is set only for
// FilterWagered.
type ClassifiedBet struct {
	Bet      *surebet.Bet `json:"bet"`
	Position *Position    `json:"position,omitempty"`
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithConcurrency bounds the number of in-flight index reads.
func WithConcurrency(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithClock sets the time source used by the open filter.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// WithLogger sets the builder's logger.
func WithLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = l
	}
}

// WithMetrics records build outcomes.
func WithMetrics(m *metrics.ClientMetrics) BuilderOption {
	return func(b *Builder) {
		b.metrics = m
	}
}

// Builder reads every bet index and classifies the records.
type Builder struct {
	reader      surebet.Reader
	concurrency int
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.ClientMetrics
}

// NewBuilder creates a builder reading from reader.
func NewBuilder(reader surebet.Reader, opts ...BuilderOption) *Builder {
	b := &Builder{
		reader:      reader,
		concurrency: 8,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build reads the bet count and classifies every index. The zero address
// means no viewer.
func (b *Builder) Build(ctx context.Context, filter Filter, viewer common.Address) ([]ClassifiedBet, error) {
	start := time.Now()
	out, err := b.build(ctx, filter, viewer)
	b.metrics.ObserveBuild(string(filter), err, time.Since(start))
	return out, err
}

func (b *Builder) build(ctx context.Context, filter Filter, viewer common.Address) ([]ClassifiedBet, error) {
	if err := checkFilter(filter, viewer); err != nil {
		return nil, err
	}

	total, err := b.reader.NextBetID(ctx)
	if err != nil {
		return nil, err
	}

	return b.classify(ctx, total, filter, viewer)
}

func checkFilter(filter Filter, viewer common.Address) error {
	switch filter {
	case FilterOpen, FilterCreated, FilterWagered:
	default:
		return surebet.Invalid("filter", "unknown filter %q", filter)
	}
	if filter.NeedsViewer() && viewer == (common.Address{}) {
		return surebet.Invalid("viewer", "%s view requires a connected account", filter)
	}
	return nil
}

func (b *Builder) classify(ctx context.Context, total uint64, filter Filter, viewer common.Address) ([]ClassifiedBet, error) {
	slots := make([]*ClassifiedBet, total)
	now := b.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i := uint64(0); i < total; i++ {
		index := i
		g.Go(func() error {
			cb, err := b.classifyOne(gctx, index, filter, viewer, now)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Warn("skipping unreadable bet",
					zap.Uint64("index", index),
					zap.String("view", string(filter)),
					zap.Error(err))
				return nil
			}
			slots[index] = cb
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build %s view: %w", filter, err)
	}

	out := make([]ClassifiedBet, 0, len(slots))
	for _, cb := range slots {
		if cb != nil {
			out = append(out, *cb)
		}
	}
	return out, nil
}

// classifyOne returns nil, nil when the bet does not match.
func (b *Builder) classifyOne(ctx context.Context, index uint64, filter Filter, viewer common.Address, now time.Time) (*ClassifiedBet, error) {
	bet, err := b.reader.Bet(ctx, index)
	if err != nil {
		return nil, err
	}

	switch filter {
	case FilterOpen:
		if !bet.IsOpen(now) {
			return nil, nil
		}
		return &ClassifiedBet{Bet: bet}, nil

	case FilterCreated:
		if bet.Creator != viewer {
			return nil, nil
		}
		return &ClassifiedBet{Bet: bet}, nil

	case FilterWagered:
		one, err := b.reader.UserBet(ctx, index, viewer, surebet.OptionOne)
		if err != nil {
			return nil, err
		}
		two, err := b.reader.UserBet(ctx, index, viewer, surebet.OptionTwo)
		if err != nil {
			return nil, err
		}
		pos := &Position{Option1: one, Option2: two}
		if pos.Empty() {
			return nil, nil
		}
		return &ClassifiedBet{Bet: bet, Position: pos}, nil
	}
	return nil, nil
}
