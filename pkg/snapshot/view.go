package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phenomenon0/surebet/pkg/metrics"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSuperseded is returned by Refresh when a later pass started before
// this one finished. Its result was discarded.
var ErrSuperseded = errors.New("snapshot superseded by a newer pass")

// State is the lifecycle state of a view.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Snapshot is the published content of a view.
type Snapshot struct {
	View       Filter          `json:"view"`
	Viewer     *common.Address `json:"viewer,omitempty"`
	Generation uint64          `json:"generation"`
	State      State           `json:"state"`
	Bets       []ClassifiedBet `json:"bets"`
	Error      string          `json:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Partition splits the bets into unresolved and resolved, preserving order.
func (s Snapshot) Partition() (active, resolved []ClassifiedBet) {
	for _, cb := range s.Bets {
		if cb.Bet.IsResolved {
			resolved = append(resolved, cb)
		} else {
			active = append(active, cb)
		}
	}
	return active, resolved
}

// ViewerSource supplies the account a view classifies against.
type ViewerSource interface {
	Viewer() (common.Address, bool)
}

// View owns one view's snapshot. Each Refresh is a pass tagged with a
// generation; only the most recently started pass may publish.
type View struct {
	filter  Filter
	builder *Builder
	viewer  ViewerSource
	logger  *zap.Logger
	metrics *metrics.ClientMetrics

	notifyMu sync.Mutex // serializes publish and observer delivery
	mu       sync.RWMutex
	started  uint64
	current  Snapshot

	observers []func(Snapshot)
}

// NewView creates a view. viewer may be nil for FilterOpen.
func NewView(filter Filter, builder *Builder, viewer ViewerSource, logger *zap.Logger, m *metrics.ClientMetrics) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{
		filter:  filter,
		builder: builder,
		viewer:  viewer,
		logger:  logger.With(zap.String("view", string(filter))),
		metrics: m,
		current: Snapshot{View: filter, State: StateIdle, Bets: []ClassifiedBet{}},
	}
}

// Filter returns the view's filter.
func (v *View) Filter() Filter {
	return v.filter
}

// OnUpdate registers fn to receive every published snapshot.
func (v *View) OnUpdate(fn func(Snapshot)) {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()
	v.observers = append(v.observers, fn)
}

// Current returns the latest published snapshot.
func (v *View) Current() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Refresh runs a new pass and publishes its result unless a newer pass
// was started in the meantime, in which case ErrSuperseded is returned.
func (v *View) Refresh(ctx context.Context) (Snapshot, error) {
	gen := v.begin()

	var viewer common.Address
	var hasViewer bool
	if v.viewer != nil {
		viewer, hasViewer = v.viewer.Viewer()
	}

	bets, err := v.builder.Build(ctx, v.filter, viewer)

	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	if gen != v.started {
		v.mu.Unlock()
		v.metrics.RecordStaleDiscard(string(v.filter))
		v.logger.Debug("discarding stale pass",
			zap.Uint64("generation", gen),
			zap.Uint64("latest", v.started))
		return Snapshot{}, ErrSuperseded
	}

	snap := Snapshot{
		View:       v.filter,
		Generation: gen,
		UpdatedAt:  time.Now(),
	}
	if hasViewer {
		addr := viewer
		snap.Viewer = &addr
	}
	if err != nil {
		snap.State = StateError
		snap.Error = err.Error()
		snap.Bets = []ClassifiedBet{}
	} else {
		snap.State = StateReady
		snap.Bets = bets
		v.metrics.SetListed(string(v.filter), len(bets))
	}
	v.current = snap
	observers := v.observers
	v.mu.Unlock()

	if err != nil {
		v.logger.Warn("view build failed", zap.Uint64("generation", gen), zap.Error(err))
	} else {
		v.logger.Debug("view published", zap.Uint64("generation", gen), zap.Int("bets", len(bets)))
	}

	for _, fn := range observers {
		fn(snap)
	}
	return snap, err
}

func (v *View) begin() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.started++
	v.current.State = StateLoading
	return v.started
}

// Set groups the daemon's views.
type Set struct {
	Open    *View
	Created *View
	Wagered *View
}

// NewSet creates the open, created and wagered views over one builder.
func NewSet(builder *Builder, viewer ViewerSource, logger *zap.Logger, m *metrics.ClientMetrics) *Set {
	return &Set{
		Open:    NewView(FilterOpen, builder, viewer, logger, m),
		Created: NewView(FilterCreated, builder, viewer, logger, m),
		Wagered: NewView(FilterWagered, builder, viewer, logger, m),
	}
}

// All returns the views in display order.
func (s *Set) All() []*View {
	return []*View{s.Open, s.Created, s.Wagered}
}

// Get returns the view for filter, or nil.
func (s *Set) Get(filter Filter) *View {
	for _, v := range s.All() {
		if v.filter == filter {
			return v
		}
	}
	return nil
}

// RefreshAll refreshes every view concurrently. Superseded passes are not
// errors; the first other error is returned.
func (s *Set) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	for _, v := range s.All() {
		v := v
		g.Go(func() error {
			if _, err := v.Refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
