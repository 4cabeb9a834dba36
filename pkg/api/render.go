package api

import (
	"context"
	"math/big"
	"time"

	"github.com/phenomenon0/surebet/pkg/eth"
	"github.com/phenomenon0/surebet/pkg/payout"
	"github.com/phenomenon0/surebet/pkg/snapshot"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type amount struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func newAmount(wei *big.Int) amount {
	if wei == nil {
		wei = new(big.Int)
	}
	return amount{Wei: wei.String(), Ether: eth.FormatEther(wei)}
}

type positionJSON struct {
	Option1 amount `json:"option1"`
	Option2 amount `json:"option2"`
	Primary string `json:"primary"`
	Amount  amount `json:"amount"`
}

type breakdownJSON struct {
	Stake        amount `json:"stake"`
	SharePercent string `json:"share_percent"`
	Gross        amount `json:"gross"`
	Fee          amount `json:"fee"`
	Net          amount `json:"net"`
	Profit       amount `json:"profit"`
}

type betJSON struct {
	ID             uint64         `json:"id"`
	Creator        common.Address `json:"creator"`
	Description    string         `json:"description"`
	TotalPool      amount         `json:"total_pool"`
	Option1Pool    amount         `json:"option1_pool"`
	Option2Pool    amount         `json:"option2_pool"`
	CreationTime   time.Time      `json:"creation_time"`
	EndTime        time.Time      `json:"end_time"`
	IsResolved     bool           `json:"is_resolved"`
	WinningOption  string         `json:"winning_option,omitempty"`
	Status         string         `json:"status"`
	CanResolve     *bool          `json:"can_resolve,omitempty"`
	Position       *positionJSON  `json:"position,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	Payout         *breakdownJSON `json:"payout,omitempty"`
	LedgerWinnings *amount        `json:"ledger_winnings,omitempty"`
}

type viewJSON struct {
	View       snapshot.Filter `json:"view"`
	Viewer     *common.Address `json:"viewer,omitempty"`
	State      snapshot.State  `json:"state"`
	Generation uint64          `json:"generation"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Error      string          `json:"error,omitempty"`
	Tab        string          `json:"tab,omitempty"`
	Counts     map[string]int  `json:"counts,omitempty"`
	Bets       []betJSON       `json:"bets"`
}

// render converts a snapshot into its JSON form, adding per-view fields.
func (s *Server) render(ctx context.Context, snap snapshot.Snapshot, bets []snapshot.ClassifiedBet) viewJSON {
	now := s.now()
	out := viewJSON{
		View:       snap.View,
		Viewer:     snap.Viewer,
		State:      snap.State,
		Generation: snap.Generation,
		UpdatedAt:  snap.UpdatedAt,
		Error:      snap.Error,
		Bets:       make([]betJSON, 0, len(bets)),
	}

	for _, cb := range bets {
		b := renderBet(cb.Bet, now)

		if snap.View == snapshot.FilterCreated {
			can := cb.Bet.HasEnded(now) && !cb.Bet.IsResolved
			b.CanResolve = &can
		}
		if cb.Position != nil {
			s.renderPosition(ctx, &b, cb, snap.Viewer)
		}
		out.Bets = append(out.Bets, b)
	}
	return out
}

func renderBet(bet *surebet.Bet, now time.Time) betJSON {
	b := betJSON{
		ID:           bet.ID,
		Creator:      bet.Creator,
		Description:  bet.Description,
		TotalPool:    newAmount(bet.TotalPool),
		Option1Pool:  newAmount(bet.Option1Pool),
		Option2Pool:  newAmount(bet.Option2Pool),
		CreationTime: bet.CreatedAt().UTC(),
		EndTime:      bet.EndsAt().UTC(),
		IsResolved:   bet.IsResolved,
		Status:       bet.Status(now),
	}
	if bet.IsResolved {
		b.WinningOption = bet.WinningOption.String()
	}
	return b
}

func (s *Server) renderPosition(ctx context.Context, b *betJSON, cb snapshot.ClassifiedBet, viewer *common.Address) {
	pos := cb.Position
	primary := pos.Primary()
	b.Position = &positionJSON{
		Option1: newAmount(pos.Option1),
		Option2: newAmount(pos.Option2),
		Primary: primary.String(),
		Amount:  newAmount(pos.On(primary)),
	}

	if !cb.Bet.IsResolved {
		b.Outcome = "pending"
		return
	}

	// Payout follows the stake on the winning side, whichever side is primary.
	stake := pos.On(cb.Bet.WinningOption)
	if stake.Sign() == 0 {
		b.Outcome = "lost"
		return
	}
	b.Outcome = "won"

	bd := payout.Compute(payout.ForBet(cb.Bet, cb.Bet.WinningOption, stake, s.feeBasisPoints))
	b.Payout = &breakdownJSON{
		Stake:        newAmount(bd.Stake),
		SharePercent: bd.SharePercent.StringFixed(2),
		Gross:        newAmount(bd.Gross),
		Fee:          newAmount(bd.Fee),
		Net:          newAmount(bd.Net),
		Profit:       newAmount(bd.Profit),
	}

	if s.winnings != nil && viewer != nil {
		w, err := s.winnings.CalculateWinnings(ctx, cb.Bet.ID, *viewer)
		if err != nil {
			s.logger.Debug("ledger winnings unavailable", zap.Uint64("bet", cb.Bet.ID), zap.Error(err))
			return
		}
		a := newAmount(w)
		b.LedgerWinnings = &a
		if w.Cmp(bd.Net) != 0 {
			s.logger.Warn("mirrored payout differs from ledger",
				zap.Uint64("bet", cb.Bet.ID),
				zap.String("mirrored", bd.Net.String()),
				zap.String("ledger", w.String()))
		}
	}
}
