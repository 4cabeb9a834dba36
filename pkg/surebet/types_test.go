package surebet

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBet() *Bet {
	return &Bet{
		ID:           4,
		Creator:      common.HexToAddress("0xabc"),
		Description:  "Rain tomorrow?",
		TotalPool:    big.NewInt(30),
		Option1Pool:  big.NewInt(10),
		Option2Pool:  big.NewInt(20),
		CreationTime: 1000,
		EndTime:      2000,
	}
}

func TestBetValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Bet)
		errMsg string
	}{
		{"valid", func(b *Bet) {}, ""},
		{"pool mismatch", func(b *Bet) { b.TotalPool = big.NewInt(31) }, "total pool"},
		{"missing pool", func(b *Bet) { b.Option2Pool = nil }, "missing pool"},
		{"negative pool", func(b *Bet) {
			b.Option1Pool = big.NewInt(-10)
			b.TotalPool = big.NewInt(10)
		}, "negative pool"},
		{"end equals creation", func(b *Bet) { b.EndTime = b.CreationTime }, "end time"},
		{"resolved without winner", func(b *Bet) { b.IsResolved = true }, "winning option"},
		{"resolved", func(b *Bet) {
			b.IsResolved = true
			b.WinningOption = OptionTwo
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := sampleBet()
			tt.mutate(b)
			err := b.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestBetLifecycle(t *testing.T) {
	b := sampleBet()

	before := time.Unix(1999, 0)
	at := time.Unix(2000, 0)

	assert.True(t, b.IsOpen(before))
	assert.False(t, b.HasEnded(before))
	assert.Equal(t, "active", b.Status(before))

	assert.False(t, b.IsOpen(at))
	assert.True(t, b.HasEnded(at))
	assert.Equal(t, "ended", b.Status(at))

	b.IsResolved = true
	b.WinningOption = OptionOne
	assert.False(t, b.IsOpen(before))
	assert.Equal(t, "resolved", b.Status(before))
	assert.Equal(t, int64(10), b.WinningPool().Int64())
	assert.Equal(t, int64(0), b.Pool(OptionUnset).Int64())
}

func TestParseOption(t *testing.T) {
	for in, want := range map[string]Option{"1": OptionOne, "yes": OptionOne, "2": OptionTwo, "NO": OptionTwo} {
		got, err := ParseOption(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseOption("3")
	assert.Error(t, err)

	assert.Equal(t, "yes", OptionOne.String())
	assert.Equal(t, "no", OptionTwo.String())
	assert.Equal(t, "unset", OptionUnset.String())
	assert.False(t, OptionUnset.Valid())
}

func TestBetClone(t *testing.T) {
	b := sampleBet()
	c := b.Clone()

	c.TotalPool.SetInt64(99)
	c.Option1Pool.SetInt64(99)
	c.Description = "changed"

	assert.Equal(t, int64(30), b.TotalPool.Int64())
	assert.Equal(t, int64(10), b.Option1Pool.Int64())
	assert.Equal(t, "Rain tomorrow?", b.Description)
}

func TestNormalizeDescription(t *testing.T) {
	assert.Equal(t, "Will it rain?", NormalizeDescription("  Will\tit \n rain?  "))
	assert.Equal(t, "café", NormalizeDescription("café"))
	assert.Equal(t, "ab", NormalizeDescription("a\x00b"))
}
