package surebet

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LedgerABI is the subset of the SureBet contract interface the client uses.
const LedgerABI = `[
  {"type":"function","name":"nextBetId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"bets","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
    {"name":"creator","type":"address"},
    {"name":"description","type":"string"},
    {"name":"totalPool","type":"uint256"},
    {"name":"option1Pool","type":"uint256"},
    {"name":"option2Pool","type":"uint256"},
    {"name":"creationTime","type":"uint256"},
    {"name":"endTime","type":"uint256"},
    {"name":"isResolved","type":"bool"},
    {"name":"winningOption","type":"uint8"}]},
  {"type":"function","name":"userBets","stateMutability":"view","inputs":[{"name":"","type":"uint256"},{"name":"","type":"address"},{"name":"","type":"uint8"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"calculateWinnings","stateMutability":"view","inputs":[{"name":"betId","type":"uint256"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"createBet","stateMutability":"nonpayable","inputs":[{"name":"description","type":"string"},{"name":"duration","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"placeBet","stateMutability":"payable","inputs":[{"name":"betId","type":"uint256"},{"name":"option","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"resolveBet","stateMutability":"nonpayable","inputs":[{"name":"betId","type":"uint256"},{"name":"optionOneWins","type":"bool"}],"outputs":[]},
  {"type":"function","name":"claimWinnings","stateMutability":"nonpayable","inputs":[{"name":"betId","type":"uint256"}],"outputs":[]}
]`

// Contract method names.
const (
	MethodNextBetID         = "nextBetId"
	MethodBets              = "bets"
	MethodUserBets          = "userBets"
	MethodCalculateWinnings = "calculateWinnings"
	MethodCreateBet         = "createBet"
	MethodPlaceBet          = "placeBet"
	MethodResolveBet        = "resolveBet"
	MethodClaimWinnings     = "claimWinnings"
)

// ParsedABI is LedgerABI parsed once at init.
var ParsedABI = mustParseABI(LedgerABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("surebet: invalid ledger ABI: " + err.Error())
	}
	return parsed
}
