// Package session holds the wallet and chain context the rest of the
// client is constructed with.
package session

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReadOnly is returned when an action needs a signing account.
var ErrReadOnly = errors.New("session is read-only")

// Info is a point-in-time view of the session.
type Info struct {
	Account  *common.Address `json:"account,omitempty"`
	ChainID  *big.Int        `json:"chain_id"`
	CanSign  bool            `json:"can_sign"`
	Epoch    uint64          `json:"epoch"`
	ReadOnly bool            `json:"read_only"`
}

// Session is the bound account and chain. The epoch increases on every
// bind so consumers can tell an account change from a refresh.
type Session struct {
	mu       sync.RWMutex
	chainID  *big.Int
	account  common.Address
	bound    bool
	canSign  bool
	epoch    uint64
	onChange []func(Info)
}

// New creates an unbound session on chainID.
func New(chainID *big.Int) *Session {
	return &Session{chainID: new(big.Int).Set(chainID)}
}

// Bind binds account. canSign marks a session backed by a signing key.
func (s *Session) Bind(account common.Address, canSign bool) Info {
	s.mu.Lock()
	s.account = account
	s.bound = account != (common.Address{})
	s.canSign = canSign && s.bound
	s.epoch++
	info := s.infoLocked()
	observers := s.onChange
	s.mu.Unlock()

	for _, fn := range observers {
		fn(info)
	}
	return info
}

// Rebind switches to a read-only viewer account. A signing session cannot
// be rebound to another account.
func (s *Session) Rebind(account common.Address) (Info, error) {
	s.mu.RLock()
	signing := s.canSign
	current := s.account
	s.mu.RUnlock()

	if signing && account != current {
		return s.Info(), errors.New("signing session is bound to its key's account")
	}
	return s.Bind(account, signing), nil
}

// Unbind clears the account.
func (s *Session) Unbind() Info {
	return s.Bind(common.Address{}, false)
}

// Viewer returns the bound account.
func (s *Session) Viewer() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, s.bound
}

// Signer returns the bound account if it can sign.
func (s *Session) Signer() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.canSign {
		return common.Address{}, ErrReadOnly
	}
	return s.account, nil
}

// ChainID returns the session's chain.
func (s *Session) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// Info returns a copy of the session state.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked()
}

// OnChange registers fn to run after every bind.
func (s *Session) OnChange(fn func(Info)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Session) infoLocked() Info {
	info := Info{
		ChainID:  new(big.Int).Set(s.chainID),
		CanSign:  s.canSign,
		Epoch:    s.epoch,
		ReadOnly: !s.canSign,
	}
	if s.bound {
		addr := s.account
		info.Account = &addr
	}
	return info
}
