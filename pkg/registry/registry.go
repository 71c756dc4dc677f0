// Package registry models the relay registry contract: operators stake to
// list a relay URL, and readers enumerate the listed relays.
package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrStakeTooLow       = errors.New("registry: stake below minimum")
	ErrEmptyURL          = errors.New("registry: empty url")
	ErrAlreadyRegistered = errors.New("registry: operator already registered")
	ErrNotRegistered     = errors.New("registry: operator not registered")
)

// MinStake is 250,000 tokens at 18 decimals.
var MinStake = new(uint256.Int).Mul(uint256.NewInt(250_000), uint256.NewInt(1_000_000_000_000_000_000))

type Relay struct {
	Operator     common.Address `json:"operator"`
	URL          string         `json:"url"`
	Stake        *uint256.Int   `json:"stake"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// Reader is the read side used by relay discovery.
type Reader interface {
	StakeOf(operator common.Address) *uint256.Int
	Relays() []Relay
	Count() int
}

// Registry keeps relays in a dense slice with a 1-based index per operator,
// so removal swaps the last entry into the hole.
type Registry struct {
	mu     sync.RWMutex
	relays []Relay
	index  map[common.Address]int
	now    func() time.Time
}

var _ Reader = (*Registry)(nil)

func New() *Registry {
	return &Registry{index: make(map[common.Address]int), now: time.Now}
}

func check(url string, stake *uint256.Int) error {
	if stake == nil || stake.Lt(MinStake) {
		return fmt.Errorf("%w: have %s, need %s", ErrStakeTooLow, stakeString(stake), MinStake.Dec())
	}
	if url == "" {
		return ErrEmptyURL
	}
	return nil
}

func (r *Registry) Register(operator common.Address, url string, stake *uint256.Int) error {
	if err := check(url, stake); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index[operator] != 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, operator.Hex())
	}
	r.relays = append(r.relays, Relay{
		Operator:     operator,
		URL:          url,
		Stake:        stake.Clone(),
		RegisteredAt: r.now(),
	})
	r.index[operator] = len(r.relays)
	return nil
}

func (r *Registry) Update(operator common.Address, url string) error {
	if url == "" {
		return ErrEmptyURL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index[operator]
	if i == 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, operator.Hex())
	}
	r.relays[i-1].URL = url
	return nil
}

// Remove deregisters operator and returns its stake.
func (r *Registry) Remove(operator common.Address) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index[operator]
	if i == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, operator.Hex())
	}
	stake := r.relays[i-1].Stake

	last := len(r.relays) - 1
	if i-1 != last {
		r.relays[i-1] = r.relays[last]
		r.index[r.relays[i-1].Operator] = i
	}
	r.relays[last] = Relay{}
	r.relays = r.relays[:last]
	delete(r.index, operator)
	return stake, nil
}

// Listing is one relay offered to Replace.
type Listing struct {
	Operator common.Address
	URL      string
	Stake    *uint256.Int
}

// Replace swaps the whole relay set for listings under one lock, so readers
// see the old set or the new one and never a partial load. Listings Register
// would refuse are skipped and reported in input order.
func (r *Registry) Replace(listings []Listing) []error {
	var errs []error
	relays := make([]Relay, 0, len(listings))
	index := make(map[common.Address]int, len(listings))
	now := r.now()
	for _, l := range listings {
		if err := check(l.URL, l.Stake); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Operator.Hex(), err))
			continue
		}
		if index[l.Operator] != 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrAlreadyRegistered, l.Operator.Hex()))
			continue
		}
		relays = append(relays, Relay{
			Operator:     l.Operator,
			URL:          l.URL,
			Stake:        l.Stake.Clone(),
			RegisteredAt: now,
		})
		index[l.Operator] = len(relays)
	}

	r.mu.Lock()
	r.relays, r.index = relays, index
	r.mu.Unlock()
	return errs
}

// StakeOf returns the operator's stake, zero if unregistered.
func (r *Registry) StakeOf(operator common.Address) *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.index[operator]; i != 0 {
		return r.relays[i-1].Stake.Clone()
	}
	return new(uint256.Int)
}

func (r *Registry) Relays() []Relay {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Relay, len(r.relays))
	for i, rel := range r.relays {
		rel.Stake = rel.Stake.Clone()
		out[i] = rel
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.relays)
}

// ParseStake reads a decimal token amount in wei.
func ParseStake(s string) (*uint256.Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok || b.Sign() < 0 {
		return nil, fmt.Errorf("registry: bad stake %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("registry: stake %q overflows uint256", s)
	}
	return v, nil
}

func stakeString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
