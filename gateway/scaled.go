// Package gateway provides reference implementations of the pool the
// overlay sits on. Two flavours exist: a scaled-balance pool with
// governance-set rates and a utilisation pool that derives its rates from
// cash and borrows. Both are in-memory and intended for the daemon's
// simulation mode and for tests.
package gateway

import (
	"errors"
	"math/big"
	"sync"

	"peerlend/fixedpoint"
)

var (
	ErrUnknownAsset          = errors.New("gateway: unknown asset")
	ErrInsufficientLiquidity = errors.New("gateway: insufficient pool liquidity")
)

type scaledAsset struct {
	supplyIndex *big.Int
	borrowIndex *big.Int
	supplyRate  *big.Int
	borrowRate  *big.Int
	lastBlock   uint64
	cash        *big.Int
	borrows     *big.Int
}

// ScaledPool models a pool whose exchange rates are indexes growing at
// governance-set per-block rates, independent of utilisation.
type ScaledPool struct {
	mu     sync.Mutex
	block  uint64
	assets map[string]*scaledAsset
}

func NewScaledPool() *ScaledPool {
	return &ScaledPool{assets: make(map[string]*scaledAsset)}
}

// AddAsset registers an asset with fixed ray per-block rates.
func (p *ScaledPool) AddAsset(asset string, supplyRate, borrowRate *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := &scaledAsset{
		supplyIndex: new(big.Int).Set(fixedpoint.Ray),
		borrowIndex: new(big.Int).Set(fixedpoint.Ray),
		supplyRate:  big.NewInt(0),
		borrowRate:  big.NewInt(0),
		lastBlock:   p.block,
		cash:        big.NewInt(0),
		borrows:     big.NewInt(0),
	}
	if supplyRate != nil {
		a.supplyRate.Set(supplyRate)
	}
	if borrowRate != nil {
		a.borrowRate.Set(borrowRate)
	}
	p.assets[asset] = a
}

// SetBlock advances the pool's clock; indexes accrue lazily.
func (p *ScaledPool) SetBlock(height uint64) {
	p.mu.Lock()
	p.block = height
	p.mu.Unlock()
}

func (p *ScaledPool) asset(name string) (*scaledAsset, error) {
	a, ok := p.assets[name]
	if !ok {
		return nil, ErrUnknownAsset
	}
	if p.block > a.lastBlock {
		delta := p.block - a.lastBlock
		a.supplyIndex = fixedpoint.LinearGrowth(a.supplyIndex, a.supplyRate, delta)
		a.borrowIndex = fixedpoint.LinearGrowth(a.borrowIndex, a.borrowRate, delta)
		a.lastBlock = p.block
	}
	return a, nil
}

func (p *ScaledPool) Supply(asset string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return err
	}
	a.cash.Add(a.cash, amount)
	return nil
}

func (p *ScaledPool) Withdraw(asset string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return err
	}
	if a.cash.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	a.cash.Sub(a.cash, amount)
	return nil
}

func (p *ScaledPool) Borrow(asset string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return err
	}
	if a.cash.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	a.cash.Sub(a.cash, amount)
	a.borrows.Add(a.borrows, amount)
	return nil
}

func (p *ScaledPool) Repay(asset string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return err
	}
	a.cash.Add(a.cash, amount)
	a.borrows = fixedpoint.SaturatingSub(a.borrows, amount)
	return nil
}

func (p *ScaledPool) SupplyExchangeRate(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(a.supplyIndex), nil
}

func (p *ScaledPool) BorrowExchangeRate(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(a.borrowIndex), nil
}

func (p *ScaledPool) SupplyRatePerBlock(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(a.supplyRate), nil
}

func (p *ScaledPool) BorrowRatePerBlock(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(a.borrowRate), nil
}
