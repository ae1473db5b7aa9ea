package gateway

import (
	"math/big"
	"sync"

	"peerlend/fixedpoint"
)

// UtilizationPool models a pool whose borrow rate follows a linear
// interest-rate model over utilisation and whose supply rate is the borrow
// rate scaled by utilisation net of a reserve cut. Indexes accrue lazily at
// whatever rate held since the last touch.
type UtilizationPool struct {
	mu     sync.Mutex
	block  uint64
	assets map[string]*utilAsset
}

type utilAsset struct {
	supplyIndex *big.Int
	borrowIndex *big.Int
	lastBlock   uint64
	cash        *big.Int
	borrows     *big.Int

	baseRate       *big.Int // ray per block at zero utilisation
	slope          *big.Int // ray per block added at full utilisation
	reserveFactor  *big.Int // ray fraction of borrow interest kept by the pool
}

func NewUtilizationPool() *UtilizationPool {
	return &UtilizationPool{assets: make(map[string]*utilAsset)}
}

// AddAsset registers an asset with the given rate model parameters.
func (p *UtilizationPool) AddAsset(asset string, baseRate, slope, reserveFactor *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := &utilAsset{
		supplyIndex:   new(big.Int).Set(fixedpoint.Ray),
		borrowIndex:   new(big.Int).Set(fixedpoint.Ray),
		lastBlock:     p.block,
		cash:          big.NewInt(0),
		borrows:       big.NewInt(0),
		baseRate:      big.NewInt(0),
		slope:         big.NewInt(0),
		reserveFactor: big.NewInt(0),
	}
	if baseRate != nil {
		a.baseRate.Set(baseRate)
	}
	if slope != nil {
		a.slope.Set(slope)
	}
	if reserveFactor != nil {
		a.reserveFactor.Set(reserveFactor)
	}
	p.assets[asset] = a
}

// SetBlock advances the pool's clock; indexes accrue lazily.
func (p *UtilizationPool) SetBlock(height uint64) {
	p.mu.Lock()
	p.block = height
	p.mu.Unlock()
}

func (a *utilAsset) utilization() *big.Int {
	total := new(big.Int).Add(a.cash, a.borrows)
	if total.Sign() == 0 {
		return big.NewInt(0)
	}
	u := new(big.Int).Mul(a.borrows, fixedpoint.Ray)
	return u.Quo(u, total)
}

func (a *utilAsset) borrowRate() *big.Int {
	rate := new(big.Int).Mul(a.slope, a.utilization())
	rate.Quo(rate, fixedpoint.Ray)
	return rate.Add(rate, a.baseRate)
}

func (a *utilAsset) supplyRate() *big.Int {
	rate := new(big.Int).Mul(a.borrowRate(), a.utilization())
	rate.Quo(rate, fixedpoint.Ray)
	keep := new(big.Int).Sub(fixedpoint.Ray, a.reserveFactor)
	rate.Mul(rate, keep)
	return rate.Quo(rate, fixedpoint.Ray)
}

func (p *UtilizationPool) asset(name string) (*utilAsset, error) {
	a, ok := p.assets[name]
	if !ok {
		return nil, ErrUnknownAsset
	}
	if p.block > a.lastBlock {
		delta := p.block - a.lastBlock
		a.supplyIndex = fixedpoint.LinearGrowth(a.supplyIndex, a.supplyRate(), delta)
		a.borrowIndex = fixedpoint.LinearGrowth(a.borrowIndex, a.borrowRate(), delta)
		a.lastBlock = p.block
	}
	return a, nil
}

func (p *UtilizationPool) Supply(asset string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return err
	}
	a.cash.Add(a.cash, amount)
	return nil
}

func (p *UtilizationPool) Withdraw(asset string, amount *big.Int) error {
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

func (p *UtilizationPool) Borrow(asset string, amount *big.Int) error {
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

func (p *UtilizationPool) Repay(asset string, amount *big.Int) error {
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

func (p *UtilizationPool) SupplyExchangeRate(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(a.supplyIndex), nil
}

func (p *UtilizationPool) BorrowExchangeRate(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(a.borrowIndex), nil
}

func (p *UtilizationPool) SupplyRatePerBlock(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return a.supplyRate(), nil
}

func (p *UtilizationPool) BorrowRatePerBlock(asset string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.asset(asset)
	if err != nil {
		return nil, err
	}
	return a.borrowRate(), nil
}
