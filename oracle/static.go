// Package oracle provides price and risk-parameter sources for the overlay.
package oracle

import (
	"errors"
	"math/big"
	"sync"
)

// ErrUnknownAsset is returned for assets without a configured entry.
var ErrUnknownAsset = errors.New("oracle: unknown asset")

// AssetParams bundles the price and risk parameters of a single asset.
type AssetParams struct {
	PriceWei            *big.Int // wad price in the reference currency
	CollateralBps       uint64
	LiquidationBps      uint64
	LiquidationBonusBps uint64
}

// Static serves prices and risk parameters from an in-memory table. Entries
// can be replaced at runtime, which the daemon uses for admin repricing.
type Static struct {
	mu          sync.RWMutex
	assets      map[string]AssetParams
	closeFactor uint64
}

// NewStatic creates an empty table with the given protocol-wide close factor.
func NewStatic(closeFactorBps uint64) *Static {
	return &Static{
		assets:      make(map[string]AssetParams),
		closeFactor: closeFactorBps,
	}
}

// SetAsset inserts or replaces the entry for an asset.
func (o *Static) SetAsset(asset string, params AssetParams) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if params.PriceWei == nil {
		params.PriceWei = big.NewInt(0)
	} else {
		params.PriceWei = new(big.Int).Set(params.PriceWei)
	}
	o.assets[asset] = params
}

func (o *Static) params(asset string) (AssetParams, error) {
	p, ok := o.assets[asset]
	if !ok {
		return AssetParams{}, ErrUnknownAsset
	}
	return p, nil
}

func (o *Static) AssetPrice(asset string) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, err := o.params(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(p.PriceWei), nil
}

func (o *Static) CollateralFactor(asset string) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, err := o.params(asset)
	if err != nil {
		return 0, err
	}
	return p.CollateralBps, nil
}

func (o *Static) LiquidationThreshold(asset string) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, err := o.params(asset)
	if err != nil {
		return 0, err
	}
	return p.LiquidationBps, nil
}

func (o *Static) LiquidationBonus(asset string) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, err := o.params(asset)
	if err != nil {
		return 0, err
	}
	return p.LiquidationBonusBps, nil
}

func (o *Static) CloseFactor() (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closeFactor, nil
}
