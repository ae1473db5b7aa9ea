package lending

import (
	"math/big"

	"peerlend/fixedpoint"
)

// MarketParams groups the listing-time configuration of a market.
type MarketParams struct {
	// MaxIterations bounds the registry entries visited during matching and
	// rebalancing in a single call.
	MaxIterations uint64
	// ReserveFeeBps is the share of the supply/borrow rate spread skimmed to
	// the protocol, expressed in basis points.
	ReserveFeeBps uint64
	// DustWei is the minimum tracked amount; smaller residuals are dropped.
	DustWei *big.Int
}

// Market captures the peer-to-peer exchange-rate state for one listed asset.
// Both indexes start at one ray and only ever grow; the supply index is kept
// weakly below the borrow index so matched positions stay solvent.
type Market struct {
	Asset string
	// SupplyIndexP2P converts supply-side P2P units to underlying.
	SupplyIndexP2P *big.Int
	// BorrowIndexP2P converts borrow-side P2P units to underlying.
	BorrowIndexP2P *big.Int
	// SupplyGrowthPerBlock and BorrowGrowthPerBlock are ray per-block growth
	// rates derived from the pool's rates at the last refresh.
	SupplyGrowthPerBlock *big.Int
	BorrowGrowthPerBlock *big.Int
	LastUpdateBlock      uint64
	MaxIterations        uint64
	ReserveFeeBps        uint64
	DustWei              *big.Int
	// TotalSupplyP2P and TotalBorrowP2P track the matched principal on each
	// side in P2P units.
	TotalSupplyP2P *big.Int
	TotalBorrowP2P *big.Int
	// SupplyDelta and BorrowDelta are pool units the protocol itself holds or
	// owes on the pool to back P2P positions that could not be re-attributed
	// within the iteration budget. They are consumed with priority, at no
	// iteration cost, during later matching.
	SupplyDelta *big.Int
	BorrowDelta *big.Int
	Created     bool
}

// NewMarket lists a market with both indexes at one ray.
func NewMarket(asset string, params MarketParams) *Market {
	m := &Market{
		Asset:         asset,
		MaxIterations: params.MaxIterations,
		ReserveFeeBps: params.ReserveFeeBps,
		Created:       true,
	}
	if params.DustWei != nil {
		m.DustWei = new(big.Int).Set(params.DustWei)
	}
	m.ensureDefaults()
	return m
}

func (m *Market) ensureDefaults() {
	if m.SupplyIndexP2P == nil || m.SupplyIndexP2P.Sign() == 0 {
		m.SupplyIndexP2P = new(big.Int).Set(fixedpoint.Ray)
	}
	if m.BorrowIndexP2P == nil || m.BorrowIndexP2P.Sign() == 0 {
		m.BorrowIndexP2P = new(big.Int).Set(fixedpoint.Ray)
	}
	if m.SupplyGrowthPerBlock == nil {
		m.SupplyGrowthPerBlock = big.NewInt(0)
	}
	if m.BorrowGrowthPerBlock == nil {
		m.BorrowGrowthPerBlock = big.NewInt(0)
	}
	if m.DustWei == nil {
		m.DustWei = big.NewInt(0)
	}
	if m.TotalSupplyP2P == nil {
		m.TotalSupplyP2P = big.NewInt(0)
	}
	if m.TotalBorrowP2P == nil {
		m.TotalBorrowP2P = big.NewInt(0)
	}
	if m.SupplyDelta == nil {
		m.SupplyDelta = big.NewInt(0)
	}
	if m.BorrowDelta == nil {
		m.BorrowDelta = big.NewInt(0)
	}
}

// Clone returns a deep copy of the market record.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := &Market{
		Asset:           m.Asset,
		LastUpdateBlock: m.LastUpdateBlock,
		MaxIterations:   m.MaxIterations,
		ReserveFeeBps:   m.ReserveFeeBps,
		Created:         m.Created,
	}
	if m.SupplyIndexP2P != nil {
		clone.SupplyIndexP2P = new(big.Int).Set(m.SupplyIndexP2P)
	}
	if m.BorrowIndexP2P != nil {
		clone.BorrowIndexP2P = new(big.Int).Set(m.BorrowIndexP2P)
	}
	if m.SupplyGrowthPerBlock != nil {
		clone.SupplyGrowthPerBlock = new(big.Int).Set(m.SupplyGrowthPerBlock)
	}
	if m.BorrowGrowthPerBlock != nil {
		clone.BorrowGrowthPerBlock = new(big.Int).Set(m.BorrowGrowthPerBlock)
	}
	if m.DustWei != nil {
		clone.DustWei = new(big.Int).Set(m.DustWei)
	}
	if m.TotalSupplyP2P != nil {
		clone.TotalSupplyP2P = new(big.Int).Set(m.TotalSupplyP2P)
	}
	if m.TotalBorrowP2P != nil {
		clone.TotalBorrowP2P = new(big.Int).Set(m.TotalBorrowP2P)
	}
	if m.SupplyDelta != nil {
		clone.SupplyDelta = new(big.Int).Set(m.SupplyDelta)
	}
	if m.BorrowDelta != nil {
		clone.BorrowDelta = new(big.Int).Set(m.BorrowDelta)
	}
	clone.ensureDefaults()
	return clone
}

// Accrue advances both P2P indexes to the given block using the first-order
// growth approximation index*(1+growth*deltaBlocks) and returns the spread
// skimmed to the protocol on the matched principal, in wei. Indexes never
// decrease and the supply index is clamped to the borrow index.
func (m *Market) Accrue(block uint64) *big.Int {
	m.ensureDefaults()
	if block <= m.LastUpdateBlock {
		return big.NewInt(0)
	}
	delta := block - m.LastUpdateBlock
	m.LastUpdateBlock = block

	oldSupply := new(big.Int).Set(m.SupplyIndexP2P)
	oldBorrow := new(big.Int).Set(m.BorrowIndexP2P)

	newSupply := fixedpoint.LinearGrowth(oldSupply, m.SupplyGrowthPerBlock, delta)
	newBorrow := fixedpoint.LinearGrowth(oldBorrow, m.BorrowGrowthPerBlock, delta)
	if newSupply.Cmp(newBorrow) > 0 {
		newSupply = new(big.Int).Set(newBorrow)
	}
	if newSupply.Cmp(oldSupply) < 0 {
		newSupply = oldSupply
	}
	m.SupplyIndexP2P = newSupply
	m.BorrowIndexP2P = newBorrow

	// The wedge between what matched borrowers paid and matched suppliers
	// earned over this window is the protocol's fee.
	matched := fixedpoint.Min(m.TotalSupplyP2P, m.TotalBorrowP2P)
	if matched.Sign() == 0 {
		return big.NewInt(0)
	}
	supplyDelta := new(big.Int).Sub(m.SupplyIndexP2P, oldSupply)
	borrowDelta := new(big.Int).Sub(m.BorrowIndexP2P, oldBorrow)
	wedge := new(big.Int).Sub(borrowDelta, supplyDelta)
	if wedge.Sign() <= 0 {
		return big.NewInt(0)
	}
	return fixedpoint.RayMulDown(matched, wedge)
}

// RefreshRates re-derives both per-block growth rates from the pool's
// current rates. The P2P rate sits at the midpoint of the pool's supply and
// borrow rates; ReserveFeeBps of the half-spread is pushed back onto each
// side, widening the wedge the protocol keeps.
func (m *Market) RefreshRates(poolSupplyRate, poolBorrowRate *big.Int) {
	m.ensureDefaults()
	s := new(big.Int)
	if poolSupplyRate != nil && poolSupplyRate.Sign() > 0 {
		s.Set(poolSupplyRate)
	}
	b := new(big.Int)
	if poolBorrowRate != nil && poolBorrowRate.Sign() > 0 {
		b.Set(poolBorrowRate)
	}
	if b.Cmp(s) < 0 {
		b.Set(s)
	}
	mid := new(big.Int).Add(s, b)
	mid.Rsh(mid, 1)
	halfSpread := new(big.Int).Sub(b, mid)
	feeCut := new(big.Int).Mul(halfSpread, new(big.Int).SetUint64(m.ReserveFeeBps))
	feeCut.Quo(feeCut, big.NewInt(10_000))

	supplyGrowth := new(big.Int).Sub(mid, feeCut)
	if supplyGrowth.Cmp(s) < 0 {
		supplyGrowth.Set(s)
	}
	borrowGrowth := new(big.Int).Add(mid, feeCut)
	if borrowGrowth.Cmp(b) > 0 {
		borrowGrowth.Set(b)
	}
	m.SupplyGrowthPerBlock = supplyGrowth
	m.BorrowGrowthPerBlock = borrowGrowth
}
