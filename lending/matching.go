package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"peerlend/fixedpoint"
	"peerlend/observability/metrics"
	"peerlend/registry"
)

type poolOpKind uint8

const (
	poolOpSupply poolOpKind = iota
	poolOpBorrow
	poolOpRepay
	poolOpWithdraw
)

type poolOp struct {
	asset  string
	kind   poolOpKind
	amount *big.Int
}

type posKey struct {
	asset string
	side  Side
	user  common.Address
}

type riskFactor uint8

const (
	factorCollateral riskFactor = iota
	factorLiquidation
)

// marketCtx caches one market's staged clone together with the pool exchange
// rates read at the start of the call. Only dirty contexts are persisted.
type marketCtx struct {
	market     *Market
	fees       *FeeAccrual
	feeChanged bool
	supplyRate *big.Int
	borrowRate *big.Int
	dirty      bool
}

// txn stages the mutations of one engine call. Nothing touches persisted
// state or the in-memory registries until commit.
type txn struct {
	e           *Engine
	block       uint64
	budget      uint64
	visited     uint64
	markets     map[string]*marketCtx
	positions   map[posKey]*Position
	userMarkets map[common.Address][]string
	userDirty   map[common.Address]bool
	poolOps     []poolOp
}

func (e *Engine) begin(asset string) (*txn, error) {
	tx := &txn{
		e:           e,
		block:       e.blockHeight,
		markets:     make(map[string]*marketCtx),
		positions:   make(map[posKey]*Position),
		userMarkets: make(map[common.Address][]string),
		userDirty:   make(map[common.Address]bool),
	}
	mc, err := tx.marketCtx(asset, true)
	if err != nil {
		return nil, err
	}
	tx.budget = mc.market.MaxIterations
	return tx, nil
}

// marketCtx loads, clones and accrues a market. Dirty contexts are persisted
// at commit; read-only loads (collateral checks) are not.
func (tx *txn) marketCtx(asset string, dirty bool) (*marketCtx, error) {
	if mc, ok := tx.markets[asset]; ok {
		if dirty {
			mc.dirty = true
		}
		return mc, nil
	}
	stored, err := tx.e.state.GetMarket(asset)
	if err != nil {
		return nil, err
	}
	if stored == nil || !stored.Created {
		return nil, ErrMarketNotListed
	}
	market := stored.Clone()

	fees, err := tx.e.state.GetFeeAccrual(asset)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{Asset: asset}
	} else {
		fees = fees.Clone()
	}
	fees.ensureDefaults()

	supplyRate, err := tx.e.pool.SupplyExchangeRate(asset)
	if err != nil {
		return nil, err
	}
	borrowRate, err := tx.e.pool.BorrowExchangeRate(asset)
	if err != nil {
		return nil, err
	}

	mc := &marketCtx{
		market:     market,
		fees:       fees,
		supplyRate: supplyRate,
		borrowRate: borrowRate,
		dirty:      dirty,
	}
	if skim := market.Accrue(tx.block); skim.Sign() > 0 {
		mc.fees.ReserveFeesWei.Add(mc.fees.ReserveFeesWei, skim)
		mc.feeChanged = true
	}
	tx.markets[asset] = mc
	return mc, nil
}

// position returns the staged clone for (asset, side, user), loading it on
// first access.
func (tx *txn) position(asset string, side Side, user common.Address) (*Position, error) {
	key := posKey{asset: asset, side: side, user: user}
	if pos, ok := tx.positions[key]; ok {
		return pos, nil
	}
	stored, err := tx.e.state.GetPosition(asset, side, user)
	if err != nil {
		return nil, err
	}
	var pos *Position
	if stored == nil {
		pos = &Position{Address: user}
	} else {
		pos = stored.Clone()
	}
	pos.ensureDefaults()
	tx.positions[key] = pos
	return pos, nil
}

func (tx *txn) stageUserMarket(user common.Address, asset string) error {
	set, err := tx.loadUserMarkets(user)
	if err != nil {
		return err
	}
	for _, a := range set {
		if a == asset {
			return nil
		}
	}
	tx.userMarkets[user] = append(set, asset)
	tx.userDirty[user] = true
	return nil
}

func (tx *txn) loadUserMarkets(user common.Address) ([]string, error) {
	if set, ok := tx.userMarkets[user]; ok {
		return set, nil
	}
	set, err := tx.e.state.GetUserMarkets(user)
	if err != nil {
		return nil, err
	}
	tx.userMarkets[user] = set
	return set, nil
}

func (tx *txn) poolOp(asset string, kind poolOpKind, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	tx.poolOps = append(tx.poolOps, poolOp{asset: asset, kind: kind, amount: new(big.Int).Set(amount)})
}

// walk visits registry entries head-first, drawing one unit of iteration
// budget per entry. The registry is never mutated mid-call, so the iterator
// stays valid for the whole traversal.
func (tx *txn) walk(reg *registry.Registry, fn func(registry.Entry) (bool, error)) error {
	if tx.budget == 0 {
		return nil
	}
	it := reg.Head(int(tx.budget))
	for it.Next() {
		tx.budget--
		tx.visited++
		done, err := fn(it.Entry())
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return it.Err()
}

// promoteBorrowers moves pool borrowers into P2P against a fresh supply of
// amount, consuming the protocol's borrow delta first. Returns the matched
// underlying total; the caller credits the supplier's P2P units.
func (tx *txn) promoteBorrowers(mc *marketCtx, amount *big.Int, exclude common.Address) (*big.Int, error) {
	matched := big.NewInt(0)
	remaining := new(big.Int).Set(amount)
	asset := mc.market.Asset

	if mc.market.BorrowDelta.Sign() > 0 && remaining.Sign() > 0 {
		deltaUnderlying, err := fixedpoint.PoolUnitsToUnderlying(mc.market.BorrowDelta, mc.borrowRate)
		if err != nil {
			return nil, err
		}
		take := fixedpoint.Min(remaining, deltaUnderlying)
		if take.Sign() > 0 {
			if take.Cmp(deltaUnderlying) == 0 {
				mc.market.BorrowDelta.SetInt64(0)
			} else {
				units, err := fixedpoint.UnderlyingToPoolUnits(take, mc.borrowRate)
				if err != nil {
					return nil, err
				}
				mc.market.BorrowDelta = fixedpoint.SaturatingSub(mc.market.BorrowDelta, units)
			}
			tx.poolOp(asset, poolOpRepay, take)
			matched.Add(matched, take)
			remaining.Sub(remaining, take)
		}
	}

	if remaining.Sign() > 0 {
		reg := tx.e.registryFor(asset, SideBorrow)
		err := tx.walk(reg, func(entry registry.Entry) (bool, error) {
			if entry.Value.Sign() == 0 {
				// Descending order: nothing matchable remains.
				return true, nil
			}
			if entry.Participant == exclude {
				return false, nil
			}
			pos, err := tx.position(asset, SideBorrow, entry.Participant)
			if err != nil {
				return false, err
			}
			onPool, err := fixedpoint.PoolUnitsToUnderlying(pos.OnPool, mc.borrowRate)
			if err != nil {
				return false, err
			}
			take := fixedpoint.Min(remaining, onPool)
			if take.Sign() == 0 {
				return false, nil
			}
			if take.Cmp(onPool) == 0 {
				pos.OnPool.SetInt64(0)
			} else {
				units, err := fixedpoint.UnderlyingToPoolUnits(take, mc.borrowRate)
				if err != nil {
					return false, err
				}
				pos.OnPool = fixedpoint.SaturatingSub(pos.OnPool, units)
			}
			p2pUnits := fixedpoint.RayDivUp(take, mc.market.BorrowIndexP2P)
			pos.InP2P.Add(pos.InP2P, p2pUnits)
			mc.market.TotalBorrowP2P.Add(mc.market.TotalBorrowP2P, p2pUnits)

			tx.poolOp(asset, poolOpRepay, take)
			matched.Add(matched, take)
			remaining.Sub(remaining, take)
			return remaining.Sign() == 0, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return matched, nil
}

// promoteSuppliers moves pool suppliers into P2P against a fresh borrow of
// amount, consuming the protocol's supply delta first. Returns the matched
// underlying total; the caller credits the borrower's P2P units.
func (tx *txn) promoteSuppliers(mc *marketCtx, amount *big.Int, exclude common.Address) (*big.Int, error) {
	matched := big.NewInt(0)
	remaining := new(big.Int).Set(amount)
	asset := mc.market.Asset

	if mc.market.SupplyDelta.Sign() > 0 && remaining.Sign() > 0 {
		deltaUnderlying, err := fixedpoint.PoolUnitsToUnderlying(mc.market.SupplyDelta, mc.supplyRate)
		if err != nil {
			return nil, err
		}
		take := fixedpoint.Min(remaining, deltaUnderlying)
		if take.Sign() > 0 {
			if take.Cmp(deltaUnderlying) == 0 {
				mc.market.SupplyDelta.SetInt64(0)
			} else {
				units, err := fixedpoint.UnderlyingToPoolUnits(take, mc.supplyRate)
				if err != nil {
					return nil, err
				}
				mc.market.SupplyDelta = fixedpoint.SaturatingSub(mc.market.SupplyDelta, units)
			}
			tx.poolOp(asset, poolOpWithdraw, take)
			matched.Add(matched, take)
			remaining.Sub(remaining, take)
		}
	}

	if remaining.Sign() > 0 {
		reg := tx.e.registryFor(asset, SideSupply)
		err := tx.walk(reg, func(entry registry.Entry) (bool, error) {
			if entry.Value.Sign() == 0 {
				return true, nil
			}
			if entry.Participant == exclude {
				return false, nil
			}
			pos, err := tx.position(asset, SideSupply, entry.Participant)
			if err != nil {
				return false, err
			}
			onPool, err := fixedpoint.PoolUnitsToUnderlying(pos.OnPool, mc.supplyRate)
			if err != nil {
				return false, err
			}
			take := fixedpoint.Min(remaining, onPool)
			if take.Sign() == 0 {
				return false, nil
			}
			if take.Cmp(onPool) == 0 {
				pos.OnPool.SetInt64(0)
			} else {
				units := fixedpoint.RayDivUp(take, mc.supplyRate)
				pos.OnPool = fixedpoint.SaturatingSub(pos.OnPool, units)
			}
			p2pUnits := fixedpoint.RayDivDown(take, mc.market.SupplyIndexP2P)
			pos.InP2P.Add(pos.InP2P, p2pUnits)
			mc.market.TotalSupplyP2P.Add(mc.market.TotalSupplyP2P, p2pUnits)

			tx.poolOp(asset, poolOpWithdraw, take)
			matched.Add(matched, take)
			remaining.Sub(remaining, take)
			return remaining.Sign() == 0, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return matched, nil
}

// demoteBorrowers pushes P2P borrowers' debt back onto the pool for amount
// of underlying. Whatever cannot be attributed within the remaining budget
// is funded by a protocol pool borrow recorded in the market's borrow delta,
// so the demotion always satisfies the full amount.
func (tx *txn) demoteBorrowers(mc *marketCtx, amount *big.Int, exclude common.Address) error {
	remaining := new(big.Int).Set(amount)
	asset := mc.market.Asset

	reg := tx.e.registryFor(asset, SideBorrow)
	err := tx.walk(reg, func(entry registry.Entry) (bool, error) {
		if entry.Participant == exclude {
			return false, nil
		}
		pos, err := tx.position(asset, SideBorrow, entry.Participant)
		if err != nil {
			return false, err
		}
		if pos.InP2P.Sign() == 0 {
			return false, nil
		}
		p2pUnderlying, err := fixedpoint.P2PUnitsToUnderlying(pos.InP2P, mc.market.BorrowIndexP2P)
		if err != nil {
			return false, err
		}
		take := fixedpoint.Min(remaining, p2pUnderlying)
		if take.Sign() == 0 {
			return false, nil
		}
		if take.Cmp(p2pUnderlying) == 0 {
			mc.market.TotalBorrowP2P = fixedpoint.SaturatingSub(mc.market.TotalBorrowP2P, pos.InP2P)
			pos.InP2P.SetInt64(0)
		} else {
			removed := fixedpoint.RayDivDown(take, mc.market.BorrowIndexP2P)
			pos.InP2P = fixedpoint.SaturatingSub(pos.InP2P, removed)
			mc.market.TotalBorrowP2P = fixedpoint.SaturatingSub(mc.market.TotalBorrowP2P, removed)
		}
		pos.OnPool.Add(pos.OnPool, fixedpoint.RayDivUp(take, mc.borrowRate))

		tx.poolOp(asset, poolOpBorrow, take)
		remaining.Sub(remaining, take)
		return remaining.Sign() == 0, nil
	})
	if err != nil {
		return err
	}

	if remaining.Sign() > 0 {
		mc.market.BorrowDelta.Add(mc.market.BorrowDelta, fixedpoint.RayDivUp(remaining, mc.borrowRate))
		tx.poolOp(asset, poolOpBorrow, remaining)
		metrics.Overlay().RecordPoolFallback(asset, "unmatch-borrowers")
	}
	return nil
}

// demoteSuppliers pushes P2P suppliers' claims back onto the pool for amount
// of underlying, falling back to a protocol pool deposit recorded in the
// market's supply delta.
func (tx *txn) demoteSuppliers(mc *marketCtx, amount *big.Int, exclude common.Address) error {
	remaining := new(big.Int).Set(amount)
	asset := mc.market.Asset

	reg := tx.e.registryFor(asset, SideSupply)
	err := tx.walk(reg, func(entry registry.Entry) (bool, error) {
		if entry.Participant == exclude {
			return false, nil
		}
		pos, err := tx.position(asset, SideSupply, entry.Participant)
		if err != nil {
			return false, err
		}
		if pos.InP2P.Sign() == 0 {
			return false, nil
		}
		p2pUnderlying, err := fixedpoint.P2PUnitsToUnderlying(pos.InP2P, mc.market.SupplyIndexP2P)
		if err != nil {
			return false, err
		}
		take := fixedpoint.Min(remaining, p2pUnderlying)
		if take.Sign() == 0 {
			return false, nil
		}
		if take.Cmp(p2pUnderlying) == 0 {
			mc.market.TotalSupplyP2P = fixedpoint.SaturatingSub(mc.market.TotalSupplyP2P, pos.InP2P)
			pos.InP2P.SetInt64(0)
		} else {
			removed := fixedpoint.RayDivUp(take, mc.market.SupplyIndexP2P)
			pos.InP2P = fixedpoint.SaturatingSub(pos.InP2P, removed)
			mc.market.TotalSupplyP2P = fixedpoint.SaturatingSub(mc.market.TotalSupplyP2P, removed)
		}
		units, err := fixedpoint.UnderlyingToPoolUnits(take, mc.supplyRate)
		if err != nil {
			return false, err
		}
		pos.OnPool.Add(pos.OnPool, units)

		tx.poolOp(asset, poolOpSupply, take)
		remaining.Sub(remaining, take)
		return remaining.Sign() == 0, nil
	})
	if err != nil {
		return err
	}

	if remaining.Sign() > 0 {
		units, err := fixedpoint.UnderlyingToPoolUnits(remaining, mc.supplyRate)
		if err != nil {
			return err
		}
		mc.market.SupplyDelta.Add(mc.market.SupplyDelta, units)
		tx.poolOp(asset, poolOpSupply, remaining)
		metrics.Overlay().RecordPoolFallback(asset, "unmatch-suppliers")
	}
	return nil
}

// reduceSupply removes amount of underlying from a supply position, pool
// balance first, then P2P with replacement matching and bounded unmatching.
func (tx *txn) reduceSupply(mc *marketCtx, pos *Position, amount *big.Int, user common.Address) error {
	onPool := fixedpoint.RayMulDown(pos.OnPool, mc.supplyRate)
	p2p := fixedpoint.RayMulDown(pos.InP2P, mc.market.SupplyIndexP2P)
	total := new(big.Int).Add(onPool, p2p)
	if amount.Cmp(total) > 0 {
		return ErrInsufficientBalance
	}

	fromPool := fixedpoint.Min(amount, onPool)
	if fromPool.Sign() > 0 {
		if fromPool.Cmp(onPool) == 0 {
			pos.OnPool.SetInt64(0)
		} else {
			pos.OnPool = fixedpoint.SaturatingSub(pos.OnPool, fixedpoint.RayDivUp(fromPool, mc.supplyRate))
		}
		tx.poolOp(mc.market.Asset, poolOpWithdraw, fromPool)
	}

	rest := new(big.Int).Sub(amount, fromPool)
	if rest.Sign() == 0 {
		return nil
	}

	if rest.Cmp(p2p) == 0 {
		mc.market.TotalSupplyP2P = fixedpoint.SaturatingSub(mc.market.TotalSupplyP2P, pos.InP2P)
		pos.InP2P.SetInt64(0)
	} else {
		removed := fixedpoint.RayDivUp(rest, mc.market.SupplyIndexP2P)
		pos.InP2P = fixedpoint.SaturatingSub(pos.InP2P, removed)
		mc.market.TotalSupplyP2P = fixedpoint.SaturatingSub(mc.market.TotalSupplyP2P, removed)
	}

	// Replace the departing supplier with pool suppliers, then unmatch the
	// borrowers left orphaned.
	matched, err := tx.promoteSuppliers(mc, rest, user)
	if err != nil {
		return err
	}
	rest = rest.Sub(rest, matched)
	if rest.Sign() > 0 {
		if err := tx.demoteBorrowers(mc, rest, user); err != nil {
			return err
		}
	}
	return nil
}

// reduceDebt removes amount of underlying from a borrow position, pool debt
// first, then P2P with replacement matching and bounded unmatching. Amounts
// beyond the outstanding debt are capped.
func (tx *txn) reduceDebt(mc *marketCtx, pos *Position, amount *big.Int, user common.Address) error {
	onPool := fixedpoint.RayMulUp(pos.OnPool, mc.borrowRate)
	p2p := fixedpoint.RayMulUp(pos.InP2P, mc.market.BorrowIndexP2P)
	debt := new(big.Int).Add(onPool, p2p)
	if debt.Sign() == 0 {
		return ErrNoDebtToRepay
	}
	pay := fixedpoint.Min(amount, debt)

	fromPool := fixedpoint.Min(pay, onPool)
	if fromPool.Sign() > 0 {
		if fromPool.Cmp(onPool) == 0 {
			pos.OnPool.SetInt64(0)
		} else {
			pos.OnPool = fixedpoint.SaturatingSub(pos.OnPool, fixedpoint.RayDivDown(fromPool, mc.borrowRate))
		}
		tx.poolOp(mc.market.Asset, poolOpRepay, fromPool)
	}

	rest := new(big.Int).Sub(pay, fromPool)
	if rest.Sign() == 0 {
		return nil
	}

	if rest.Cmp(p2p) == 0 {
		mc.market.TotalBorrowP2P = fixedpoint.SaturatingSub(mc.market.TotalBorrowP2P, pos.InP2P)
		pos.InP2P.SetInt64(0)
	} else {
		removed := fixedpoint.RayDivDown(rest, mc.market.BorrowIndexP2P)
		pos.InP2P = fixedpoint.SaturatingSub(pos.InP2P, removed)
		mc.market.TotalBorrowP2P = fixedpoint.SaturatingSub(mc.market.TotalBorrowP2P, removed)
	}

	// Hand the vacated P2P credit to other pool borrowers, then unmatch the
	// suppliers left unmatched.
	matched, err := tx.promoteBorrowers(mc, rest, user)
	if err != nil {
		return err
	}
	rest = rest.Sub(rest, matched)
	if rest.Sign() > 0 {
		if err := tx.demoteSuppliers(mc, rest, user); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txn) supplyUnderlying(mc *marketCtx, pos *Position) *big.Int {
	onPool := fixedpoint.RayMulDown(pos.OnPool, mc.supplyRate)
	p2p := fixedpoint.RayMulDown(pos.InP2P, mc.market.SupplyIndexP2P)
	return onPool.Add(onPool, p2p)
}

func (tx *txn) debtUnderlying(mc *marketCtx, pos *Position) *big.Int {
	onPool := fixedpoint.RayMulUp(pos.OnPool, mc.borrowRate)
	p2p := fixedpoint.RayMulUp(pos.InP2P, mc.market.BorrowIndexP2P)
	return onPool.Add(onPool, p2p)
}

// hasDebt reports whether the user has any outstanding borrow across their
// entered markets.
func (tx *txn) hasDebt(user common.Address) (bool, error) {
	assets, err := tx.loadUserMarkets(user)
	if err != nil {
		return false, err
	}
	for _, asset := range assets {
		pos, err := tx.position(asset, SideBorrow, user)
		if err != nil {
			return false, err
		}
		if !pos.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

// healthy evaluates the user's aggregate position: collateral value weighted
// by the requested risk factor against total debt value, across all entered
// markets, using staged balances where present.
func (tx *txn) healthy(user common.Address, factor riskFactor) (bool, error) {
	assets, err := tx.loadUserMarkets(user)
	if err != nil {
		return false, err
	}
	collateral := big.NewInt(0)
	debt := big.NewInt(0)
	for _, asset := range assets {
		mc, err := tx.marketCtx(asset, false)
		if err != nil {
			return false, err
		}
		price, err := tx.e.oracle.AssetPrice(asset)
		if err != nil {
			return false, err
		}
		var factorBps uint64
		switch factor {
		case factorLiquidation:
			factorBps, err = tx.e.oracle.LiquidationThreshold(asset)
		default:
			factorBps, err = tx.e.oracle.CollateralFactor(asset)
		}
		if err != nil {
			return false, err
		}

		supplyPos, err := tx.position(asset, SideSupply, user)
		if err != nil {
			return false, err
		}
		supplyValue := valueOf(tx.supplyUnderlying(mc, supplyPos), price)
		supplyValue.Mul(supplyValue, new(big.Int).SetUint64(factorBps))
		supplyValue.Quo(supplyValue, basisPoints)
		collateral.Add(collateral, supplyValue)

		borrowPos, err := tx.position(asset, SideBorrow, user)
		if err != nil {
			return false, err
		}
		debt.Add(debt, valueOf(tx.debtUnderlying(mc, borrowPos), price))
	}
	if debt.Sign() == 0 {
		return true, nil
	}
	return collateral.Cmp(debt) >= 0, nil
}

// seizeAmount converts a repaid debt amount into collateral underlying via
// oracle prices and the collateral asset's liquidation bonus.
func (tx *txn) seizeAmount(borrowedAsset, collateralAsset string, repay *big.Int) (*big.Int, error) {
	priceBorrowed, err := tx.e.oracle.AssetPrice(borrowedAsset)
	if err != nil {
		return nil, err
	}
	priceCollateral, err := tx.e.oracle.AssetPrice(collateralAsset)
	if err != nil {
		return nil, err
	}
	if priceCollateral == nil || priceCollateral.Sign() == 0 {
		return nil, ErrMarketNotListed
	}
	bonusBps, err := tx.e.oracle.LiquidationBonus(collateralAsset)
	if err != nil {
		return nil, err
	}
	seize := new(big.Int).Mul(repay, priceBorrowed)
	seize.Mul(seize, new(big.Int).SetUint64(10_000+bonusBps))
	seize.Quo(seize, priceCollateral)
	seize.Quo(seize, basisPoints)
	return seize, nil
}

func valueOf(amount, price *big.Int) *big.Int {
	if amount == nil || price == nil {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, fixedpoint.Wad)
}

// commit applies the staged transaction: dust is swept, the deferred pool
// calls are issued, records are persisted, and the ordered registries are
// brought in line with the new on-pool balances.
func (tx *txn) commit() error {
	tx.sweepDust()

	for _, op := range tx.poolOps {
		var err error
		switch op.kind {
		case poolOpSupply:
			err = tx.e.pool.Supply(op.asset, op.amount)
		case poolOpBorrow:
			err = tx.e.pool.Borrow(op.asset, op.amount)
		case poolOpRepay:
			err = tx.e.pool.Repay(op.asset, op.amount)
		case poolOpWithdraw:
			err = tx.e.pool.Withdraw(op.asset, op.amount)
		}
		if err != nil {
			return err
		}
	}

	for asset, mc := range tx.markets {
		if !mc.dirty {
			continue
		}
		if err := tx.e.state.PutMarket(mc.market); err != nil {
			return err
		}
		if mc.feeChanged {
			if err := tx.e.state.PutFeeAccrual(asset, mc.fees); err != nil {
				return err
			}
		}
	}

	for key, pos := range tx.positions {
		if pos.IsZero() {
			if err := tx.e.state.DeletePosition(key.asset, key.side, key.user); err != nil {
				return err
			}
			continue
		}
		if err := tx.e.state.PutPosition(key.asset, key.side, pos); err != nil {
			return err
		}
	}

	if err := tx.pruneUserMarkets(); err != nil {
		return err
	}
	for user, dirty := range tx.userDirty {
		if !dirty {
			continue
		}
		if err := tx.e.state.PutUserMarkets(user, tx.userMarkets[user]); err != nil {
			return err
		}
	}

	tx.updateRegistries()
	return nil
}

// sweepDust zeroes residual balances below the market's dust threshold so
// the registries stay bounded; the written-off value stays with the
// protocol.
func (tx *txn) sweepDust() {
	for key, pos := range tx.positions {
		mc, ok := tx.markets[key.asset]
		if !ok || mc.market.DustWei.Sign() == 0 || pos.IsZero() {
			continue
		}
		var total *big.Int
		if key.side == SideSupply {
			total = tx.supplyUnderlying(mc, pos)
		} else {
			total = tx.debtUnderlying(mc, pos)
		}
		if total.Sign() > 0 && total.Cmp(mc.market.DustWei) < 0 {
			if key.side == SideSupply {
				mc.market.TotalSupplyP2P = fixedpoint.SaturatingSub(mc.market.TotalSupplyP2P, pos.InP2P)
			} else {
				mc.market.TotalBorrowP2P = fixedpoint.SaturatingSub(mc.market.TotalBorrowP2P, pos.InP2P)
			}
			pos.OnPool.SetInt64(0)
			pos.InP2P.SetInt64(0)
		}
	}
}

// pruneUserMarkets drops an asset from a user's entered set once both sides
// of their position are gone.
func (tx *txn) pruneUserMarkets() error {
	for key, pos := range tx.positions {
		if !pos.IsZero() {
			continue
		}
		other := SideSupply
		if key.side == SideSupply {
			other = SideBorrow
		}
		otherPos, ok := tx.positions[posKey{asset: key.asset, side: other, user: key.user}]
		if !ok {
			stored, err := tx.e.state.GetPosition(key.asset, other, key.user)
			if err != nil {
				return err
			}
			otherPos = stored
		}
		if otherPos != nil && !otherPos.IsZero() {
			continue
		}
		set, err := tx.loadUserMarkets(key.user)
		if err != nil {
			return err
		}
		pruned := set[:0]
		for _, a := range set {
			if a != key.asset {
				pruned = append(pruned, a)
			}
		}
		if len(pruned) != len(set) {
			tx.userMarkets[key.user] = pruned
			tx.userDirty[key.user] = true
		}
	}
	return nil
}

func (tx *txn) updateRegistries() {
	for key, pos := range tx.positions {
		mc, ok := tx.markets[key.asset]
		if !ok {
			continue
		}
		reg := tx.e.registryFor(key.asset, key.side)
		if pos.IsZero() {
			reg.Remove(key.user)
			continue
		}
		rate := mc.supplyRate
		if key.side == SideBorrow {
			rate = mc.borrowRate
		}
		value := fixedpoint.RayMulDown(pos.OnPool, rate)
		reg.Upsert(key.user, value)
	}
	for asset, mc := range tx.markets {
		if !mc.dirty {
			continue
		}
		supplyDelta, _ := new(big.Float).SetInt(mc.market.SupplyDelta).Float64()
		borrowDelta, _ := new(big.Float).SetInt(mc.market.BorrowDelta).Float64()
		metrics.Overlay().SetDelta(asset, "supply", supplyDelta)
		metrics.Overlay().SetDelta(asset, "borrow", borrowDelta)
	}
}
