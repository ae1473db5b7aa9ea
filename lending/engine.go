// Package lending implements the peer-to-peer overlay on top of an external
// pooled lending protocol. Suppliers and borrowers of the same asset are
// matched directly against each other whenever possible; any unmatched
// amount falls back to the underlying pool.
package lending

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"peerlend/fixedpoint"
	"peerlend/observability/metrics"
	"peerlend/registry"
)

var (
	ErrNilState                = errors.New("matching engine: state not configured")
	ErrNilPool                 = errors.New("matching engine: pool gateway not configured")
	ErrNilOracle               = errors.New("matching engine: price oracle not configured")
	ErrMarketNotListed         = errors.New("matching engine: market not listed")
	ErrMarketAlreadyListed     = errors.New("matching engine: market already listed")
	ErrInvalidAmount           = errors.New("matching engine: amount must be positive")
	ErrAmountBelowDust         = errors.New("matching engine: amount below dust threshold")
	ErrInsufficientBalance     = errors.New("matching engine: insufficient balance")
	ErrInsufficientCollateral  = errors.New("matching engine: insufficient collateral")
	ErrBorrowerHealthy         = errors.New("matching engine: borrower not eligible for liquidation")
	ErrRepayExceedsCloseFactor = errors.New("matching engine: repay exceeds close factor")
	ErrNoDebtToRepay           = errors.New("matching engine: no outstanding debt to repay")
)

// engineState is the persistence layer the engine operates against. A nil
// result with a nil error means the record does not exist yet.
type engineState interface {
	GetMarket(asset string) (*Market, error)
	PutMarket(market *Market) error
	ListMarkets() ([]*Market, error)
	GetPosition(asset string, side Side, user common.Address) (*Position, error)
	PutPosition(asset string, side Side, pos *Position) error
	DeletePosition(asset string, side Side, user common.Address) error
	GetFeeAccrual(asset string) (*FeeAccrual, error)
	PutFeeAccrual(asset string, fees *FeeAccrual) error
	GetUserMarkets(user common.Address) ([]string, error)
	PutUserMarkets(user common.Address, assets []string) error
	ForEachPosition(asset string, side Side, fn func(*Position) error) error
}

// PoolGateway exposes the underlying pool's primitives. Exchange rates are
// ray-scaled underlying-per-unit values and must be read fresh on each call;
// per-block rates are ray-scaled growth rates.
type PoolGateway interface {
	Supply(asset string, amount *big.Int) error
	Borrow(asset string, amount *big.Int) error
	Repay(asset string, amount *big.Int) error
	Withdraw(asset string, amount *big.Int) error
	SupplyExchangeRate(asset string) (*big.Int, error)
	BorrowExchangeRate(asset string) (*big.Int, error)
	SupplyRatePerBlock(asset string) (*big.Int, error)
	BorrowRatePerBlock(asset string) (*big.Int, error)
}

// PriceOracle supplies asset prices and risk parameters, consumed read-only.
// Prices are wad-scaled in a common reference currency; ratios are basis
// points.
type PriceOracle interface {
	AssetPrice(asset string) (*big.Int, error)
	CollateralFactor(asset string) (uint64, error)
	LiquidationThreshold(asset string) (uint64, error)
	LiquidationBonus(asset string) (uint64, error)
	CloseFactor() (uint64, error)
}

type sideRegistries struct {
	supply *registry.Registry
	borrow *registry.Registry
}

// Engine orchestrates the matching and position accounting for the overlay.
// Each public call is a single atomic transition: all mutations are staged on
// cloned records and persisted only once every check has passed.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	pool        PoolGateway
	oracle      PriceOracle
	registries  map[string]*sideRegistries
	blockHeight uint64
}

// NewEngine constructs an engine wired to the given pool and oracle
// collaborators. SetState must be called before any operation.
func NewEngine(pool PoolGateway, oracle PriceOracle) *Engine {
	return &Engine{
		pool:       pool,
		oracle:     oracle,
		registries: make(map[string]*sideRegistries),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBlockHeight records the block height used for accrual deltas.
func (e *Engine) SetBlockHeight(height uint64) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.blockHeight = height
	e.mu.Unlock()
}

func (e *Engine) guard() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.pool == nil {
		return ErrNilPool
	}
	if e.oracle == nil {
		return ErrNilOracle
	}
	return nil
}

func (e *Engine) registryFor(asset string, side Side) *registry.Registry {
	regs, ok := e.registries[asset]
	if !ok {
		regs = &sideRegistries{supply: registry.New(), borrow: registry.New()}
		e.registries[asset] = regs
	}
	if side == SideBorrow {
		return regs.borrow
	}
	return regs.supply
}

// ListMarket creates the market record for an asset and derives its initial
// growth rates from the pool.
func (e *Engine) ListMarket(asset string, params MarketParams) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.state.GetMarket(asset)
	if err != nil {
		return err
	}
	if existing != nil && existing.Created {
		return ErrMarketAlreadyListed
	}
	market := NewMarket(asset, params)
	market.LastUpdateBlock = e.blockHeight

	supplyRate, err := e.pool.SupplyRatePerBlock(asset)
	if err != nil {
		return err
	}
	borrowRate, err := e.pool.BorrowRatePerBlock(asset)
	if err != nil {
		return err
	}
	market.RefreshRates(supplyRate, borrowRate)

	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	e.registryFor(asset, SideSupply)
	e.registryFor(asset, SideBorrow)
	return nil
}

// RefreshMarketRates accrues the market and re-derives its per-block growth
// rates from the pool's current rates.
func (e *Engine) RefreshMarketRates(asset string) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.begin(asset)
	if err != nil {
		return err
	}
	mc := tx.markets[asset]
	supplyRate, err := e.pool.SupplyRatePerBlock(asset)
	if err != nil {
		return err
	}
	borrowRate, err := e.pool.BorrowRatePerBlock(asset)
	if err != nil {
		return err
	}
	mc.market.RefreshRates(supplyRate, borrowRate)
	return tx.commit()
}

// WarmRegistries rebuilds the in-memory ordered registries from persisted
// positions. Called once at startup before the engine serves traffic.
func (e *Engine) WarmRegistries() error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	markets, err := e.state.ListMarkets()
	if err != nil {
		return err
	}
	for _, market := range markets {
		asset := market.Asset
		supplyRate, err := e.pool.SupplyExchangeRate(asset)
		if err != nil {
			return err
		}
		borrowRate, err := e.pool.BorrowExchangeRate(asset)
		if err != nil {
			return err
		}
		for _, side := range []Side{SideSupply, SideBorrow} {
			rate := supplyRate
			if side == SideBorrow {
				rate = borrowRate
			}
			reg := e.registryFor(asset, side)
			err := e.state.ForEachPosition(asset, side, func(pos *Position) error {
				if pos.IsZero() {
					return nil
				}
				value, err := fixedpoint.PoolUnitsToUnderlying(pos.OnPool, rate)
				if err != nil {
					return err
				}
				reg.Upsert(pos.Address, value)
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// PositionOf returns both sides of a user's position in a market, in raw
// pool and P2P units.
func (e *Engine) PositionOf(asset string, user common.Address) (UserPosition, error) {
	if err := e.guard(); err != nil {
		return UserPosition{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	market, err := e.state.GetMarket(asset)
	if err != nil {
		return UserPosition{}, err
	}
	if market == nil || !market.Created {
		return UserPosition{}, ErrMarketNotListed
	}
	out := UserPosition{}
	for _, side := range []Side{SideSupply, SideBorrow} {
		pos, err := e.state.GetPosition(asset, side, user)
		if err != nil {
			return UserPosition{}, err
		}
		if pos == nil {
			pos = &Position{Address: user}
		}
		pos.ensureDefaults()
		bal := Balances{OnPool: new(big.Int).Set(pos.OnPool), InP2P: new(big.Int).Set(pos.InP2P)}
		if side == SideSupply {
			out.Supply = bal
		} else {
			out.Borrow = bal
		}
	}
	return out, nil
}

// Market returns a copy of the market record after a read-only accrual to
// the current block.
func (e *Engine) Market(asset string) (*Market, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	market, err := e.state.GetMarket(asset)
	if err != nil {
		return nil, err
	}
	if market == nil || !market.Created {
		return nil, ErrMarketNotListed
	}
	clone := market.Clone()
	clone.Accrue(e.blockHeight)
	return clone, nil
}

// Supply deposits amount of asset for user. Pool borrowers are promoted into
// P2P against the deposit within the iteration budget; the residual is
// supplied to the pool. The returned balances account for amount exactly, up
// to rounding dust retained by the protocol.
func (e *Engine) Supply(user common.Address, asset string, amount *big.Int) (Balances, error) {
	if err := e.guard(); err != nil {
		return Balances{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.begin(asset)
	if err != nil {
		return Balances{}, failOp("supply", err)
	}
	mc := tx.markets[asset]
	if err := validateAmount(amount, mc.market.DustWei); err != nil {
		return Balances{}, failOp("supply", err)
	}

	pos, err := tx.position(asset, SideSupply, user)
	if err != nil {
		return Balances{}, failOp("supply", err)
	}

	matched, err := tx.promoteBorrowers(mc, amount, user)
	if err != nil {
		return Balances{}, failOp("supply", err)
	}
	if matched.Sign() > 0 {
		units := fixedpoint.RayDivDown(matched, mc.market.SupplyIndexP2P)
		pos.InP2P.Add(pos.InP2P, units)
		mc.market.TotalSupplyP2P.Add(mc.market.TotalSupplyP2P, units)
		matchedWei, _ := new(big.Float).SetInt(matched).Float64()
		metrics.Overlay().ObserveMatchedVolume(asset, "supply", matchedWei)
	}

	remaining := new(big.Int).Sub(amount, matched)
	if remaining.Sign() > 0 {
		units, err := fixedpoint.UnderlyingToPoolUnits(remaining, mc.supplyRate)
		if err != nil {
			return Balances{}, failOp("supply", err)
		}
		pos.OnPool.Add(pos.OnPool, units)
		tx.poolOp(asset, poolOpSupply, remaining)
		metrics.Overlay().RecordPoolFallback(asset, "supply")
	}

	if err := tx.stageUserMarket(user, asset); err != nil {
		return Balances{}, failOp("supply", err)
	}
	if err := tx.commit(); err != nil {
		return Balances{}, failOp("supply", err)
	}
	metrics.Overlay().ObserveMatchIterations(asset, "supply", tx.visited)
	return snapshot(pos), nil
}

// Borrow draws amount of asset for user, matching pool suppliers first and
// falling back to a pool borrow. The user's aggregate collateral must cover
// the resulting debt; otherwise the whole call is discarded.
func (e *Engine) Borrow(user common.Address, asset string, amount *big.Int) (Balances, error) {
	if err := e.guard(); err != nil {
		return Balances{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.begin(asset)
	if err != nil {
		return Balances{}, failOp("borrow", err)
	}
	mc := tx.markets[asset]
	if err := validateAmount(amount, mc.market.DustWei); err != nil {
		return Balances{}, failOp("borrow", err)
	}

	pos, err := tx.position(asset, SideBorrow, user)
	if err != nil {
		return Balances{}, failOp("borrow", err)
	}

	matched, err := tx.promoteSuppliers(mc, amount, user)
	if err != nil {
		return Balances{}, failOp("borrow", err)
	}
	if matched.Sign() > 0 {
		units := fixedpoint.RayDivUp(matched, mc.market.BorrowIndexP2P)
		pos.InP2P.Add(pos.InP2P, units)
		mc.market.TotalBorrowP2P.Add(mc.market.TotalBorrowP2P, units)
		matchedWei, _ := new(big.Float).SetInt(matched).Float64()
		metrics.Overlay().ObserveMatchedVolume(asset, "borrow", matchedWei)
	}

	remaining := new(big.Int).Sub(amount, matched)
	if remaining.Sign() > 0 {
		units := fixedpoint.RayDivUp(remaining, mc.borrowRate)
		pos.OnPool.Add(pos.OnPool, units)
		tx.poolOp(asset, poolOpBorrow, remaining)
		metrics.Overlay().RecordPoolFallback(asset, "borrow")
	}

	if err := tx.stageUserMarket(user, asset); err != nil {
		return Balances{}, failOp("borrow", err)
	}
	healthy, err := tx.healthy(user, factorCollateral)
	if err != nil {
		return Balances{}, failOp("borrow", err)
	}
	if !healthy {
		return Balances{}, failOp("borrow", ErrInsufficientCollateral)
	}
	if err := tx.commit(); err != nil {
		return Balances{}, failOp("borrow", err)
	}
	metrics.Overlay().ObserveMatchIterations(asset, "borrow", tx.visited)
	return snapshot(pos), nil
}

// Withdraw removes amount of supplied asset, pool balance first and P2P
// second. Orphaned borrowers are re-matched against pool suppliers within
// the iteration budget, then unmatched back onto the pool; an
// unattributable remainder is funded by a protocol pool borrow. Amount zero
// is an idempotent no-op.
func (e *Engine) Withdraw(user common.Address, asset string, amount *big.Int) (Balances, error) {
	if err := e.guard(); err != nil {
		return Balances{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.begin(asset)
	if err != nil {
		return Balances{}, failOp("withdraw", err)
	}
	mc := tx.markets[asset]
	if amount != nil && amount.Sign() < 0 {
		return Balances{}, failOp("withdraw", ErrInvalidAmount)
	}

	pos, err := tx.position(asset, SideSupply, user)
	if err != nil {
		return Balances{}, failOp("withdraw", err)
	}
	if amount == nil || amount.Sign() == 0 {
		return snapshot(pos), nil
	}

	if err := tx.reduceSupply(mc, pos, amount, user); err != nil {
		return Balances{}, failOp("withdraw", err)
	}

	borrowing, err := tx.hasDebt(user)
	if err != nil {
		return Balances{}, failOp("withdraw", err)
	}
	if borrowing {
		healthy, err := tx.healthy(user, factorCollateral)
		if err != nil {
			return Balances{}, failOp("withdraw", err)
		}
		if !healthy {
			return Balances{}, failOp("withdraw", ErrInsufficientCollateral)
		}
	}
	if err := tx.commit(); err != nil {
		return Balances{}, failOp("withdraw", err)
	}
	metrics.Overlay().ObserveMatchIterations(asset, "withdraw", tx.visited)
	return snapshot(pos), nil
}

// Repay pays down amount of the user's debt, pool balance first and P2P
// second, re-matching the vacated P2P suppliers where possible. Amounts
// beyond the outstanding debt are capped. Amount zero is an idempotent
// no-op.
func (e *Engine) Repay(user common.Address, asset string, amount *big.Int) (Balances, error) {
	if err := e.guard(); err != nil {
		return Balances{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.begin(asset)
	if err != nil {
		return Balances{}, failOp("repay", err)
	}
	mc := tx.markets[asset]
	if amount != nil && amount.Sign() < 0 {
		return Balances{}, failOp("repay", ErrInvalidAmount)
	}

	pos, err := tx.position(asset, SideBorrow, user)
	if err != nil {
		return Balances{}, failOp("repay", err)
	}
	if amount == nil || amount.Sign() == 0 {
		return snapshot(pos), nil
	}

	if err := tx.reduceDebt(mc, pos, amount, user); err != nil {
		return Balances{}, failOp("repay", err)
	}
	if err := tx.commit(); err != nil {
		return Balances{}, failOp("repay", err)
	}
	metrics.Overlay().ObserveMatchIterations(asset, "repay", tx.visited)
	return snapshot(pos), nil
}

// Liquidate repays part of an unhealthy borrower's debt and seizes a
// bonus-weighted amount of their collateral. The debt is reduced like a
// repay and the collateral like a withdraw, both under the shared iteration
// budget.
func (e *Engine) Liquidate(liquidator common.Address, borrowedAsset, collateralAsset string, borrower common.Address, repayAmount *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.begin(borrowedAsset)
	if err != nil {
		return nil, failOp("liquidate", err)
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, failOp("liquidate", ErrInvalidAmount)
	}
	mcBorrowed := tx.markets[borrowedAsset]
	mcCollateral, err := tx.marketCtx(collateralAsset, true)
	if err != nil {
		return nil, failOp("liquidate", err)
	}

	healthy, err := tx.healthy(borrower, factorLiquidation)
	if err != nil {
		return nil, failOp("liquidate", err)
	}
	if healthy {
		return nil, failOp("liquidate", ErrBorrowerHealthy)
	}

	debtPos, err := tx.position(borrowedAsset, SideBorrow, borrower)
	if err != nil {
		return nil, failOp("liquidate", err)
	}
	debt := tx.debtUnderlying(mcBorrowed, debtPos)
	if debt.Sign() == 0 {
		return nil, failOp("liquidate", ErrNoDebtToRepay)
	}
	closeBps, err := e.oracle.CloseFactor()
	if err != nil {
		return nil, failOp("liquidate", err)
	}
	maxRepay := new(big.Int).Mul(debt, new(big.Int).SetUint64(closeBps))
	maxRepay.Quo(maxRepay, basisPoints)
	if repayAmount.Cmp(maxRepay) > 0 {
		return nil, failOp("liquidate", ErrRepayExceedsCloseFactor)
	}

	seize, err := tx.seizeAmount(borrowedAsset, collateralAsset, repayAmount)
	if err != nil {
		return nil, failOp("liquidate", err)
	}
	collateralPos, err := tx.position(collateralAsset, SideSupply, borrower)
	if err != nil {
		return nil, failOp("liquidate", err)
	}
	available := tx.supplyUnderlying(mcCollateral, collateralPos)
	if seize.Cmp(available) > 0 {
		seize = available
	}

	if err := tx.reduceDebt(mcBorrowed, debtPos, repayAmount, borrower); err != nil {
		return nil, failOp("liquidate", err)
	}
	if err := tx.reduceSupply(mcCollateral, collateralPos, seize, borrower); err != nil {
		return nil, failOp("liquidate", err)
	}

	if err := tx.commit(); err != nil {
		return nil, failOp("liquidate", err)
	}
	metrics.Overlay().ObserveMatchIterations(borrowedAsset, "liquidate", tx.visited)
	metrics.Overlay().RecordLiquidation(borrowedAsset)
	return seize, nil
}

var basisPoints = big.NewInt(10_000)

func validateAmount(amount, dust *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if dust != nil && dust.Sign() > 0 && amount.Cmp(dust) < 0 {
		return ErrAmountBelowDust
	}
	return nil
}

func snapshot(pos *Position) Balances {
	return Balances{OnPool: new(big.Int).Set(pos.OnPool), InP2P: new(big.Int).Set(pos.InP2P)}
}

func failOp(op string, err error) error {
	metrics.Overlay().RecordCallError(op)
	return err
}
