// Package fixedpoint provides the scaled-integer arithmetic used by the
// overlay's accounting. Indexes are ray-scaled (1e27) exchange rates;
// underlying amounts are wei-scaled integers. Every conversion rounds in the
// direction that favours the protocol: claims round down, obligations round
// up. Results are confined to the 256-bit unsigned domain; leaving it is an
// invariant violation, not a recoverable condition.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrArithmeticOverflow signals that a computation left the 256-bit unsigned
// domain. Well-formed inputs can never trigger it.
var ErrArithmeticOverflow = errors.New("fixedpoint: arithmetic overflow")

var (
	// Ray is the 1e27 unit used for exchange-rate indexes.
	Ray = mustBigInt("1000000000000000000000000000")
	// Wad is the 1e18 unit used for oracle prices.
	Wad = mustBigInt("1000000000000000000")

	halfRay = new(big.Int).Rsh(Ray, 1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixedpoint: invalid big integer constant")
	}
	return v
}

// checkRange verifies the value fits the 256-bit unsigned domain.
func checkRange(v *big.Int) error {
	if v.Sign() < 0 {
		return ErrArithmeticOverflow
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrArithmeticOverflow
	}
	return nil
}

// RayMulDown returns a*b/Ray rounded towards zero.
func RayMulDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, Ray)
}

// RayMulUp returns a*b/Ray rounded away from zero.
func RayMulUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	if product.Sign() == 0 {
		return product
	}
	product.Add(product, new(big.Int).Sub(Ray, big.NewInt(1)))
	return product.Quo(product, Ray)
}

// RayDivDown returns a*Ray/b rounded towards zero.
func RayDivDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	return numerator.Quo(numerator, b)
}

// RayDivUp returns a*Ray/b rounded away from zero.
func RayDivUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	if numerator.Sign() == 0 {
		return numerator
	}
	numerator.Add(numerator, new(big.Int).Sub(b, big.NewInt(1)))
	return numerator.Quo(numerator, b)
}

// UnderlyingToPoolUnits converts a wei amount into pool units at the pool's
// current ray exchange rate, rounding the resulting claim down.
func UnderlyingToPoolUnits(amount, rate *big.Int) (*big.Int, error) {
	if rate == nil || rate.Sign() == 0 {
		return nil, ErrArithmeticOverflow
	}
	units := RayDivDown(amount, rate)
	if err := checkRange(units); err != nil {
		return nil, err
	}
	return units, nil
}

// PoolUnitsToUnderlying converts pool units back to a wei amount at the given
// ray exchange rate, rounding down.
func PoolUnitsToUnderlying(units, rate *big.Int) (*big.Int, error) {
	amount := RayMulDown(units, rate)
	if err := checkRange(amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// UnderlyingToP2PUnits converts a wei amount into P2P units at the market's
// current ray P2P index, rounding down.
func UnderlyingToP2PUnits(amount, index *big.Int) (*big.Int, error) {
	if index == nil || index.Sign() == 0 {
		return nil, ErrArithmeticOverflow
	}
	units := RayDivDown(amount, index)
	if err := checkRange(units); err != nil {
		return nil, err
	}
	return units, nil
}

// P2PUnitsToUnderlying converts P2P units back to a wei amount at the given
// ray P2P index, rounding down.
func P2PUnitsToUnderlying(units, index *big.Int) (*big.Int, error) {
	amount := RayMulDown(units, index)
	if err := checkRange(amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// Min returns the smaller of a and b as a fresh value. Nil arguments are
// treated as zero.
func Min(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// SaturatingSub returns a-b floored at zero.
func SaturatingSub(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil {
		return new(big.Int).Set(a)
	}
	diff := new(big.Int).Sub(a, b)
	if diff.Sign() < 0 {
		return big.NewInt(0)
	}
	return diff
}

// LinearGrowth returns index * (1 + growth*deltaBlocks) at ray precision,
// the first-order accrual approximation used by the market indexes. The
// result never decreases below the input index.
func LinearGrowth(index, growthPerBlock *big.Int, deltaBlocks uint64) *big.Int {
	if index == nil {
		return big.NewInt(0)
	}
	if growthPerBlock == nil || growthPerBlock.Sign() == 0 || deltaBlocks == 0 {
		return new(big.Int).Set(index)
	}
	factor := new(big.Int).Mul(growthPerBlock, new(big.Int).SetUint64(deltaBlocks))
	factor.Add(factor, Ray)
	grown := new(big.Int).Mul(index, factor)
	grown.Add(grown, halfRay)
	grown.Quo(grown, Ray)
	if grown.Cmp(index) < 0 {
		return new(big.Int).Set(index)
	}
	return grown
}
