package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side distinguishes the two halves of a market.
type Side uint8

const (
	SideSupply Side = iota
	SideBorrow
)

func (s Side) String() string {
	if s == SideBorrow {
		return "borrow"
	}
	return "supply"
}

// Position tracks one user's balance on one side of one market. OnPool is
// denominated in the pool's own scaled units; InP2P is denominated in
// peer-to-peer units convertible through the market's P2P index.
type Position struct {
	Address common.Address
	OnPool  *big.Int
	InP2P   *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Address: p.Address}
	if p.OnPool != nil {
		clone.OnPool = new(big.Int).Set(p.OnPool)
	}
	if p.InP2P != nil {
		clone.InP2P = new(big.Int).Set(p.InP2P)
	}
	clone.ensureDefaults()
	return clone
}

func (p *Position) ensureDefaults() {
	if p.OnPool == nil {
		p.OnPool = big.NewInt(0)
	}
	if p.InP2P == nil {
		p.InP2P = big.NewInt(0)
	}
}

// IsZero reports whether both tracked amounts are zero.
func (p *Position) IsZero() bool {
	if p == nil {
		return true
	}
	return (p.OnPool == nil || p.OnPool.Sign() == 0) && (p.InP2P == nil || p.InP2P.Sign() == 0)
}

// Balances is the externally visible shape of one side of a position.
type Balances struct {
	OnPool *big.Int
	InP2P  *big.Int
}

// UserPosition aggregates both sides of a user's position in one market.
type UserPosition struct {
	Supply Balances
	Borrow Balances
}

// FeeAccrual captures the protocol fee balance skimmed from the matched
// rate spread for a single market.
type FeeAccrual struct {
	Asset          string
	ReserveFeesWei *big.Int
}

// Clone returns a deep copy of the fee accrual record.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{Asset: f.Asset}
	if f.ReserveFeesWei != nil {
		clone.ReserveFeesWei = new(big.Int).Set(f.ReserveFeesWei)
	}
	return clone
}

func (f *FeeAccrual) ensureDefaults() {
	if f.ReserveFeesWei == nil {
		f.ReserveFeesWei = big.NewInt(0)
	}
}
