// Package state persists the overlay's records on a key-value store using
// RLP encoding. It implements the persistence interface the matching engine
// is wired against.
package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"peerlend/lending"
	"peerlend/storage"
)

const (
	marketPrefix      = "market/"
	positionPrefix    = "pos/"
	feePrefix         = "fees/"
	userMarketsPrefix = "usermkts/"
)

// Store is an engine state backed by a storage.Database.
type Store struct {
	db storage.Database
}

// NewStore wraps the given database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func marketKey(asset string) []byte {
	return []byte(marketPrefix + asset)
}

func positionSidePrefix(asset string, side lending.Side) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/", positionPrefix, asset, side))
}

func positionKey(asset string, side lending.Side, user common.Address) []byte {
	return append(positionSidePrefix(asset, side), user.Hex()...)
}

func feeKey(asset string) []byte {
	return []byte(feePrefix + asset)
}

func userMarketsKey(user common.Address) []byte {
	return []byte(userMarketsPrefix + user.Hex())
}

func (s *Store) GetMarket(asset string) (*lending.Market, error) {
	raw, err := s.db.Get(marketKey(asset))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	market := new(lending.Market)
	if err := rlp.DecodeBytes(raw, market); err != nil {
		return nil, fmt.Errorf("state: decode market %s: %w", asset, err)
	}
	return market, nil
}

func (s *Store) PutMarket(market *lending.Market) error {
	raw, err := rlp.EncodeToBytes(market)
	if err != nil {
		return fmt.Errorf("state: encode market %s: %w", market.Asset, err)
	}
	return s.db.Put(marketKey(market.Asset), raw)
}

func (s *Store) ListMarkets() ([]*lending.Market, error) {
	var markets []*lending.Market
	err := s.db.IteratePrefix([]byte(marketPrefix), func(_, value []byte) error {
		market := new(lending.Market)
		if err := rlp.DecodeBytes(value, market); err != nil {
			return fmt.Errorf("state: decode market: %w", err)
		}
		markets = append(markets, market)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return markets, nil
}

func (s *Store) GetPosition(asset string, side lending.Side, user common.Address) (*lending.Position, error) {
	raw, err := s.db.Get(positionKey(asset, side, user))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := new(lending.Position)
	if err := rlp.DecodeBytes(raw, pos); err != nil {
		return nil, fmt.Errorf("state: decode position: %w", err)
	}
	return pos, nil
}

func (s *Store) PutPosition(asset string, side lending.Side, pos *lending.Position) error {
	raw, err := rlp.EncodeToBytes(pos)
	if err != nil {
		return fmt.Errorf("state: encode position: %w", err)
	}
	return s.db.Put(positionKey(asset, side, pos.Address), raw)
}

func (s *Store) DeletePosition(asset string, side lending.Side, user common.Address) error {
	return s.db.Delete(positionKey(asset, side, user))
}

func (s *Store) GetFeeAccrual(asset string) (*lending.FeeAccrual, error) {
	raw, err := s.db.Get(feeKey(asset))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fees := new(lending.FeeAccrual)
	if err := rlp.DecodeBytes(raw, fees); err != nil {
		return nil, fmt.Errorf("state: decode fee accrual %s: %w", asset, err)
	}
	return fees, nil
}

func (s *Store) PutFeeAccrual(asset string, fees *lending.FeeAccrual) error {
	raw, err := rlp.EncodeToBytes(fees)
	if err != nil {
		return fmt.Errorf("state: encode fee accrual %s: %w", asset, err)
	}
	return s.db.Put(feeKey(asset), raw)
}

type userMarketList struct {
	Assets []string
}

func (s *Store) GetUserMarkets(user common.Address) ([]string, error) {
	raw, err := s.db.Get(userMarketsKey(user))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list userMarketList
	if err := rlp.DecodeBytes(raw, &list); err != nil {
		return nil, fmt.Errorf("state: decode user markets: %w", err)
	}
	return list.Assets, nil
}

func (s *Store) PutUserMarkets(user common.Address, assets []string) error {
	raw, err := rlp.EncodeToBytes(&userMarketList{Assets: assets})
	if err != nil {
		return fmt.Errorf("state: encode user markets: %w", err)
	}
	return s.db.Put(userMarketsKey(user), raw)
}

func (s *Store) ForEachPosition(asset string, side lending.Side, fn func(*lending.Position) error) error {
	return s.db.IteratePrefix(positionSidePrefix(asset, side), func(_, value []byte) error {
		pos := new(lending.Position)
		if err := rlp.DecodeBytes(value, pos); err != nil {
			return fmt.Errorf("state: decode position: %w", err)
		}
		return fn(pos)
	})
}
