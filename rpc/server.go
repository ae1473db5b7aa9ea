// Package rpc exposes the overlay's operations over HTTP with JSON bodies.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerlend/lending"
)

// Server routes HTTP requests onto a matching engine.
type Server struct {
	engine *lending.Engine
	log    *slog.Logger
	router chi.Router
}

func NewServer(engine *lending.Engine, log *slog.Logger) *Server {
	s := &Server{engine: engine, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/supply", s.handleBalanceOp("supply", s.engine.Supply))
		r.Post("/borrow", s.handleBalanceOp("borrow", s.engine.Borrow))
		r.Post("/withdraw", s.handleBalanceOp("withdraw", s.engine.Withdraw))
		r.Post("/repay", s.handleBalanceOp("repay", s.engine.Repay))
		r.Post("/liquidate", s.handleLiquidate)
		r.Get("/position/{asset}/{user}", s.handlePosition)
		r.Get("/market/{asset}", s.handleMarket)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type balanceRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type balancesPayload struct {
	OnPool string `json:"onPool"`
	InP2P  string `json:"inP2P"`
}

type liquidateRequest struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	BorrowedAsset   string `json:"borrowedAsset"`
	CollateralAsset string `json:"collateralAsset"`
	RepayAmount     string `json:"repayAmount"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBalanceOp(op string, fn func(common.Address, string, *big.Int) (lending.Balances, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req balanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		user, err := parseAddress(req.User)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		balances, err := fn(user, req.Asset, amount)
		if err != nil {
			s.log.Warn("operation rejected", "op", op, "asset", req.Asset, "user", req.User, "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, balancesJSON(balances))
	}
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	liquidator, err := parseAddress(req.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.RepayAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	seized, err := s.engine.Liquidate(liquidator, req.BorrowedAsset, req.CollateralAsset, borrower, amount)
	if err != nil {
		s.log.Warn("liquidation rejected", "borrower", req.Borrower, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"seized": seized.String()})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	user, err := parseAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := s.engine.PositionOf(asset, user)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]balancesPayload{
		"supply": balancesJSON(pos.Supply),
		"borrow": balancesJSON(pos.Borrow),
	})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.engine.Market(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":           market.Asset,
		"supplyIndexP2P":  market.SupplyIndexP2P.String(),
		"borrowIndexP2P":  market.BorrowIndexP2P.String(),
		"totalSupplyP2P":  market.TotalSupplyP2P.String(),
		"totalBorrowP2P":  market.TotalBorrowP2P.String(),
		"supplyDelta":     market.SupplyDelta.String(),
		"borrowDelta":     market.BorrowDelta.String(),
		"lastUpdateBlock": market.LastUpdateBlock,
		"maxIterations":   market.MaxIterations,
		"reserveFeeBps":   market.ReserveFeeBps,
	})
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func balancesJSON(b lending.Balances) balancesPayload {
	return balancesPayload{OnPool: b.OnPool.String(), InP2P: b.InP2P.String()}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrMarketNotListed):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrAmountBelowDust):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrBorrowerHealthy),
		errors.Is(err, lending.ErrRepayExceedsCloseFactor),
		errors.Is(err, lending.ErrNoDebtToRepay):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorPayload{Error: err.Error()})
}
