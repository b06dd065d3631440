package lending

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-ledger/internal/caps"
	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/interest"
	"github.com/atmx/lending-ledger/internal/ledger"
	"github.com/atmx/lending-ledger/internal/liquidation"
	"github.com/atmx/lending-ledger/internal/marketid"
	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/oracle"
	"github.com/atmx/lending-ledger/internal/store"
)

// --- Request types ---

// AmountRequest is the JSON body of supply, borrow and collateral requests.
// Amounts are decimal strings of smallest units.
type AmountRequest struct {
	Account string `json:"account"`
	Assets  string `json:"assets"`
}

// ExitRequest is the JSON body of withdraw and repay requests. Exactly one
// of Assets and Shares must be set.
type ExitRequest struct {
	Account string `json:"account"`
	Assets  string `json:"assets,omitempty"`
	Shares  string `json:"shares,omitempty"`
}

// LiquidateRequest is the JSON body for POST .../liquidate.
type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	Repay      string `json:"repay"`
	Seize      string `json:"seize"`
}

// PriceRequest is the JSON body for POST .../oracle. Price carries
// FeedDecimals fractional digits.
type PriceRequest struct {
	Price        string `json:"price"`
	FeedDecimals uint8  `json:"feed_decimals"`
	// Token decimals the reading is quoted for; they must match the market.
	QuoteDecimals uint8 `json:"quote_decimals"`
	BaseDecimals  uint8 `json:"base_decimals"`
	Timestamp     int64 `json:"timestamp,omitempty"` // unix seconds; 0 means now
}

// PriceResponse is returned after publishing a price.
type PriceResponse struct {
	Price    uint256.Int `json:"price"`
	Decimals int         `json:"decimals"`
}

// Routes registers the market endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.handleListMarkets)
	r.Post("/markets", s.handleCreateMarket)
	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", s.handleGetMarket)
		r.Post("/accrue", s.handleAccrue)
		r.Post("/oracle", s.handlePublishPrice)
		r.Get("/history", s.handleHistory)
		r.Get("/liquidatable", s.handleLiquidatable)

		r.Post("/supply", s.handleSupply)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/borrow", s.handleBorrow)
		r.Post("/repay", s.handleRepay)
		r.Post("/collateral", s.handleSupplyCollateral)
		r.Post("/collateral/withdraw", s.handleWithdrawCollateral)
		r.Post("/liquidate", s.handleLiquidate)

		r.Get("/positions/{account}", s.handlePosition)
		r.Get("/positions/{account}/quote", s.handleQuote)
	})
}

// --- HTTP Handlers ---

// handleCreateMarket handles POST /api/v1/markets
func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleListMarkets handles GET /api/v1/markets
func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// handleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleHistory handles GET /api/v1/markets/{marketID}/history
func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.History(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAccrue handles POST /api/v1/markets/{marketID}/accrue
func (s *Service) handleAccrue(w http.ResponseWriter, r *http.Request) {
	res, err := s.Accrue(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePublishPrice handles POST /api/v1/markets/{marketID}/oracle
func (s *Service) handlePublishPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	raw, err := fixedpoint.Parse(req.Price)
	if err != nil {
		writeError(w, fmt.Sprintf("%v: %v", oracle.ErrInvalidPrice, err), http.StatusBadRequest)
		return
	}
	reading := model.OracleReading{
		Price:         *raw,
		FeedDecimals:  req.FeedDecimals,
		QuoteDecimals: req.QuoteDecimals,
		BaseDecimals:  req.BaseDecimals,
	}
	if req.Timestamp > 0 {
		reading.Timestamp = unixUTC(req.Timestamp)
	}
	price, err := s.PublishPrice(r.Context(), chi.URLParam(r, "marketID"), reading)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &PriceResponse{Price: price.Value, Decimals: price.Decimals()})
}

// handleSupply handles POST /api/v1/markets/{marketID}/supply
func (s *Service) handleSupply(w http.ResponseWriter, r *http.Request) {
	req, assets, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	res, err := s.Supply(r.Context(), chi.URLParam(r, "marketID"), req.Account, assets)
	writeResult(w, res, err)
}

// handleWithdraw handles POST /api/v1/markets/{marketID}/withdraw
func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, assets, shares, ok := decodeExit(w, r)
	if !ok {
		return
	}
	res, err := s.Withdraw(r.Context(), chi.URLParam(r, "marketID"), req.Account, assets, shares)
	writeResult(w, res, err)
}

// handleBorrow handles POST /api/v1/markets/{marketID}/borrow
func (s *Service) handleBorrow(w http.ResponseWriter, r *http.Request) {
	req, assets, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	res, err := s.Borrow(r.Context(), chi.URLParam(r, "marketID"), req.Account, assets)
	writeResult(w, res, err)
}

// handleRepay handles POST /api/v1/markets/{marketID}/repay
func (s *Service) handleRepay(w http.ResponseWriter, r *http.Request) {
	req, assets, shares, ok := decodeExit(w, r)
	if !ok {
		return
	}
	res, err := s.Repay(r.Context(), chi.URLParam(r, "marketID"), req.Account, assets, shares)
	writeResult(w, res, err)
}

// handleSupplyCollateral handles POST /api/v1/markets/{marketID}/collateral
func (s *Service) handleSupplyCollateral(w http.ResponseWriter, r *http.Request) {
	req, assets, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	res, err := s.SupplyCollateral(r.Context(), chi.URLParam(r, "marketID"), req.Account, assets)
	writeResult(w, res, err)
}

// handleWithdrawCollateral handles POST /api/v1/markets/{marketID}/collateral/withdraw
func (s *Service) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	req, assets, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	res, err := s.WithdrawCollateral(r.Context(), chi.URLParam(r, "marketID"), req.Account, assets)
	writeResult(w, res, err)
}

// handleLiquidate handles POST /api/v1/markets/{marketID}/liquidate
func (s *Service) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Borrower == "" || req.Liquidator == "" {
		writeError(w, "liquidator and borrower are required", http.StatusBadRequest)
		return
	}
	repay, err := parseAmount(req.Repay)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	seize := new(uint256.Int)
	if req.Seize != "" {
		if seize, err = parseAmount(req.Seize); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	res, err := s.Liquidate(r.Context(), chi.URLParam(r, "marketID"), req.Liquidator, req.Borrower, repay, seize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePosition handles GET /api/v1/markets/{marketID}/positions/{account}
func (s *Service) handlePosition(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Position(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleQuote handles GET /api/v1/markets/{marketID}/positions/{account}/quote
func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.Quote(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleLiquidatable handles GET /api/v1/markets/{marketID}/liquidatable
func (s *Service) handleLiquidatable(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.ScanLiquidatable(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// --- Decoding ---

func decodeAmount(w http.ResponseWriter, r *http.Request) (AmountRequest, *uint256.Int, bool) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, nil, false
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		writeServiceError(w, err)
		return req, nil, false
	}
	return req, assets, true
}

func decodeExit(w http.ResponseWriter, r *http.Request) (ExitRequest, *uint256.Int, *uint256.Int, bool) {
	var req ExitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, nil, nil, false
	}
	var assets, shares *uint256.Int
	var err error
	if req.Assets != "" {
		if assets, err = parseAmount(req.Assets); err != nil {
			writeServiceError(w, err)
			return req, nil, nil, false
		}
	}
	if req.Shares != "" {
		if shares, err = parseAmount(req.Shares); err != nil {
			writeServiceError(w, err)
			return req, nil, nil, false
		}
	}
	return req, assets, shares, true
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: amount is required", ledger.ErrInvalidAmount)
	}
	v, err := fixedpoint.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	return v, nil
}

func unixUTC(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// --- Responses ---

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, marketid.ErrInvalidID),
		errors.Is(err, marketid.ErrInvalidParams),
		errors.Is(err, interest.ErrUnknownModel),
		errors.Is(err, liquidation.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrMarketNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrMarketExists),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, ledger.ErrInsufficientLiquidity),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, caps.ErrSupplyCapExceeded),
		errors.Is(err, caps.ErrBorrowCapExceeded),
		errors.Is(err, caps.ErrUtilizationCapExceeded),
		errors.Is(err, liquidation.ErrNotLiquidatable),
		errors.Is(err, liquidation.ErrExceedsMaxLiquidation),
		errors.Is(err, ErrUnhealthyPosition):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrNoPrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		// Arithmetic faults here mean corrupted state, not bad input.
		slog.Error("ledger invariant violated", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeResult(w http.ResponseWriter, res *OperationResult, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeJSON encodes v, which must be a pointer or slice so 256-bit amounts
// marshal as decimal strings.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
