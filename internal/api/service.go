// Package api provides the HTTP surface for the order engine: user and
// market management, order placement and cancellation, portfolio queries,
// and the WebSocket fill feed. Identity is an external concern — handlers
// trust the authenticated user identifier in the X-User-ID header.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/engine"
	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/pricing"
	"github.com/paperbet/order-engine/internal/store"
)

// userHeader carries the already-authenticated user identifier.
const userHeader = "X-User-ID"

// Service wires the engine and store to HTTP handlers.
type Service struct {
	engine          *engine.Engine
	store           store.Store
	startingBalance decimal.Decimal
	hub             *WSHub // optional
}

// NewService creates the HTTP service. hub may be nil.
func NewService(eng *engine.Engine, st store.Store, startingBalance decimal.Decimal, hub *WSHub) *Service {
	return &Service{
		engine:          eng,
		store:           st,
		startingBalance: startingBalance,
		hub:             hub,
	}
}

// Routes mounts all handlers on r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/users", s.CreateUser)
		r.Get("/users/{userID}", s.GetUser)

		r.Get("/markets", s.ListMarkets)
		r.Post("/markets", s.CreateMarket)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/markets/{marketID}/price", s.GetPrice)

		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders", s.GetOrders)
		r.Post("/orders/{orderID}/cancel", s.CancelOrder)

		r.Get("/positions", s.GetPositions)
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/trades", s.GetTrades)

		r.Post("/sweep", s.RunSweep)
	})
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users. ID is optional;
// a UUID is assigned when absent.
type CreateUserRequest struct {
	ID string `json:"id"`
}

// CreateMarketRequest is the JSON body for POST /markets. PriceYes may be
// quoted as a probability (0.65) or an integer percentage (65); zero
// means start at even odds.
type CreateMarketRequest struct {
	Slug     string          `json:"slug"`
	Question string          `json:"question"`
	PriceYes decimal.Decimal `json:"price_yes"`
}

// PlaceOrderRequest is the JSON body for POST /orders. Exactly one of
// MarketID or MarketSlug must identify the market.
type PlaceOrderRequest struct {
	MarketID   string          `json:"market_id"`
	MarketSlug string          `json:"market_slug"`
	Side       string          `json:"side"`      // YES | NO
	Direction  string          `json:"direction"` // BUY | SELL
	Type       string          `json:"type"`      // MARKET | LIMIT
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// --- Handlers ---

// CreateUser handles POST /api/v1/users: creates a user funded with the
// configured starting balance.
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	user := &model.User{
		ID:              req.ID,
		FreeBalance:     s.startingBalance,
		ReservedBalance: decimal.Zero,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("user created", "user", user.ID, "balance", user.FreeBalance.String())
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Slug == "" {
		writeError(w, "slug is required", http.StatusBadRequest)
		return
	}

	priceYes := pricing.Normalize(req.PriceYes)
	if priceYes.IsZero() {
		priceYes = decimal.NewFromFloat(0.5)
	}
	if priceYes.LessThanOrEqual(decimal.Zero) || priceYes.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		writeError(w, "price_yes must be between 0 and 1 exclusive", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:        uuid.New().String(),
		Slug:      req.Slug,
		Question:  req.Question,
		PriceYes:  priceYes,
		PriceNo:   decimal.NewFromInt(1).Sub(priceYes),
		Active:    true,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created", "id", market.ID, "slug", market.Slug, "price_yes", priceYes.String())
	writeJSON(w, http.StatusCreated, market)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}. Accepts an ID or a slug.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.lookupMarket(r, chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.lookupMarket(r, chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"yes": market.PriceYes,
		"no":  market.PriceNo,
	})
}

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return
	}

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	marketID := req.MarketID
	if marketID == "" && req.MarketSlug != "" {
		market, err := s.store.GetMarketBySlug(r.Context(), req.MarketSlug)
		if err != nil {
			writeError(w, "market not found: "+req.MarketSlug, http.StatusNotFound)
			return
		}
		marketID = market.ID
	}

	order, err := s.engine.PlaceOrder(r.Context(), engine.PlaceOrderParams{
		UserID:     userID,
		MarketID:   marketID,
		Side:       req.Side,
		Direction:  req.Direction,
		Type:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return
	}

	if err := s.engine.CancelOrder(r.Context(), userID, chi.URLParam(r, "orderID")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// GetOrders handles GET /api/v1/orders?market_id=...
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return
	}

	orders, err := s.engine.GetOrders(r.Context(), userID, r.URL.Query().Get("market_id"))
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPositions handles GET /api/v1/positions.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return
	}

	positions, err := s.engine.GetPositions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolio handles GET /api/v1/portfolio.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return
	}

	portfolio, err := s.engine.GetPortfolio(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// GetTrades handles GET /api/v1/trades.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return
	}

	trades, err := s.engine.GetTrades(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// RunSweep handles POST /api/v1/sweep: a manual trigger for the matching
// sweep, for schedulers and development.
func (s *Service) RunSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.RunMatchingSweep(r.Context())
	if err != nil {
		writeError(w, "sweep failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// lookupMarket resolves an ID-or-slug path parameter.
func (s *Service) lookupMarket(r *http.Request, key string) (*model.Market, error) {
	market, err := s.store.GetMarket(r.Context(), key)
	if err == nil {
		return market, nil
	}
	return s.store.GetMarketBySlug(r.Context(), key)
}

// --- Response helpers ---

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

// writeEngineError maps engine error taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientShares):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrMarketUnavailable):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}
