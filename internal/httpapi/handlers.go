package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"trading-engine/internal/manager"
	"trading-engine/internal/models"
)

var errMissingSymbol = errors.New("symbol query parameter is required")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serverTime, err := s.gateway.GetServerTime(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"serverTime": serverTime,
		"timeOffset": s.gateway.TimeOffset(),
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, errMissingSymbol)
		return
	}
	price, err := s.gateway.GetPrice(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"price":  price,
		"source": "gateway",
	})
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, errMissingSymbol)
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1m"
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	klines, err := s.gateway.Klines(r.Context(), symbol, interval, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, klines)
}

func (s *Server) handleSymbolInfo(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, errMissingSymbol)
		return
	}
	filters, err := s.gateway.SymbolFilters(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	base, quote := splitSymbol(symbol)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":     filters.Symbol,
		"baseAsset":  base,
		"quoteAsset": quote,
		"tickSize":   filters.TickSize,
		"stepSize":   filters.StepSize,
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, errMissingSymbol)
		return
	}
	base, quote := splitSymbol(symbol)

	account, err := s.gateway.AccountInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"base":  account.Balances[base],
		"quote": account.Balances[quote],
	})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListBots())
}

func (s *Server) handleBotsSummary(w http.ResponseWriter, r *http.Request) {
	bots := s.manager.ListBots()
	running := 0
	var realizedPnl float64
	for _, b := range bots {
		if b.Status == models.StatusRunning {
			running++
		}
		realizedPnl += b.Stats.RealizedPnl
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":       len(bots),
		"running":     running,
		"realizedPnl": realizedPnl,
	})
}

func (s *Server) handleBotDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.manager.GetBot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	details, err := s.manager.RunnerDetails(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bot":     view,
		"details": details,
	})
}

type createBotRequest struct {
	Name     string        `json:"name"`
	Strategy string        `json:"strategy"`
	Symbol   string        `json:"symbol"`
	Config   models.Config `json:"config"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bot, err := s.manager.CreateBot(manager.CreateBotParams{
		Name:     req.Name,
		Strategy: models.Strategy(req.Strategy),
		Symbol:   strings.ToUpper(req.Symbol),
		Config:   req.Config,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.StartBot(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.StopBot(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// quoteAssets lists the suffixes checked, longest first, to split a
// combined symbol like "BTCUSDT" into base/quote without a full
// exchangeInfo round trip.
var quoteAssets = []string{"FDUSD", "USDT", "BUSD", "USDC", "BTC", "ETH", "BNB"}

func splitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}
