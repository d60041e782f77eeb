package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Check database
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "error",
				"error":  "database unreachable",
			})
			return
		}
	}

	// Check NATS
	if s.nc != nil && !s.nc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "NATS disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnsupportedSymbol), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrLiquidationTriggered), errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.trader.Balance(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("get balance")
		writeError(w, statusFor(err), "failed to get balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.Positions(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list positions")
		writeError(w, statusFor(err), "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	pos, err := s.positions.Position(r.Context(), symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("get position")
		writeError(w, statusFor(err), err.Error())
		return
	}
	if pos == nil {
		writeError(w, http.StatusNotFound, "no open position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	hp, ok := s.trader.(adapter.HistoryProvider)
	if !ok {
		writeError(w, http.StatusNotImplemented, "position history not supported by this exchange")
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	fills, err := hp.PositionHistory(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("position history")
		writeError(w, statusFor(err), "failed to get position history")
		return
	}
	if fills == nil {
		fills = []adapter.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// CloseAllResponse is the response body for POST /api/v1/positions/close-all.
type CloseAllResponse struct {
	Signals []domain.TradingSignal `json:"signals"`
	Errors  []string               `json:"errors,omitempty"`
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	signals, err := s.positions.CloseAll(r.Context())
	resp := CloseAllResponse{Signals: signals}
	if resp.Signals == nil {
		resp.Signals = []domain.TradingSignal{}
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("closed", len(signals)).Msg("close all finished with errors")
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				resp.Errors = append(resp.Errors, e.Error())
			}
		} else {
			resp.Errors = []string{err.Error()}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseSignalQuery reads the signal filter from the query string.
func parseSignalQuery(r *http.Request) (domain.SignalQuery, string) {
	q := r.URL.Query()
	query := domain.SignalQuery{Symbol: q.Get("symbol")}

	if typ := q.Get("type"); typ != "" {
		query.Type = domain.SignalType(typ)
		if !query.Type.Valid() {
			return query, "invalid type"
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return query, "invalid limit"
		}
		query.Limit = limit
	}

	if fromStr := q.Get("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return query, "invalid from time"
		}
		query.From = &t
	}

	if toStr := q.Get("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return query, "invalid to time"
		}
		query.To = &t
	}

	if cursorStr := q.Get("cursor"); cursorStr != "" {
		t, err := time.Parse(time.RFC3339Nano, cursorStr)
		if err != nil {
			return query, "invalid cursor"
		}
		query.Cursor = &t
	}

	if query.From != nil && query.To != nil && query.To.Before(*query.From) {
		return query, "to must not be before from"
	}
	return query, ""
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	query, msg := parseSignalQuery(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	page, err := s.signals.QuerySignals(r.Context(), query)
	if err != nil {
		s.logger.Error().Err(err).Msg("query signals")
		writeError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleLatestSignal(w http.ResponseWriter, r *http.Request) {
	query, msg := parseSignalQuery(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	query.Cursor = nil
	query.Limit = 1

	page, err := s.signals.QuerySignals(r.Context(), query)
	if err != nil {
		s.logger.Error().Err(err).Msg("query latest signal")
		writeError(w, http.StatusInternalServerError, "failed to get latest signal")
		return
	}
	if len(page.Signals) == 0 {
		writeError(w, http.StatusNotFound, "no signals")
		return
	}
	writeJSON(w, http.StatusOK, page.Signals[0])
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	stats, err := s.stats.GetStats(r.Context(), symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("get stats")
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleArchiveSignals(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	res, err := s.archiver.ArchiveSymbol(r.Context(), symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("archive signals")
		writeError(w, http.StatusBadGateway, "failed to archive signals")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
