package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// TradeHandler serves the trade log.
type TradeHandler struct {
	trades domain.TradeLogStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler backed by the given store.
func NewTradeHandler(trades domain.TradeLogStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logHandler(logger, "trades")}
}

type listTradesResponse struct {
	Trades []domain.TradeRecord `json:"trades"`
}

// ListTrades returns trade records newest first. With ?position= it returns
// every record of that position in write order and ignores pagination.
// GET /api/trades
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	var (
		records []domain.TradeRecord
		err     error
	)
	if id := r.URL.Query().Get("position"); id != "" {
		records, err = h.trades.ListByPosition(r.Context(), id)
	} else {
		opts, perr := parseListOpts(r)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		records, err = h.trades.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to list trades")
		return
	}
	if records == nil {
		records = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: records})
}
