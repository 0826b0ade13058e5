package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// QuoteFunc returns the latest quotes for a symbol across exchanges.
type QuoteFunc func(ctx context.Context, symbol string) ([]domain.Quote, error)

// QuoteHandler serves cross-exchange quotes for one symbol.
type QuoteHandler struct {
	quotes QuoteFunc
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(quotes QuoteFunc, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, logger: logHandler(logger, "quotes")}
}

type quotesResponse struct {
	Symbol string         `json:"symbol"`
	Quotes []domain.Quote `json:"quotes"`
}

// GetQuotes returns the latest quote per exchange for {symbol}.
// GET /api/quotes/{symbol}
func (h *QuoteHandler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(pathParam(r, "symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	quotes, err := h.quotes(r.Context(), symbol)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "load quotes failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, code, "quotes not available")
		return
	}
	writeJSON(w, http.StatusOK, quotesResponse{Symbol: symbol, Quotes: quotes})
}
